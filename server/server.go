// Package server exposes the REST API and the websocket endpoint, and wires
// the registry, directories, router and broadcaster together.
package server

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/tryfix/log"

	"wapp/apperr"
	"wapp/auth"
	"wapp/directory"
	"wapp/lockset"
	"wapp/notify"
	"wapp/registry"
	"wapp/router"
	"wapp/store"
)

// ResetPhrase must accompany every destructive reset request.
const ResetPhrase = "erase all chat data"

// opTimeout bounds each store operation triggered by a websocket frame.
const opTimeout = 10 * time.Second

type Config struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
	AllowReset     bool
	ResetOperator  string
}

type Server struct {
	config   *Config
	store    store.Store
	dir      *directory.Directory
	router   *router.Router
	reg      *registry.Registry
	notifier *notify.Broadcaster
	issuer   *auth.Issuer
	log      log.Logger
	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
	stop    context.CancelFunc
}

func New(st store.Store, issuer *auth.Issuer, logger log.Logger, config *Config) *Server {
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = 10 << 20
	}

	reg := registry.New()
	ctx, stop := context.WithCancel(context.Background())

	s := &Server{
		config:   config,
		store:    st,
		dir:      directory.New(st, lockset.New(), logger),
		router:   router.New(st, logger),
		reg:      reg,
		notifier: notify.NewBroadcaster(reg, logger, 1024),
		issuer:   issuer,
		log:      logger,
		clients:  make(map[*client]struct{}),
		stop:     stop,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	go s.notifier.Run(ctx)
	return s
}

func (s *Server) Handler() http.Handler {
	r := httprouter.New()

	r.POST("/register", s.handleRegister)
	r.POST("/login", s.handleLogin)

	r.GET("/contacts/:identity", s.authed(s.handleSnapshot))
	r.POST("/contacts/:identity", s.authed(s.handleAddContact))
	r.DELETE("/contacts/:identity/:contact", s.authed(s.handleRemoveContact))
	r.PUT("/users/:identity", s.authed(s.handleEditProfile))

	r.POST("/groups", s.authed(s.handleCreateGroup))
	r.PUT("/groups/:id", s.authed(s.handleEditGroup))
	r.DELETE("/groups/:id", s.authed(s.handleDeleteGroup))
	r.POST("/groups/:id/members/:member", s.authed(s.handleToggleMember))
	r.DELETE("/groups/:id/members/:member", s.authed(s.handleLeaveGroup))

	r.GET("/conversations/person/:a/:b", s.authed(s.handlePersonConversation))
	r.DELETE("/conversations/person/:a/:b", s.authed(s.handleDeletePersonMessages))
	r.GET("/conversations/group/:id", s.authed(s.handleGroupConversation))
	r.DELETE("/conversations/group/:id", s.authed(s.handleDeleteGroupMessages))

	r.DELETE("/admin/reset", s.authed(s.handleReset))
	r.GET("/health", s.handleHealth)
	r.GET("/ws", s.handleWebSocket)

	return r
}

func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              ":" + strconv.Itoa(s.config.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.WriteTimeout,
	}

	s.log.Info(`wapp server started`, s.config.Port)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown closes every websocket with reason, stops the HTTP listener and
// the delivery loop.
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.closeWith(websocket.CloseGoingAway, reason)
	}

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.log.Error(`http shutdown failed`, err)
		}
	}

	s.stop()
	s.log.Info(`server stopped`, reason)
}

// Reset wipes every stored record. The phrase has to match ResetPhrase.
func (s *Server) Reset(ctx context.Context, phrase string) error {
	if phrase != ResetPhrase {
		return apperr.Validation("reset confirmation phrase does not match")
	}
	if err := s.store.Reset(ctx); err != nil {
		return err
	}
	s.log.Warn(`all stored data erased`)
	return nil
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	s.mu.Lock()
	open := len(s.clients)
	s.mu.Unlock()

	_, advertised := s.reg.Count()
	identities := s.reg.Identities()
	sort.Strings(identities)

	return "connections=" + strconv.Itoa(open) +
		",bound=" + strconv.Itoa(advertised) +
		",users=" + strings.Join(identities, ";")
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	s.log.Warn(`websocket origin rejected`, origin)
	return false
}

func (s *Server) track(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}
