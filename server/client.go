package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"wapp/apperr"
	"wapp/protocol"
)

// client is one websocket session. It implements registry.Conn.
type client struct {
	srv  *Server
	conn *websocket.Conn
	addr string
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeText string
}

func newClient(srv *Server, conn *websocket.Conn, addr string) *client {
	conn.SetReadLimit(srv.config.MaxMessageSize)
	return &client{
		srv:       srv,
		conn:      conn,
		addr:      addr,
		send:      make(chan []byte, 256),
		done:      make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
}

// Send queues payload without blocking. A full buffer or a closed session
// drops it.
func (c *client) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.srv.log.Debug(`send buffer full, dropping`, c.addr)
		return false
	}
}

func (c *client) closeWith(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(`websocket upgrade failed`, err)
		return
	}

	c := newClient(s, conn, r.RemoteAddr)
	s.track(c)
	s.log.Debug(`client connected`, c.addr)

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		identity, wasBound := c.srv.reg.Remove(c)
		c.srv.untrack(c)
		c.closeWith(websocket.CloseNormalClosure, "")
		if wasBound {
			c.srv.log.Info(`client disconnected`, identity, c.addr)
		} else {
			c.srv.log.Debug(`unbound client disconnected`, c.addr)
		}
	}()

	c.setupReadConnection()

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		c.handleFrame(frame)
	}
}

func (c *client) setupReadConnection() {
	timeout := c.srv.config.ReadTimeout
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		c.srv.log.Debug(`setting read deadline failed`, c.addr, err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(timeout))
	})
}

func (c *client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.srv.log.Warn(`frame exceeded maximum size`, c.addr, c.srv.config.MaxMessageSize)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway),
		errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.srv.log.Trace(`connection closed`, c.addr, err)
	default:
		c.srv.log.Debug(`websocket read error`, c.addr, err)
	}
}

// handleFrame dispatches one inbound frame. Frames have no response channel:
// every rejection is logged and the connection stays open.
func (c *client) handleFrame(frame []byte) {
	env, err := protocol.Parse(frame)
	if err != nil {
		c.srv.log.Debug(`dropping frame`, c.addr, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch env.Kind {
	case protocol.KindBind:
		c.bind(ctx, env)
	case protocol.KindPersonMessage:
		bound, _ := c.srv.reg.BoundIdentity(c)
		_, ns, err := c.srv.router.RoutePerson(ctx, bound, env.PersonMessage())
		if err != nil {
			c.reject(env, err)
			return
		}
		c.srv.notifier.Publish(ns...)
	case protocol.KindGroupMessage:
		bound, _ := c.srv.reg.BoundIdentity(c)
		_, ns, err := c.srv.router.RouteGroup(ctx, bound, env.GroupMessage())
		if err != nil {
			c.reject(env, err)
			return
		}
		c.srv.notifier.Publish(ns...)
	}
}

// bind attaches the identity carried by the token to this connection. A
// declared sender that differs from the token's identity is refused.
func (c *client) bind(ctx context.Context, env *protocol.Envelope) {
	claims, err := c.srv.issuer.Validate(env.Token)
	if err != nil {
		c.reject(env, err)
		return
	}
	if env.SenderIdentity != "" && env.SenderIdentity != claims.Mobile {
		c.reject(env, apperr.Authorization("bind identity does not match token"))
		return
	}
	if _, err := c.srv.store.Users().Find(ctx, claims.Mobile); err != nil {
		c.reject(env, err)
		return
	}

	c.srv.reg.Bind(c, claims.Mobile)
	c.srv.log.Info(`client bound`, claims.Mobile, c.addr)
}

func (c *client) reject(env *protocol.Envelope, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindAuthorization:
		c.srv.log.Warn(`frame rejected`, env.Kind, c.addr, err)
	case apperr.KindStore:
		c.srv.log.Error(`frame failed`, env.Kind, c.addr, err)
	default:
		c.srv.log.Debug(`frame dropped`, env.Kind, c.addr, err)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.srv.config.ReadTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.srv.log.Debug(`closing connection failed`, c.addr, err)
		}
	}()

	for {
		select {
		case payload := <-c.send:
			if !c.write(websocket.TextMessage, payload) {
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		case <-c.done:
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
			c.write(websocket.CloseMessage, msg)
			return
		}
	}
}

// write sends one frame; each notification travels in its own frame.
func (c *client) write(messageType int, payload []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.srv.config.WriteTimeout)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(messageType, payload); err != nil {
		if !isExpectedCloseError(err) {
			c.srv.log.Debug(`websocket write failed`, c.addr, err)
		}
		return false
	}
	return true
}

func isExpectedCloseError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent)
}
