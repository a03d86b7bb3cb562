package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"wapp/apperr"
	"wapp/auth"
	"wapp/models"
	"wapp/notify"
)

type authedHandle func(w http.ResponseWriter, r *http.Request, ps httprouter.Params, claims *auth.Claims)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type registerRequest struct {
	Name     string `json:"name"`
	Mobile   string `json:"mobile"`
	Password string `json:"password"`
}

type loginRequest struct {
	Mobile   string `json:"mobile"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

type contactRequest struct {
	Mobile string `json:"mobile"`
}

type profileRequest struct {
	Name  *string       `json:"name,omitempty"`
	Image *models.Media `json:"image,omitempty"`
}

type createGroupRequest struct {
	Name    string        `json:"name"`
	Members []string      `json:"members"`
	Image   *models.Media `json:"image,omitempty"`
}

type toggleResponse struct {
	Group  *models.Group `json:"group"`
	Joined bool          `json:"joined"`
}

type deleteMessagesRequest struct {
	IDs []string `json:"ids"`
}

type deletedResponse struct {
	Deleted int64 `json:"deleted"`
}

func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug(`writing response failed`, err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	msg := err.Error()
	if kind == apperr.KindStore || kind == apperr.KindUnknown {
		s.log.Error(`request failed`, err)
		msg = "internal error"
	}
	s.writeJSON(w, statusOf(kind), errorBody{Error: msg, Kind: kind.String()})
}

func (s *Server) unauthorized(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusUnauthorized, errorBody{Error: msg, Kind: apperr.KindAuthorization.String()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxMessageSize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Validation("request body too large")
		}
		return apperr.Wrap(apperr.KindValidation, err, "malformed request body")
	}
	return nil
}

// publish hands notifications to the delivery loop; the request never waits
// for delivery.
func (s *Server) publish(ns []notify.Notification) {
	s.notifier.Publish(ns...)
}

// authed requires a valid bearer token and passes its claims on.
func (s *Server) authed(next authedHandle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			s.unauthorized(w, "missing bearer token")
			return
		}
		claims, err := s.issuer.Validate(token)
		if err != nil {
			s.unauthorized(w, err.Error())
			return
		}
		next(w, r, ps, claims)
	}
}

// self rejects requests acting on another identity's records.
func (s *Server) self(w http.ResponseWriter, claims *auth.Claims, identity string) bool {
	if claims.Mobile != identity {
		s.writeError(w, apperr.Newf(apperr.KindAuthorization, "cannot act on behalf of %s", identity))
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req registerRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	u, err := s.dir.Register(r.Context(), req.Name, req.Mobile, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	token, err := s.issuer.Issue(u)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sessionResponse{Token: token, User: u})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req loginRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	u, err := s.dir.Login(r.Context(), req.Mobile, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	token, err := s.issuer.Issue(u)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessionResponse{Token: token, User: u})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, ps httprouter.Params, claims *auth.Claims) {
	identity := ps.ByName("identity")
	if !s.self(w, claims, identity) {
		return
	}
	snap, err := s.dir.Snapshot(r.Context(), identity)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAddContact(w http.ResponseWriter, r *http.Request, ps httprouter.Params, claims *auth.Claims) {
	identity := ps.ByName("identity")
	if !s.self(w, claims, identity) {
		return
	}
	var req contactRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	ns, err := s.dir.AddContact(r.Context(), identity, req.Mobile)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.publish(ns)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveContact(w http.ResponseWriter, r *http.Request, ps httprouter.Params, claims *auth.Claims) {
	identity := ps.ByName("identity")
	if !s.self(w, claims, identity) {
		return
	}

	ns, err := s.dir.RemoveContact(r.Context(), identity, ps.ByName("contact"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.publish(ns)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEditProfile(w http.ResponseWriter, r *http.Request, ps httprouter.Params, claims *auth.Claims) {
	identity := ps.ByName("identity")
	if !s.self(w, claims, identity) {
		return
	}
	var req profileRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	u, ns, err := s.dir.EditProfile(r.Context(), identity, req.Name, req.Image)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.publish(ns)
	s.writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request, _ httprouter.Params, claims *auth.Claims) {
	var req createGroupRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	g, ns, err := s.dir.CreateGroup(r.Context(), claims.Mobile, req.Name, req.Members, req.Image)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.publish(ns)
	s.writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleEditGroup(w http.ResponseWriter, r *http.Request, ps httprouter.Params, claims *auth.Claims) {
	var req profileRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	g, ns, err := s.dir.EditGroup(r.Context(), ps.ByName("id"), claims.Mobile, req.Name, req.Image)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.publish(ns)
	s.writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request, ps httprouter.Params, claims *auth.Claims) {
	ns, err := s.dir.DeleteGroup(r.Context(), ps.ByName("id"), claims.Mobile)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.publish(ns)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleMember(w http.ResponseWriter, r *http.Request, ps httprouter.Params, claims *auth.Claims) {
	g, joined, ns, err := s.dir.ToggleMembership(r.Context(), ps.ByName("id"), claims.Mobile, ps.ByName("member"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.publish(ns)
	s.writeJSON(w, http.StatusOK, toggleResponse{Group: g, Joined: joined})
}

func (s *Server) handleLeaveGroup(w http.ResponseWriter, r *http.Request, ps httprouter.Params, claims *auth.Claims) {
	member := ps.ByName("member")
	if !s.self(w, claims, member) {
		return
	}

	ns, err := s.dir.LeaveGroup(r.Context(), ps.ByName("id"), member)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.publish(ns)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePersonConversation(w http.ResponseWriter, r *http.Request, ps httprouter.Params, claims *auth.Claims) {
	messages, err := s.router.PersonConversation(r.Context(), claims.Mobile, ps.ByName("a"), ps.ByName("b"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleGroupConversation(w http.ResponseWriter, r *http.Request, ps httprouter.Params, claims *auth.Claims) {
	messages, err := s.router.GroupConversation(r.Context(), claims.Mobile, ps.ByName("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleDeletePersonMessages(w http.ResponseWriter, r *http.Request, ps httprouter.Params, claims *auth.Claims) {
	var req deleteMessagesRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	n, ns, err := s.router.DeletePersonMessages(r.Context(), claims.Mobile, ps.ByName("a"), ps.ByName("b"), req.IDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.publish(ns)
	s.writeJSON(w, http.StatusOK, deletedResponse{Deleted: n})
}

func (s *Server) handleDeleteGroupMessages(w http.ResponseWriter, r *http.Request, ps httprouter.Params, claims *auth.Claims) {
	var req deleteMessagesRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	n, ns, err := s.router.DeleteGroupMessages(r.Context(), claims.Mobile, ps.ByName("id"), req.IDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.publish(ns)
	s.writeJSON(w, http.StatusOK, deletedResponse{Deleted: n})
}

// handleReset is limited to the configured operator identity. The control
// socket resets without one.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, _ httprouter.Params, claims *auth.Claims) {
	if !s.config.AllowReset {
		s.writeError(w, apperr.Authorization("reset is disabled on this server"))
		return
	}
	if s.config.ResetOperator == "" || claims.Mobile != s.config.ResetOperator {
		s.writeError(w, apperr.Authorization("only the reset operator may erase data"))
		return
	}
	if err := s.Reset(r.Context(), r.URL.Query().Get("confirm")); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Warn(`reset requested over http`, claims.Mobile)
	w.WriteHeader(http.StatusNoContent)
}
