// Package nakamatest runs an in-process server speaking the subset of the Nakama API the client
// uses: device authentication, session refresh, RPCs, stored notifications and the realtime socket.
package nakamatest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/heroiclabs/nakama-common/api"
	"github.com/heroiclabs/nakama-common/rtapi"
	"github.com/rotisserie/eris"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const (
	ServerKey  = "defaultkey"
	signingKey = "nakamatest"
)

// RPCHandler answers an RPC. It returns the HTTP status and the raw response body.
type RPCHandler func(ctx context.Context, userID string, payload []byte) (int, []byte)

// Server is a fake Nakama server.
type Server struct {
	*httptest.Server

	// TokenTTL is the lifetime of issued session tokens.
	TokenTTL time.Duration

	mu            sync.Mutex
	rpcs          map[string]RPCHandler
	conns         map[*websocket.Conn]string
	stored        []*api.Notification
	failRefresh   bool
	refreshes     int
	authenticates int
	upgrader      websocket.Upgrader
}

// NewServer starts a server that is closed when t ends.
func NewServer(t *testing.T) *Server {
	t.Helper()

	s := &Server{
		TokenTTL: time.Hour,
		rpcs:     make(map[string]RPCHandler),
		conns:    make(map[*websocket.Conn]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/account/authenticate/device", s.handleAuthenticate)
	mux.HandleFunc("POST /v2/account/session/refresh", s.handleRefresh)
	mux.HandleFunc("POST /v2/rpc/{id...}", s.handleRPC)
	mux.HandleFunc("GET /v2/notification", s.handleListNotifications)
	mux.HandleFunc("GET /ws", s.handleSocket)
	s.Server = httptest.NewServer(mux)

	t.Cleanup(func() {
		s.DropConnections()
		s.Server.Close()
	})
	return s
}

// Handle registers h for the RPC id.
func (s *Server) Handle(id string, h RPCHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rpcs[id] = h
}

// FailRefresh makes session refreshes fail.
func (s *Server) FailRefresh(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRefresh = fail
}

// Refreshes returns the number of session refresh requests served.
func (s *Server) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

// Authentications returns the number of device authentications served.
func (s *Server) Authentications() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticates
}

// Connections returns the number of open realtime sockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropConnections closes every realtime socket.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}

// Notify sends a notification to every connected socket. Persistent notifications are also stored
// for listing.
func (s *Server) Notify(subject, content string, persistent bool) error {
	n := &api.Notification{
		Id:         uuid.NewString(),
		Subject:    subject,
		Content:    content,
		Code:       1,
		CreateTime: timestamppb.Now(),
		Persistent: persistent,
	}
	msg, err := protojson.Marshal(&rtapi.Envelope{
		Message: &rtapi.Envelope_Notifications{
			Notifications: &rtapi.Notifications{Notifications: []*api.Notification{n}},
		},
	})
	if err != nil {
		return eris.Wrap(err, "failed to marshal notification")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if persistent {
		s.stored = append(s.stored, n)
	}
	for conn := range s.conns {
		// A socket the client already closed is cleaned up by its reader.
		_ = conn.WriteMessage(websocket.TextMessage, msg)
	}
	return nil
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	if user, _, ok := r.BasicAuth(); !ok || user != ServerKey {
		writeError(w, http.StatusUnauthorized, "Server key invalid")
		return
	}
	body, _ := io.ReadAll(r.Body)
	var account api.AccountDevice
	if err := protojson.Unmarshal(body, &account); err != nil || account.GetId() == "" {
		writeError(w, http.StatusBadRequest, "Device ID is required")
		return
	}

	s.mu.Lock()
	s.authenticates++
	s.mu.Unlock()

	s.writeSession(w, userID(account.GetId()), r.URL.Query().Get("username"))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if user, _, ok := r.BasicAuth(); !ok || user != ServerKey {
		writeError(w, http.StatusUnauthorized, "Server key invalid")
		return
	}
	body, _ := io.ReadAll(r.Body)
	var req api.SessionRefreshRequest
	if err := protojson.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid refresh request")
		return
	}

	s.mu.Lock()
	s.refreshes++
	fail := s.failRefresh
	s.mu.Unlock()

	claims, err := verify(req.GetToken())
	if fail || err != nil {
		writeError(w, http.StatusUnauthorized, "Refresh token invalid or expired")
		return
	}
	s.writeSession(w, claims.UserID, claims.Username)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	claims, err := verify(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Auth token invalid")
		return
	}

	id := r.PathValue("id")
	s.mu.Lock()
	h, ok := s.rpcs[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "RPC function not found")
		return
	}

	payload, _ := io.ReadAll(r.Body)
	status, body := h(r.Context(), claims.UserID, payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	if _, err := verify(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")); err != nil {
		writeError(w, http.StatusUnauthorized, "Auth token invalid")
		return
	}

	// The cursor is the offset into the store of the next notification to return.
	offset, _ := strconv.Atoi(r.URL.Query().Get("cacheable_cursor"))
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	offset = min(offset, len(s.stored))
	end := min(offset+limit, len(s.stored))
	list := &api.NotificationList{
		Notifications:   append([]*api.Notification(nil), s.stored[offset:end]...),
		CacheableCursor: strconv.Itoa(end),
	}
	s.mu.Unlock()

	body, _ := protojson.Marshal(list)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := verify(r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Auth token invalid")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns[conn] = claims.UserID
	s.mu.Unlock()

	// Drain until the client goes away.
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

type claims struct {
	UserID   string `json:"uid"`
	Username string `json:"usn"`
	jwt.RegisteredClaims
}

func (s *Server) writeSession(w http.ResponseWriter, uid, username string) {
	s.mu.Lock()
	ttl := s.TokenTTL
	s.mu.Unlock()

	token, err := sign(uid, username, ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	refresh, err := sign(uid, username, 24*time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	body, _ := protojson.Marshal(&api.Session{Created: true, Token: token, RefreshToken: refresh})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func sign(uid, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		UserID:   uid,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(signingKey))
	if err != nil {
		return "", eris.Wrap(err, "failed to sign token")
	}
	return token, nil
}

func verify(token string) (claims, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return []byte(signingKey), nil
	})
	if err != nil {
		return c, eris.Wrap(err, "invalid token")
	}
	return c, nil
}

func userID(deviceID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(deviceID)).String()
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"code":16,"message":"` + message + `"}`))
}
