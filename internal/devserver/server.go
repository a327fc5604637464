// Package devserver is an in-memory stand-in for the messenger backend, used
// for local development of SDK consumers and for exercising the client
// end-to-end in tests. It speaks the same HTTP and WebSocket contracts; all
// state lives in process memory.
package devserver

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/messenger/client/internal/logger"
	"github.com/messenger/client/internal/model"
)

type session struct {
	userID string
	secret []byte
}

type chatState struct {
	chat     model.Chat
	members  []string
	messages []model.Message
}

type Server struct {
	mu       sync.Mutex
	users    map[string]model.UserPublic
	sessions map[string]session
	chats    map[string]*chatState
	hub      *hub
}

func New() *Server {
	s := &Server{
		users:    make(map[string]model.UserPublic),
		sessions: make(map[string]session),
		chats:    make(map[string]*chatState),
	}
	s.hub = newHub(s)
	return s
}

// Handler builds the router with the same route shapes as the real backend.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Post("/auth/dev-session", s.handleDevSession)
	r.Get("/ws", s.handleWS)

	r.Group(func(r chi.Router) {
		r.Use(s.sessionAuth)
		r.Get("/users/me", s.handleMe)
		r.Post("/chats", s.handleCreateChat)
		r.Get("/chats/{chatID}", s.handleGetChat)
		r.Get("/chats/{chatID}/members", s.handleGetMembers)
		r.Get("/chats/{chatID}/messages", s.handleGetMessages)
		r.Post("/upload", s.handleUpload)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("devserver writeJSON: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleDevSession issues a user and a signed session in one step. Dev only:
// the real backend runs an OTP flow through its auth service.
func (s *Server) handleDevSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "username required")
		return
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	user := model.UserPublic{
		ID:       uuid.New().String(),
		Username: req.Username,
		IsOnline: false,
	}
	sessionID := uuid.New().String()

	s.mu.Lock()
	s.users[user.ID] = user
	s.sessions[sessionID] = session{userID: user.ID, secret: secret}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": sessionID,
		"secret":     base64.StdEncoding.EncodeToString(secret),
		"user_id":    user.ID,
	})
}

type ctxKey string

const userIDKey ctxKey = "user_id"

func withUserID(ctx context.Context, key ctxKey, userID string) context.Context {
	return context.WithValue(ctx, key, userID)
}

func userIDFrom(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// sessionAuth verifies the HMAC triple the SDK signs requests with:
// HMAC-SHA256(secret, method + path + body + timestamp), same scheme as the
// backend's session middleware.
func (s *Server) sessionAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.Header.Get("X-Session-Id")
		timestamp := r.Header.Get("X-Timestamp")
		signature := r.Header.Get("X-Signature")
		if sessionID == "" || timestamp == "" || signature == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		userID, ok := s.verify(sessionID, r.Method, r.URL.Path, timestamp, signature, func() []byte {
			if r.Body == nil {
				return nil
			}
			body, err := io.ReadAll(r.Body)
			if err != nil {
				return nil
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			return body
		})
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), userIDKey, userID)))
	})
}

func (s *Server) verify(sessionID, method, path, timestamp, signature string, readBody func() []byte) (string, bool) {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "", false
	}
	if d := time.Since(time.Unix(ts, 0)); d > 30*time.Second || d < -30*time.Second {
		return "", false
	}
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	var body []byte
	if readBody != nil {
		body = readBody()
	}
	mac := hmac.New(sha256.New, sess.secret)
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	mac.Write([]byte(timestamp))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return "", false
	}
	return sess.userID, true
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context(), userIDKey)
	s.mu.Lock()
	user, ok := s.users[userID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context(), userIDKey)
	var req struct {
		Name      string   `json:"name"`
		MemberIDs []string `json:"member_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}

	chat := model.Chat{
		ID:        uuid.New().String(),
		ChatType:  model.ChatTypeGroup,
		Name:      req.Name,
		CreatedBy: userID,
		CreatedAt: time.Now().UTC(),
	}
	members := append([]string{userID}, req.MemberIDs...)
	s.mu.Lock()
	s.chats[chat.ID] = &chatState{chat: chat, members: members}
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, chat)
}

func (s *Server) chatFor(w http.ResponseWriter, r *http.Request) (*chatState, bool) {
	chatID := chi.URLParam(r, "chatID")
	s.mu.Lock()
	cs, ok := s.chats[chatID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "chat not found")
		return nil, false
	}
	return cs, true
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.chatFor(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	chat := cs.chat
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleGetMembers(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.chatFor(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	out := make([]model.UserPublic, 0, len(cs.members))
	for _, id := range cs.members {
		if u, ok := s.users[id]; ok {
			out = append(out, u)
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.chatFor(w, r)
	if !ok {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	s.mu.Lock()
	msgs := cs.messages
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

// handleUpload accepts multipart/form-data with field "file" and pretends to
// store it; the returned URL is stable but serves nothing.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field required")
		return
	}
	defer file.Close()
	n, err := io.Copy(io.Discard, file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read file")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":          "/files/" + uuid.New().String(),
		"file_name":    header.Filename,
		"file_size":    n,
		"content_type": header.Header.Get("Content-Type"),
	})
}
