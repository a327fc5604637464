package devserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/messenger/client/internal/event"
	"github.com/messenger/client/internal/logger"
	"github.com/messenger/client/internal/model"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	sendBufSize = 64
)

type wsClient struct {
	userID string
	rooms  map[string]struct{}
	send   chan event.ServerEvent
	done   chan struct{}
	once   sync.Once
	conn   *websocket.Conn
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

type hub struct {
	srv     *Server
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newHub(srv *Server) *hub {
	return &hub{srv: srv, clients: make(map[*wsClient]struct{})}
}

// handleWS authenticates the dial's query triple and upgrades.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, ok := s.verify(q.Get("session_id"), http.MethodGet, r.URL.Path, q.Get("timestamp"), q.Get("signature"), nil)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("devserver upgrade: %v", err)
		return
	}

	c := &wsClient{
		userID: userID,
		rooms:  make(map[string]struct{}),
		send:   make(chan event.ServerEvent, sendBufSize),
		done:   make(chan struct{}),
		conn:   conn,
	}
	s.hub.mu.Lock()
	s.hub.clients[c] = struct{}{}
	s.hub.mu.Unlock()
	s.hub.broadcastStatus(userID, true)

	go s.hub.writePump(c)
	s.hub.readPump(c)
}

func (h *hub) readPump(c *wsClient) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		c.close()
		h.broadcastStatus(c.userID, false)
	}()

	c.conn.SetReadLimit(1 << 20)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var ev event.ClientEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			logger.Errorf("devserver decode user=%s: %v", c.userID, err)
			continue
		}
		h.handle(c, ev)
	}
}

func (h *hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *hub) handle(c *wsClient, ev event.ClientEvent) {
	switch ev.Type {
	case event.TypeJoinRoom:
		h.handleJoin(c, ev)
	case event.TypeLeaveRoom:
		h.mu.Lock()
		delete(c.rooms, ev.ChatID)
		h.mu.Unlock()
		h.ack(c, ev.AckID, "")
	case event.TypeNewMessage:
		h.handleNewMessage(c, ev)
	case event.TypeMessageEdited:
		h.handleEdit(c, ev)
	case event.TypeMessageDeleted:
		h.handleDelete(c, ev)
	case event.TypeReactionAdded, event.TypeReactionRemoved:
		h.handleReaction(c, ev)
	case event.TypeTyping:
		h.broadcast(ev.ChatID, event.TypeTyping, event.TypingPayload{ChatID: ev.ChatID, UserID: c.userID}, c)
	case event.TypeMessageRead:
		h.broadcast(ev.ChatID, event.TypeMessageRead, event.MessageReadPayload{ChatID: ev.ChatID, UserID: c.userID}, c)
	default:
		h.ack(c, ev.AckID, "unknown event type")
	}
}

func (h *hub) ack(c *wsClient, ackID, errMsg string) {
	if ackID == "" {
		return
	}
	h.push(c, event.TypeAck, event.AckPayload{AckID: ackID, Error: errMsg})
}

func (h *hub) push(c *wsClient, t event.Type, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Errorf("devserver encode %s: %v", t, err)
		return
	}
	select {
	case c.send <- event.ServerEvent{Type: t, Payload: data}:
	case <-c.done:
	default:
		// Slow client: drop the frame rather than block the hub.
		logger.Errorf("devserver send buffer full user=%s", c.userID)
	}
}

// broadcast delivers to every connected member of the room, including the
// actor (local state updates ride the echo). except skips a client entirely
// (typing/read are not echoed back to their sender).
func (h *hub) broadcast(chatID string, t event.Type, payload any, except *wsClient) {
	h.srv.mu.Lock()
	cs, ok := h.srv.chats[chatID]
	var members []string
	if ok {
		members = append(members, cs.members...)
	}
	h.srv.mu.Unlock()
	if !ok {
		return
	}
	isMember := make(map[string]bool, len(members))
	for _, id := range members {
		isMember[id] = true
	}

	h.mu.Lock()
	targets := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		if c != except && isMember[c.userID] {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	for _, c := range targets {
		h.push(c, t, payload)
	}
}

func (h *hub) broadcastStatus(userID string, online bool) {
	t := event.TypeUserOffline
	if online {
		t = event.TypeUserOnline
	}
	payload := event.UserStatusPayload{UserID: userID, Online: online}
	h.mu.Lock()
	targets := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		if c.userID != userID {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	for _, c := range targets {
		h.push(c, t, payload)
	}
}

func (h *hub) handleJoin(c *wsClient, ev event.ClientEvent) {
	if ev.ChatID == "" {
		h.ack(c, ev.AckID, "chat_id required")
		return
	}
	h.srv.mu.Lock()
	cs, ok := h.srv.chats[ev.ChatID]
	if ok {
		member := false
		for _, id := range cs.members {
			if id == c.userID {
				member = true
				break
			}
		}
		if !member {
			cs.members = append(cs.members, c.userID)
		}
	}
	h.srv.mu.Unlock()
	if !ok {
		h.ack(c, ev.AckID, "chat not found")
		return
	}
	h.mu.Lock()
	c.rooms[ev.ChatID] = struct{}{}
	h.mu.Unlock()
	h.ack(c, ev.AckID, "")
}

func (h *hub) handleNewMessage(c *wsClient, ev event.ClientEvent) {
	if ev.ChatID == "" || (ev.Content == "" && ev.FileURL == "") {
		h.ack(c, ev.AckID, "chat_id and content required")
		return
	}
	contentType := ev.ContentType
	if contentType == "" {
		contentType = model.ContentTypeText
	}
	var replyTo *string
	if ev.ReplyToID != "" {
		r := ev.ReplyToID
		replyTo = &r
	}
	m := model.Message{
		ID:          uuid.New().String(),
		ChatID:      ev.ChatID,
		SenderID:    c.userID,
		Content:     ev.Content,
		ContentType: contentType,
		FileURL:     ev.FileURL,
		FileName:    ev.FileName,
		FileSize:    ev.FileSize,
		ReplyToID:   replyTo,
		CreatedAt:   time.Now().UTC(),
		LocalID:     ev.LocalID,
	}

	h.srv.mu.Lock()
	cs, ok := h.srv.chats[ev.ChatID]
	if ok {
		cs.messages = append(cs.messages, m)
	}
	h.srv.mu.Unlock()
	if !ok {
		h.ack(c, ev.AckID, "chat not found")
		return
	}
	h.ack(c, ev.AckID, "")
	h.broadcast(ev.ChatID, event.TypeNewMessage, m, nil)
}

func (h *hub) handleEdit(c *wsClient, ev event.ClientEvent) {
	if ev.MessageID == "" || ev.Content == "" {
		h.ack(c, ev.AckID, "message_id and content required")
		return
	}
	now := time.Now().UTC()
	h.srv.mu.Lock()
	cs, ok := h.srv.chats[ev.ChatID]
	found := false
	if ok {
		for i := range cs.messages {
			if cs.messages[i].ID == ev.MessageID {
				if cs.messages[i].SenderID != c.userID {
					h.srv.mu.Unlock()
					h.ack(c, ev.AckID, "can only edit own messages")
					return
				}
				cs.messages[i].Content = ev.Content
				cs.messages[i].EditedAt = &now
				found = true
				break
			}
		}
	}
	h.srv.mu.Unlock()
	if !found {
		h.ack(c, ev.AckID, "message not found")
		return
	}
	h.ack(c, ev.AckID, "")
	h.broadcast(ev.ChatID, event.TypeMessageEdited, event.MessageEditedPayload{
		MessageID: ev.MessageID,
		ChatID:    ev.ChatID,
		Content:   ev.Content,
		EditedAt:  now,
		LocalID:   ev.LocalID,
	}, nil)
}

func (h *hub) handleDelete(c *wsClient, ev event.ClientEvent) {
	if ev.MessageID == "" {
		h.ack(c, ev.AckID, "message_id required")
		return
	}
	h.srv.mu.Lock()
	cs, ok := h.srv.chats[ev.ChatID]
	found := false
	if ok {
		for i := range cs.messages {
			if cs.messages[i].ID == ev.MessageID {
				if cs.messages[i].SenderID != c.userID {
					h.srv.mu.Unlock()
					h.ack(c, ev.AckID, "can only delete own messages")
					return
				}
				cs.messages = append(cs.messages[:i], cs.messages[i+1:]...)
				found = true
				break
			}
		}
	}
	h.srv.mu.Unlock()
	if !found {
		h.ack(c, ev.AckID, "message not found")
		return
	}
	h.ack(c, ev.AckID, "")
	h.broadcast(ev.ChatID, event.TypeMessageDeleted, event.MessageDeletedPayload{
		MessageID: ev.MessageID,
		ChatID:    ev.ChatID,
		LocalID:   ev.LocalID,
	}, nil)
}

func (h *hub) handleReaction(c *wsClient, ev event.ClientEvent) {
	if ev.MessageID == "" || ev.Emoji == "" {
		h.ack(c, ev.AckID, "message_id and emoji required")
		return
	}
	h.srv.mu.Lock()
	cs, ok := h.srv.chats[ev.ChatID]
	found := false
	if ok {
		for i := range cs.messages {
			if cs.messages[i].ID != ev.MessageID {
				continue
			}
			found = true
			m := &cs.messages[i]
			if ev.Type == event.TypeReactionAdded {
				if !m.HasReaction(ev.Emoji, c.userID) {
					m.Reactions = append(m.Reactions, model.Reaction{
						MessageID: m.ID, UserID: c.userID, Emoji: ev.Emoji, CreatedAt: time.Now().UTC(),
					})
				}
			} else {
				for j := range m.Reactions {
					if m.Reactions[j].Emoji == ev.Emoji && m.Reactions[j].UserID == c.userID {
						m.Reactions = append(m.Reactions[:j], m.Reactions[j+1:]...)
						break
					}
				}
			}
			break
		}
	}
	h.srv.mu.Unlock()
	if !found {
		h.ack(c, ev.AckID, "message not found")
		return
	}
	h.ack(c, ev.AckID, "")
	h.broadcast(ev.ChatID, ev.Type, event.ReactionPayload{
		MessageID: ev.MessageID,
		ChatID:    ev.ChatID,
		UserID:    c.userID,
		Emoji:     ev.Emoji,
		LocalID:   ev.LocalID,
	}, nil)
}
