// Package chat maintains the authoritative message view for one conversation
// and mediates every outbound and inbound mutation. One Controller per open
// conversation; it owns the message list, composer and upload queue, and
// borrows the shared gateway and realtime session.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/messenger/client/internal/event"
	"github.com/messenger/client/internal/gateway"
	"github.com/messenger/client/internal/logger"
	"github.com/messenger/client/internal/model"
	"github.com/messenger/client/internal/realtime"
)

// Gateway is the slice of the request gateway the controller needs.
type Gateway interface {
	JSON(ctx context.Context, method, endpoint string, body, out any, opts gateway.Options) error
	Upload(ctx context.Context, endpoint, fileName string, file io.Reader, progress func(pct float64)) (*gateway.UploadResult, error)
}

// Session is the slice of the realtime session the controller needs.
type Session interface {
	Subscribe(owner string, t event.Type, fn realtime.Handler) func()
	OnState(owner string, fn func(realtime.State)) func()
	DropOwner(owner string)
	JoinRoom(ctx context.Context, roomID string) error
	LeaveRoom(ctx context.Context, roomID string) error
	Send(ctx context.Context, ev event.ClientEvent) error
	Edit(ctx context.Context, chatID, messageID, content, localID string) error
	Delete(ctx context.Context, chatID, messageID, localID string) error
	React(ctx context.Context, chatID, messageID, emoji, localID string) error
	Unreact(ctx context.Context, chatID, messageID, emoji, localID string) error
	Typing(chatID string)
	MarkRead(chatID string)
	State() realtime.State
}

// Status is the conversation-facing connection state, derived directly from
// the session with no business logic of its own.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

func statusFromState(st realtime.State) Status {
	switch st {
	case realtime.StateConnected:
		return StatusConnected
	case realtime.StateError:
		return StatusError
	default:
		return StatusDisconnected
	}
}

const (
	initialPageSize = 50
	// patchTTL bounds how long an optimistic patch may wait for its server
	// echo before it is reverted and surfaced as a failed action.
	patchTTL = 15 * time.Second
	// typingInterval throttles outbound typing announcements.
	typingInterval = 3 * time.Second
)

type Controller struct {
	chatID string
	gw     Gateway
	sess   Session
	// owner scopes this controller's listener subscriptions so closing one
	// conversation never drops another's.
	owner string

	reqOpts   gateway.Options
	cacheTTL  time.Duration
	estimator EstimatorParams

	mu        sync.Mutex
	chat      model.Chat
	roster    []model.UserPublic
	self      model.UserPublic
	messages  []model.Message
	lastRead  map[string]time.Time
	composer  model.Composer
	sending   bool
	editingID string
	patches   map[string]*patch
	status    Status
	loaded    bool

	typingLimit *rate.Limiter

	onChange func()
	onError  func(error)
	onTyping func(userID string)
}

func NewController(chatID string, gw Gateway, sess Session, reqOpts gateway.Options) *Controller {
	return &Controller{
		chatID:      chatID,
		gw:          gw,
		sess:        sess,
		owner:       "chat:" + chatID + ":" + uuid.New().String(),
		reqOpts:     reqOpts,
		cacheTTL:    reqOpts.CacheTTL,
		estimator:   DefaultEstimatorParams(),
		lastRead:    make(map[string]time.Time),
		patches:     make(map[string]*patch),
		status:      statusFromState(sess.State()),
		typingLimit: rate.NewLimiter(rate.Every(typingInterval), 1),
	}
}

// SetOnChange registers the UI's change notification. The callback runs with
// no lock held; the UI pulls fresh state through the accessors.
func (c *Controller) SetOnChange(fn func()) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// SetOnError registers the error sink (toast/log collaborator).
func (c *Controller) SetOnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// SetOnTyping registers the typing-indicator callback.
func (c *Controller) SetOnTyping(fn func(userID string)) {
	c.mu.Lock()
	c.onTyping = fn
	c.mu.Unlock()
}

func (c *Controller) notify() {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Controller) fail(err error) {
	logger.Errorf("chat %s: %v", c.chatID, err)
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Load fetches conversation metadata, roster, identity and the latest page
// of messages concurrently, then joins the room and subscribes to live
// events. Subscribing only after the historical page resolves avoids the
// race where a live event lands before the page and is lost or duplicated.
func (c *Controller) Load(ctx context.Context) error {
	defer logger.DeferLogDuration("chat.Load", time.Now())()

	metaOpts := c.reqOpts
	var (
		chat    model.Chat
		members []model.UserPublic
		me      model.UserPublic
		page    []model.Message
	)
	pageOpts := c.reqOpts
	pageOpts.CacheTTL = 0 // the live list must never come from cache

	var wg sync.WaitGroup
	errs := make([]error, 4)
	fetch := func(i int, method, endpoint string, out any, opts gateway.Options) {
		defer wg.Done()
		errs[i] = c.gw.JSON(ctx, method, endpoint, nil, out, opts)
	}
	wg.Add(4)
	go fetch(0, "GET", "/chats/"+c.chatID, &chat, metaOpts)
	go fetch(1, "GET", "/chats/"+c.chatID+"/members", &members, metaOpts)
	go fetch(2, "GET", "/users/me", &me, metaOpts)
	go fetch(3, "GET", fmt.Sprintf("/chats/%s/messages?limit=%d", c.chatID, initialPageSize), &page, pageOpts)
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("chat load %s: %w", c.chatID, err)
		}
	}

	sortByCreatedAt(page)
	c.mu.Lock()
	c.chat = chat
	c.roster = members
	c.self = me
	c.messages = page
	c.loaded = true
	c.mu.Unlock()

	c.subscribe()
	if err := c.sess.JoinRoom(ctx, c.chatID); err != nil {
		return fmt.Errorf("chat join %s: %w", c.chatID, err)
	}
	c.sess.MarkRead(c.chatID)
	c.notify()
	return nil
}

func (c *Controller) subscribe() {
	sub := func(t event.Type, fn realtime.Handler) {
		c.sess.Subscribe(c.owner, t, fn)
	}
	sub(event.TypeNewMessage, c.handleCreated)
	sub(event.TypeMessageEdited, c.handleEdited)
	sub(event.TypeMessageDeleted, c.handleDeleted)
	sub(event.TypeReactionAdded, c.handleReactionAdded)
	sub(event.TypeReactionRemoved, c.handleReactionRemoved)
	sub(event.TypeTyping, c.handleTyping)
	sub(event.TypeMessageRead, c.handleRead)
	sub(event.TypeUserOnline, c.handleUserStatus)
	sub(event.TypeUserOffline, c.handleUserStatus)
	c.sess.OnState(c.owner, func(st realtime.State) {
		c.mu.Lock()
		c.status = statusFromState(st)
		c.mu.Unlock()
		c.notify()
	})
}

func sortByCreatedAt(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

func (c *Controller) indexByID(id string) int {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// handleCreated appends a new message, deduplicating by id and superseding
// the optimistic pending copy when the echo carries our local_id.
func (c *Controller) handleCreated(ev event.ServerEvent) {
	var m model.Message
	if err := json.Unmarshal(ev.Payload, &m); err != nil {
		logger.Errorf("chat decode new_message: %v", err)
		return
	}
	if m.ChatID != c.chatID {
		return
	}
	c.mu.Lock()
	if m.LocalID != "" {
		if i := c.indexByLocalID(m.LocalID); i >= 0 {
			c.resolvePatchLocked(m.LocalID)
			m.Pending = false
			c.messages[i] = m
			sortByCreatedAt(c.messages)
			c.mu.Unlock()
			c.notify()
			return
		}
		c.resolvePatchLocked(m.LocalID)
	}
	if c.indexByID(m.ID) >= 0 {
		c.mu.Unlock()
		return
	}
	c.messages = append(c.messages, m)
	sortByCreatedAt(c.messages)
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) indexByLocalID(localID string) int {
	for i := range c.messages {
		if c.messages[i].LocalID == localID && c.messages[i].Pending {
			return i
		}
	}
	return -1
}

func (c *Controller) handleEdited(ev event.ServerEvent) {
	var p event.MessageEditedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		logger.Errorf("chat decode message_edited: %v", err)
		return
	}
	if p.ChatID != c.chatID {
		return
	}
	c.mu.Lock()
	c.resolvePatchLocked(p.LocalID)
	if i := c.indexByID(p.MessageID); i >= 0 {
		editedAt := p.EditedAt
		c.messages[i].Content = p.Content
		c.messages[i].EditedAt = &editedAt
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) handleDeleted(ev event.ServerEvent) {
	var p event.MessageDeletedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		logger.Errorf("chat decode message_deleted: %v", err)
		return
	}
	if p.ChatID != c.chatID {
		return
	}
	c.mu.Lock()
	c.resolvePatchLocked(p.LocalID)
	if i := c.indexByID(p.MessageID); i >= 0 {
		c.messages = append(c.messages[:i], c.messages[i+1:]...)
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) handleReactionAdded(ev event.ServerEvent) {
	var p event.ReactionPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		logger.Errorf("chat decode reaction_added: %v", err)
		return
	}
	if p.ChatID != c.chatID {
		return
	}
	c.mu.Lock()
	c.resolvePatchLocked(p.LocalID)
	if i := c.indexByID(p.MessageID); i >= 0 && !c.messages[i].HasReaction(p.Emoji, p.UserID) {
		c.messages[i].Reactions = append(c.messages[i].Reactions, model.Reaction{
			MessageID: p.MessageID,
			UserID:    p.UserID,
			Emoji:     p.Emoji,
		})
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) handleReactionRemoved(ev event.ServerEvent) {
	var p event.ReactionPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		logger.Errorf("chat decode reaction_removed: %v", err)
		return
	}
	if p.ChatID != c.chatID {
		return
	}
	c.mu.Lock()
	c.resolvePatchLocked(p.LocalID)
	if i := c.indexByID(p.MessageID); i >= 0 {
		reactions := c.messages[i].Reactions
		for j := range reactions {
			if reactions[j].Emoji == p.Emoji && reactions[j].UserID == p.UserID {
				c.messages[i].Reactions = append(reactions[:j], reactions[j+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) handleTyping(ev event.ServerEvent) {
	var p event.TypingPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return
	}
	if p.ChatID != c.chatID || p.UserID == c.Self().ID {
		return
	}
	c.mu.Lock()
	fn := c.onTyping
	c.mu.Unlock()
	if fn != nil {
		fn(p.UserID)
	}
}

func (c *Controller) handleRead(ev event.ServerEvent) {
	var p event.MessageReadPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return
	}
	if p.ChatID != c.chatID {
		return
	}
	c.mu.Lock()
	c.lastRead[p.UserID] = time.Now()
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) handleUserStatus(ev event.ServerEvent) {
	var p event.UserStatusPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return
	}
	c.mu.Lock()
	for i := range c.roster {
		if c.roster[i].ID == p.UserID {
			c.roster[i].IsOnline = p.Online
			if !p.Online {
				c.roster[i].LastSeenAt = time.Now()
			}
		}
	}
	c.mu.Unlock()
	c.notify()
}

// Typing announces local typing, throttled so keystrokes do not flood the
// socket.
func (c *Controller) Typing() {
	if c.typingLimit.Allow() {
		c.sess.Typing(c.chatID)
	}
}

// Status is the derived connection state for this conversation's UI.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Messages returns a snapshot of the message list, creation-time ascending.
func (c *Controller) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Roster returns a snapshot of the participant list.
func (c *Controller) Roster() []model.UserPublic {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.UserPublic, len(c.roster))
	copy(out, c.roster)
	return out
}

// Chat returns the conversation metadata.
func (c *Controller) Chat() model.Chat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chat
}

// Self returns the current user's identity.
func (c *Controller) Self() model.UserPublic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// LastReadAt returns when userID last read this chat, if known.
func (c *Controller) LastReadAt(userID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.lastRead[userID]
	return t, ok
}

// Close tears down this conversation's view: its listeners are dropped by
// owner (other consumers keep theirs) and the room is left best-effort.
func (c *Controller) Close(ctx context.Context) {
	c.mu.Lock()
	for id, p := range c.patches {
		p.timer.Stop()
		delete(c.patches, id)
	}
	c.mu.Unlock()

	c.sess.DropOwner(c.owner)
	if err := c.sess.LeaveRoom(ctx, c.chatID); err != nil {
		logger.Errorf("chat leave %s: %v", c.chatID, err)
	}
}
