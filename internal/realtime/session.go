// Package realtime manages the persistent WebSocket session to the backend:
// connect/reconnect/disconnect, the listener registry, room membership and
// the acknowledgment protocol for client-initiated actions.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/messenger/client/internal/config"
	"github.com/messenger/client/internal/creds"
	"github.com/messenger/client/internal/event"
	"github.com/messenger/client/internal/logger"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	sendBufSize = 64
)

// wsConn is one live connection. The Session outlives it across reconnects;
// pumps belong to the wsConn and exit when done closes.
type wsConn struct {
	ws   *websocket.Conn
	send chan event.ClientEvent
	done chan struct{}
	once sync.Once
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

type Session struct {
	wsURL             string
	provider          creds.Provider
	dialer            *websocket.Dialer
	ackTimeout        time.Duration
	sendAckTimeout    time.Duration
	reconnectAttempts int
	reconnectDelay    time.Duration

	registry *Registry

	// connectMu serializes whole connect/reconnect sequences. Without it the
	// auto-reconnect from handleDrop can race a manual Reconnect: both dial,
	// the later dial overwrites conn and the superseded one keeps pumping.
	connectMu sync.Mutex

	mu       sync.Mutex
	state    State
	conn     *wsConn
	acks     map[string]chan string
	rooms    map[string]time.Time
	stateFns map[subKey]func(State)
	nextSub  int
	closed   bool
}

func NewSession(cfg *config.Config, provider creds.Provider) *Session {
	return &Session{
		wsURL:             cfg.WSURL,
		provider:          provider,
		dialer:            websocket.DefaultDialer,
		ackTimeout:        cfg.AckTimeout,
		sendAckTimeout:    cfg.SendAckTimeout,
		reconnectAttempts: cfg.Reconnect.Attempts,
		reconnectDelay:    time.Duration(cfg.Reconnect.DelayMS) * time.Millisecond,
		registry:          NewRegistry(),
		state:             StateDisconnected,
		acks:              make(map[string]chan string),
		rooms:             make(map[string]time.Time),
		stateFns:          make(map[subKey]func(State)),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers a listener for server-pushed events, scoped to owner.
func (s *Session) Subscribe(owner string, t event.Type, fn Handler) func() {
	return s.registry.Subscribe(owner, t, fn)
}

// DropOwner removes all of owner's event and state listeners.
func (s *Session) DropOwner(owner string) {
	s.registry.DropOwner(owner)
	s.mu.Lock()
	for key := range s.stateFns {
		if key.owner == owner {
			delete(s.stateFns, key)
		}
	}
	s.mu.Unlock()
}

// OnState registers a connection-state listener scoped to owner.
func (s *Session) OnState(owner string, fn func(State)) func() {
	s.mu.Lock()
	s.nextSub++
	key := subKey{owner: owner, id: s.nextSub}
	s.stateFns[key] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.stateFns, key)
		s.mu.Unlock()
	}
}

// setState transitions the state machine and notifies listeners outside the
// lock (a listener may call back into the session).
func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	fns := make([]func(State), 0, len(s.stateFns))
	for _, fn := range s.stateFns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	logger.Debugf("realtime state: %s", st)
	for _, fn := range fns {
		fn(st)
	}
}

// Connect establishes the session. If one is already connected it is reused;
// otherwise any prior connection is torn down and a fresh dial is made with
// the current credential. Fails immediately with AuthError when no
// credential exists. Dial failures are retried a bounded number of times,
// then the session settles in Error.
func (s *Session) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()
	return s.connect(ctx)
}

// connect is the body of Connect; the caller holds connectMu.
func (s *Session) connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnected && s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	prior := s.conn
	s.conn = nil
	s.closed = false
	s.mu.Unlock()
	if prior != nil {
		prior.close()
	}

	c, err := s.provider.Get(ctx)
	if err != nil {
		return fmt.Errorf("realtime credentials: %w", err)
	}
	if c == nil {
		return &AuthError{Reason: "no stored credential"}
	}
	if c.Token != "" {
		if expired, err := creds.TokenExpired(c.Token, time.Now()); err == nil && expired {
			return &AuthError{Reason: "token expired"}
		}
	}

	s.setState(StateConnecting)
	var lastErr error
	for attempt := 1; attempt <= s.reconnectAttempts; attempt++ {
		if err := s.dial(ctx, c); err != nil {
			lastErr = err
			logger.Errorf("realtime dial attempt %d/%d: %v", attempt, s.reconnectAttempts, err)
			select {
			case <-time.After(s.reconnectDelay):
			case <-ctx.Done():
				s.setState(StateError)
				return ctx.Err()
			}
			continue
		}
		s.setState(StateConnected)
		s.rejoinRooms()
		return nil
	}
	s.setState(StateError)
	return fmt.Errorf("realtime connect: %w", lastErr)
}

// Reconnect tears the session down and dials again. The manual affordance
// for when the bounded automatic retries have given up.
func (s *Session) Reconnect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	prior := s.conn
	s.conn = nil
	s.mu.Unlock()
	if prior != nil {
		prior.close()
	}
	s.setState(StateDisconnected)
	return s.connect(ctx)
}

func (s *Session) dial(ctx context.Context, c *creds.Credentials) error {
	u, err := url.Parse(s.wsURL)
	if err != nil {
		return fmt.Errorf("ws url: %w", err)
	}
	u.RawQuery = c.WSQuery(u.Path).Encode()

	ws, resp, err := s.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", creds.MaskSessionID(c.SessionID), err, resp.StatusCode)
		}
		return fmt.Errorf("dial: %w", err)
	}

	conn := &wsConn{
		ws:   ws,
		send: make(chan event.ClientEvent, sendBufSize),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	prior := s.conn
	s.conn = conn
	s.mu.Unlock()
	// A conn that loses the assignment must not keep pumping.
	if prior != nil {
		prior.close()
	}

	go s.readPump(conn)
	go s.writePump(conn)
	return nil
}

// rejoinRooms re-announces known memberships after a reconnect so the server
// scopes broadcasts again. Best-effort: acks are waited for in background.
func (s *Session) rejoinRooms() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		id := id
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.ackTimeout)
			defer cancel()
			if err := s.action(ctx, event.ClientEvent{Type: event.TypeJoinRoom, ChatID: id}, s.ackTimeout); err != nil {
				logger.Errorf("realtime rejoin room %s: %v", id, err)
			}
		}()
	}
}

func (s *Session) current() *wsConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) readPump(c *wsConn) {
	defer c.close()
	c.ws.SetReadLimit(1 << 20)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("realtime set read deadline: %v", err)
		return
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("realtime read: %v", err)
			}
			s.handleDrop(c)
			return
		}
		var ev event.ServerEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			logger.Errorf("realtime decode event: %v", err)
			continue
		}
		if ev.Type == event.TypeAck {
			s.deliverAck(ev.Payload)
			continue
		}
		s.registry.Dispatch(ev)
	}
}

func (s *Session) writePump(c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			if err := c.ws.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Debugf("realtime close message: %v", err)
			}
			return
		case ev := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteJSON(ev); err != nil {
				logger.Errorf("realtime write %s: %v", ev.Type, err)
				return
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleDrop runs when the read pump exits. A superseded or deliberately
// closed connection is ignored; a real drop triggers the bounded reconnect.
func (s *Session) handleDrop(c *wsConn) {
	s.mu.Lock()
	if s.conn != c || s.closed {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()

	s.setState(StateDisconnected)
	logger.Info("realtime: connection dropped, reconnecting")

	// A dial allowance per attempt on top of the fixed delays.
	overall := time.Duration(s.reconnectAttempts) * (s.reconnectDelay + writeWait)
	ctx, cancel := context.WithTimeout(context.Background(), overall)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		logger.Errorf("realtime reconnect failed: %v", err)
	}
}

func (s *Session) deliverAck(payload json.RawMessage) {
	var ack event.AckPayload
	if err := json.Unmarshal(payload, &ack); err != nil {
		logger.Errorf("realtime decode ack: %v", err)
		return
	}
	s.mu.Lock()
	ch, ok := s.acks[ack.AckID]
	if ok {
		delete(s.acks, ack.AckID)
	}
	s.mu.Unlock()
	if ok {
		ch <- ack.Error
	}
}

// Close disconnects and clears the listener registry. Room leaves are
// best-effort; teardown never blocks on a possibly-broken connection.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.rooms = make(map[string]time.Time)
	s.mu.Unlock()

	if conn != nil {
		conn.close()
	}
	s.registry.Clear()
	s.setState(StateDisconnected)
}
