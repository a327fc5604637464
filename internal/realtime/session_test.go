package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/messenger/client/internal/config"
	"github.com/messenger/client/internal/creds"
	"github.com/messenger/client/internal/event"
)

// wsServer is a scriptable peer: respond decides per received event whether
// an ack goes back and with what error text.
type wsServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*serverConn
	received []event.ClientEvent
	respond  func(ev event.ClientEvent) (ack bool, errMsg string)
}

type serverConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *serverConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func newWSServer(t *testing.T) *wsServer {
	s := &wsServer{
		respond: func(event.ClientEvent) (bool, string) { return true, "" },
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conn := &serverConn{ws: ws}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		for {
			var ev event.ClientEvent
			if err := ws.ReadJSON(&ev); err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, ev)
			respond := s.respond
			s.mu.Unlock()
			if ack, errMsg := respond(ev); ack {
				payload, _ := json.Marshal(event.AckPayload{AckID: ev.AckID, Error: errMsg})
				conn.writeJSON(event.ServerEvent{Type: event.TypeAck, Payload: payload})
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

func (s *wsServer) push(t *testing.T, typ event.Type, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal push payload: %v", err)
	}
	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		c.writeJSON(event.ServerEvent{Type: typ, Payload: raw})
	}
}

func (s *wsServer) events() []event.ClientEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.ClientEvent(nil), s.received...)
}

func testSession(t *testing.T, wsURL string) *Session {
	provider := &creds.Memory{}
	provider.Set(context.Background(), &creds.Credentials{
		SessionID: "sess-test",
		Secret:    []byte("0123456789abcdef0123456789abcdef"),
	})
	sess := NewSession(&config.Config{
		WSURL:          wsURL,
		AckTimeout:     150 * time.Millisecond,
		SendAckTimeout: 300 * time.Millisecond,
		Reconnect:      config.ReconnectConfig{Attempts: 1, DelayMS: 10},
	}, provider)
	t.Cleanup(sess.Close)
	return sess
}

func TestConnectWithoutCredentials(t *testing.T) {
	sess := NewSession(&config.Config{
		WSURL:     "ws://127.0.0.1:1/ws",
		Reconnect: config.ReconnectConfig{Attempts: 1, DelayMS: 10},
	}, &creds.Memory{})

	err := sess.Connect(context.Background())
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *AuthError", err)
	}
	if sess.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", sess.State())
	}
}

func TestConnectFailureEndsInErrorState(t *testing.T) {
	sess := testSession(t, "ws://127.0.0.1:1/ws")
	if err := sess.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded against a dead address")
	}
	if sess.State() != StateError {
		t.Fatalf("state = %s, want error", sess.State())
	}
}

func TestJoinRoomAcked(t *testing.T) {
	srv := newWSServer(t)
	sess := testSession(t, srv.url())
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sess.State() != StateConnected {
		t.Fatalf("state = %s, want connected", sess.State())
	}

	if err := sess.JoinRoom(context.Background(), "chat-1"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if _, ok := sess.Membership("chat-1"); !ok {
		t.Fatal("membership not recorded after acked join")
	}

	evs := srv.events()
	if len(evs) != 1 || evs[0].Type != event.TypeJoinRoom || evs[0].ChatID != "chat-1" {
		t.Fatalf("server received %+v", evs)
	}
	if evs[0].AckID == "" {
		t.Fatal("join was sent without an ack_id")
	}
}

func TestJoinRoomAckTimeout(t *testing.T) {
	srv := newWSServer(t)
	srv.respond = func(event.ClientEvent) (bool, string) { return false, "" }
	sess := testSession(t, srv.url())
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	err := sess.JoinRoom(context.Background(), "chat-1")
	var te *AckTimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *AckTimeoutError", err)
	}
	if _, ok := sess.Membership("chat-1"); ok {
		t.Fatal("membership recorded despite timed-out join")
	}
	// A lost ack degrades the one action, not the connection.
	if sess.State() != StateConnected {
		t.Fatalf("state = %s, want connected", sess.State())
	}
}

func TestLeaveRoomTimeoutIsSuccess(t *testing.T) {
	srv := newWSServer(t)
	sess := testSession(t, srv.url())
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sess.JoinRoom(context.Background(), "chat-1"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	srv.mu.Lock()
	srv.respond = func(event.ClientEvent) (bool, string) { return false, "" }
	srv.mu.Unlock()
	if err := sess.LeaveRoom(context.Background(), "chat-1"); err != nil {
		t.Fatalf("LeaveRoom on silent server = %v, want nil", err)
	}
	if _, ok := sess.Membership("chat-1"); ok {
		t.Fatal("membership kept after leave")
	}
}

func TestActionAckError(t *testing.T) {
	srv := newWSServer(t)
	srv.respond = func(ev event.ClientEvent) (bool, string) {
		if ev.Type == event.TypeMessageEdited {
			return true, "no permission"
		}
		return true, ""
	}
	sess := testSession(t, srv.url())
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	err := sess.Edit(context.Background(), "chat-1", "msg-1", "new text", "local-1")
	var ae *AckError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *AckError", err)
	}
	if ae.Action != event.TypeMessageEdited || ae.Message != "no permission" {
		t.Fatalf("AckError = %+v", ae)
	}
}

func TestSendCarriesAckIDAndLocalID(t *testing.T) {
	srv := newWSServer(t)
	sess := testSession(t, srv.url())
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	err := sess.Send(context.Background(), event.ClientEvent{
		ChatID:  "chat-1",
		Content: "hello",
		LocalID: "local-7",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	evs := srv.events()
	if len(evs) != 1 {
		t.Fatalf("server received %d events, want 1", len(evs))
	}
	got := evs[0]
	if got.Type != event.TypeNewMessage || got.LocalID != "local-7" || got.AckID == "" {
		t.Fatalf("server received %+v", got)
	}
}

func TestDispatchAndOwnerScoping(t *testing.T) {
	srv := newWSServer(t)
	sess := testSession(t, srv.url())
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	gotA := make(chan event.ServerEvent, 4)
	gotB := make(chan event.ServerEvent, 4)
	sess.Subscribe("owner-a", event.TypeNewMessage, func(ev event.ServerEvent) { gotA <- ev })
	sess.Subscribe("owner-b", event.TypeNewMessage, func(ev event.ServerEvent) { gotB <- ev })

	srv.push(t, event.TypeNewMessage, map[string]string{"id": "m1"})
	for _, ch := range []chan event.ServerEvent{gotA, gotB} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("listener did not receive pushed event")
		}
	}

	sess.DropOwner("owner-a")
	srv.push(t, event.TypeNewMessage, map[string]string{"id": "m2"})
	select {
	case <-gotB:
	case <-time.After(time.Second):
		t.Fatal("surviving owner did not receive second event")
	}
	select {
	case ev := <-gotA:
		t.Fatalf("dropped owner received %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	srv := newWSServer(t)
	sess := testSession(t, srv.url())
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	got := make(chan event.ServerEvent, 4)
	unsub := sess.Subscribe("owner", event.TypeTyping, func(ev event.ServerEvent) { got <- ev })
	unsub()
	srv.push(t, event.TypeTyping, event.TypingPayload{ChatID: "chat-1", UserID: "u2"})
	select {
	case ev := <-got:
		t.Fatalf("unsubscribed listener received %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConcurrentConnectsShareOneConnection(t *testing.T) {
	srv := newWSServer(t)
	sess := testSession(t, srv.url())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = sess.Connect(context.Background())
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("Connect %d: %v", i, err)
		}
	}

	srv.mu.Lock()
	conns := len(srv.conns)
	srv.mu.Unlock()
	if conns != 1 {
		t.Fatalf("server saw %d connections, want 1", conns)
	}

	// A superseded connection left pumping would dispatch pushes twice.
	got := make(chan event.ServerEvent, 4)
	sess.Subscribe("owner", event.TypeNewMessage, func(ev event.ServerEvent) { got <- ev })
	srv.push(t, event.TypeNewMessage, map[string]string{"id": "m1"})
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("listener did not receive pushed event")
	}
	select {
	case ev := <-got:
		t.Fatalf("event delivered twice: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconnectNotifiesDisconnectedTransition(t *testing.T) {
	srv := newWSServer(t)
	sess := testSession(t, srv.url())

	var mu sync.Mutex
	var states []State
	sess.OnState("owner", func(st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sess.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}

	mu.Lock()
	got := append([]State(nil), states...)
	mu.Unlock()
	want := []State{StateConnecting, StateConnected, StateDisconnected, StateConnecting, StateConnected}
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestConnectIsIdempotentWhenConnected(t *testing.T) {
	srv := newWSServer(t)
	sess := testSession(t, srv.url())
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	srv.mu.Lock()
	n := len(srv.conns)
	srv.mu.Unlock()
	if n != 1 {
		t.Fatalf("server saw %d connections, want 1 (connected session must be reused)", n)
	}
}

func TestStateListener(t *testing.T) {
	srv := newWSServer(t)
	sess := testSession(t, srv.url())

	var mu sync.Mutex
	var states []State
	sess.OnState("owner", func(st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	mu.Lock()
	got := append([]State(nil), states...)
	mu.Unlock()
	want := []State{StateConnecting, StateConnected}
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}
