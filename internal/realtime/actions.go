package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/messenger/client/internal/event"
	"github.com/messenger/client/internal/logger"
)

// action sends ev and waits for the server's acknowledgment within window.
func (s *Session) action(ctx context.Context, ev event.ClientEvent, window time.Duration) error {
	conn := s.current()
	if conn == nil {
		return ErrNotConnected
	}

	ev.AckID = uuid.New().String()
	ch := make(chan string, 1)
	s.mu.Lock()
	s.acks[ev.AckID] = ch
	s.mu.Unlock()
	drop := func() {
		s.mu.Lock()
		delete(s.acks, ev.AckID)
		s.mu.Unlock()
	}

	select {
	case conn.send <- ev:
	case <-conn.done:
		drop()
		return ErrNotConnected
	case <-ctx.Done():
		drop()
		return ctx.Err()
	}

	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case msg := <-ch:
		if msg != "" {
			return &AckError{Action: ev.Type, Message: msg}
		}
		return nil
	case <-timer.C:
		drop()
		return &AckTimeoutError{Action: ev.Type}
	case <-ctx.Done():
		drop()
		return ctx.Err()
	}
}

// Send publishes a message to a chat. The send window is longer than other
// actions (the server persists and fans out before acking).
func (s *Session) Send(ctx context.Context, ev event.ClientEvent) error {
	ev.Type = event.TypeNewMessage
	return s.action(ctx, ev, s.sendAckTimeout)
}

// Edit replaces a message's content.
func (s *Session) Edit(ctx context.Context, chatID, messageID, content, localID string) error {
	return s.action(ctx, event.ClientEvent{
		Type:      event.TypeMessageEdited,
		ChatID:    chatID,
		MessageID: messageID,
		Content:   content,
		LocalID:   localID,
	}, s.ackTimeout)
}

// Delete removes a message.
func (s *Session) Delete(ctx context.Context, chatID, messageID, localID string) error {
	return s.action(ctx, event.ClientEvent{
		Type:      event.TypeMessageDeleted,
		ChatID:    chatID,
		MessageID: messageID,
		LocalID:   localID,
	}, s.ackTimeout)
}

// React adds an emoji reaction to a message.
func (s *Session) React(ctx context.Context, chatID, messageID, emoji, localID string) error {
	return s.action(ctx, event.ClientEvent{
		Type:      event.TypeReactionAdded,
		ChatID:    chatID,
		MessageID: messageID,
		Emoji:     emoji,
		LocalID:   localID,
	}, s.ackTimeout)
}

// Unreact removes an emoji reaction from a message.
func (s *Session) Unreact(ctx context.Context, chatID, messageID, emoji, localID string) error {
	return s.action(ctx, event.ClientEvent{
		Type:      event.TypeReactionRemoved,
		ChatID:    chatID,
		MessageID: messageID,
		Emoji:     emoji,
		LocalID:   localID,
	}, s.ackTimeout)
}

// JoinRoom subscribes this connection to a chat's broadcasts. No ack within
// the window is a hard failure; membership is only recorded on success.
func (s *Session) JoinRoom(ctx context.Context, roomID string) error {
	if err := s.action(ctx, event.ClientEvent{Type: event.TypeJoinRoom, ChatID: roomID}, s.ackTimeout); err != nil {
		return err
	}
	s.mu.Lock()
	s.rooms[roomID] = time.Now()
	s.mu.Unlock()
	return nil
}

// LeaveRoom unsubscribes from a chat's broadcasts. A timeout is treated as
// success: teardown must not block on a possibly-already-broken connection.
func (s *Session) LeaveRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()

	err := s.action(ctx, event.ClientEvent{Type: event.TypeLeaveRoom, ChatID: roomID}, s.ackTimeout)
	var timeout *AckTimeoutError
	if errors.As(err, &timeout) || errors.Is(err, ErrNotConnected) {
		logger.Debugf("realtime leave room %s: %v (ignored)", roomID, err)
		return nil
	}
	return err
}

// Membership returns when this session joined roomID, if it has.
func (s *Session) Membership(roomID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rooms[roomID]
	return t, ok
}

// Typing announces that the user is typing in a chat. Fire-and-forget: no
// ack, drops silently when the buffer is full or the connection is down.
func (s *Session) Typing(chatID string) {
	conn := s.current()
	if conn == nil {
		return
	}
	select {
	case conn.send <- event.ClientEvent{Type: event.TypeTyping, ChatID: chatID}:
	case <-conn.done:
	default:
	}
}

// MarkRead announces that the user has read a chat. Fire-and-forget.
func (s *Session) MarkRead(chatID string) {
	conn := s.current()
	if conn == nil {
		return
	}
	select {
	case conn.send <- event.ClientEvent{Type: event.TypeMessageRead, ChatID: chatID}:
	case <-conn.done:
	default:
	}
}
