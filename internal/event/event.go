// Package event defines the realtime wire vocabulary shared with the backend.
// Event names match the server's WebSocket protocol; payloads are typed to
// avoid map[string]any in the dispatch hot-path.
package event

import (
	"encoding/json"
	"time"

	"github.com/messenger/client/internal/model"
)

type Type string

const (
	TypeNewMessage      Type = "new_message"
	TypeMessageEdited   Type = "message_edited"
	TypeMessageDeleted  Type = "message_deleted"
	TypeReactionAdded   Type = "reaction_added"
	TypeReactionRemoved Type = "reaction_removed"
	TypeMessageRead     Type = "message_read"
	TypeTyping          Type = "typing"
	TypeUserOnline      Type = "user_online"
	TypeUserOffline     Type = "user_offline"
	TypeJoinRoom        Type = "join_room"
	TypeLeaveRoom       Type = "leave_room"
	TypeAck             Type = "ack"
	TypeError           Type = "error"
)

// ClientEvent is what this client sends to the server. AckID correlates the
// server's ack reply with the pending action; LocalID correlates the broadcast
// echo with an optimistic local patch. Zero fields are omitted on the wire.
type ClientEvent struct {
	Type    Type   `json:"type"`
	AckID   string `json:"ack_id,omitempty"`
	LocalID string `json:"local_id,omitempty"`
	ChatID  string `json:"chat_id,omitempty"`
	Content string `json:"content,omitempty"`

	ContentType model.ContentType `json:"content_type,omitempty"`
	FileURL     string            `json:"file_url,omitempty"`
	FileName    string            `json:"file_name,omitempty"`
	FileSize    int64             `json:"file_size,omitempty"`

	ReplyToID string `json:"reply_to_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
}

// ServerEvent is one frame pushed by the server. Payload stays raw until the
// dispatcher decodes it against the type-specific struct.
type ServerEvent struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AckPayload acknowledges a client action. Error is empty on success.
type AckPayload struct {
	AckID string `json:"ack_id"`
	Error string `json:"error,omitempty"`
}

// MessageEditedPayload is broadcast when a message is edited.
type MessageEditedPayload struct {
	MessageID string    `json:"message_id"`
	ChatID    string    `json:"chat_id"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"edited_at"`
	LocalID   string    `json:"local_id,omitempty"`
}

// MessageDeletedPayload is broadcast when a message is deleted.
type MessageDeletedPayload struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	LocalID   string `json:"local_id,omitempty"`
}

// ReactionPayload is broadcast when a reaction is added or removed.
type ReactionPayload struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
	LocalID   string `json:"local_id,omitempty"`
}

// TypingPayload is broadcast while a user is typing.
type TypingPayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// MessageReadPayload is broadcast when a user reads a chat.
type MessageReadPayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// UserStatusPayload is broadcast for online/offline transitions.
type UserStatusPayload struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}
