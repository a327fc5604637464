package model

import "time"

type ContentType string

const (
	ContentTypeText   ContentType = "text"
	ContentTypeImage  ContentType = "image"
	ContentTypeFile   ContentType = "file"
	ContentTypeVoice  ContentType = "voice"
	ContentTypeSystem ContentType = "system"
)

// Message is the client-side view of one chat message. JSON tags are
// wire-compatible with the backend. LocalID and Pending exist only on the
// client: LocalID travels as local_id on outbound events so the server echo
// can supersede the optimistic copy, Pending marks the not-yet-confirmed copy.
type Message struct {
	ID          string      `json:"id"`
	ChatID      string      `json:"chat_id"`
	SenderID    string      `json:"sender_id"`
	Content     string      `json:"content"`
	ContentType ContentType `json:"content_type"`
	FileURL     string      `json:"file_url,omitempty"`
	FileName    string      `json:"file_name,omitempty"`
	FileSize    int64       `json:"file_size,omitempty"`
	ReplyToID   *string     `json:"reply_to_id,omitempty"`
	EditedAt    *time.Time  `json:"edited_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	Sender      *UserPublic `json:"sender,omitempty"`
	ReplyTo     *Message    `json:"reply_to,omitempty"`
	Reactions   []Reaction  `json:"reactions,omitempty"`

	LocalID string `json:"local_id,omitempty"`
	Pending bool   `json:"-"`
}

type Reaction struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// HasReaction reports whether the (emoji, userID) pair is already present.
// Reactions are unique by this pair; the inbound reducer relies on it.
func (m *Message) HasReaction(emoji, userID string) bool {
	for _, r := range m.Reactions {
		if r.Emoji == emoji && r.UserID == userID {
			return true
		}
	}
	return false
}
