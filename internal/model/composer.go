package model

import "io"

// MediaUpload is one user-attached file queued in the composer.
// Progress advances from 0 to 100 during upload and never goes backwards.
type MediaUpload struct {
	File        io.Reader   `json:"-"`
	FileName    string      `json:"file_name"`
	FileSize    int64       `json:"file_size"`
	ContentType ContentType `json:"content_type"`
	PreviewURL  string      `json:"preview_url,omitempty"`
	Progress    float64     `json:"progress"`
}

// Composer holds the draft state of the message input for one conversation.
// It is cleared atomically when a send attempt completes, regardless of outcome.
type Composer struct {
	DraftText       string         `json:"draft_text"`
	SelectedReplyID string         `json:"selected_reply_id,omitempty"`
	MediaQueue      []*MediaUpload `json:"media_queue,omitempty"`
}

// Empty reports whether there is nothing to send.
func (c *Composer) Empty() bool {
	return c.DraftText == "" && len(c.MediaQueue) == 0
}
