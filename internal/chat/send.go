package chat

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/messenger/client/internal/event"
	"github.com/messenger/client/internal/logger"
	"github.com/messenger/client/internal/model"
)

// ErrSendInFlight rejects a send while a previous one is still running.
var ErrSendInFlight = errors.New("chat: send already in flight")

const uploadEndpoint = "/upload"

// SetDraft updates the composer's draft text.
func (c *Controller) SetDraft(text string) {
	c.mu.Lock()
	c.composer.DraftText = text
	c.mu.Unlock()
	c.notify()
}

// SelectReply marks messageID as the quoted reply target ("" clears it).
func (c *Controller) SelectReply(messageID string) {
	c.mu.Lock()
	c.composer.SelectedReplyID = messageID
	c.mu.Unlock()
	c.notify()
}

// AttachMedia queues a file in the composer.
func (c *Controller) AttachMedia(file io.Reader, fileName string, fileSize int64, ct model.ContentType) *model.MediaUpload {
	up := &model.MediaUpload{File: file, FileName: fileName, FileSize: fileSize, ContentType: ct}
	c.mu.Lock()
	c.composer.MediaQueue = append(c.composer.MediaQueue, up)
	c.mu.Unlock()
	c.notify()
	return up
}

// RemoveMedia drops one queued item before sending.
func (c *Controller) RemoveMedia(up *model.MediaUpload) {
	c.mu.Lock()
	for i, queued := range c.composer.MediaQueue {
		if queued == up {
			c.composer.MediaQueue = append(c.composer.MediaQueue[:i], c.composer.MediaQueue[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.notify()
}

// Composer returns a snapshot of the composer state.
func (c *Controller) Composer() model.Composer {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.composer
	snap.MediaQueue = append([]*model.MediaUpload(nil), c.composer.MediaQueue...)
	return snap
}

// Send flushes the composer: every queued media item is uploaded
// sequentially and sent as its own MEDIA message (carrying the reply link),
// then non-empty draft text goes out as one TEXT message. A send already in
// flight rejects; an empty composer is a no-op. Whatever the outcome, the
// composer is cleared when the attempt completes. A failed upload stops the
// batch; messages already sent stay (they are real server messages).
func (c *Controller) Send(ctx context.Context) error {
	c.mu.Lock()
	if c.sending {
		c.mu.Unlock()
		return ErrSendInFlight
	}
	if c.composer.Empty() {
		c.mu.Unlock()
		return nil
	}
	c.sending = true
	draft := c.composer.DraftText
	replyTo := c.composer.SelectedReplyID
	queue := append([]*model.MediaUpload(nil), c.composer.MediaQueue...)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.composer = model.Composer{}
		c.sending = false
		c.mu.Unlock()
		c.notify()
	}()

	for _, up := range queue {
		res, err := c.gw.Upload(ctx, uploadEndpoint, up.FileName, up.File, func(pct float64) {
			c.mu.Lock()
			if pct > up.Progress {
				up.Progress = pct
			}
			c.mu.Unlock()
			c.notify()
		})
		if err != nil {
			c.fail(err)
			return err
		}
		ev := event.ClientEvent{
			ChatID:      c.chatID,
			ContentType: up.ContentType,
			FileURL:     res.URL,
			FileName:    res.FileName,
			FileSize:    res.FileSize,
			ReplyToID:   replyTo,
		}
		if ev.ContentType == "" || ev.ContentType == model.ContentTypeText {
			ev.ContentType = model.ContentTypeFile
		}
		if err := c.sendOne(ctx, ev); err != nil {
			c.fail(err)
			return err
		}
	}

	if draft != "" {
		ev := event.ClientEvent{
			ChatID:      c.chatID,
			Content:     draft,
			ContentType: model.ContentTypeText,
			ReplyToID:   replyTo,
		}
		if err := c.sendOne(ctx, ev); err != nil {
			c.fail(err)
			return err
		}
	}
	return nil
}

// sendOne applies the optimistic pending copy, issues the realtime send and
// reverts immediately on a definitive failure.
func (c *Controller) sendOne(ctx context.Context, ev event.ClientEvent) error {
	localID := uuid.New().String()
	ev.LocalID = localID

	var replyTo *string
	if ev.ReplyToID != "" {
		r := ev.ReplyToID
		replyTo = &r
	}
	self := c.Self()
	pending := model.Message{
		ID:          localID, // replaced by the echo's server id
		ChatID:      c.chatID,
		SenderID:    self.ID,
		Content:     ev.Content,
		ContentType: ev.ContentType,
		FileURL:     ev.FileURL,
		FileName:    ev.FileName,
		FileSize:    ev.FileSize,
		ReplyToID:   replyTo,
		CreatedAt:   time.Now(),
		LocalID:     localID,
		Pending:     true,
	}

	c.mu.Lock()
	c.applyPatchLocked(localID, event.TypeNewMessage,
		func() {
			c.messages = append(c.messages, pending)
			sortByCreatedAt(c.messages)
		},
		func() {
			if i := c.indexByLocalID(localID); i >= 0 {
				c.messages = append(c.messages[:i], c.messages[i+1:]...)
			}
		})
	c.mu.Unlock()
	c.notify()

	if err := c.sess.Send(ctx, ev); err != nil {
		c.failPatch(localID)
		return err
	}
	return nil
}

// StartEdit puts a message into local edit mode.
func (c *Controller) StartEdit(messageID string) {
	c.mu.Lock()
	c.editingID = messageID
	c.mu.Unlock()
	c.notify()
}

// EditingID returns the message currently in edit mode ("" when none).
func (c *Controller) EditingID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.editingID
}

// SaveEdit sends the new content and exits edit mode whether or not the call
// succeeds. Empty content cancels the edit instead of saving.
func (c *Controller) SaveEdit(ctx context.Context, content string) error {
	c.mu.Lock()
	messageID := c.editingID
	c.mu.Unlock()
	if messageID == "" {
		return nil
	}
	defer func() {
		c.mu.Lock()
		c.editingID = ""
		c.mu.Unlock()
		c.notify()
	}()
	if content == "" {
		return nil
	}

	localID := uuid.New().String()
	c.mu.Lock()
	if i := c.indexByID(messageID); i >= 0 {
		prevContent := c.messages[i].Content
		prevEdited := c.messages[i].EditedAt
		now := time.Now()
		c.applyPatchLocked(localID, event.TypeMessageEdited,
			func() {
				c.messages[i].Content = content
				c.messages[i].EditedAt = &now
			},
			func() {
				if j := c.indexByID(messageID); j >= 0 {
					c.messages[j].Content = prevContent
					c.messages[j].EditedAt = prevEdited
				}
			})
	}
	c.mu.Unlock()
	c.notify()

	if err := c.sess.Edit(ctx, c.chatID, messageID, content, localID); err != nil {
		c.failPatch(localID)
		return err
	}
	return nil
}

// Delete removes a message. The optimistic removal is confirmed by the
// broadcast echo or reverted on failure.
func (c *Controller) Delete(ctx context.Context, messageID string) error {
	localID := uuid.New().String()
	c.mu.Lock()
	if i := c.indexByID(messageID); i >= 0 {
		removed := c.messages[i]
		c.applyPatchLocked(localID, event.TypeMessageDeleted,
			func() {
				c.messages = append(c.messages[:i], c.messages[i+1:]...)
			},
			func() {
				c.messages = append(c.messages, removed)
				sortByCreatedAt(c.messages)
			})
	}
	c.mu.Unlock()
	c.notify()

	if err := c.sess.Delete(ctx, c.chatID, messageID, localID); err != nil {
		c.failPatch(localID)
		return err
	}
	return nil
}

// React adds an (emoji, user) reaction. The pair is unique per message.
func (c *Controller) React(ctx context.Context, messageID, emoji string) error {
	self := c.Self()
	localID := uuid.New().String()
	c.mu.Lock()
	if i := c.indexByID(messageID); i >= 0 && !c.messages[i].HasReaction(emoji, self.ID) {
		c.applyPatchLocked(localID, event.TypeReactionAdded,
			func() {
				c.messages[i].Reactions = append(c.messages[i].Reactions, model.Reaction{
					MessageID: messageID,
					UserID:    self.ID,
					Emoji:     emoji,
				})
			},
			func() {
				c.removeReactionLocked(messageID, emoji, self.ID)
			})
	}
	c.mu.Unlock()
	c.notify()

	if err := c.sess.React(ctx, c.chatID, messageID, emoji, localID); err != nil {
		c.failPatch(localID)
		return err
	}
	return nil
}

// Unreact removes the user's (emoji, user) reaction.
func (c *Controller) Unreact(ctx context.Context, messageID, emoji string) error {
	self := c.Self()
	localID := uuid.New().String()
	c.mu.Lock()
	if i := c.indexByID(messageID); i >= 0 && c.messages[i].HasReaction(emoji, self.ID) {
		c.applyPatchLocked(localID, event.TypeReactionRemoved,
			func() {
				c.removeReactionLocked(messageID, emoji, self.ID)
			},
			func() {
				if j := c.indexByID(messageID); j >= 0 && !c.messages[j].HasReaction(emoji, self.ID) {
					c.messages[j].Reactions = append(c.messages[j].Reactions, model.Reaction{
						MessageID: messageID,
						UserID:    self.ID,
						Emoji:     emoji,
					})
				}
			})
	}
	c.mu.Unlock()
	c.notify()

	if err := c.sess.Unreact(ctx, c.chatID, messageID, emoji, localID); err != nil {
		c.failPatch(localID)
		return err
	}
	return nil
}

func (c *Controller) removeReactionLocked(messageID, emoji, userID string) {
	i := c.indexByID(messageID)
	if i < 0 {
		return
	}
	reactions := c.messages[i].Reactions
	for j := range reactions {
		if reactions[j].Emoji == emoji && reactions[j].UserID == userID {
			c.messages[i].Reactions = append(reactions[:j], reactions[j+1:]...)
			return
		}
	}
	logger.Debugf("chat %s: reaction %s/%s not found on %s", c.chatID, emoji, userID, messageID)
}
