package chat

import (
	"fmt"
	"time"

	"github.com/messenger/client/internal/event"
)

// patch is one optimistic local mutation awaiting its server echo. The echo
// (matched by correlation id) supersedes the patch; a patch that nothing
// supersedes within patchTTL is reverted and surfaced as a failed action
// instead of lingering silently.
type patch struct {
	action event.Type
	revert func() // runs under c.mu
	timer  *time.Timer
}

// applyPatchLocked records an optimistic mutation. apply and revert both run
// under c.mu; the caller already holds it.
func (c *Controller) applyPatchLocked(localID string, action event.Type, apply, revert func()) {
	apply()
	p := &patch{action: action, revert: revert}
	p.timer = time.AfterFunc(patchTTL, func() {
		c.expirePatch(localID)
	})
	c.patches[localID] = p
}

// resolvePatchLocked marks a patch superseded by its server event. The
// authoritative event is applied by the caller; nothing is reverted.
func (c *Controller) resolvePatchLocked(localID string) {
	if localID == "" {
		return
	}
	if p, ok := c.patches[localID]; ok {
		p.timer.Stop()
		delete(c.patches, localID)
	}
}

// failPatch reverts an optimistic mutation after a definitive action error.
func (c *Controller) failPatch(localID string) {
	c.mu.Lock()
	p, ok := c.patches[localID]
	if ok {
		p.timer.Stop()
		delete(c.patches, localID)
		p.revert()
	}
	c.mu.Unlock()
	if ok {
		c.notify()
	}
}

// expirePatch fires when no echo arrived within patchTTL.
func (c *Controller) expirePatch(localID string) {
	c.mu.Lock()
	p, ok := c.patches[localID]
	if ok {
		delete(c.patches, localID)
		p.revert()
	}
	c.mu.Unlock()
	if ok {
		c.notify()
		c.fail(fmt.Errorf("chat %s: %s not confirmed by server", c.chatID, p.action))
	}
}
