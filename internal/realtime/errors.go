package realtime

import (
	"errors"
	"fmt"

	"github.com/messenger/client/internal/event"
)

// ErrNotConnected is returned for actions attempted while no connection is up.
var ErrNotConnected = errors.New("realtime: not connected")

// AuthError: connect was attempted without a stored credential, or with a
// token already known to be expired.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "realtime auth: " + e.Reason
}

// AckError is an explicit error payload in the server's acknowledgment.
type AckError struct {
	Action  event.Type
	Message string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Action, e.Message)
}

// AckTimeoutError: no acknowledgment arrived within the action's window.
// The connection state is not changed by this failure alone.
type AckTimeoutError struct {
	Action event.Type
}

func (e *AckTimeoutError) Error() string {
	return fmt.Sprintf("%s: no acknowledgment from server", e.Action)
}
