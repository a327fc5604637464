// Package creds holds the persisted authentication state and signs outgoing
// requests the way the backend's session middleware verifies them.
package creds

import (
	"context"
	"strings"
)

// Credentials is the persisted auth material for one device session.
// Either SessionID+Secret (HMAC-signed requests) or Token (Bearer) is set;
// the secret is the raw 32 bytes, base64 only on disk.
type Credentials struct {
	SessionID string `json:"session_id,omitempty"`
	Secret    []byte `json:"secret,omitempty"`
	Token     string `json:"token,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// Provider persists credentials across restarts. Get returns (nil, nil) when
// no credential is stored; callers treat that as "unauthenticated", not error.
type Provider interface {
	Get(ctx context.Context) (*Credentials, error)
	Set(ctx context.Context, c *Credentials) error
	Clear(ctx context.Context) error
}

// MaskSessionID маскирует session_id в логах (не светить полный id).
func MaskSessionID(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "***"
}
