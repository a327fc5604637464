// Package client is the Go SDK for the messenger backend. It wires the
// credential provider, cache, request gateway and realtime session together
// and hands out one chat controller per open conversation.
package client

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/messenger/client/internal/cache"
	cachememory "github.com/messenger/client/internal/cache/memory"
	cacheredis "github.com/messenger/client/internal/cache/redis"
	"github.com/messenger/client/internal/chat"
	"github.com/messenger/client/internal/config"
	"github.com/messenger/client/internal/creds"
	"github.com/messenger/client/internal/gateway"
	"github.com/messenger/client/internal/logger"
	"github.com/messenger/client/internal/realtime"
)

type Client struct {
	cfg      *config.Config
	provider creds.Provider
	store    cache.Store
	gw       *gateway.Gateway
	sess     *realtime.Session
}

// New builds a client from cfg. The cache backend is Redis when cfg.RedisURL
// is set (multi-process bots sharing GET results), in-memory otherwise.
func New(ctx context.Context, cfg *config.Config) (*Client, error) {
	path := cfg.CredentialsPath
	if path == "" {
		var err error
		path, err = creds.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	provider := creds.NewFileProvider(path)

	var store cache.Store
	if cfg.RedisURL != "" {
		rs, err := cacheredis.New(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("cache backend: %w", err)
		}
		store = rs
	} else {
		store = cachememory.New()
	}

	return &Client{
		cfg:      cfg,
		provider: provider,
		store:    store,
		gw:       gateway.New(cfg, provider, store),
		sess:     realtime.NewSession(cfg, provider),
	}, nil
}

// Gateway exposes the shared request gateway (status screens, profile
// fetches and other simple reads outside chat controllers).
func (c *Client) Gateway() *gateway.Gateway { return c.gw }

// Session exposes the shared realtime session.
func (c *Client) Session() *realtime.Session { return c.sess }

// Credentials exposes the persisted credential provider.
func (c *Client) Credentials() creds.Provider { return c.provider }

// Connect establishes the realtime session with the stored credential.
func (c *Client) Connect(ctx context.Context) error {
	return c.sess.Connect(ctx)
}

// OpenChat creates the controller for one conversation. The caller owns its
// lifecycle: Load on view mount, Close on unmount.
func (c *Client) OpenChat(chatID string) *chat.Controller {
	return chat.NewController(chatID, c.gw, c.sess, c.requestOptions())
}

func (c *Client) requestOptions() gateway.Options {
	return gateway.Options{
		RetryAttempts: c.cfg.Retry.Attempts,
		RetryDelay:    time.Duration(c.cfg.Retry.DelayMS) * time.Millisecond,
		CacheTTL:      c.cfg.CacheTTL,
	}
}

// DevLogin obtains a session from a devserver-style backend and persists it.
// Development only; production credentials come from the OTP auth flow.
func (c *Client) DevLogin(ctx context.Context, username string) error {
	var res struct {
		SessionID string `json:"session_id"`
		Secret    string `json:"secret"`
		UserID    string `json:"user_id"`
	}
	body := map[string]string{"username": username}
	if err := c.gw.JSON(ctx, http.MethodPost, "/auth/dev-session", body, &res, gateway.Options{}); err != nil {
		return fmt.Errorf("dev login: %w", err)
	}
	secret, err := base64.StdEncoding.DecodeString(res.Secret)
	if err != nil {
		return fmt.Errorf("dev login secret: %w", err)
	}
	return c.provider.Set(ctx, &creds.Credentials{
		SessionID: res.SessionID,
		Secret:    secret,
		UserID:    res.UserID,
	})
}

// Logout tears everything down: aborts in-flight requests, drops the cache,
// disconnects the session and clears the persisted credential.
func (c *Client) Logout(ctx context.Context) error {
	c.sess.Close()
	c.gw.Teardown(ctx)
	if err := c.provider.Clear(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	logger.Info("logged out")
	return nil
}

// Close releases resources without touching the stored credential.
func (c *Client) Close(ctx context.Context) {
	c.sess.Close()
	c.gw.AbortAll()
	if err := c.store.Close(); err != nil {
		logger.Errorf("close cache: %v", err)
	}
}
