// Package gateway executes HTTP operations against the backend with request
// deduplication, TTL caching, linear-backoff retries, per-attempt timeouts
// and a global abort. All conversation controllers share one Gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/messenger/client/internal/cache"
	"github.com/messenger/client/internal/config"
	"github.com/messenger/client/internal/creds"
	"github.com/messenger/client/internal/logger"
)

// Options tune one Execute call. Zero values mean: no retries, no caching.
type Options struct {
	RetryAttempts int           // additional attempts after the first
	RetryDelay    time.Duration // wait RetryDelay × attemptNumber between attempts
	CacheTTL      time.Duration // GET only; 0 disables the cache for this call
}

// call is one in-flight deduplicated operation. Concurrent callers for the
// same key block on done and share data/err.
type call struct {
	done chan struct{}
	data []byte
	err  error
}

type Gateway struct {
	baseURL        string
	httpClient     *http.Client
	provider       creds.Provider
	store          cache.Store
	attemptTimeout time.Duration
	uploadTimeout  time.Duration

	mu      sync.Mutex
	pending map[string]*call
	// aborted is replaced on every AbortAll; in-flight attempts watch the
	// previous generation and cancel when it closes.
	aborted chan struct{}
}

func New(cfg *config.Config, provider creds.Provider, store cache.Store) *Gateway {
	if store == nil {
		store = cache.Noop{}
	}
	return &Gateway{
		baseURL:        strings.TrimSuffix(cfg.APIBaseURL, "/"),
		httpClient:     &http.Client{},
		provider:       provider,
		store:          store,
		attemptTimeout: cfg.RequestTimeout,
		uploadTimeout:  cfg.UploadTimeout,
		pending:        make(map[string]*call),
		aborted:        make(chan struct{}),
	}
}

// dedupKey is the composite identity of an operation: method, path and
// normalized query (url.Values.Encode sorts keys, so parameter order in the
// caller's endpoint string does not split the dedup bucket).
func dedupKey(method, endpoint string) string {
	path, rawQuery, _ := strings.Cut(endpoint, "?")
	if rawQuery == "" {
		return method + " " + path
	}
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return method + " " + path + "?" + rawQuery
	}
	return method + " " + path + "?" + q.Encode()
}

// Execute performs one operation and returns the raw response body
// (nil for 204). GET calls are deduplicated and optionally cached;
// successful mutations invalidate cache entries sharing the path.
func (g *Gateway) Execute(ctx context.Context, method, endpoint string, body any, opts Options) ([]byte, error) {
	defer logger.DeferLogDuration("gateway.Execute", time.Now())()

	key := dedupKey(method, endpoint)
	isGet := method == http.MethodGet

	if isGet && opts.CacheTTL > 0 {
		if data, err := g.store.Get(ctx, key); err != nil {
			logger.Errorf("gateway cache get %s: %v", key, err)
		} else if data != nil {
			return data, nil
		}
	}

	if !isGet {
		return g.do(ctx, method, endpoint, key, body, opts)
	}

	// Dedup: join an identical in-flight GET instead of issuing a second call.
	g.mu.Lock()
	if c, ok := g.pending[key]; ok {
		g.mu.Unlock()
		select {
		case <-c.done:
			return c.data, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	g.pending[key] = c
	g.mu.Unlock()

	c.data, c.err = g.do(ctx, method, endpoint, key, body, opts)
	close(c.done)

	g.mu.Lock()
	// AbortAll may have replaced the map; only remove our own record.
	if cur, ok := g.pending[key]; ok && cur == c {
		delete(g.pending, key)
	}
	g.mu.Unlock()
	return c.data, c.err
}

// JSON runs Execute and decodes the response into out (skipped when out is
// nil or the response has no body).
func (g *Gateway) JSON(ctx context.Context, method, endpoint string, body, out any, opts Options) error {
	data, err := g.Execute(ctx, method, endpoint, body, opts)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, endpoint, err)
	}
	return nil
}

func (g *Gateway) do(ctx context.Context, method, endpoint, key string, body any, opts Options) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, endpoint, err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= 1+opts.RetryAttempts; attempt++ {
		data, err := g.attempt(ctx, method, endpoint, payload, attempt)
		if err == nil {
			if method == http.MethodGet {
				if opts.CacheTTL > 0 {
					if err := g.store.Set(ctx, key, data, opts.CacheTTL); err != nil {
						logger.Errorf("gateway cache set %s: %v", key, err)
					}
				}
			} else {
				// Mutation succeeded: related reads must refetch.
				path, _, _ := strings.Cut(endpoint, "?")
				if err := g.store.Invalidate(ctx, path); err != nil {
					logger.Errorf("gateway cache invalidate %s: %v", path, err)
				}
			}
			return data, nil
		}
		lastErr = err
		if !retryable(err) || attempt > opts.RetryAttempts {
			break
		}
		logger.Debugf("gateway retry %s %s attempt=%d: %v", method, endpoint, attempt, err)
		select {
		case <-time.After(opts.RetryDelay * time.Duration(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// attempt performs a single bounded HTTP round trip.
func (g *Gateway) attempt(ctx context.Context, method, endpoint string, payload []byte, attempt int) ([]byte, error) {
	g.mu.Lock()
	abortedGen := g.aborted
	g.mu.Unlock()

	actx, cancel := context.WithTimeout(ctx, g.attemptTimeout)
	defer cancel()
	abortDone := make(chan struct{})
	go func() {
		select {
		case <-abortedGen:
			cancel()
		case <-abortDone:
		}
	}()
	defer close(abortDone)

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(actx, method, g.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, endpoint, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	g.attachCredentials(req, payload)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		select {
		case <-abortedGen:
			return nil, ErrAborted
		default:
		}
		if actx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, &TimeoutError{Endpoint: endpoint, Attempt: attempt}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if actx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, &TimeoutError{Endpoint: endpoint, Attempt: attempt}
		}
		return nil, fmt.Errorf("read %s %s: %w", method, endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp.StatusCode, data)
	}
	return data, nil
}

// statusError extracts the server's message ({"error": "..."}), falling back
// to "Error {status}" when the body is unparsable.
func statusError(code int, body []byte) *StatusError {
	var er struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		return &StatusError{Code: code, Message: er.Error}
	}
	return &StatusError{Code: code}
}

// attachCredentials signs the request when a credential is available.
// Absence is not an error: unauthenticated calls go through and rely on
// server-side rejection.
func (g *Gateway) attachCredentials(req *http.Request, body []byte) {
	if g.provider == nil {
		return
	}
	c, err := g.provider.Get(req.Context())
	if err != nil {
		logger.Errorf("gateway credentials: %v", err)
		return
	}
	c.Attach(req, body)
}

// Invalidate removes cached GET results whose key contains fragment.
func (g *Gateway) Invalidate(ctx context.Context, fragment string) {
	if err := g.store.Invalidate(ctx, fragment); err != nil {
		logger.Errorf("gateway invalidate %s: %v", fragment, err)
	}
}

// AbortAll cancels every in-flight attempt and clears the dedup map.
// Used on logout and full navigation-away.
func (g *Gateway) AbortAll() {
	g.mu.Lock()
	close(g.aborted)
	g.aborted = make(chan struct{})
	g.pending = make(map[string]*call)
	g.mu.Unlock()
	logger.Info("gateway: aborted all in-flight requests")
}

// Teardown aborts everything and drops the cache. Called on logout.
func (g *Gateway) Teardown(ctx context.Context) {
	g.AbortAll()
	if err := g.store.Clear(ctx); err != nil {
		logger.Errorf("gateway cache clear: %v", err)
	}
}
