package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/messenger/client/internal/cache/memory"
	"github.com/messenger/client/internal/config"
	"github.com/messenger/client/internal/creds"
)

func testGateway(baseURL string, provider creds.Provider) *Gateway {
	cfg := &config.Config{
		APIBaseURL:     baseURL,
		RequestTimeout: 2 * time.Second,
		UploadTimeout:  5 * time.Second,
	}
	return New(cfg, provider, memory.New())
}

func TestDedupKey(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		same bool
	}{
		{"identical", "/chats/1/messages", "/chats/1/messages", true},
		{"query order", "/messages?limit=50&before=x", "/messages?before=x&limit=50", true},
		{"different query", "/messages?limit=50", "/messages?limit=20", false},
		{"different path", "/chats/1", "/chats/2", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ka := dedupKey(http.MethodGet, tt.a)
			kb := dedupKey(http.MethodGet, tt.b)
			if (ka == kb) != tt.same {
				t.Errorf("dedupKey(%q)=%q, dedupKey(%q)=%q, want same=%v", tt.a, ka, tt.b, kb, tt.same)
			}
		})
	}
	if dedupKey(http.MethodGet, "/x") == dedupKey(http.MethodPost, "/x") {
		t.Error("method must be part of the key")
	}
}

func TestConcurrentGetsShareOneCall(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	g := testGateway(srv.URL, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([][]byte, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.Execute(ctx, http.MethodGet, "/chats/1", nil, Options{})
		}(i)
	}
	// Both callers must be joined on the same in-flight call before release.
	deadline := time.Now().Add(time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("network calls = %d, want 1", n)
	}
	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if string(results[i]) != `{"ok":true}` {
			t.Fatalf("caller %d body = %q", i, results[i])
		}
	}
}

func TestGetCacheTTL(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"n":1}`)
	}))
	defer srv.Close()

	g := testGateway(srv.URL, nil)
	ctx := context.Background()
	opts := Options{CacheTTL: 80 * time.Millisecond}

	for i := 0; i < 2; i++ {
		if _, err := g.Execute(ctx, http.MethodGet, "/users/me", nil, opts); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("calls within TTL = %d, want 1", n)
	}

	time.Sleep(120 * time.Millisecond)
	if _, err := g.Execute(ctx, http.MethodGet, "/users/me", nil, opts); err != nil {
		t.Fatalf("Execute after expiry: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("calls after TTL expiry = %d, want 2", n)
	}
}

func TestMutationInvalidatesCachedPath(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
		}
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	g := testGateway(srv.URL, nil)
	ctx := context.Background()
	opts := Options{CacheTTL: time.Minute}

	g.Execute(ctx, http.MethodGet, "/chats/1/messages", nil, opts)
	g.Execute(ctx, http.MethodGet, "/chats/1/messages", nil, opts)
	if n := gets.Load(); n != 1 {
		t.Fatalf("gets before mutation = %d, want 1", n)
	}

	if _, err := g.Execute(ctx, http.MethodPost, "/chats/1/messages", map[string]string{"content": "hi"}, Options{}); err != nil {
		t.Fatalf("mutation: %v", err)
	}
	g.Execute(ctx, http.MethodGet, "/chats/1/messages", nil, opts)
	if n := gets.Load(); n != 2 {
		t.Fatalf("gets after mutation = %d, want 2 (cache must be invalidated)", n)
	}
}

func TestRetriesNetworkErrorsThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			// Drop the connection so the client sees a transport error.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Error("ResponseWriter is not a Hijacker")
				return
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Errorf("hijack: %v", err)
				return
			}
			conn.Close()
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	g := testGateway(srv.URL, nil)
	data, err := g.Execute(context.Background(), http.MethodGet, "/flaky", nil, Options{
		RetryAttempts: 2,
		RetryDelay:    10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("body = %q", data)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("attempts = %d, want 3", n)
	}
}

func TestStatusErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":"not a member"}`)
	}))
	defer srv.Close()

	g := testGateway(srv.URL, nil)
	_, err := g.Execute(context.Background(), http.MethodGet, "/chats/1", nil, Options{
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	})

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusForbidden || se.Message != "not a member" {
		t.Fatalf("StatusError = %+v", se)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("attempts = %d, want 1 (HTTP errors are not retried)", n)
	}
}

func TestStatusErrorFallbackMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "<html>upstream dead</html>")
	}))
	defer srv.Close()

	g := testGateway(srv.URL, nil)
	_, err := g.Execute(context.Background(), http.MethodGet, "/x", nil, Options{})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Error() != "Error 502" {
		t.Fatalf("Error() = %q, want %q", se.Error(), "Error 502")
	}
}

func TestNoContentReturnsNilBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	g := testGateway(srv.URL, nil)
	data, err := g.Execute(context.Background(), http.MethodDelete, "/messages/5", nil, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if data != nil {
		t.Fatalf("body = %q, want nil", data)
	}
}

func TestAttemptTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := &config.Config{APIBaseURL: srv.URL, RequestTimeout: 50 * time.Millisecond}
	g := New(cfg, nil, memory.New())
	_, err := g.Execute(context.Background(), http.MethodGet, "/slow", nil, Options{})

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if te.Endpoint != "/slow" || te.Attempt != 1 {
		t.Fatalf("TimeoutError = %+v", te)
	}
}

func TestAbortAll(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	g := testGateway(srv.URL, nil)
	done := make(chan error, 1)
	go func() {
		_, err := g.Execute(context.Background(), http.MethodGet, "/hang", nil, Options{RetryAttempts: 2, RetryDelay: time.Second})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	g.AbortAll()

	select {
	case err := <-done:
		if !errors.Is(err, ErrAborted) {
			t.Fatalf("err = %v, want ErrAborted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("aborted request did not return")
	}
}

func TestSignsRequestsWithSessionCredentials(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid := r.Header.Get(creds.HeaderSessionID)
		ts := r.Header.Get(creds.HeaderTimestamp)
		sig := r.Header.Get(creds.HeaderSignature)
		if sid != "sess-1" || ts == "" || sig == "" {
			t.Errorf("missing auth headers: sid=%q ts=%q sig=%q", sid, ts, sig)
		}
		mac := hmac.New(sha256.New, secret)
		mac.Write([]byte(r.Method))
		mac.Write([]byte(r.URL.Path))
		mac.Write([]byte(ts))
		if want := hex.EncodeToString(mac.Sum(nil)); sig != want {
			t.Errorf("signature = %q, want %q", sig, want)
		}
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	provider := &creds.Memory{}
	provider.Set(context.Background(), &creds.Credentials{SessionID: "sess-1", Secret: secret})
	g := testGateway(srv.URL, provider)
	if _, err := g.Execute(context.Background(), http.MethodGet, "/users/me", nil, Options{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}
