package creds

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestFileProviderRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "credentials.json")
	p := NewFileProvider(path)
	ctx := context.Background()

	got, err := p.Get(ctx)
	if err != nil || got != nil {
		t.Fatalf("Get on empty store = %v, %v; want nil, nil", got, err)
	}

	want := &Credentials{
		SessionID: "sess-1",
		Secret:    []byte("0123456789abcdef0123456789abcdef"),
		UserID:    "u1",
	}
	if err := p.Set(ctx, want); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err = p.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SessionID != want.SessionID || string(got.Secret) != string(want.Secret) || got.UserID != want.UserID {
		t.Fatalf("Get = %+v, want %+v", got, want)
	}

	if err := p.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got, _ := p.Get(ctx); got != nil {
		t.Fatalf("Get after Clear = %+v, want nil", got)
	}
	// Clearing an already-empty store is not an error.
	if err := p.Clear(ctx); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
}

func TestAttachPrefersBearerToken(t *testing.T) {
	c := &Credentials{Token: "jwt-token", SessionID: "sess-1", Secret: []byte("secret")}
	req, _ := http.NewRequest(http.MethodGet, "http://example/users/me", nil)
	c.Attach(req, nil)
	if got := req.Header.Get("Authorization"); got != "Bearer jwt-token" {
		t.Fatalf("Authorization = %q", got)
	}
	if req.Header.Get(HeaderSessionID) != "" {
		t.Fatal("session headers set alongside bearer token")
	}
}

func TestAttachNilAndEmptyAreNoops(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example/", nil)
	var c *Credentials
	c.Attach(req, nil)
	(&Credentials{}).Attach(req, nil)
	if len(req.Header) != 0 {
		t.Fatalf("headers set by empty credentials: %v", req.Header)
	}
}

func TestWSQueryCarriesSessionTriple(t *testing.T) {
	c := &Credentials{SessionID: "sess-1", Secret: []byte("0123456789abcdef0123456789abcdef")}
	q := c.WSQuery("/ws")
	if q.Get("session_id") != "sess-1" || q.Get("timestamp") == "" || q.Get("signature") == "" {
		t.Fatalf("WSQuery = %v", q)
	}
}

func TestTokenExpired(t *testing.T) {
	key := []byte("test-key")
	mint := func(exp time.Time) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "u1",
			"exp": exp.Unix(),
		})
		s, err := tok.SignedString(key)
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		return s
	}

	now := time.Now()
	expired, err := TokenExpired(mint(now.Add(time.Hour)), now)
	if err != nil || expired {
		t.Fatalf("live token: expired=%v err=%v", expired, err)
	}
	expired, err = TokenExpired(mint(now.Add(-time.Hour)), now)
	if err != nil || !expired {
		t.Fatalf("dead token: expired=%v err=%v", expired, err)
	}
	if _, err := TokenExpired("garbage", now); err == nil {
		t.Fatal("garbage token parsed without error")
	}
}

func TestMaskSessionID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "****"},
		{"abc", "****"},
		{"abcdef", "abcd***"},
	}
	for _, tt := range tests {
		if got := MaskSessionID(tt.in); got != tt.want {
			t.Errorf("MaskSessionID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
