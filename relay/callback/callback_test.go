package callback

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/syncrelay/relay"
	"github.com/golang-jwt/jwt/v5"
)

type captured struct {
	path string
	auth string
	body string
}

func newGatewayServer(t *testing.T, status int) (*httptest.Server, func() []captured) {
	t.Helper()

	var (
		mu   sync.Mutex
		reqs []captured
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, captured{path: r.URL.EscapedPath(), auth: r.Header.Get("Authorization"), body: string(body)})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), reqs...)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		base string
	}{
		{"empty", ""},
		{"no scheme", "gateway.local/prod"},
		{"wrong scheme", "ftp://gateway.local"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(Config{BaseURL: tt.base}); err == nil {
				t.Fatalf("expected error for %q", tt.base)
			}
		})
	}
}

func TestPostDeliversToConnectionPath(t *testing.T) {
	srv, requests := newGatewayServer(t, http.StatusOK)

	ep, err := New(Config{BaseURL: srv.URL + "/prod/"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := ep.Post(t.Context(), "abc=/1", []byte(`{"type":"request"}`)); err != nil {
		t.Fatalf("post: %v", err)
	}

	got := requests()
	if len(got) != 1 {
		t.Fatalf("expected one request, got %d", len(got))
	}
	if want := "/prod/@connections/abc=%2F1"; got[0].path != want {
		t.Fatalf("expected path %s, got %s", want, got[0].path)
	}
	if got[0].body != `{"type":"request"}` {
		t.Fatalf("unexpected body %s", got[0].body)
	}
	if got[0].auth != "" {
		t.Fatalf("expected no authorization without a signing key, got %q", got[0].auth)
	}
}

func TestPostClassifiesStatus(t *testing.T) {
	tests := []struct {
		status int
		want   relay.Outcome
	}{
		{http.StatusOK, relay.Delivered},
		{http.StatusNoContent, relay.Delivered},
		{http.StatusGone, relay.Gone},
		{http.StatusNotFound, relay.Gone},
		{http.StatusForbidden, relay.Failed},
		{http.StatusTooManyRequests, relay.Failed},
		{http.StatusInternalServerError, relay.Failed},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv, _ := newGatewayServer(t, tt.status)
			ep, err := New(Config{BaseURL: srv.URL})
			if err != nil {
				t.Fatalf("new: %v", err)
			}

			err = ep.Post(t.Context(), "c1", []byte(`{}`))
			if got := relay.Classify(err); got != tt.want {
				t.Fatalf("status %d: expected %s, got %s (%v)", tt.status, tt.want, got, err)
			}

			var se *StatusError
			if tt.want == relay.Failed && (!errors.As(err, &se) || se.StatusCode != tt.status) {
				t.Fatalf("expected StatusError with %d, got %v", tt.status, err)
			}
		})
	}
}

func TestPostTransportErrorIsTransient(t *testing.T) {
	srv, _ := newGatewayServer(t, http.StatusOK)
	ep, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	srv.Close()

	if got := relay.Classify(ep.Post(t.Context(), "c1", []byte(`{}`))); got != relay.Failed {
		t.Fatalf("expected failed, got %s", got)
	}
}

func TestPostSignsBearerToken(t *testing.T) {
	srv, requests := newGatewayServer(t, http.StatusOK)
	key := []byte("test-signing-key")

	ep, err := New(Config{BaseURL: srv.URL, SigningKey: key, Issuer: "relay-test"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := ep.Post(t.Context(), "conn-A", []byte(`{}`)); err != nil {
		t.Fatalf("post: %v", err)
	}

	auth := requests()[0].auth
	raw, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		t.Fatalf("expected bearer token, got %q", auth)
	}

	var claims jwt.RegisteredClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer("relay-test"),
		jwt.WithSubject("conn-A"),
	)
	tok, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) { return key, nil })
	if err != nil || !tok.Valid {
		t.Fatalf("token did not verify: %v", err)
	}
	if lifetime := claims.ExpiresAt.Sub(claims.IssuedAt.Time); lifetime != time.Minute {
		t.Fatalf("expected one minute lifetime, got %s", lifetime)
	}
}
