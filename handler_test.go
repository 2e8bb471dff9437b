package syncrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/ggoodman/syncrelay/dispatcher"
	"github.com/ggoodman/syncrelay/internal/logctx"
	"github.com/ggoodman/syncrelay/protocol"
	"github.com/ggoodman/syncrelay/registry"
	"github.com/ggoodman/syncrelay/registry/memorystore"
	"github.com/ggoodman/syncrelay/relay"
	"github.com/ggoodman/syncrelay/relay/gateway"
	"github.com/gorilla/websocket"
)

type recordingEndpoint struct {
	mu    sync.Mutex
	posts map[string][]string
}

func (e *recordingEndpoint) Post(ctx context.Context, connID string, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.posts == nil {
		e.posts = make(map[string][]string)
	}
	e.posts[connID] = append(e.posts[connID], string(data))
	return nil
}

func (e *recordingEndpoint) received(connID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.posts[connID])
}

// logBridge forwards slog output to t.Log so it is attributed to the test.
type logBridge struct {
	slog.Handler
	t   *testing.T
	buf *bytes.Buffer
	mu  *sync.Mutex
}

func (b *logBridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.Handler.Handle(ctx, rec); err != nil {
		return err
	}

	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}

	b.t.Helper()
	b.t.Log(string(bytes.TrimSuffix(output, []byte("\n"))))

	return nil
}

func (b *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithAttrs(attrs)}
}

func (b *logBridge) WithGroup(name string) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithGroup(name)}
}

func testLogHandler(t *testing.T) slog.Handler {
	buf := &bytes.Buffer{}
	b := &logBridge{
		t:       t,
		buf:     buf,
		mu:      &sync.Mutex{},
		Handler: slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}
	return logctx.Handler{Handler: b}
}

func newTestServer(t *testing.T, ep relay.Endpoint, gw *gateway.Gateway) *httptest.Server {
	t.Helper()

	store, err := memorystore.New(100)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg, err := registry.New(registry.Config{Store: store, NewSessionID: func() string { return "S1" }})
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	rl, err := relay.New(relay.Config{Membership: reg, Endpoint: ep})
	if err != nil {
		t.Fatalf("Failed to create relay: %v", err)
	}

	d, err := dispatcher.New(dispatcher.Config{Sessions: reg, Fanout: rl})
	if err != nil {
		t.Fatalf("Failed to create dispatcher: %v", err)
	}

	handler, err := NewHandler(Config{Dispatcher: d, Gateway: gw, LogHandler: testLogHandler(t)})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func postEvent(t *testing.T, srv *httptest.Server, connID, contentType, body string) (*http.Response, string) {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/events", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if connID != "" {
		req.Header.Set("X-Connection-Id", connID)
	}

	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Failed to post event: %v", err)
	}
	defer res.Body.Close()

	b, _ := io.ReadAll(res.Body)
	return res, string(b)
}

func TestEvents(t *testing.T) {
	t.Run("Register, sync and broadcast", func(t *testing.T) {
		ep := &recordingEndpoint{}
		srv := newTestServer(t, ep, nil)

		res, body := postEvent(t, srv, "conn-A", "application/json", `{"action":"register"}`)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("Unexpected status: want %d, got %d", http.StatusOK, res.StatusCode)
		}
		if want := `{"type":"registration-success","session":"S1"}`; body != want {
			t.Fatalf("Unexpected body: want %s, got %s", want, body)
		}

		res, _ = postEvent(t, srv, "conn-B", "application/json; charset=utf-8", `{"action":"register","session":"S1"}`)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("Unexpected status: want %d, got %d", http.StatusOK, res.StatusCode)
		}

		res, _ = postEvent(t, srv, "conn-B", "application/json", `{"action":"broadcast","session":"S1","data":{"type":"sync"}}`)
		if res.StatusCode != http.StatusAccepted {
			t.Fatalf("Unexpected status: want %d, got %d", http.StatusAccepted, res.StatusCode)
		}

		want := []string{`{"type":"request"}`, `{"type":"sync"}`}
		if got := ep.received("conn-A"); !slices.Equal(got, want) {
			t.Fatalf("Unexpected deliveries to conn-A: want %v, got %v", want, got)
		}
		if got := ep.received("conn-B"); len(got) != 0 {
			t.Fatalf("Sender must not receive its own messages, got %v", got)
		}
	})

	t.Run("Request action is accepted", func(t *testing.T) {
		srv := newTestServer(t, &recordingEndpoint{}, nil)

		res, _ := postEvent(t, srv, "conn-A", "application/json", `{"action":"request","session":"S9"}`)
		if res.StatusCode != http.StatusAccepted {
			t.Fatalf("Unexpected status: want %d, got %d", http.StatusAccepted, res.StatusCode)
		}
	})

	t.Run("Rejects bad requests", func(t *testing.T) {
		srv := newTestServer(t, &recordingEndpoint{}, nil)

		tests := []struct {
			name        string
			connID      string
			contentType string
			body        string
			want        int
		}{
			{"wrong content type", "conn-A", "text/plain", `{"action":"register"}`, http.StatusUnsupportedMediaType},
			{"missing content type", "conn-A", "", `{"action":"register"}`, http.StatusUnsupportedMediaType},
			{"missing connection", "", "application/json", `{"action":"register"}`, http.StatusBadRequest},
			{"invalid json", "conn-A", "application/json", `{`, http.StatusBadRequest},
			{"unknown action", "conn-A", "application/json", `{"action":"subscribe"}`, http.StatusBadRequest},
			{"broadcast without data", "conn-A", "application/json", `{"action":"broadcast","session":"S1"}`, http.StatusBadRequest},
			{"too large", "conn-A", "application/json", `{"action":"broadcast","session":"S1","data":"` + strings.Repeat("x", 65<<10) + `"}`, http.StatusRequestEntityTooLarge},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				res, body := postEvent(t, srv, tt.connID, tt.contentType, tt.body)
				if res.StatusCode != tt.want {
					t.Fatalf("Unexpected status: want %d, got %d (%s)", tt.want, res.StatusCode, body)
				}
				if tt.want == http.StatusBadRequest {
					var reply protocol.ErrorReply
					if err := json.Unmarshal([]byte(body), &reply); err != nil || reply.Type != protocol.TypeError {
						t.Fatalf("Expected an error reply, got %q (%v)", body, err)
					}
				}
			})
		}
	})
}

type failingDispatcher struct{}

func (failingDispatcher) Dispatch(ctx context.Context, connID string, req protocol.Request) (*protocol.Registered, error) {
	return nil, errors.New("store unavailable")
}

func (failingDispatcher) Handle(ctx context.Context, connID string, body []byte) ([]byte, error) {
	return nil, errors.New("store unavailable")
}

func TestEventsStoreFailure(t *testing.T) {
	handler, err := NewHandler(Config{Dispatcher: failingDispatcher{}})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	res, body := postEvent(t, srv, "conn-A", "application/json", `{"action":"register"}`)
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("Unexpected status: want %d, got %d", http.StatusInternalServerError, res.StatusCode)
	}
	if strings.Contains(body, "store unavailable") {
		t.Fatalf("Internal error details leaked: %s", body)
	}
}

func TestOperationalEndpoints(t *testing.T) {
	srv := newTestServer(t, &recordingEndpoint{}, nil)

	tests := []struct {
		path     string
		contains string
	}{
		{"/healthz", "ok"},
		{"/schema", `"action"`},
		{"/metrics", "# HELP"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			res, err := srv.Client().Get(srv.URL + tt.path)
			if err != nil {
				t.Fatalf("Failed to get %s: %v", tt.path, err)
			}
			defer res.Body.Close()

			body, _ := io.ReadAll(res.Body)
			if res.StatusCode != http.StatusOK {
				t.Fatalf("Unexpected status: want %d, got %d", http.StatusOK, res.StatusCode)
			}
			if !strings.Contains(string(body), tt.contains) {
				t.Fatalf("Expected %s to contain %q", tt.path, tt.contains)
			}
		})
	}

	res, err := srv.Client().Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("Failed to get /ws: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("Expected /ws to be absent without a gateway, got %d", res.StatusCode)
	}
}

func TestWebsocketEntryPoint(t *testing.T) {
	gw := gateway.New()
	t.Cleanup(func() { _ = gw.Close() })
	srv := newTestServer(t, gw, gw)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"action":"register"}`)); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	_, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if want := `{"type":"registration-success","session":"S1"}`; string(msg) != want {
		t.Fatalf("Unexpected reply: want %s, got %s", want, msg)
	}
}
