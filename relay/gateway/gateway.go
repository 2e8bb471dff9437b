// Package gateway serves sync clients over websockets and delivers relay
// messages to the sockets attached to this process.
//
// Every accepted socket is given a random connection id. Inbound frames are
// decoded as protocol envelopes and handed to a Dispatcher; replies are
// written back to the same socket. Gateway implements relay.Endpoint: posting
// to an id that is not attached (never was, or has since disconnected)
// reports relay.ErrGone.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/syncrelay/internal/logctx"
	"github.com/ggoodman/syncrelay/internal/metrics"
	"github.com/ggoodman/syncrelay/protocol"
	"github.com/ggoodman/syncrelay/relay"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the deadline for a single write to a client.
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong before treating the connection
	// as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	defaultMaxMessageSize = 64 << 10
	defaultSendBuffer     = 64
	defaultFrameTimeout   = 10 * time.Second
)

var (
	// ErrQueueFull is returned by Post when a connection's outbound queue is
	// saturated. It is a transient failure, not a gone connection.
	ErrQueueFull = errors.New("gateway: send queue full")

	errInternal = errors.New("internal error")
)

// Dispatcher executes decoded requests. *dispatcher.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, connID string, req protocol.Request) (*protocol.Registered, error)
}

// Gateway tracks the websocket connections attached to this process.
type Gateway struct {
	mu    sync.RWMutex
	conns map[string]*conn

	log            *slog.Logger
	newID          func() string
	upgrader       websocket.Upgrader
	sendBuffer     int
	maxMessageSize int64
	frameTimeout   time.Duration
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithLogHandler sets the handler for gateway logs.
func WithLogHandler(h slog.Handler) Option {
	return func(g *Gateway) {
		if h != nil {
			g.log = slog.New(h)
		}
	}
}

// WithConnectionIDs overrides how connection ids are minted.
func WithConnectionIDs(newID func() string) Option {
	return func(g *Gateway) {
		if newID != nil {
			g.newID = newID
		}
	}
}

// WithSendBuffer sets the per-connection outbound queue depth.
func WithSendBuffer(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.sendBuffer = n
		}
	}
}

// WithMaxMessageSize limits the size of inbound frames.
func WithMaxMessageSize(n int64) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxMessageSize = n
		}
	}
}

// WithFrameTimeout bounds how long a single inbound frame may take to process.
func WithFrameTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.frameTimeout = d
		}
	}
}

// WithCheckOrigin overrides the websocket origin check. By default every
// origin is accepted; apply CORS at the reverse-proxy level.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(g *Gateway) {
		if fn != nil {
			g.upgrader.CheckOrigin = fn
		}
	}
}

// New creates an empty Gateway.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		conns: make(map[string]*conn),
		log:   slog.New(slog.DiscardHandler),
		newID: uuid.NewString,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sendBuffer:     defaultSendBuffer,
		maxMessageSize: defaultMaxMessageSize,
		frameTimeout:   defaultFrameTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Post queues data for the connection. It does not wait for the write.
func (g *Gateway) Post(ctx context.Context, connID string, data []byte) error {
	g.mu.RLock()
	c, ok := g.conns[connID]
	g.mu.RUnlock()

	if !ok {
		return fmt.Errorf("connection %s: %w", connID, relay.ErrGone)
	}

	return c.enqueue(data)
}

// Count returns the number of attached connections.
func (g *Gateway) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Close detaches every connection. Their write pumps send a close frame and
// shut the sockets down.
func (g *Gateway) Close() error {
	g.mu.Lock()
	conns := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.conns = make(map[string]*conn)
	g.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	return nil
}

// Handler returns an http.Handler that upgrades requests to websockets and
// routes their frames through d.
func (g *Gateway) Handler(d Dispatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// upgrader has already written the error response.
			g.log.DebugContext(r.Context(), "websocket upgrade failed", slog.String("err", err.Error()))
			return
		}

		c := &conn{
			id:   g.newID(),
			ws:   ws,
			send: make(chan []byte, g.sendBuffer),
		}

		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  c.id,
			Method:     r.Method,
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})

		g.attach(c)
		defer g.detach(c)

		go c.writePump()
		g.readPump(ctx, c, d) // blocks until the socket closes
	})
}

func (g *Gateway) attach(c *conn) {
	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()

	metrics.ConnectionOpened()
	g.log.Debug("connection attached", slog.String("connection_id", c.id))
}

func (g *Gateway) detach(c *conn) {
	g.mu.Lock()
	if cur, ok := g.conns[c.id]; ok && cur == c {
		delete(g.conns, c.id)
	}
	g.mu.Unlock()

	c.close()
	metrics.ConnectionClosed()
	g.log.Debug("connection detached", slog.String("connection_id", c.id))
}

func (g *Gateway) readPump(ctx context.Context, c *conn, d Dispatcher) {
	c.ws.SetReadLimit(g.maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				g.log.WarnContext(ctx, "websocket read failed", slog.String("connection_id", c.id), slog.String("err", err.Error()))
			}
			return
		}

		g.handleFrame(ctx, c, d, data)
	}
}

func (g *Gateway) handleFrame(ctx context.Context, c *conn, d Dispatcher, data []byte) {
	ctx, cancel := context.WithTimeout(ctx, g.frameTimeout)
	defer cancel()

	reply, err := g.dispatch(ctx, c, d, data)
	if err != nil {
		if !errors.Is(err, protocol.ErrMalformed) {
			err = errInternal
		}
		g.reply(ctx, c, protocol.NewErrorReply(err))
		return
	}

	if reply != nil {
		c.bind(reply.Session)
		g.reply(ctx, c, reply)
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *conn, d Dispatcher, data []byte) (*protocol.Registered, error) {
	req, err := protocol.Decode(data)
	if err != nil {
		g.log.InfoContext(ctx, "rejected undecodable frame", slog.String("connection_id", c.id), slog.String("err", err.Error()))
		return nil, err
	}

	// A connection belongs to at most one session.
	if reg, ok := req.(*protocol.Register); ok {
		if bound := c.boundSession(); bound != "" && reg.Session != bound {
			return nil, fmt.Errorf("%w: connection already registered to session %s", protocol.ErrMalformed, bound)
		}
	}

	return d.Dispatch(ctx, c.id, req)
}

func (g *Gateway) reply(ctx context.Context, c *conn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		g.log.ErrorContext(ctx, "failed to encode reply", slog.String("connection_id", c.id), slog.String("err", err.Error()))
		return
	}

	if err := c.enqueue(b); err != nil {
		g.log.WarnContext(ctx, "failed to queue reply", slog.String("connection_id", c.id), slog.String("err", err.Error()))
	}
}

// Compile-time interface check
var _ relay.Endpoint = (*Gateway)(nil)
