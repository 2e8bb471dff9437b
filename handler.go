// Package syncrelay serves the session relay over HTTP.
//
// Handler exposes two entry points for sync clients. Clients may attach
// directly over a websocket at /ws, or an external gateway that owns the
// sockets may forward each inbound frame to POST /events, naming the
// originating connection in the X-Connection-Id header. Both paths feed the
// same dispatcher.
package syncrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/syncrelay/internal/logctx"
	"github.com/ggoodman/syncrelay/internal/metrics"
	"github.com/ggoodman/syncrelay/protocol"
	"github.com/ggoodman/syncrelay/registry"
	"github.com/ggoodman/syncrelay/relay/gateway"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType = contenttype.NewMediaType("application/json")
)

const (
	connectionIDHeader = "x-connection-id"
	requestIDHeader    = "x-request-id"

	defaultMaxBodyBytes = 64 << 10
	defaultEventTimeout = 10 * time.Second
)

// Dispatcher handles inbound protocol messages. *dispatcher.Dispatcher
// implements it.
type Dispatcher interface {
	gateway.Dispatcher
	Handle(ctx context.Context, connID string, body []byte) ([]byte, error)
}

type Config struct {
	// Dispatcher executes inbound messages. Required.
	Dispatcher Dispatcher

	// Gateway, when set, accepts websocket clients at /ws. Leave it nil when
	// an external gateway owns the sockets and forwards frames to /events.
	Gateway *gateway.Gateway

	// MaxBodyBytes bounds the size of a forwarded event. Defaults to 64KiB.
	MaxBodyBytes int64

	// EventTimeout bounds the processing of a single forwarded event.
	EventTimeout time.Duration

	// LogHandler is an optional slog.Handler for logging within the handler. If nil, logging is discarded.
	LogHandler slog.Handler
}

// Handler routes HTTP requests to the relay.
type Handler struct {
	mux          *http.ServeMux
	log          *slog.Logger
	dispatcher   Dispatcher
	maxBodyBytes int64
	eventTimeout time.Duration
	schema       []byte
}

// NewHandler builds a Handler from config.
func NewHandler(config Config) (*Handler, error) {
	if config.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}

	schema, err := json.Marshal(protocol.Schema())
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope schema: %w", err)
	}

	logHandler := slog.DiscardHandler
	if config.LogHandler != nil {
		logHandler = config.LogHandler
	}

	h := &Handler{
		mux:          http.NewServeMux(),
		log:          slog.New(logHandler),
		dispatcher:   config.Dispatcher,
		maxBodyBytes: config.MaxBodyBytes,
		eventTimeout: config.EventTimeout,
		schema:       schema,
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = defaultMaxBodyBytes
	}
	if h.eventTimeout <= 0 {
		h.eventTimeout = defaultEventTimeout
	}

	metrics.Register()

	h.mux.HandleFunc("POST /events", h.handlePostEvents)
	h.mux.HandleFunc("GET /schema", h.handleGetSchema)
	h.mux.HandleFunc("GET /healthz", h.handleGetHealthz)
	h.mux.Handle("GET /metrics", promhttp.Handler())
	if config.Gateway != nil {
		h.mux.Handle("GET /ws", config.Gateway.Handler(config.Dispatcher))
	}

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handlePostEvents handles a frame forwarded by an external gateway. The
// registration acknowledgment is returned in the response body; broadcast and
// sync requests are accepted without a body.
func (h *Handler) handlePostEvents(w http.ResponseWriter, r *http.Request) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}

	connID := r.Header.Get(connectionIDHeader)
	if connID == "" {
		writeError(w, http.StatusBadRequest, registry.ErrConnectionRequired)
		return
	}

	requestID := r.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.eventTimeout)
	defer cancel()

	ctx = logctx.WithRequestData(ctx, &logctx.RequestData{
		RequestID:  requestID,
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	reply, err := h.dispatcher.Handle(ctx, connID, body)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformed) || errors.Is(err, registry.ErrConnectionRequired) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		h.log.ErrorContext(ctx, "event handling failed", slog.String("connection_id", connID), slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}

	if reply == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply)
}

func (h *Handler) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.schema)
}

func (h *Handler) handleGetHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok\n")
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.NewErrorReply(err))
}
