// Package dispatcher routes decoded protocol requests to the session
// registry and the relay.
//
// Each call is independent. The dispatcher keeps no state between events, so
// any number of dispatchers, in any number of processes, may serve the same
// sessions as long as they share the registry's store.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/syncrelay/internal/logctx"
	"github.com/ggoodman/syncrelay/internal/metrics"
	"github.com/ggoodman/syncrelay/protocol"
	"github.com/ggoodman/syncrelay/registry"
	"github.com/ggoodman/syncrelay/relay"
)

// Sessions joins connections to sessions. *registry.Registry implements it.
type Sessions interface {
	Register(ctx context.Context, sessionID, connID string) (string, error)
}

// Fanout delivers messages to session members. *relay.Relay implements it.
type Fanout interface {
	Broadcast(ctx context.Context, sessionID, sender string, msg []byte) (relay.Summary, error)
	RequestSync(ctx context.Context, sessionID, requester string) (string, error)
}

var (
	_ Sessions = (*registry.Registry)(nil)
	_ Fanout   = (*relay.Relay)(nil)
)

// Config configures a Dispatcher.
type Config struct {
	// Sessions handles registration. Required.
	Sessions Sessions

	// Fanout handles broadcast and sync requests. Required.
	Fanout Fanout

	// LogHandler receives dispatcher logs. If nil, logging is discarded.
	LogHandler slog.Handler
}

// Dispatcher executes protocol requests on behalf of a connection.
type Dispatcher struct {
	sessions Sessions
	fanout   Fanout
	log      *slog.Logger
}

// New creates a Dispatcher from cfg.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("sessions is required")
	}

	if cfg.Fanout == nil {
		return nil, fmt.Errorf("fanout is required")
	}

	logHandler := slog.DiscardHandler
	if cfg.LogHandler != nil {
		logHandler = cfg.LogHandler
	}

	return &Dispatcher{
		sessions: cfg.Sessions,
		fanout:   cfg.Fanout,
		log:      slog.New(logHandler),
	}, nil
}

// Dispatch executes req for the connection connID. Only a register request
// produces a reply; broadcast and sync requests return a nil reply on
// success.
func (d *Dispatcher) Dispatch(ctx context.Context, connID string, req protocol.Request) (*protocol.Registered, error) {
	if connID == "" {
		return nil, registry.ErrConnectionRequired
	}
	if req == nil {
		return nil, fmt.Errorf("%w: missing request", protocol.ErrMalformed)
	}

	cd := &logctx.ConnectionData{ConnectionID: connID, Action: string(req.Action())}
	ctx = logctx.WithConnectionData(ctx, cd)

	var (
		reply *protocol.Registered
		err   error
	)
	switch r := req.(type) {
	case *protocol.Register:
		cd.SessionID = r.Session
		reply, err = d.register(ctx, connID, r, cd)
	case *protocol.Broadcast:
		cd.SessionID = r.Session
		err = d.broadcast(ctx, connID, r)
	case *protocol.SyncRequest:
		cd.SessionID = r.Session
		err = d.requestSync(ctx, connID, r)
	default:
		err = fmt.Errorf("%w: unsupported request %T", protocol.ErrMalformed, req)
	}

	metrics.RecordDispatch(string(req.Action()), resultLabel(err))

	if err != nil {
		if errors.Is(err, protocol.ErrMalformed) {
			d.log.InfoContext(ctx, "rejected request", slog.String("err", err.Error()))
		} else {
			d.log.ErrorContext(ctx, "request failed", slog.String("err", err.Error()))
		}
		return nil, err
	}

	return reply, nil
}

// Handle decodes a raw inbound message, dispatches it and encodes the reply.
// A nil reply with a nil error means there is nothing to send back. Decoding
// failures wrap protocol.ErrMalformed.
func (d *Dispatcher) Handle(ctx context.Context, connID string, body []byte) ([]byte, error) {
	req, err := protocol.Decode(body)
	if err != nil {
		metrics.RecordDispatch("unknown", resultLabel(err))
		d.log.InfoContext(ctx, "rejected undecodable message", slog.String("connection_id", connID), slog.String("err", err.Error()))
		return nil, err
	}

	reply, err := d.Dispatch(ctx, connID, req)
	if err != nil || reply == nil {
		return nil, err
	}

	return json.Marshal(reply)
}

func (d *Dispatcher) register(ctx context.Context, connID string, req *protocol.Register, cd *logctx.ConnectionData) (*protocol.Registered, error) {
	sessionID, err := d.sessions.Register(ctx, req.Session, connID)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	cd.SessionID = sessionID

	d.log.InfoContext(ctx, "connection registered", slog.Bool("joined_existing", req.Session != ""))

	// A connection joining an existing session pulls the current state from
	// one of the members already there.
	if req.Session != "" {
		if _, err := d.fanout.RequestSync(ctx, sessionID, connID); err != nil {
			d.log.WarnContext(ctx, "sync request after registration failed", slog.String("err", err.Error()))
		}
	}

	return protocol.NewRegistered(sessionID), nil
}

func (d *Dispatcher) broadcast(ctx context.Context, connID string, req *protocol.Broadcast) error {
	summary, err := d.fanout.Broadcast(ctx, req.Session, connID, req.Data)
	if err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}

	d.log.DebugContext(ctx, "payload relayed",
		slog.Int("recipients", summary.Recipients),
		slog.Int("delivered", summary.Delivered),
	)

	return nil
}

func (d *Dispatcher) requestSync(ctx context.Context, connID string, req *protocol.SyncRequest) error {
	if _, err := d.fanout.RequestSync(ctx, req.Session, connID); err != nil {
		return fmt.Errorf("request sync: %w", err)
	}
	return nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, protocol.ErrMalformed):
		return "malformed"
	default:
		return "error"
	}
}
