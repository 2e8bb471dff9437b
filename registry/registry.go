package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ggoodman/syncrelay/internal/metrics"
	"github.com/google/uuid"
)

// DefaultTTL is how long a session survives without a membership write.
const DefaultTTL = 2 * time.Hour

const (
	// deleteAttempts bounds DeleteConnection to the first try plus one retry.
	deleteAttempts = 2
	// mintAttempts bounds how often Register re-mints an identifier that
	// unexpectedly collided with an existing row.
	mintAttempts = 3
)

var (
	// ErrConnectionRequired is returned when a caller omits the connection id.
	ErrConnectionRequired = errors.New("registry: connection id is required")
	// ErrSessionRequired is returned when an operation needs a session id.
	ErrSessionRequired = errors.New("registry: session id is required")
	// ErrSessionExhausted is returned when no fresh session id could be minted.
	ErrSessionExhausted = errors.New("registry: unable to mint a fresh session id")
)

// Config configures a Registry.
type Config struct {
	// Store holds session membership. Required.
	Store Store

	// TTL is the deadline extension applied on every membership write.
	// Defaults to DefaultTTL.
	TTL time.Duration

	// NewSessionID mints identifiers for sessions created without one.
	// Defaults to random UUIDs.
	NewSessionID func() string

	// LogHandler receives registry logs. If nil, logging is discarded.
	LogHandler slog.Handler
}

// Registry owns session lifecycle on top of a Store: create/join, membership
// snapshots and best-effort membership removal. It holds no state of its own
// so any number of Registry values, in any number of processes, may share one
// Store.
type Registry struct {
	store Store
	ttl   time.Duration
	newID func() string
	log   *slog.Logger
}

// New creates a Registry from cfg.
func New(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	newID := cfg.NewSessionID
	if newID == nil {
		newID = uuid.NewString
	}

	logHandler := slog.DiscardHandler
	if cfg.LogHandler != nil {
		logHandler = cfg.LogHandler
	}

	return &Registry{
		store: cfg.Store,
		ttl:   ttl,
		newID: newID,
		log:   slog.New(logHandler),
	}, nil
}

// Register adds connID to the session named by sessionID and returns the
// session id. An empty sessionID creates a new session under a freshly minted
// id. Registering a connection that is already a member is a no-op.
func (r *Registry) Register(ctx context.Context, sessionID, connID string) (string, error) {
	if connID == "" {
		return "", ErrConnectionRequired
	}

	if sessionID == "" {
		return r.registerFresh(ctx, connID)
	}

	row, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	if row.Contains(connID) {
		metrics.RecordRegister("noop")
		return sessionID, nil
	}

	if row == nil {
		res, err := r.store.CreateIfAbsent(ctx, sessionID, []string{connID}, r.ttl)
		if err != nil {
			return "", fmt.Errorf("failed to create session %s: %w", sessionID, err)
		}
		if res == Created {
			metrics.RecordRegister("created")
			r.log.DebugContext(ctx, "session created", slog.String("session_id", sessionID), slog.String("connection_id", connID))
			return sessionID, nil
		}
		// Someone else created the row between our read and write.
	}

	if err := r.store.Append(ctx, sessionID, connID, r.ttl); err != nil {
		return "", fmt.Errorf("failed to append to session %s: %w", sessionID, err)
	}

	metrics.RecordRegister("appended")
	r.log.DebugContext(ctx, "connection joined session", slog.String("session_id", sessionID), slog.String("connection_id", connID))

	return sessionID, nil
}

func (r *Registry) registerFresh(ctx context.Context, connID string) (string, error) {
	for range mintAttempts {
		sessionID := r.newID()

		res, err := r.store.CreateIfAbsent(ctx, sessionID, []string{connID}, r.ttl)
		if err != nil {
			return "", fmt.Errorf("failed to create session %s: %w", sessionID, err)
		}

		if res == Created {
			metrics.RecordRegister("created")
			r.log.DebugContext(ctx, "session created", slog.String("session_id", sessionID), slog.String("connection_id", connID))
			return sessionID, nil
		}

		r.log.WarnContext(ctx, "minted session id already in use", slog.String("session_id", sessionID))
	}

	return "", ErrSessionExhausted
}

// Connections returns a point-in-time snapshot of the session's members. A
// missing or expired session has no members.
func (r *Registry) Connections(ctx context.Context, sessionID string) ([]string, error) {
	if sessionID == "" {
		return nil, ErrSessionRequired
	}

	row, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	if row == nil {
		return []string{}, nil
	}

	return slices.Clone(row.Connections), nil
}

// OtherConnections is Connections without the excluded connection.
func (r *Registry) OtherConnections(ctx context.Context, sessionID, excluding string) ([]string, error) {
	conns, err := r.Connections(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return slices.DeleteFunc(conns, func(c string) bool { return c == excluding }), nil
}

// DeleteOption customizes a DeleteConnection call.
type DeleteOption func(*deleteOptions)

type deleteOptions struct {
	attempts int
}

// NoRetry makes DeleteConnection give up after the first conflicting write.
func NoRetry() DeleteOption {
	return func(o *deleteOptions) { o.attempts = 1 }
}

// DeleteConnection removes connID from the session using an optimistic
// compare-and-swap on the list length. A conflicting concurrent write causes a
// single retry from a fresh read; if that conflicts as well the removal is
// abandoned and the stale member stays until a later write or expiry.
//
// Only storage failures are returned. Abandonment is logged, not returned.
func (r *Registry) DeleteConnection(ctx context.Context, sessionID, connID string, opts ...DeleteOption) error {
	o := deleteOptions{attempts: deleteAttempts}
	for _, opt := range opts {
		opt(&o)
	}

	for attempt := 1; attempt <= o.attempts; attempt++ {
		row, err := r.store.Get(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("failed to load session %s: %w", sessionID, err)
		}

		if !row.Contains(connID) {
			metrics.RecordPrune("absent")
			return nil
		}

		remaining := slices.DeleteFunc(slices.Clone(row.Connections), func(c string) bool { return c == connID })

		res, err := r.store.ReplaceIfUnchanged(ctx, sessionID, remaining, len(row.Connections), r.ttl)
		if err != nil {
			return fmt.Errorf("failed to update session %s: %w", sessionID, err)
		}

		if res == Replaced {
			metrics.RecordPrune("removed")
			r.log.DebugContext(ctx, "connection removed from session", slog.String("session_id", sessionID), slog.String("connection_id", connID))
			return nil
		}

		r.log.DebugContext(ctx, "membership changed concurrently", slog.String("session_id", sessionID), slog.String("connection_id", connID), slog.Int("attempt", attempt))
	}

	metrics.RecordPrune("abandoned")
	r.log.WarnContext(ctx, "abandoned connection removal after conflicting writes",
		slog.String("session_id", sessionID),
		slog.String("connection_id", connID),
		slog.Int("attempts", o.attempts),
	)

	return nil
}
