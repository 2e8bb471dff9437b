package registry

import (
	"context"
	"slices"
	"time"
)

// Row is the stored membership of a single session.
type Row struct {
	SessionID   string
	Connections []string
	ExpiresAt   time.Time
}

// Contains reports whether connID is a member of the row.
func (r *Row) Contains(connID string) bool {
	if r == nil {
		return false
	}
	return slices.Contains(r.Connections, connID)
}

// CreateResult is the outcome of Store.CreateIfAbsent.
type CreateResult int

const (
	Created CreateResult = iota
	AlreadyExists
)

func (r CreateResult) String() string {
	switch r {
	case Created:
		return "created"
	case AlreadyExists:
		return "already-exists"
	default:
		return "unknown"
	}
}

// ReplaceResult is the outcome of Store.ReplaceIfUnchanged.
type ReplaceResult int

const (
	Replaced ReplaceResult = iota
	Conflict
)

func (r ReplaceResult) String() string {
	switch r {
	case Replaced:
		return "replaced"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Store is the narrow contract the Registry needs from the backing key/value
// store. Implementations must make each write atomic with respect to the
// others and must only ever move a row's deadline forward: a successful write
// sets the deadline to max(current, now+ttl).
//
// Errors are reserved for genuine storage failures. Expected outcomes such as
// an existing row or a lost compare-and-swap are reported through the result
// values.
type Store interface {
	// Get returns the current row, or nil if the session has no row or it
	// has expired.
	Get(ctx context.Context, sessionID string) (*Row, error)

	// CreateIfAbsent writes conns as the initial membership only if no row
	// exists for sessionID.
	CreateIfAbsent(ctx context.Context, sessionID string, conns []string, ttl time.Duration) (CreateResult, error)

	// Append adds connID to the membership unless it is already present. A
	// missing row is created.
	Append(ctx context.Context, sessionID string, connID string, ttl time.Duration) error

	// ReplaceIfUnchanged overwrites the membership with conns only if the
	// stored list still has expectedLen entries.
	ReplaceIfUnchanged(ctx context.Context, sessionID string, conns []string, expectedLen int, ttl time.Duration) (ReplaceResult, error)
}
