package relay

import (
	"context"
	"errors"
)

// ErrGone reports that the target connection no longer exists. Endpoints
// must wrap or return it for that case and for no other, because it is what
// drives membership pruning.
var ErrGone = errors.New("relay: connection gone")

// Endpoint pushes a message to one live connection. Implementations enforce
// their own timeouts and report them as ordinary errors.
type Endpoint interface {
	Post(ctx context.Context, connID string, data []byte) error
}

// EndpointFunc adapts a function to the Endpoint interface.
type EndpointFunc func(ctx context.Context, connID string, data []byte) error

func (f EndpointFunc) Post(ctx context.Context, connID string, data []byte) error {
	return f(ctx, connID, data)
}

// Outcome classifies a single delivery attempt.
type Outcome int

const (
	Delivered Outcome = iota
	Gone
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Gone:
		return "gone"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Classify maps an endpoint error to an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Delivered
	case errors.Is(err, ErrGone):
		return Gone
	default:
		return Failed
	}
}
