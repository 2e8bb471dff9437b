package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/syncrelay/internal/metrics"
	"github.com/ggoodman/syncrelay/protocol"
	"github.com/ggoodman/syncrelay/registry"
)

// Membership is the subset of the session registry the relay needs.
// *registry.Registry implements it.
type Membership interface {
	OtherConnections(ctx context.Context, sessionID, excluding string) ([]string, error)
	DeleteConnection(ctx context.Context, sessionID, connID string, opts ...registry.DeleteOption) error
}

var _ Membership = (*registry.Registry)(nil)

// Config configures a Relay.
type Config struct {
	// Membership supplies and prunes session members. Required.
	Membership Membership

	// Endpoint delivers messages to individual connections. Required.
	Endpoint Endpoint

	// LogHandler receives relay logs. If nil, logging is discarded.
	LogHandler slog.Handler
}

// Relay fans messages out to session members and reacts to delivery
// failures. Delivery is best effort: a connection that is gone is pruned from
// its session and any other failure is logged and dropped.
type Relay struct {
	members  Membership
	endpoint Endpoint
	log      *slog.Logger
}

// New creates a Relay from cfg.
func New(cfg Config) (*Relay, error) {
	if cfg.Membership == nil {
		return nil, fmt.Errorf("membership is required")
	}

	if cfg.Endpoint == nil {
		return nil, fmt.Errorf("endpoint is required")
	}

	logHandler := slog.DiscardHandler
	if cfg.LogHandler != nil {
		logHandler = cfg.LogHandler
	}

	return &Relay{
		members:  cfg.Membership,
		endpoint: cfg.Endpoint,
		log:      slog.New(logHandler),
	}, nil
}

// Post delivers msg to a single connection and classifies the result. The
// returned error is the endpoint's error for Gone and Failed outcomes.
func (r *Relay) Post(ctx context.Context, connID string, msg []byte) (Outcome, error) {
	err := r.endpoint.Post(ctx, connID, msg)
	outcome := Classify(err)
	metrics.RecordDelivery(outcome.String())
	return outcome, err
}

// Summary counts the outcomes of a broadcast.
type Summary struct {
	Recipients int
	Delivered  int
	Gone       int
	Failed     int
}

// Broadcast delivers msg concurrently to every member of the session except
// sender. Members reported gone are pruned. Broadcast returns once every
// delivery and every triggered prune has finished; the only error it returns
// is a failure to read the membership.
func (r *Relay) Broadcast(ctx context.Context, sessionID, sender string, msg []byte) (Summary, error) {
	peers, err := r.members.OtherConnections(ctx, sessionID, sender)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to load members of session %s: %w", sessionID, err)
	}

	outcomes := make([]Outcome, len(peers))

	var wg sync.WaitGroup
	for i, peer := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = r.deliver(ctx, sessionID, peer, msg)
		}()
	}
	wg.Wait()

	summary := Summary{Recipients: len(peers)}
	for _, o := range outcomes {
		switch o {
		case Delivered:
			summary.Delivered++
		case Gone:
			summary.Gone++
		case Failed:
			summary.Failed++
		}
	}

	r.log.DebugContext(ctx, "broadcast complete",
		slog.String("session_id", sessionID),
		slog.Int("recipients", summary.Recipients),
		slog.Int("delivered", summary.Delivered),
		slog.Int("gone", summary.Gone),
		slog.Int("failed", summary.Failed),
	)

	return summary, nil
}

// RequestSync asks one other member of the session to send its current state
// to the group. Members are tried in order until one accepts the request;
// gone members met along the way are pruned. It returns the id of the member
// that accepted, or "" when nobody did, which is not an error.
func (r *Relay) RequestSync(ctx context.Context, sessionID, requester string) (string, error) {
	peers, err := r.members.OtherConnections(ctx, sessionID, requester)
	if err != nil {
		return "", fmt.Errorf("failed to load members of session %s: %w", sessionID, err)
	}

	msg := protocol.SyncRequestMessage()
	for _, peer := range peers {
		if r.deliver(ctx, sessionID, peer, msg) == Delivered {
			r.log.DebugContext(ctx, "sync request accepted", slog.String("session_id", sessionID), slog.String("peer_id", peer))
			return peer, nil
		}
	}

	r.log.DebugContext(ctx, "no peer available for sync request", slog.String("session_id", sessionID), slog.Int("candidates", len(peers)))

	return "", nil
}

func (r *Relay) deliver(ctx context.Context, sessionID, peer string, msg []byte) Outcome {
	outcome, err := r.Post(ctx, peer, msg)

	switch outcome {
	case Gone:
		r.prune(ctx, sessionID, peer)
	case Failed:
		r.log.WarnContext(ctx, "delivery failed",
			slog.String("session_id", sessionID),
			slog.String("peer_id", peer),
			slog.String("err", err.Error()),
		)
	}

	return outcome
}

// prune removes a gone peer. It outlives cancellation of the triggering
// request so a disconnecting caller does not leave the stale member behind.
func (r *Relay) prune(ctx context.Context, sessionID, peer string) {
	r.log.DebugContext(ctx, "pruning gone connection", slog.String("session_id", sessionID), slog.String("peer_id", peer))

	if err := r.members.DeleteConnection(context.WithoutCancel(ctx), sessionID, peer); err != nil {
		r.log.WarnContext(ctx, "failed to prune gone connection",
			slog.String("session_id", sessionID),
			slog.String("peer_id", peer),
			slog.String("err", err.Error()),
		)
	}
}
