// Package memorystore provides an in-memory implementation of the
// registry.Store interface using github.com/hashicorp/golang-lru/v2 for
// bounded storage with TTL support.
package memorystore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/syncrelay/registry"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxSessions is used when New is given a non-positive capacity.
const DefaultMaxSessions = 10000

// Store implements registry.Store in process memory. When the capacity is
// exceeded the least recently used session is evicted, which callers observe
// exactly like an expired session.
type Store struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *entry]
	now   func() time.Time

	cleanupInterval time.Duration
	stop            chan struct{}
	closeOnce       sync.Once
}

type entry struct {
	conns     []string
	expiresAt time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source used for deadlines.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCleanupInterval overrides how often expired sessions are swept.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.cleanupInterval = d
		}
	}
}

// New creates an in-memory store holding at most maxSessions sessions.
func New(maxSessions int, opts ...Option) (*Store, error) {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}

	cache, err := lru.New[string, *entry](maxSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	s := &Store{
		cache:           cache,
		now:             time.Now,
		cleanupInterval: 5 * time.Minute,
		stop:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Start background cleanup of expired sessions
	go s.cleanupExpired()

	return s, nil
}

// Get returns the session row, or nil if absent or expired.
func (s *Store) Get(ctx context.Context, sessionID string) (*registry.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveLocked(sessionID)
	if !ok {
		return nil, nil
	}

	return &registry.Row{
		SessionID:   sessionID,
		Connections: slices.Clone(e.conns),
		ExpiresAt:   e.expiresAt,
	}, nil
}

// CreateIfAbsent stores conns as the initial membership when no live row exists.
func (s *Store) CreateIfAbsent(ctx context.Context, sessionID string, conns []string, ttl time.Duration) (registry.CreateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.liveLocked(sessionID); ok {
		return registry.AlreadyExists, nil
	}

	if len(conns) == 0 {
		return registry.Created, nil
	}

	s.cache.Add(sessionID, &entry{
		conns:     unique(conns),
		expiresAt: s.now().Add(ttl),
	})

	return registry.Created, nil
}

// Append adds connID unless it is already a member.
func (s *Store) Append(ctx context.Context, sessionID string, connID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveLocked(sessionID)
	if !ok {
		s.cache.Add(sessionID, &entry{
			conns:     []string{connID},
			expiresAt: s.now().Add(ttl),
		})
		return nil
	}

	if !slices.Contains(e.conns, connID) {
		e.conns = append(e.conns, connID)
	}
	e.expiresAt = s.extend(e.expiresAt, ttl)

	return nil
}

// ReplaceIfUnchanged swaps in conns when the stored list still has expectedLen
// members. A missing row counts as an empty list.
func (s *Store) ReplaceIfUnchanged(ctx context.Context, sessionID string, conns []string, expectedLen int, ttl time.Duration) (registry.ReplaceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveLocked(sessionID)
	current := 0
	if ok {
		current = len(e.conns)
	}
	if current != expectedLen {
		return registry.Conflict, nil
	}

	// An empty membership is stored as no row at all.
	if len(conns) == 0 {
		s.cache.Remove(sessionID)
		return registry.Replaced, nil
	}

	if !ok {
		s.cache.Add(sessionID, &entry{
			conns:     unique(conns),
			expiresAt: s.now().Add(ttl),
		})
		return registry.Replaced, nil
	}

	e.conns = unique(conns)
	e.expiresAt = s.extend(e.expiresAt, ttl)

	return registry.Replaced, nil
}

// Close stops the background sweep and drops all sessions.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		s.cache.Purge()
		s.mu.Unlock()
	})
	return nil
}

// liveLocked returns the entry for sessionID if it exists and has not
// expired. Expired entries are removed. Callers must hold s.mu.
func (s *Store) liveLocked(sessionID string) (*entry, bool) {
	e, ok := s.cache.Get(sessionID)
	if !ok {
		return nil, false
	}

	if !s.now().Before(e.expiresAt) {
		s.cache.Remove(sessionID)
		return nil, false
	}

	return e, true
}

// extend never moves a deadline backwards.
func (s *Store) extend(current time.Time, ttl time.Duration) time.Time {
	next := s.now().Add(ttl)
	if next.After(current) {
		return next
	}
	return current
}

// cleanupExpired periodically removes expired sessions until Close is called.
func (s *Store) cleanupExpired() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		now := s.now()
		for _, key := range s.cache.Keys() {
			if e, ok := s.cache.Peek(key); ok && !now.Before(e.expiresAt) {
				s.cache.Remove(key)
			}
		}
		s.mu.Unlock()
	}
}

// unique copies conns, dropping repeated ids while keeping first-seen order.
func unique(conns []string) []string {
	out := make([]string, 0, len(conns))
	for _, c := range conns {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

// Compile-time interface check
var _ registry.Store = (*Store)(nil)
