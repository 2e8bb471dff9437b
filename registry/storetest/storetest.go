// Package storetest provides a conformance suite for registry.Store
// implementations.
package storetest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/syncrelay/registry"
	"github.com/google/uuid"
)

// StoreFactory creates a new Store instance for testing.
type StoreFactory func(t *testing.T) registry.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Get_MissingSessionIsNil", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("CreateIfAbsent_CreatesOnce", func(t *testing.T) { testCreateIfAbsent(t, factory) })
	t.Run("Append_AddsOnlyNewMembers", func(t *testing.T) { testAppendIdempotent(t, factory) })
	t.Run("Append_CreatesMissingRow", func(t *testing.T) { testAppendMissingRow(t, factory) })
	t.Run("ReplaceIfUnchanged_SucceedsOnMatchingLength", func(t *testing.T) { testReplaceMatching(t, factory) })
	t.Run("ReplaceIfUnchanged_ConflictsOnChangedLength", func(t *testing.T) { testReplaceConflict(t, factory) })
	t.Run("ReplaceIfUnchanged_EmptyListReadsAsMissing", func(t *testing.T) { testReplaceEmpty(t, factory) })
	t.Run("Deadline_NeverMovesBackward", func(t *testing.T) { testDeadlineForward(t, factory) })
	t.Run("Deadline_ExpiredRowIsMissing", func(t *testing.T) { testExpiry(t, factory) })
	t.Run("Concurrency_AppendsAreNotLost", func(t *testing.T) { testConcurrentAppends(t, factory) })
}

func sessionID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func mustGet(t *testing.T, s registry.Store, ctx context.Context, id string) *registry.Row {
	t.Helper()
	row, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return row
}

func testGetMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()

	if row := mustGet(t, s, ctx, sessionID("missing")); row != nil {
		t.Fatalf("expected nil row, got %+v", row)
	}
}

func testCreateIfAbsent(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()
	id := sessionID("create")

	res, err := s.CreateIfAbsent(ctx, id, []string{"conn-a"}, time.Minute)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res != registry.Created {
		t.Fatalf("expected %s, got %s", registry.Created, res)
	}

	res, err = s.CreateIfAbsent(ctx, id, []string{"conn-b"}, time.Minute)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if res != registry.AlreadyExists {
		t.Fatalf("expected %s, got %s", registry.AlreadyExists, res)
	}

	row := mustGet(t, s, ctx, id)
	if row == nil {
		t.Fatal("expected row after create")
	}
	if !slices.Equal(row.Connections, []string{"conn-a"}) {
		t.Fatalf("expected [conn-a], got %v", row.Connections)
	}
	if row.ExpiresAt.IsZero() {
		t.Fatal("expected a deadline on the created row")
	}
}

func testAppendIdempotent(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()
	id := sessionID("append")

	if _, err := s.CreateIfAbsent(ctx, id, []string{"conn-a"}, time.Minute); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, c := range []string{"conn-b", "conn-a", "conn-b"} {
		if err := s.Append(ctx, id, c, time.Minute); err != nil {
			t.Fatalf("append %s: %v", c, err)
		}
	}

	row := mustGet(t, s, ctx, id)
	if row == nil || !slices.Equal(row.Connections, []string{"conn-a", "conn-b"}) {
		t.Fatalf("expected [conn-a conn-b], got %+v", row)
	}
}

func testAppendMissingRow(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()
	id := sessionID("append-missing")

	if err := s.Append(ctx, id, "conn-a", time.Minute); err != nil {
		t.Fatalf("append: %v", err)
	}

	row := mustGet(t, s, ctx, id)
	if row == nil || !slices.Equal(row.Connections, []string{"conn-a"}) {
		t.Fatalf("expected [conn-a], got %+v", row)
	}
}

func testReplaceMatching(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()
	id := sessionID("replace")

	if _, err := s.CreateIfAbsent(ctx, id, []string{"conn-a", "conn-b", "conn-c"}, time.Minute); err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := s.ReplaceIfUnchanged(ctx, id, []string{"conn-a", "conn-c"}, 3, time.Minute)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if res != registry.Replaced {
		t.Fatalf("expected %s, got %s", registry.Replaced, res)
	}

	row := mustGet(t, s, ctx, id)
	if row == nil || !slices.Equal(row.Connections, []string{"conn-a", "conn-c"}) {
		t.Fatalf("expected [conn-a conn-c], got %+v", row)
	}
}

func testReplaceConflict(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()
	id := sessionID("conflict")

	if _, err := s.CreateIfAbsent(ctx, id, []string{"conn-a", "conn-b"}, time.Minute); err != nil {
		t.Fatalf("create: %v", err)
	}
	// A concurrent join changes the length after the caller's read.
	if err := s.Append(ctx, id, "conn-c", time.Minute); err != nil {
		t.Fatalf("append: %v", err)
	}

	res, err := s.ReplaceIfUnchanged(ctx, id, []string{"conn-a"}, 2, time.Minute)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if res != registry.Conflict {
		t.Fatalf("expected %s, got %s", registry.Conflict, res)
	}

	row := mustGet(t, s, ctx, id)
	if row == nil || len(row.Connections) != 3 {
		t.Fatalf("expected untouched 3-member row, got %+v", row)
	}
}

func testReplaceEmpty(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()
	id := sessionID("empty")

	if _, err := s.CreateIfAbsent(ctx, id, []string{"conn-a"}, time.Minute); err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := s.ReplaceIfUnchanged(ctx, id, nil, 1, time.Minute)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if res != registry.Replaced {
		t.Fatalf("expected %s, got %s", registry.Replaced, res)
	}

	if row := mustGet(t, s, ctx, id); row != nil {
		t.Fatalf("expected no row for empty membership, got %+v", row)
	}
}

func testDeadlineForward(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()
	id := sessionID("deadline")

	if _, err := s.CreateIfAbsent(ctx, id, []string{"conn-a"}, time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}
	before := mustGet(t, s, ctx, id).ExpiresAt

	if err := s.Append(ctx, id, "conn-b", time.Second); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.ReplaceIfUnchanged(ctx, id, []string{"conn-b"}, 2, time.Second); err != nil {
		t.Fatalf("replace: %v", err)
	}

	after := mustGet(t, s, ctx, id).ExpiresAt
	// Allow for clock granularity in stores that report remaining TTL.
	if after.Before(before.Add(-time.Second)) {
		t.Fatalf("deadline moved backward: before=%s after=%s", before, after)
	}
	if time.Until(after) < 30*time.Minute {
		t.Fatalf("expected deadline to stay near an hour out, got %s", time.Until(after))
	}
}

func testExpiry(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()
	id := sessionID("expiry")
	ttl := 100 * time.Millisecond

	if _, err := s.CreateIfAbsent(ctx, id, []string{"conn-a"}, ttl); err != nil {
		t.Fatalf("create: %v", err)
	}
	if row := mustGet(t, s, ctx, id); row == nil {
		t.Fatal("expected row before expiry")
	}

	time.Sleep(ttl + 150*time.Millisecond)

	if row := mustGet(t, s, ctx, id); row != nil {
		t.Fatalf("expected nil for expired row, got %+v", row)
	}

	res, err := s.CreateIfAbsent(ctx, id, []string{"conn-b"}, time.Minute)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if res != registry.Created {
		t.Fatalf("expected expired row to be recreatable, got %s", res)
	}
}

func testConcurrentAppends(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()
	id := sessionID("concurrent")

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers*2)
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := fmt.Sprintf("conn-%02d", i)
			// Every writer appends twice to exercise append-if-absent.
			for range 2 {
				if err := s.Append(ctx, id, conn, time.Minute); err != nil {
					errs <- err
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}

	row := mustGet(t, s, ctx, id)
	if row == nil {
		t.Fatal("expected row after concurrent appends")
	}
	if len(row.Connections) != writers {
		t.Fatalf("expected %d members, got %d: %v", writers, len(row.Connections), row.Connections)
	}
	sorted := slices.Sorted(slices.Values(row.Connections))
	if len(slices.Compact(sorted)) != writers {
		t.Fatalf("duplicate members: %v", row.Connections)
	}
}
