// Package storetest holds behaviour tests shared by every store implementation.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/ssoportal/internal/models"
	"github.com/wolfeidau/ssoportal/internal/store"
)

// Harness wires an invalidation store under test.
type Harness struct {
	Store store.InvalidationStore

	// Advance moves the backend clock forward so marker TTLs can elapse.
	Advance func(d time.Duration)
}

// RunInvalidationStoreTests exercises the marker protocol against a fresh store per subtest.
func RunInvalidationStoreTests(t *testing.T, newHarness func(t *testing.T) Harness) {
	t.Helper()
	ctx := context.Background()

	t.Run("unmarked subject is not marked", func(t *testing.T) {
		h := newHarness(t)

		marked, err := store.IsMarked(ctx, h.Store, "alice")
		require.NoError(t, err)
		require.False(t, marked)
	})

	t.Run("mark only affects its subject", func(t *testing.T) {
		h := newHarness(t)

		require.NoError(t, h.Store.Mark(ctx, "alice", time.Hour))

		match, err := h.Store.Lookup(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, models.MatchSubject, match)

		marked, err := store.IsMarked(ctx, h.Store, "bob")
		require.NoError(t, err)
		require.False(t, marked)
	})

	t.Run("wildcard marks every subject", func(t *testing.T) {
		h := newHarness(t)

		require.NoError(t, h.Store.Mark(ctx, models.WildcardSubject, time.Hour))

		for _, subject := range []string{"alice", "bob", "f3c1e2a4-0000-4000-8000-000000000000"} {
			match, err := h.Store.Lookup(ctx, subject)
			require.NoError(t, err)
			require.Equal(t, models.MatchWildcard, match, subject)
		}
	})

	t.Run("concrete marker wins over wildcard", func(t *testing.T) {
		h := newHarness(t)

		require.NoError(t, h.Store.Mark(ctx, models.WildcardSubject, time.Hour))
		require.NoError(t, h.Store.Mark(ctx, "alice", time.Hour))

		match, err := h.Store.Lookup(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, models.MatchSubject, match)
	})

	t.Run("clearing a subject keeps the wildcard", func(t *testing.T) {
		h := newHarness(t)

		require.NoError(t, h.Store.Mark(ctx, models.WildcardSubject, time.Hour))
		require.NoError(t, h.Store.Mark(ctx, "alice", time.Hour))
		require.NoError(t, h.Store.Clear(ctx, "alice"))

		match, err := h.Store.Lookup(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, models.MatchWildcard, match)
	})

	t.Run("clearing the wildcard keeps subjects", func(t *testing.T) {
		h := newHarness(t)

		require.NoError(t, h.Store.Mark(ctx, models.WildcardSubject, time.Hour))
		require.NoError(t, h.Store.Mark(ctx, "alice", time.Hour))
		require.NoError(t, h.Store.Clear(ctx, models.WildcardSubject))

		match, err := h.Store.Lookup(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, models.MatchSubject, match)

		marked, err := store.IsMarked(ctx, h.Store, "bob")
		require.NoError(t, err)
		require.False(t, marked)
	})

	t.Run("clear of unknown subject is a no-op", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.Store.Clear(ctx, "nobody"))
	})

	t.Run("marker expires after ttl", func(t *testing.T) {
		h := newHarness(t)

		require.NoError(t, h.Store.Mark(ctx, "alice", time.Second))
		marked, err := store.IsMarked(ctx, h.Store, "alice")
		require.NoError(t, err)
		require.True(t, marked)

		h.Advance(2 * time.Second)

		marked, err = store.IsMarked(ctx, h.Store, "alice")
		require.NoError(t, err)
		require.False(t, marked)

		// expiry is repeatable
		require.NoError(t, h.Store.Mark(ctx, "alice", time.Second))
		marked, err = store.IsMarked(ctx, h.Store, "alice")
		require.NoError(t, err)
		require.True(t, marked)

		h.Advance(2 * time.Second)

		marked, err = store.IsMarked(ctx, h.Store, "alice")
		require.NoError(t, err)
		require.False(t, marked)
	})

	t.Run("re-marking resets ttl", func(t *testing.T) {
		h := newHarness(t)

		require.NoError(t, h.Store.Mark(ctx, "alice", 5*time.Second))
		h.Advance(3 * time.Second)
		require.NoError(t, h.Store.Mark(ctx, "alice", 5*time.Second))
		h.Advance(3 * time.Second)

		marked, err := store.IsMarked(ctx, h.Store, "alice")
		require.NoError(t, err)
		require.True(t, marked)

		h.Advance(3 * time.Second)

		marked, err = store.IsMarked(ctx, h.Store, "alice")
		require.NoError(t, err)
		require.False(t, marked)
	})

	t.Run("invalid arguments", func(t *testing.T) {
		h := newHarness(t)

		require.ErrorIs(t, h.Store.Mark(ctx, "", time.Hour), store.ErrEmptySubject)
		require.ErrorIs(t, h.Store.Mark(ctx, "alice", 0), store.ErrInvalidTTL)
		require.ErrorIs(t, h.Store.Clear(ctx, ""), store.ErrEmptySubject)

		_, err := h.Store.Lookup(ctx, "")
		require.ErrorIs(t, err, store.ErrEmptySubject)
	})

	t.Run("concurrent mark lookup and clear", func(t *testing.T) {
		h := newHarness(t)

		var wg sync.WaitGroup
		errs := make(chan error, 3*20)
		for i := range 20 {
			subject := fmt.Sprintf("user-%d", i)
			wg.Add(3)
			go func() {
				defer wg.Done()
				errs <- h.Store.Mark(ctx, subject, time.Hour)
			}()
			go func() {
				defer wg.Done()
				_, err := h.Store.Lookup(ctx, subject)
				errs <- err
			}()
			go func() {
				defer wg.Done()
				errs <- h.Store.Clear(ctx, "other-"+subject)
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}

		for i := range 20 {
			marked, err := store.IsMarked(ctx, h.Store, fmt.Sprintf("user-%d", i))
			require.NoError(t, err)
			require.True(t, marked)
		}
	})
}
