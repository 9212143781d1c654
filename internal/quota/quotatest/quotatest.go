// Package quotatest holds behaviour tests shared by every quota.Store.
package quotatest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanshpatel03/snapera2.0/internal/quota"
)

// RunStoreTests exercises store through its Store and, when implemented,
// Incrementer and Reserver methods. newStore must return an empty store.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) quota.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		s := newStore(t)
		_, ok, err := s.Load(ctx, "nobody")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("save overwrites", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, "u1", quota.Record{Day: "2024-03-01", Count: 2}))
		require.NoError(t, s.Save(ctx, "u1", quota.Record{Day: "2024-03-02", Count: 0}))

		rec, ok, err := s.Load(ctx, "u1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, quota.Record{Day: "2024-03-02", Count: 0}, rec)
	})

	t.Run("keys are independent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, "u1", quota.Record{Day: "2024-03-01", Count: 4}))
		_, ok, err := s.Load(ctx, "u2")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("increment", func(t *testing.T) {
		s := newStore(t)
		inc, ok := s.(quota.Incrementer)
		if !ok {
			t.Skip("store does not implement Incrementer")
		}

		rec, err := inc.Increment(ctx, "u1", "2024-03-01")
		require.NoError(t, err)
		assert.Equal(t, quota.Record{Day: "2024-03-01", Count: 1}, rec)

		rec, err = inc.Increment(ctx, "u1", "2024-03-01")
		require.NoError(t, err)
		assert.Equal(t, 2, rec.Count)

		rec, err = inc.Increment(ctx, "u1", "2024-03-02")
		require.NoError(t, err)
		assert.Equal(t, quota.Record{Day: "2024-03-02", Count: 1}, rec)
	})

	t.Run("concurrent increments", func(t *testing.T) {
		s := newStore(t)
		inc, ok := s.(quota.Incrementer)
		if !ok {
			t.Skip("store does not implement Incrementer")
		}

		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := inc.Increment(ctx, "u1", "2024-03-01"); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		rec, ok, err := s.Load(ctx, "u1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, n, rec.Count)
	})

	t.Run("reserve up to limit", func(t *testing.T) {
		r := reserver(t, newStore(t))
		now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

		for i := range 3 {
			rec, held, err := r.Reserve(ctx, hold("h"+string(rune('a'+i)), "2024-03-01", 3, now))
			require.NoError(t, err)
			assert.Equal(t, quota.Record{Day: "2024-03-01", Count: 0}, rec)
			assert.Equal(t, i, held)
		}

		_, held, err := r.Reserve(ctx, hold("hd", "2024-03-01", 3, now))
		require.NoError(t, err)
		assert.Equal(t, 3, held)

		require.NoError(t, r.ReleaseHold(ctx, "u1", "ha"))
		require.NoError(t, r.ReleaseHold(ctx, "u1", "ha"))
		_, held, err = r.Reserve(ctx, hold("he", "2024-03-01", 3, now))
		require.NoError(t, err)
		assert.Equal(t, 2, held)
	})

	t.Run("commit hold", func(t *testing.T) {
		s := newStore(t)
		r := reserver(t, s)
		now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

		_, _, err := r.Reserve(ctx, hold("ha", "2024-03-01", 2, now))
		require.NoError(t, err)
		rec, err := r.CommitHold(ctx, "u1", "ha", "2024-03-01")
		require.NoError(t, err)
		assert.Equal(t, quota.Record{Day: "2024-03-01", Count: 1}, rec)

		rec, held, err := r.Reserve(ctx, hold("hb", "2024-03-01", 2, now))
		require.NoError(t, err)
		assert.Equal(t, 1, rec.Count)
		assert.Zero(t, held)

		_, held, err = r.Reserve(ctx, hold("hc", "2024-03-01", 2, now))
		require.NoError(t, err)
		assert.Equal(t, 1, held)
	})

	t.Run("reserve keeps today's count", func(t *testing.T) {
		s := newStore(t)
		r := reserver(t, s)
		require.NoError(t, s.Save(ctx, "u1", quota.Record{Day: "2024-03-01", Count: 2}))

		rec, _, err := r.Reserve(ctx, hold("ha", "2024-03-01", 5, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)))
		require.NoError(t, err)
		assert.Equal(t, 2, rec.Count)

		rec, held, err := r.Reserve(ctx, hold("hb", "2024-03-02", 5, time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)))
		require.NoError(t, err)
		assert.Equal(t, quota.Record{Day: "2024-03-02", Count: 0}, rec)
		assert.Zero(t, held, "holds from an earlier day are dropped")
	})

	t.Run("expired holds are dropped", func(t *testing.T) {
		r := reserver(t, newStore(t))
		now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

		_, _, err := r.Reserve(ctx, hold("ha", "2024-03-01", 3, now))
		require.NoError(t, err)

		_, held, err := r.Reserve(ctx, hold("hb", "2024-03-01", 3, now.Add(2*time.Hour)))
		require.NoError(t, err)
		assert.Zero(t, held)
	})

	t.Run("trackers sharing a store", func(t *testing.T) {
		s := newStore(t)
		reserver(t, s)
		now := func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		a := quota.NewTracker(s, 5, quota.WithClock(now), quota.WithLogger(logger))
		b := quota.NewTracker(s, 5, quota.WithClock(now), quota.WithLogger(logger))

		first, err := a.CheckAndReserve(ctx, "u1")
		require.NoError(t, err)
		second, err := b.CheckAndReserve(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, quota.Allow, first.Decision)
		assert.Equal(t, quota.RequireGate, second.Decision)
		require.NoError(t, a.Commit(ctx, first))
		require.NoError(t, b.Commit(ctx, second))

		for range 2 {
			res, err := a.CheckAndReserve(ctx, "u1")
			require.NoError(t, err)
			require.NoError(t, a.Commit(ctx, res))
		}

		last, err := a.CheckAndReserve(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, quota.RequireGate, last.Decision)
		denied, err := b.CheckAndReserve(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, quota.Deny, denied.Decision)

		require.NoError(t, a.Commit(ctx, last))
		count, err := b.CurrentCount(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 5, count)
	})

	t.Run("concurrent trackers", func(t *testing.T) {
		s := newStore(t)
		reserver(t, s)
		now := func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
		trackers := []*quota.Tracker{
			quota.NewTracker(s, 3, quota.WithClock(now)),
			quota.NewTracker(s, 3, quota.WithClock(now)),
		}

		const n = 10
		decisions := make([]quota.Decision, n)
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := trackers[i%2].CheckAndReserve(ctx, "u1")
				assert.NoError(t, err)
				decisions[i] = res.Decision
			}()
		}
		wg.Wait()

		counts := map[quota.Decision]int{}
		for _, d := range decisions {
			counts[d]++
		}
		assert.Equal(t, 1, counts[quota.Allow])
		assert.Equal(t, 2, counts[quota.RequireGate])
		assert.Equal(t, n-3, counts[quota.Deny])
	})
}

func reserver(t *testing.T, s quota.Store) quota.Reserver {
	t.Helper()
	r, ok := s.(quota.Reserver)
	if !ok {
		t.Skip("store does not implement Reserver")
	}
	return r
}

func hold(id, day string, limit int, now time.Time) quota.Hold {
	return quota.Hold{
		ID:      id,
		Key:     "u1",
		Day:     day,
		Limit:   limit,
		Now:     now,
		Expires: now.Add(time.Hour),
	}
}
