package quota_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanshpatel03/snapera2.0/internal/quota"
	"github.com/vanshpatel03/snapera2.0/internal/quota/quotatest"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// saveOnly hides MemoryStore's Increment and Reserve so the tracker takes
// the load/save path.
type saveOnly struct {
	quota.Store
}

// incrementOnly hides MemoryStore's Reserve.
type incrementOnly struct {
	quota.Store
	quota.Incrementer
}

func trackerStores() map[string]func() quota.Store {
	return map[string]func() quota.Store{
		"reserver": func() quota.Store { return quota.NewMemoryStore() },
		"incrementer": func() quota.Store {
			m := quota.NewMemoryStore()
			return incrementOnly{m, m}
		},
		"load and save": func() quota.Store {
			return saveOnly{quota.NewMemoryStore()}
		},
	}
}

type failingStore struct {
	err error
}

func (f failingStore) Load(context.Context, string) (quota.Record, bool, error) {
	return quota.Record{}, false, f.err
}

func (f failingStore) Save(context.Context, string, quota.Record) error {
	return f.err
}

func newTracker(store quota.Store, limit int, clock *testClock) *quota.Tracker {
	return quota.NewTracker(store, limit,
		quota.WithClock(clock.Now),
		quota.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func TestMemoryStore(t *testing.T) {
	quotatest.RunStoreTests(t, func(*testing.T) quota.Store { return quota.NewMemoryStore() })
}

func TestTrackerDecisions(t *testing.T) {
	for name, newStore := range trackerStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
			tr := newTracker(newStore(), 3, clock)

			want := []quota.Decision{quota.Allow, quota.RequireGate, quota.RequireGate, quota.Deny}
			for i, w := range want {
				res, err := tr.CheckAndReserve(ctx, "u1")
				require.NoError(t, err)
				require.Equal(t, w, res.Decision, "check %d", i)
				if res.Decision == quota.Deny {
					assert.False(t, res.Held())
					break
				}
				require.NoError(t, tr.Commit(ctx, res))
			}

			count, err := tr.CurrentCount(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, 3, count)
		})
	}
}

func TestTrackerDayRollover(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC)}
	store := quota.NewMemoryStore()
	tr := newTracker(store, 1, clock)

	res, err := tr.CheckAndReserve(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, tr.Commit(ctx, res))

	res, err = tr.CheckAndReserve(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, quota.Deny, res.Decision)

	clock.Advance(3 * time.Hour)

	res, err = tr.CheckAndReserve(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, quota.Allow, res.Decision)
	assert.Equal(t, "2024-03-02", res.Day)

	rec, ok, err := store.Load(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, quota.Record{Day: "2024-03-02", Count: 0}, rec)
}

func TestTrackerRolloverIgnoresEarlierReservations(t *testing.T) {
	for name, newStore := range trackerStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := &testClock{now: time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)}
			tr := newTracker(newStore(), 3, clock)

			gated, err := tr.CheckAndReserve(ctx, "u1")
			require.NoError(t, err)
			require.Equal(t, quota.Allow, gated.Decision)

			clock.Advance(2 * time.Hour)

			res, err := tr.CheckAndReserve(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, quota.Allow, res.Decision)
			assert.Equal(t, "2024-03-02", res.Day)

			st, err := tr.Status(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, quota.RequireGate, st.Next)
		})
	}
}

func TestTrackerLocation(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)}
	tr := quota.NewTracker(quota.NewMemoryStore(), 3,
		quota.WithClock(clock.Now),
		quota.WithLocation(time.FixedZone("EET", 2*60*60)),
	)
	assert.Equal(t, "2024-03-02", tr.Today())
}

func TestTrackerReleaseLeavesCountUnchanged(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	tr := newTracker(quota.NewMemoryStore(), 3, clock)

	res, err := tr.CheckAndReserve(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, quota.Allow, res.Decision)

	tr.Release(res)
	tr.Release(res)

	count, err := tr.CurrentCount(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, count)

	res, err = tr.CheckAndReserve(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, quota.Allow, res.Decision)

	assert.ErrorIs(t, tr.Commit(ctx, quota.Reservation{Key: "u1"}), quota.ErrReservationNotHeld)
	require.NoError(t, tr.Commit(ctx, res))
	assert.ErrorIs(t, tr.Commit(ctx, res), quota.ErrReservationNotHeld)
}

func TestTrackerConcurrentReservations(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	tr := newTracker(quota.NewMemoryStore(), 3, clock)

	const n = 10
	results := make([]quota.Reservation, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := tr.CheckAndReserve(ctx, "u1")
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	counts := map[quota.Decision]int{}
	for _, res := range results {
		counts[res.Decision]++
	}
	assert.Equal(t, 1, counts[quota.Allow])
	assert.Equal(t, 2, counts[quota.RequireGate])
	assert.Equal(t, n-3, counts[quota.Deny])
}

func TestTrackerStatus(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	tr := newTracker(quota.NewMemoryStore(), 2, clock)

	st, err := tr.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, quota.Status{Day: "2024-03-01", Count: 0, Limit: 2, Next: quota.Allow}, st)

	res, err := tr.CheckAndReserve(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, tr.Commit(ctx, res))

	st, err = tr.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Count)
	assert.Equal(t, quota.RequireGate, st.Next)
}

func TestTrackerStoreErrors(t *testing.T) {
	cause := errors.New("disk full")
	tr := newTracker(failingStore{err: cause}, 3, &testClock{now: time.Now()})

	_, err := tr.CheckAndReserve(context.Background(), "u1")
	assert.ErrorIs(t, err, cause)
}
