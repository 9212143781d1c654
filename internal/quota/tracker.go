package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DayLayout is the format of Record.Day.
const DayLayout = "2006-01-02"

// DefaultDailyLimit is the number of generations a key may run per day.
const DefaultDailyLimit = 5

var (
	// ErrQuotaExceeded is reported when a key has used up its daily generations.
	ErrQuotaExceeded = errors.New("daily generation limit reached")
	// ErrReservationNotHeld is returned when committing a reservation that was
	// already committed, released, or never granted.
	ErrReservationNotHeld = errors.New("reservation not held")
)

// Decision is the outcome of a quota check.
type Decision int

const (
	// Allow lets the first generation of the day run without a gate.
	Allow Decision = iota
	// RequireGate lets the generation run once the user passes the gate.
	RequireGate
	// Deny rejects the generation.
	Deny
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case RequireGate:
		return "require_gate"
	case Deny:
		return "deny"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Record is the persisted counter for one key. Count only grows within a Day.
type Record struct {
	Day   string `json:"day" yaml:"day"`
	Count int    `json:"count" yaml:"count"`
}

// Store persists quota records.
type Store interface {
	Load(ctx context.Context, key string) (Record, bool, error)
	Save(ctx context.Context, key string, rec Record) error
}

// Incrementer is implemented by stores that can bump a counter atomically.
// Increment resets the record to day first when the stored day differs.
type Incrementer interface {
	Increment(ctx context.Context, key, day string) (Record, error)
}

// Hold is a reservation as a Reserver keeps it.
type Hold struct {
	ID      string
	Key     string
	Day     string
	Limit   int
	Now     time.Time
	Expires time.Time
}

// Reserver is implemented by stores that keep reservations themselves, so
// trackers in several processes sharing the store still decide atomically
// per key.
type Reserver interface {
	// Reserve resets the key's record to h.Day when the stored day differs
	// and drops holds from other days or expired before h.Now. It returns the
	// record and the number of live holds, and stores h only when
	// rec.Count+held < h.Limit. All of it happens atomically per key.
	Reserve(ctx context.Context, h Hold) (rec Record, held int, err error)
	// CommitHold deletes the hold and increments the count for day, resetting
	// the record first when the stored day differs.
	CommitHold(ctx context.Context, key, id, day string) (Record, error)
	// ReleaseHold deletes the hold. A missing hold is not an error.
	ReleaseHold(ctx context.Context, key, id string) error
}

// Reservation is a slot held between CheckAndReserve and Commit or Release.
// A Deny reservation holds nothing.
type Reservation struct {
	Key      string
	Day      string
	Decision Decision
	id       string
}

// Held reports whether the reservation occupies a slot.
func (r Reservation) Held() bool {
	return r.id != ""
}

// Status summarizes a key's quota for display.
type Status struct {
	Day   string   `json:"day" yaml:"day"`
	Count int      `json:"count" yaml:"count"`
	Limit int      `json:"limit" yaml:"limit"`
	Next  Decision `json:"-" yaml:"-"`
}

// DefaultHoldTTL bounds how long a reservation kept by a Reserver counts
// against a key when its holder never commits or releases it.
const DefaultHoldTTL = time.Hour

const releaseTimeout = 5 * time.Second

type Option func(*Tracker)

// WithClock overrides the time source used to compute "today".
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLocation sets the time zone in which days roll over.
func WithLocation(loc *time.Location) Option {
	return func(t *Tracker) {
		if loc != nil {
			t.loc = loc
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithHoldTTL sets how long store-kept reservations stay live.
func WithHoldTTL(ttl time.Duration) Option {
	return func(t *Tracker) {
		if ttl > 0 {
			t.holdTTL = ttl
		}
	}
}

// Tracker decides whether a key may start a generation and counts the
// successful ones. In-flight reservations count toward the decision, so two
// concurrent submissions for one key never both see Allow. When the store is
// a Reserver the reservations live in the store and the guarantee holds
// across processes; otherwise it holds within this process only.
type Tracker struct {
	store   Store
	limit   int
	now     func() time.Time
	loc     *time.Location
	holdTTL time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	keys    map[string]*keyLock
	pending map[string]map[string]string
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewTracker(store Store, dailyLimit int, opts ...Option) *Tracker {
	if dailyLimit <= 0 {
		dailyLimit = DefaultDailyLimit
	}
	t := &Tracker{
		store:   store,
		limit:   dailyLimit,
		now:     time.Now,
		loc:     time.UTC,
		holdTTL: DefaultHoldTTL,
		logger:  slog.Default(),
		keys:    make(map[string]*keyLock),
		pending: make(map[string]map[string]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Limit returns the daily limit.
func (t *Tracker) Limit() int {
	return t.limit
}

// Today returns the current day in the tracker's time zone.
func (t *Tracker) Today() string {
	return t.now().In(t.loc).Format(DayLayout)
}

// CheckAndReserve reconciles the key's record with today and decides whether
// a generation may start. Allow and RequireGate hold a reservation that must
// be committed or released.
func (t *Tracker) CheckAndReserve(ctx context.Context, key string) (Reservation, error) {
	unlock := t.lockKey(key)
	defer unlock()

	if r, ok := t.store.(Reserver); ok {
		return t.reserveInStore(ctx, r, key)
	}

	today := t.Today()
	rec, err := t.reconcile(ctx, key, today)
	if err != nil {
		return Reservation{}, err
	}

	effective := rec.Count + t.pendingCount(key, today)
	res := Reservation{Key: key, Day: today, Decision: t.decide(effective)}
	if res.Decision != Deny {
		res.id = uuid.NewString()
		t.hold(key, res.id, today)
	}
	t.logger.Debug("quota checked", "key", key, "day", today, "count", rec.Count, "effective", effective, "decision", res.Decision)
	return res, nil
}

func (t *Tracker) reserveInStore(ctx context.Context, r Reserver, key string) (Reservation, error) {
	now := t.now()
	h := Hold{
		ID:      uuid.NewString(),
		Key:     key,
		Day:     now.In(t.loc).Format(DayLayout),
		Limit:   t.limit,
		Now:     now,
		Expires: now.Add(t.holdTTL),
	}
	rec, held, err := r.Reserve(ctx, h)
	if err != nil {
		return Reservation{}, fmt.Errorf("failed to reserve quota for %s: %w", key, err)
	}

	effective := rec.Count + held
	res := Reservation{Key: key, Day: h.Day, Decision: t.decide(effective)}
	if res.Decision != Deny {
		res.id = h.ID
		t.hold(key, h.ID, h.Day)
	}
	t.logger.Debug("quota checked", "key", key, "day", h.Day, "count", rec.Count, "effective", effective, "decision", res.Decision)
	return res, nil
}

// Commit consumes the reservation and increments the persisted count by one.
func (t *Tracker) Commit(ctx context.Context, res Reservation) error {
	unlock := t.lockKey(res.Key)
	defer unlock()

	if !t.drop(res) {
		return ErrReservationNotHeld
	}

	today := t.Today()
	var (
		rec Record
		err error
	)
	switch s := t.store.(type) {
	case Reserver:
		rec, err = s.CommitHold(ctx, res.Key, res.id, today)
	case Incrementer:
		rec, err = s.Increment(ctx, res.Key, today)
	default:
		rec, err = t.reconcile(ctx, res.Key, today)
		if err == nil {
			rec.Count++
			err = t.store.Save(ctx, res.Key, rec)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to commit quota for %s: %w", res.Key, err)
	}
	t.logger.Info("quota committed", "key", res.Key, "day", rec.Day, "count", rec.Count)
	return nil
}

// Release frees a reservation without touching the count. Releasing twice,
// or releasing a committed reservation, is a no-op.
func (t *Tracker) Release(res Reservation) {
	if !t.drop(res) {
		return
	}
	if r, ok := t.store.(Reserver); ok {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := r.ReleaseHold(ctx, res.Key, res.id); err != nil {
			t.logger.Warn("failed to release quota hold", "key", res.Key, "err", err)
			return
		}
	}
	t.logger.Debug("quota released", "key", res.Key)
}

// CurrentCount returns today's persisted count for key.
func (t *Tracker) CurrentCount(ctx context.Context, key string) (int, error) {
	st, err := t.Status(ctx, key)
	if err != nil {
		return 0, err
	}
	return st.Count, nil
}

// Status reports today's count and the decision the next check would make.
// It never writes to the store.
func (t *Tracker) Status(ctx context.Context, key string) (Status, error) {
	today := t.Today()
	rec, ok, err := t.store.Load(ctx, key)
	if err != nil {
		return Status{}, fmt.Errorf("failed to load quota for %s: %w", key, err)
	}
	if !ok || rec.Day != today {
		rec = Record{Day: today}
	}
	return Status{
		Day:   rec.Day,
		Count: rec.Count,
		Limit: t.limit,
		Next:  t.decide(rec.Count + t.pendingCount(key, today)),
	}, nil
}

func (t *Tracker) decide(count int) Decision {
	switch {
	case count <= 0:
		return Allow
	case count < t.limit:
		return RequireGate
	default:
		return Deny
	}
}

// reconcile loads the key's record, resetting and persisting it when the
// stored day is not today. Callers hold the key lock.
func (t *Tracker) reconcile(ctx context.Context, key, today string) (Record, error) {
	rec, ok, err := t.store.Load(ctx, key)
	if err != nil {
		return Record{}, fmt.Errorf("failed to load quota for %s: %w", key, err)
	}

	if ok && rec.Day == today {
		return rec, nil
	}
	if ok {
		t.logger.Info("quota day rolled over", "key", key, "from", rec.Day, "to", today)
	}
	rec = Record{Day: today}
	if err := t.store.Save(ctx, key, rec); err != nil {
		return Record{}, fmt.Errorf("failed to reset quota for %s: %w", key, err)
	}
	return rec, nil
}

// lockKey serializes operations on key within this process. Entries are
// removed once no caller holds or waits for them.
func (t *Tracker) lockKey(key string) func() {
	t.mu.Lock()
	l, ok := t.keys[key]
	if !ok {
		l = &keyLock{}
		t.keys[key] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.keys, key)
		}
		t.mu.Unlock()
	}
}

func (t *Tracker) hold(key, id, day string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[key] == nil {
		t.pending[key] = make(map[string]string)
	}
	t.pending[key][id] = day
}

func (t *Tracker) drop(res Reservation) bool {
	if !res.Held() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	held, ok := t.pending[res.Key]
	if !ok {
		return false
	}
	if _, ok := held[res.id]; !ok {
		return false
	}
	delete(held, res.id)
	if len(held) == 0 {
		delete(t.pending, res.Key)
	}
	return true
}

// pendingCount counts this tracker's reservations for key made on day.
func (t *Tracker) pendingCount(key, day string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, d := range t.pending[key] {
		if d == day {
			n++
		}
	}
	return n
}
