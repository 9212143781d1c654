// Package session drives one user's way through upload, gate, generation and
// result.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vanshpatel03/snapera2.0/internal/models"
	"github.com/vanshpatel03/snapera2.0/internal/pipeline"
	"github.com/vanshpatel03/snapera2.0/internal/quota"
)

const denialNotice = "You've reached your daily limit of historical personas. Come back tomorrow!"

var (
	// ErrInvalidTransition is returned when an event does not apply to the current state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrClosed is returned for events on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrEmptyPhoto is returned when Submit receives no image data.
	ErrEmptyPhoto = errors.New("photo is empty")
)

// Runner executes one generation.
type Runner interface {
	Run(ctx context.Context, photo models.Media, wantAnimation bool, progress pipeline.ProgressFunc) (*models.PersonaBundle, error)
}

// Quota reserves and accounts generations for a key.
type Quota interface {
	CheckAndReserve(ctx context.Context, key string) (quota.Reservation, error)
	Commit(ctx context.Context, res quota.Reservation) error
	Release(res quota.Reservation)
}

// Observer is called with every new state, in order, while the session lock
// is held. It must not call back into the session.
type Observer func(RunState)

// Session is the state machine for one user. All events are safe for
// concurrent use.
type Session struct {
	id     string
	key    string
	runner Runner
	quota  Quota
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       RunState
	photo       models.Media
	animate     bool
	reservation quota.Reservation
	runID       uint64
	done        chan struct{}
	observers   []Observer
	closed      bool
	updatedAt   time.Time
}

// New creates an idle session. key identifies the quota owner.
func New(id, key string, runner Runner, q Quota, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	close(done)
	return &Session{
		id:        id,
		key:       key,
		runner:    runner,
		quota:     q,
		logger:    logger.With("session_id", id),
		ctx:       ctx,
		cancel:    cancel,
		state:     Idle{},
		done:      done,
		updatedAt: time.Now(),
	}
}

func (s *Session) ID() string  { return s.id }
func (s *Session) Key() string { return s.key }

// State returns the current state.
func (s *Session) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UpdatedAt returns the time of the last state change.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// Observe registers fn for subsequent state changes.
func (s *Session) Observe(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Done is closed when the current run finishes. It is already closed when no
// run is in flight.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Wait blocks until the current run finishes or ctx is done.
func (s *Session) Wait(ctx context.Context) (RunState, error) {
	select {
	case <-s.Done():
		return s.State(), nil
	case <-ctx.Done():
		return s.State(), ctx.Err()
	}
}

// Submit hands a photo to an idle session. Depending on the quota it starts
// the run, waits for the gate, or returns quota.ErrQuotaExceeded.
func (s *Session) Submit(ctx context.Context, photo models.Media, wantAnimation bool) error {
	if photo.Empty() {
		return ErrEmptyPhoto
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expectLocked("submit", Idle{}); err != nil {
		return err
	}

	res, err := s.quota.CheckAndReserve(ctx, s.key)
	if err != nil {
		return fmt.Errorf("failed to check quota: %w", err)
	}

	switch res.Decision {
	case quota.Deny:
		s.logger.Info("submission denied", "key", s.key)
		s.setLocked(Idle{Notice: denialNotice})
		return quota.ErrQuotaExceeded
	case quota.RequireGate:
		s.photo, s.animate, s.reservation = photo, wantAnimation, res
		s.setLocked(AwaitingGate{})
		return nil
	default:
		s.photo, s.animate, s.reservation = photo, wantAnimation, res
		s.startLocked()
		return nil
	}
}

// PassGate starts the run held by AwaitingGate.
func (s *Session) PassGate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expectLocked("pass gate", AwaitingGate{}); err != nil {
		return err
	}
	s.startLocked()
	return nil
}

// Cancel abandons the gate, discarding the photo and its reservation.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expectLocked("cancel", AwaitingGate{}); err != nil {
		return err
	}
	s.quota.Release(s.reservation)
	s.clearLocked()
	s.setLocked(Idle{})
	return nil
}

// Reset returns a finished session to Idle.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expectLocked("reset", Succeeded{}); err != nil {
		return err
	}
	s.setLocked(Idle{})
	return nil
}

// Close cancels any in-flight run, releases held quota and waits for the run
// goroutine to exit. Later events return ErrClosed.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if _, ok := s.state.(AwaitingGate); ok {
		s.quota.Release(s.reservation)
		s.clearLocked()
	}
	done := s.done
	s.cancel()
	s.mu.Unlock()

	<-done
}

func (s *Session) expectLocked(event string, want RunState) error {
	if s.closed {
		return ErrClosed
	}
	if s.state.Name() != want.Name() {
		return fmt.Errorf("%w: cannot %s while %s", ErrInvalidTransition, event, s.state.Name())
	}
	return nil
}

func (s *Session) startLocked() {
	s.runID++
	runID := s.runID
	runCtx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.done = done

	photo, animate, res := s.photo, s.animate, s.reservation
	s.clearLocked()
	s.setLocked(Running{})

	s.logger.Info("run started", "key", s.key, "decision", res.Decision, "animate", animate)
	go s.run(runCtx, cancel, done, runID, photo, animate, res)
}

func (s *Session) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, runID uint64, photo models.Media, animate bool, res quota.Reservation) {
	defer close(done)
	defer cancel()

	bundle, err := s.runner.Run(ctx, photo, animate, func(label string) {
		s.progress(runID, label)
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || runID != s.runID {
		s.quota.Release(res)
		s.logger.Info("run abandoned", "err", err)
		return
	}

	if err != nil {
		s.quota.Release(res)
		s.setLocked(Idle{Failure: failureFrom(err)})
		return
	}

	if err := s.quota.Commit(context.WithoutCancel(ctx), res); err != nil {
		s.logger.Error("failed to commit quota", "key", s.key, "err", err)
	}
	s.setLocked(Succeeded{Bundle: bundle})
}

func (s *Session) progress(runID uint64, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if runID != s.runID || s.closed {
		return
	}
	if _, ok := s.state.(Running); ok {
		s.setLocked(Running{Label: label})
	}
}

func (s *Session) clearLocked() {
	s.photo, s.animate, s.reservation = models.Media{}, false, quota.Reservation{}
}

func (s *Session) setLocked(next RunState) {
	s.logger.Debug("state changed", "from", s.state.Name(), "to", next.Name())
	s.state = next
	s.updatedAt = time.Now()
	for _, fn := range s.observers {
		fn(next)
	}
}

func failureFrom(err error) *Failure {
	var pe *pipeline.PipelineError
	switch {
	case errors.As(err, &pe):
		return &Failure{Stage: string(pe.Stage), Reason: pe.Reason(), Err: err}
	case errors.Is(err, context.Canceled):
		return &Failure{Reason: "Generation was cancelled.", Err: err}
	default:
		return &Failure{Reason: "An unexpected error occurred. Please try again.", Err: err}
	}
}
