package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/vanshpatel03/snapera2.0/internal/models"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultMaxWait      = 6 * time.Minute
)

// Clock abstracts time for the poll loop.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff computes the delay between status checks. A Multiplier of 1 gives a
// fixed interval.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay returns the wait after the attempt-th (zero-based) check.
func (b Backoff) Delay(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = defaultPollInterval
	}
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	d := float64(initial) * math.Pow(multiplier, float64(attempt))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Poller drives a RemoteJob to a terminal state within a wait budget.
type Poller struct {
	backoff Backoff
	maxWait time.Duration
	clock   Clock
}

// NewPoller builds a poller. A nil clock uses wall time; a non-positive
// maxWait uses the default budget.
func NewPoller(backoff Backoff, maxWait time.Duration, clock Clock) *Poller {
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	if clock == nil {
		clock = realClock{}
	}
	return &Poller{backoff: backoff, maxWait: maxWait, clock: clock}
}

// Wait checks the job immediately and then after each backoff delay until it
// reaches done or failed. Exceeding the budget returns an error wrapping
// ErrTimeout; the final sleep is clipped so the last check lands on the budget.
func (p *Poller) Wait(ctx context.Context, check func(ctx context.Context) (models.RemoteJob, error)) (models.RemoteJob, error) {
	start := p.clock.Now()
	for attempt := 0; ; attempt++ {
		job, err := check(ctx)
		if err != nil {
			return job, err
		}
		if job.Status.Terminal() {
			return job, nil
		}

		elapsed := p.clock.Now().Sub(start)
		if elapsed >= p.maxWait {
			return job, fmt.Errorf("%w: job %s still %s after %s", ErrTimeout, job.ID, job.Status, p.maxWait)
		}

		delay := p.backoff.Delay(attempt)
		if remaining := p.maxWait - elapsed; delay > remaining {
			delay = remaining
		}
		if err := p.clock.Sleep(ctx, delay); err != nil {
			return job, err
		}
	}
}
