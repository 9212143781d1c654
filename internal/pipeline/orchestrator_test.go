package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanshpatel03/snapera2.0/internal/models"
	"github.com/vanshpatel03/snapera2.0/internal/providers"
)

var (
	testPhoto    = models.Media{Data: []byte("selfie"), MIMEType: "image/jpeg"}
	testPortrait = models.Media{Data: []byte("oil-on-canvas"), MIMEType: "image/png"}
	testClip     = models.Media{Data: []byte("mp4"), MIMEType: "video/mp4"}
)

// fakeRemote implements every stage client. Nil funcs succeed with canned values.
type fakeRemote struct {
	mu    sync.Mutex
	calls map[string]int

	personaEra  string
	personaDesc string

	analyze  func(ctx context.Context) (models.Analysis, error)
	portrait func(ctx context.Context) (models.Portrait, error)
	persona  func(ctx context.Context) (models.PersonaDetails, error)
	submit   func(ctx context.Context) (models.RemoteJob, error)
	poll     func(ctx context.Context, n int) (models.RemoteJob, error)
	fetch    func(ctx context.Context) (models.Media, error)
}

func (f *fakeRemote) record(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[name]++
	return f.calls[name]
}

func (f *fakeRemote) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeRemote) Analyze(ctx context.Context, _ models.Media) (models.Analysis, error) {
	f.record("analyze")
	if f.analyze != nil {
		return f.analyze(ctx)
	}
	return models.Analysis{Era: "Victorian", FaceDescription: "round face, freckles"}, nil
}

func (f *fakeRemote) SynthesizePortrait(ctx context.Context, _ models.Media, _ models.Analysis) (models.Portrait, error) {
	f.record("portrait")
	if f.portrait != nil {
		return f.portrait(ctx)
	}
	return models.Portrait{Image: testPortrait}, nil
}

func (f *fakeRemote) SynthesizePersona(ctx context.Context, era, desc string) (models.PersonaDetails, error) {
	f.record("persona")
	f.mu.Lock()
	f.personaEra, f.personaDesc = era, desc
	f.mu.Unlock()
	if f.persona != nil {
		return f.persona(ctx)
	}
	return models.PersonaDetails{Name: "Eleanor Vance", Backstory: "A botanist who charted the ferns of Devon."}, nil
}

func (f *fakeRemote) SubmitAnimation(ctx context.Context, _ models.Media) (models.RemoteJob, error) {
	f.record("submit")
	if f.submit != nil {
		return f.submit(ctx)
	}
	return models.RemoteJob{ID: "op-1", Status: models.JobPending}, nil
}

func (f *fakeRemote) PollAnimation(ctx context.Context, job models.RemoteJob) (models.RemoteJob, error) {
	n := f.record("poll")
	if f.poll != nil {
		return f.poll(ctx, n)
	}
	return models.RemoteJob{ID: job.ID, Status: models.JobDone, OutputURI: "https://files/op-1"}, nil
}

func (f *fakeRemote) FetchAnimation(ctx context.Context, _ models.RemoteJob) (models.Media, error) {
	f.record("fetch")
	if f.fetch != nil {
		return f.fetch(ctx)
	}
	return testClip, nil
}

func newTestOrchestrator(f *fakeRemote, policy AnimationPolicy, clock Clock) *Orchestrator {
	return New(
		Clients{Analyzer: f, Portraits: f, Personas: f, Animator: f},
		Options{
			Poller:          NewPoller(Backoff{Initial: 5 * time.Second, Multiplier: 1}, 30*time.Second, clock),
			AnimationPolicy: policy,
			Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		},
	)
}

type labels struct {
	got []string
}

func (l *labels) record(label string) { l.got = append(l.got, label) }

func TestRunVictorianWithoutAnimation(t *testing.T) {
	f := &fakeRemote{}
	var l labels

	bundle, err := newTestOrchestrator(f, AnimationBestEffort, newFakeClock()).Run(context.Background(), testPhoto, false, l.record)
	require.NoError(t, err)

	want := &models.PersonaBundle{
		Era:       "Victorian",
		Portrait:  testPortrait,
		Name:      "Eleanor Vance",
		Backstory: "A botanist who charted the ferns of Devon.",
	}
	if diff := cmp.Diff(want, bundle); diff != "" {
		t.Errorf("bundle mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{LabelAnalyzing, LabelConsulting, LabelUnveiling}, l.got)
	assert.Equal(t, "Victorian", f.personaEra)
	assert.Equal(t, "A portrait in the style of the Victorian.", f.personaDesc)
	assert.Zero(t, f.count("submit"))
}

func TestRunWithAnimationPollsUntilDone(t *testing.T) {
	f := &fakeRemote{
		poll: func(_ context.Context, n int) (models.RemoteJob, error) {
			if n < 3 {
				return models.RemoteJob{ID: "op-1", Status: models.JobPending}, nil
			}
			return models.RemoteJob{ID: "op-1", Status: models.JobDone, OutputURI: "https://files/op-1"}, nil
		},
	}
	clock := newFakeClock()
	var l labels

	bundle, err := newTestOrchestrator(f, AnimationBestEffort, clock).Run(context.Background(), testPhoto, true, l.record)
	require.NoError(t, err)
	require.True(t, bundle.HasVideo())
	assert.Equal(t, testClip, *bundle.Video)
	assert.Equal(t, 3, f.count("poll"))
	assert.Equal(t, 1, f.count("fetch"))
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, clock.slept())
	assert.Equal(t, []string{LabelAnalyzing, LabelConsulting, LabelAnimating, LabelUnveiling}, l.got)
}

func TestRunAnalyzeFailureStopsDownstream(t *testing.T) {
	tests := []struct {
		name    string
		analyze func(context.Context) (models.Analysis, error)
	}{
		{
			name: "remote error",
			analyze: func(context.Context) (models.Analysis, error) {
				return models.Analysis{}, providers.Wrap(providers.ErrAnalysis, "analyze", "extract", "", errors.New("503"))
			},
		},
		{
			name: "empty era",
			analyze: func(context.Context) (models.Analysis, error) {
				return models.Analysis{FaceDescription: "a face"}, nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeRemote{analyze: tt.analyze}
			var l labels

			bundle, err := newTestOrchestrator(f, AnimationBestEffort, newFakeClock()).Run(context.Background(), testPhoto, true, l.record)
			assert.Nil(t, bundle)
			assert.ErrorIs(t, err, providers.ErrAnalysis)

			var pe *PipelineError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, StageAnalyze, pe.Stage)
			assert.NotEmpty(t, pe.Reason())

			assert.Zero(t, f.count("portrait"))
			assert.Zero(t, f.count("persona"))
			assert.Zero(t, f.count("submit"))
			assert.Equal(t, []string{LabelAnalyzing}, l.got)
		})
	}
}

func TestRunPortraitAndPersonaOverlap(t *testing.T) {
	portraitStarted := make(chan struct{})
	personaStarted := make(chan struct{})
	waitFor := func(ctx context.Context, ch <-chan struct{}) error {
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return errors.New("sibling stage never started")
		}
	}

	f := &fakeRemote{
		portrait: func(ctx context.Context) (models.Portrait, error) {
			close(portraitStarted)
			if err := waitFor(ctx, personaStarted); err != nil {
				return models.Portrait{}, err
			}
			return models.Portrait{Image: testPortrait}, nil
		},
		persona: func(ctx context.Context) (models.PersonaDetails, error) {
			close(personaStarted)
			if err := waitFor(ctx, portraitStarted); err != nil {
				return models.PersonaDetails{}, err
			}
			return models.PersonaDetails{Name: "Eleanor Vance", Backstory: "b"}, nil
		},
	}

	_, err := newTestOrchestrator(f, AnimationBestEffort, newFakeClock()).Run(context.Background(), testPhoto, false, nil)
	require.NoError(t, err)
}

func TestRunSiblingFailureCancelsWave(t *testing.T) {
	f := &fakeRemote{
		portrait: func(ctx context.Context) (models.Portrait, error) {
			<-ctx.Done()
			return models.Portrait{}, ctx.Err()
		},
		persona: func(context.Context) (models.PersonaDetails, error) {
			return models.PersonaDetails{}, providers.Wrap(providers.ErrSynthesis, "persona", "extract", "", errors.New("bad json"))
		},
	}

	_, err := newTestOrchestrator(f, AnimationRequired, newFakeClock()).Run(context.Background(), testPhoto, true, nil)
	var pe *PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, StagePersona, pe.Stage)
	assert.ErrorIs(t, err, providers.ErrSynthesis)
	assert.Zero(t, f.count("submit"))
}

func TestRunPersonaMissingName(t *testing.T) {
	f := &fakeRemote{
		persona: func(context.Context) (models.PersonaDetails, error) {
			return models.PersonaDetails{Backstory: "no name"}, nil
		},
	}

	_, err := newTestOrchestrator(f, AnimationBestEffort, newFakeClock()).Run(context.Background(), testPhoto, false, nil)
	assert.ErrorIs(t, err, providers.ErrSynthesis)
}

func TestRunAnimationTimeout(t *testing.T) {
	pending := func(context.Context, int) (models.RemoteJob, error) {
		return models.RemoteJob{ID: "op-1", Status: models.JobPending}, nil
	}

	t.Run("required fails with timeout", func(t *testing.T) {
		f := &fakeRemote{poll: pending}
		clock := newFakeClock()

		_, err := newTestOrchestrator(f, AnimationRequired, clock).Run(context.Background(), testPhoto, true, nil)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.ErrorIs(t, err, providers.ErrAnimation)

		var pe *PipelineError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, StageAnimate, pe.Stage)

		var total time.Duration
		for _, d := range clock.slept() {
			total += d
		}
		assert.Equal(t, 30*time.Second, total)
		assert.Equal(t, 7, f.count("poll"))
		assert.Zero(t, f.count("fetch"))
	})

	t.Run("best effort drops the video", func(t *testing.T) {
		f := &fakeRemote{poll: pending}

		bundle, err := newTestOrchestrator(f, AnimationBestEffort, newFakeClock()).Run(context.Background(), testPhoto, true, nil)
		require.NoError(t, err)
		assert.False(t, bundle.HasVideo())
		assert.Equal(t, "Eleanor Vance", bundle.Name)
	})
}

func TestRunAnimationJobFailed(t *testing.T) {
	failed := func(context.Context, int) (models.RemoteJob, error) {
		return models.RemoteJob{ID: "op-1", Status: models.JobFailed, Error: "no video returned"}, nil
	}

	tests := []struct {
		policy  AnimationPolicy
		wantErr bool
	}{
		{AnimationBestEffort, false},
		{AnimationRequired, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			f := &fakeRemote{poll: failed}
			bundle, err := newTestOrchestrator(f, tt.policy, newFakeClock()).Run(context.Background(), testPhoto, true, nil)
			if tt.wantErr {
				assert.ErrorIs(t, err, providers.ErrAnimation)
				assert.Nil(t, bundle)
				return
			}
			require.NoError(t, err)
			assert.Nil(t, bundle.Video)
			assert.Zero(t, f.count("fetch"))
		})
	}
}

func TestRunSkipsPollingWhenSubmitFinishes(t *testing.T) {
	f := &fakeRemote{
		submit: func(context.Context) (models.RemoteJob, error) {
			return models.RemoteJob{ID: "op-1", Status: models.JobDone, Output: &testClip}, nil
		},
	}

	bundle, err := newTestOrchestrator(f, AnimationRequired, newFakeClock()).Run(context.Background(), testPhoto, true, nil)
	require.NoError(t, err)
	assert.True(t, bundle.HasVideo())
	assert.Zero(t, f.count("poll"))
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := &fakeRemote{
		analyze: func(ctx context.Context) (models.Analysis, error) {
			cancel()
			<-ctx.Done()
			return models.Analysis{}, ctx.Err()
		},
	}

	_, err := newTestOrchestrator(f, AnimationBestEffort, newFakeClock()).Run(ctx, testPhoto, false, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.count("portrait"))
}

func TestRunCancelledWhileAnimating(t *testing.T) {
	for _, policy := range []AnimationPolicy{AnimationBestEffort, AnimationRequired} {
		t.Run(string(policy), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			f := &fakeRemote{
				poll: func(context.Context, int) (models.RemoteJob, error) {
					cancel()
					return models.RemoteJob{ID: "op-1", Status: models.JobPending}, nil
				},
			}

			bundle, err := newTestOrchestrator(f, policy, newFakeClock()).Run(ctx, testPhoto, true, nil)
			assert.Nil(t, bundle)
			assert.ErrorIs(t, err, context.Canceled)

			var pe *PipelineError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, StageAnimate, pe.Stage)
			assert.Zero(t, f.count("fetch"))
		})
	}
}

func TestRunWithoutAnimator(t *testing.T) {
	newOrchestrator := func(f *fakeRemote, policy AnimationPolicy) *Orchestrator {
		return New(
			Clients{Analyzer: f, Portraits: f, Personas: f},
			Options{AnimationPolicy: policy, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))},
		)
	}

	t.Run("best effort skips animation", func(t *testing.T) {
		f := &fakeRemote{}
		l := &labels{}
		bundle, err := newOrchestrator(f, AnimationBestEffort).Run(context.Background(), testPhoto, true, l.record)
		require.NoError(t, err)
		assert.False(t, bundle.HasVideo())
		assert.Equal(t, "Victorian", bundle.Era)
		assert.Equal(t, []string{LabelAnalyzing, LabelConsulting, LabelUnveiling}, l.got)
	})

	t.Run("required fails before analyze", func(t *testing.T) {
		f := &fakeRemote{}
		_, err := newOrchestrator(f, AnimationRequired).Run(context.Background(), testPhoto, true, nil)
		assert.ErrorIs(t, err, providers.ErrAnimation)
		assert.Zero(t, f.count("analyze"))
	})
}

func TestParseAnimationPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    AnimationPolicy
		wantErr bool
	}{
		{"", AnimationBestEffort, false},
		{"best_effort", AnimationBestEffort, false},
		{" REQUIRED ", AnimationRequired, false},
		{"sometimes", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAnimationPolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
