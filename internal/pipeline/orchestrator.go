package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vanshpatel03/snapera2.0/internal/models"
	"github.com/vanshpatel03/snapera2.0/internal/persona"
	"github.com/vanshpatel03/snapera2.0/internal/providers"
)

// Progress labels, one per wave plus a final one once all stages are done.
const (
	LabelAnalyzing  = "Analyzing your essence..."
	LabelConsulting = "Consulting the chronomancers..."
	LabelPainting   = "Painting your past life..."
	LabelAnimating  = "Bringing your portrait to life..."
	LabelUnveiling  = "Unveiling your historical doppelgänger..."
)

var stageLabels = map[Stage]string{
	StageAnalyze:  LabelAnalyzing,
	StagePortrait: LabelConsulting,
	StagePersona:  LabelPainting,
	StageAnimate:  LabelAnimating,
}

// AnimationPolicy decides what an animation failure does to the run.
type AnimationPolicy string

const (
	// AnimationBestEffort drops the video and still returns the bundle.
	AnimationBestEffort AnimationPolicy = "best_effort"
	// AnimationRequired fails the run.
	AnimationRequired AnimationPolicy = "required"
)

// ParseAnimationPolicy accepts "best_effort" or "required"; empty means best effort.
func ParseAnimationPolicy(s string) (AnimationPolicy, error) {
	switch AnimationPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", AnimationBestEffort:
		return AnimationBestEffort, nil
	case AnimationRequired:
		return AnimationRequired, nil
	default:
		return "", fmt.Errorf("unknown animation policy %q", s)
	}
}

// ProgressFunc receives progress labels in order.
type ProgressFunc func(label string)

type stageSpec struct {
	stage    Stage
	requires []Stage
	run      StageFunc
}

// Clients are the remote collaborators of a run.
type Clients struct {
	Analyzer  providers.Analyzer
	Portraits providers.PortraitSynthesizer
	Personas  providers.PersonaSynthesizer
	Animator  providers.Animator
}

// Options tune an Orchestrator. Zero values select the defaults.
type Options struct {
	Poller          *Poller
	AnimationPolicy AnimationPolicy
	Logger          *slog.Logger
}

// Orchestrator runs one photo through analyze, portrait and persona, and
// optionally animate, producing a PersonaBundle.
type Orchestrator struct {
	clients Clients
	poller  *Poller
	policy  AnimationPolicy
	logger  *slog.Logger
}

func New(clients Clients, opts Options) *Orchestrator {
	if opts.Poller == nil {
		opts.Poller = NewPoller(Backoff{Initial: defaultPollInterval, Max: defaultPollInterval, Multiplier: 1}, defaultMaxWait, nil)
	}
	if opts.AnimationPolicy == "" {
		opts.AnimationPolicy = AnimationBestEffort
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		clients: clients,
		poller:  opts.Poller,
		policy:  opts.AnimationPolicy,
		logger:  opts.Logger,
	}
}

// Run executes the pipeline for photo. On failure it returns a *PipelineError
// naming the first stage that failed; stages depending on it never start.
func (o *Orchestrator) Run(ctx context.Context, photo models.Media, wantAnimation bool, progress ProgressFunc) (*models.PersonaBundle, error) {
	if progress == nil {
		progress = func(string) {}
	}
	logger := o.logger.With("run_id", uuid.NewString())
	if wantAnimation && o.clients.Animator == nil {
		if o.policy == AnimationRequired {
			return nil, stageError(StageAnimate, errors.New("no animator configured"))
		}
		logger.Warn("animation degraded", "err", "no animator configured")
		wantAnimation = false
	}

	var (
		analysis models.Analysis
		portrait models.Portrait
		details  models.PersonaDetails
		video    *models.Media
	)

	g := NewGraph()
	stages := []stageSpec{
		{StageAnalyze, nil, func(ctx context.Context) error {
			a, err := o.clients.Analyzer.Analyze(ctx, photo)
			if err != nil {
				return err
			}
			if strings.TrimSpace(a.Era) == "" {
				return errors.New("no historical era in analysis")
			}
			analysis = a
			return nil
		}},
		{StagePortrait, []Stage{StageAnalyze}, func(ctx context.Context) error {
			p, err := o.clients.Portraits.SynthesizePortrait(ctx, photo, analysis)
			if err != nil {
				return err
			}
			if p.Image.Empty() {
				return errors.New("portrait has no image data")
			}
			portrait = p
			return nil
		}},
		{StagePersona, []Stage{StageAnalyze}, func(ctx context.Context) error {
			d, err := o.clients.Personas.SynthesizePersona(ctx, analysis.Era, persona.PortraitDescription(analysis.Era))
			if err != nil {
				return err
			}
			if strings.TrimSpace(d.Name) == "" || strings.TrimSpace(d.Backstory) == "" {
				return errors.New("persona is missing a name or backstory")
			}
			details = d
			return nil
		}},
	}
	if wantAnimation {
		stages = append(stages, stageSpec{StageAnimate, []Stage{StagePortrait}, func(ctx context.Context) error {
			clip, err := o.animate(ctx, portrait.Image)
			if err != nil {
				// A cancelled run is never degraded into a bundle.
				if o.policy == AnimationRequired || ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return err
				}
				logger.Warn("animation degraded", "err", err)
				return nil
			}
			video = &clip
			return nil
		}})
	}

	for _, s := range stages {
		if err := g.Add(s.stage, s.requires, o.instrument(logger, s.stage, s.run)); err != nil {
			return nil, fmt.Errorf("failed to build pipeline: %w", err)
		}
	}

	start := time.Now()
	logger.Info("pipeline started", "animate", wantAnimation, "policy", o.policy)
	err := g.Run(ctx, func(wave []Stage) {
		progress(stageLabels[wave[0]])
	})
	if err != nil {
		pe := stageError("", err)
		logger.Error("pipeline failed", "stage", pe.Stage, "err", pe.Err, "duration", time.Since(start))
		return nil, pe
	}

	progress(LabelUnveiling)
	bundle := &models.PersonaBundle{
		Era:       analysis.Era,
		Portrait:  portrait.Image,
		Name:      details.Name,
		Backstory: details.Backstory,
		Video:     video,
	}
	logger.Info("pipeline completed", "era", bundle.Era, "name", bundle.Name, "video", bundle.HasVideo(), "duration", time.Since(start))
	return bundle, nil
}

// instrument logs the stage lifecycle and tags its error with the stage.
func (o *Orchestrator) instrument(logger *slog.Logger, stage Stage, run StageFunc) StageFunc {
	return func(ctx context.Context) error {
		start := time.Now()
		logger.Info("stage started", "stage", stage)
		if err := run(ctx); err != nil {
			logger.Warn("stage failed", "stage", stage, "err", err, "duration", time.Since(start))
			return stageError(stage, err)
		}
		logger.Info("stage completed", "stage", stage, "duration", time.Since(start))
		return nil
	}
}

func (o *Orchestrator) animate(ctx context.Context, portrait models.Media) (models.Media, error) {
	job, err := o.clients.Animator.SubmitAnimation(ctx, portrait)
	if err != nil {
		return models.Media{}, err
	}

	if !job.Status.Terminal() {
		submitted := job
		job, err = o.poller.Wait(ctx, func(ctx context.Context) (models.RemoteJob, error) {
			return o.clients.Animator.PollAnimation(ctx, submitted)
		})
		if err != nil {
			return models.Media{}, err
		}
	}

	if job.Status == models.JobFailed {
		msg := job.Error
		if msg == "" {
			msg = "animation job failed"
		}
		return models.Media{}, providers.Wrap(providers.ErrAnimation, string(StageAnimate), "poll", msg, nil)
	}

	clip, err := o.clients.Animator.FetchAnimation(ctx, job)
	if err != nil {
		return models.Media{}, err
	}
	if clip.Empty() {
		return models.Media{}, errors.New("animation has no video data")
	}
	return clip, nil
}
