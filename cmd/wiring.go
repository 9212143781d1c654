package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/vanshpatel03/snapera2.0/internal/config"
	"github.com/vanshpatel03/snapera2.0/internal/gemini"
	"github.com/vanshpatel03/snapera2.0/internal/genmedia"
	"github.com/vanshpatel03/snapera2.0/internal/ollama"
	"github.com/vanshpatel03/snapera2.0/internal/openai"
	"github.com/vanshpatel03/snapera2.0/internal/persona"
	"github.com/vanshpatel03/snapera2.0/internal/pipeline"
	"github.com/vanshpatel03/snapera2.0/internal/providers"
	"github.com/vanshpatel03/snapera2.0/internal/quota"
	"github.com/vanshpatel03/snapera2.0/internal/quota/postgres"
	"github.com/vanshpatel03/snapera2.0/internal/quota/sqlite"
)

func newTextProvider(cfg *config.Config) (providers.Provider, error) {
	switch cfg.Providers.Text {
	case "gemini":
		return gemini.New(cfg.Providers.GeminiAPIKey), nil
	case "openai":
		var opts []openai.Option
		if cfg.Providers.OpenAIBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAIBaseURL))
		}
		return openai.New(cfg.Providers.OpenAIAPIKey, opts...), nil
	case "ollama":
		return ollama.New(cfg.Providers.OllamaURL), nil
	default:
		return nil, fmt.Errorf("unsupported text provider: %s", cfg.Providers.Text)
	}
}

func (a *app) newOrchestrator(ctx context.Context) (*pipeline.Orchestrator, error) {
	text, err := newTextProvider(a.cfg)
	if err != nil {
		return nil, err
	}
	personas := persona.NewService(text, a.cfg.TextModel(), a.logger)

	studio, err := genmedia.New(ctx, genmedia.Options{
		APIKey:           a.cfg.Providers.GeminiAPIKey,
		ImageModel:       a.cfg.Media.ImageModel,
		VideoModel:       a.cfg.Media.VideoModel,
		DurationSeconds:  a.cfg.Media.VideoSeconds,
		AspectRatio:      a.cfg.Media.AspectRatio,
		PersonGeneration: a.cfg.Media.PersonGeneration,
		Logger:           a.logger,
	})
	if err != nil {
		return nil, err
	}

	policy, err := pipeline.ParseAnimationPolicy(a.cfg.Pipeline.AnimationPolicy)
	if err != nil {
		return nil, err
	}
	p := a.cfg.Pipeline
	poller := pipeline.NewPoller(pipeline.Backoff{
		Initial:    p.PollInterval.Std(),
		Max:        p.PollMaxInterval.Std(),
		Multiplier: p.PollMultiplier,
	}, p.MaxWait.Std(), nil)

	return pipeline.New(pipeline.Clients{
		Analyzer:  personas,
		Portraits: studio,
		Personas:  personas,
		Animator:  studio,
	}, pipeline.Options{
		Poller:          poller,
		AnimationPolicy: policy,
		Logger:          a.logger,
	}), nil
}

// newTracker opens the configured quota store. The returned closer releases it.
func (a *app) newTracker(ctx context.Context) (*quota.Tracker, io.Closer, error) {
	var (
		store  quota.Store
		closer io.Closer = nopCloser{}
	)
	switch a.cfg.Quota.Store {
	case "memory":
		store = quota.NewMemoryStore()
	case "sqlite":
		s, err := sqlite.Open(ctx, a.cfg.Quota.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite quota store: %w", err)
		}
		store, closer = s, s
	case "postgres":
		s, err := postgres.Open(ctx, a.cfg.Quota.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres quota store: %w", err)
		}
		store, closer = s, s
	default:
		return nil, nil, fmt.Errorf("unsupported quota store: %s", a.cfg.Quota.Store)
	}

	loc, err := a.cfg.Location()
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	tracker := quota.NewTracker(store, a.cfg.Quota.DailyLimit,
		quota.WithLocation(loc),
		quota.WithHoldTTL(a.cfg.Quota.HoldTTL.Std()),
		quota.WithLogger(a.logger),
	)
	return tracker, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
