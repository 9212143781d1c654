package providers

import (
	"context"

	"github.com/vanshpatel03/snapera2.0/internal/models"
)

// Config represents a single request to a text/vision LLM provider
type Config struct {
	Model       string
	Temperature float64
	Prompt      string
	// Images are attached to the prompt in order.
	Images []models.Media
	// JSON asks the provider to constrain its output to a JSON object.
	JSON bool
}

// Provider defines the interface for a text/vision LLM provider
type Provider interface {
	ExtractText(ctx context.Context, config Config) (string, error)
}

// Analyzer infers the era and facial traits of a photo.
type Analyzer interface {
	Analyze(ctx context.Context, photo models.Media) (models.Analysis, error)
}

// PortraitSynthesizer paints the photo's subject in the style of an era.
type PortraitSynthesizer interface {
	SynthesizePortrait(ctx context.Context, photo models.Media, analysis models.Analysis) (models.Portrait, error)
}

// PersonaSynthesizer invents a name and backstory for an era.
type PersonaSynthesizer interface {
	SynthesizePersona(ctx context.Context, era, portraitDescription string) (models.PersonaDetails, error)
}

// Animator runs the submit/poll animation job protocol.
type Animator interface {
	SubmitAnimation(ctx context.Context, portrait models.Media) (models.RemoteJob, error)
	PollAnimation(ctx context.Context, job models.RemoteJob) (models.RemoteJob, error)
	FetchAnimation(ctx context.Context, job models.RemoteJob) (models.Media, error)
}
