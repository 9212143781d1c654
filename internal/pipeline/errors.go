package pipeline

import (
	"errors"
	"fmt"

	"github.com/vanshpatel03/snapera2.0/internal/providers"
)

// Stage names one remote operation within a run.
type Stage string

const (
	StageAnalyze  Stage = "analyze"
	StagePortrait Stage = "portrait"
	StagePersona  Stage = "persona"
	StageAnimate  Stage = "animate"
)

// ErrTimeout marks a stage that exceeded its wait budget. It is reported with
// the kind of the stage it interrupted.
var ErrTimeout = errors.New("timeout")

// PipelineError is the single terminal error of a failed run.
type PipelineError struct {
	Stage Stage
	// Kind is the stage's marker: providers.ErrAnalysis, ErrSynthesis or ErrAnimation.
	Kind error
	Err  error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Reason is the message shown to the user when the run fails.
func (e *PipelineError) Reason() string {
	if errors.Is(e.Err, ErrTimeout) {
		return "The portrait took too long to come to life. Please try again."
	}
	switch e.Stage {
	case StageAnalyze:
		return "We could not determine a historical era for your photo. Please try another one."
	case StagePortrait:
		return "We could not paint your portrait. Please try again."
	case StagePersona:
		return "We could not write your persona's story. Please try again."
	case StageAnimate:
		return "We could not animate your portrait. Please try again."
	default:
		return "An unexpected error occurred. Please try again."
	}
}

func kindOf(stage Stage) error {
	switch stage {
	case StageAnalyze:
		return providers.ErrAnalysis
	case StagePortrait, StagePersona:
		return providers.ErrSynthesis
	default:
		return providers.ErrAnimation
	}
}

func stageError(stage Stage, err error) *PipelineError {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	return &PipelineError{Stage: stage, Kind: kindOf(stage), Err: err}
}
