package session

import "github.com/vanshpatel03/snapera2.0/internal/models"

// RunState is one of Idle, AwaitingGate, Running or Succeeded.
type RunState interface {
	Name() string
	isRunState()
}

// Idle waits for a photo. Notice carries a quota denial; Failure the outcome
// of the previous run when it failed.
type Idle struct {
	Notice  string
	Failure *Failure
}

// AwaitingGate holds a submitted photo until the user passes the gate.
type AwaitingGate struct{}

// Running is an in-flight pipeline run. Label is the latest progress label.
type Running struct {
	Label string
}

// Succeeded holds the finished bundle until the user resets.
type Succeeded struct {
	Bundle *models.PersonaBundle
}

// Failure describes why a run ended without a bundle.
type Failure struct {
	Stage  string
	Reason string
	Err    error
}

func (Idle) Name() string         { return "idle" }
func (AwaitingGate) Name() string { return "awaiting_gate" }
func (Running) Name() string      { return "running" }
func (Succeeded) Name() string    { return "succeeded" }

func (Idle) isRunState()         {}
func (AwaitingGate) isRunState() {}
func (Running) isRunState()      {}
func (Succeeded) isRunState()    {}
