package pipeline

import (
	"strings"
	"time"

	"github.com/fmueller/voxpipe/internal/engine"
	"github.com/fmueller/voxpipe/internal/stage"
)

type Status string

const (
	StatusRunning        Status = "running"
	StatusSucceeded      Status = "succeeded"
	StatusPartialSuccess Status = "partial_success"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// Outcome is what happened to one enabled stage.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeSkipped means the stage never ran: its model did not load, a
	// prerequisite was missing, or the run stopped before it.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means the stage ran and returned an error.
	OutcomeFailed Outcome = "failed"
)

type StageOutcome struct {
	Stage    stage.Name    `json:"stage"`
	Outcome  Outcome       `json:"outcome"`
	Model    string        `json:"model,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// Result is the final record of one run. Segments hold the best available
// transcript: speaker labelled when diarization ran, word timed when
// alignment ran.
type Result struct {
	RunID          string               `json:"run_id"`
	Input          string               `json:"input"`
	Device         string               `json:"device"`
	Requested      string               `json:"requested_language"`
	Language       string               `json:"language,omitempty"`
	LanguageSource string               `json:"language_source,omitempty"`
	Status         Status               `json:"status"`
	Stages         []StageOutcome       `json:"stages"`
	Segments       []engine.Segment     `json:"segments"`
	Speakers       []string             `json:"speakers,omitempty"`
	Error          string               `json:"error,omitempty"`
	StartedAt      time.Time            `json:"started_at"`
	FinishedAt     time.Time            `json:"finished_at"`
	Recognition    *engine.Transcript   `json:"-"`
	Alignment      *engine.Transcript   `json:"-"`
	Turns          []engine.SpeakerTurn `json:"-"`
	States         []State              `json:"-"`
	Err            error                `json:"-"`
}

// Stage returns the outcome recorded for name.
func (r *Result) Stage(name stage.Name) (StageOutcome, bool) {
	for _, o := range r.Stages {
		if o.Stage == name {
			return o, true
		}
	}
	return StageOutcome{}, false
}

// Degraded lists the stages that did not succeed.
func (r *Result) Degraded() []StageOutcome {
	var out []StageOutcome
	for _, o := range r.Stages {
		if o.Outcome != OutcomeSucceeded {
			out = append(out, o)
		}
	}
	return out
}

func (r *Result) Elapsed() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Text joins the segment texts into a single transcript.
func (r *Result) Text() string {
	return engine.Transcript{Segments: r.Segments}.Text()
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s != StatusRunning && s != ""
}

func (s Status) String() string {
	return strings.ReplaceAll(string(s), "_", " ")
}
