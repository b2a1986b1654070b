package stage

import (
	"errors"
	"fmt"
)

// Name identifies a pipeline stage.
type Name string

const (
	Recognition Name = "recognition"
	Alignment   Name = "alignment"
	Diarization Name = "diarization"
)

var (
	// ErrSpecializationMismatch means a stage was handed a model built for a
	// different role or language than the input requires.
	ErrSpecializationMismatch = errors.New("model specialization does not match input")
	// ErrNoEngine means no engine is configured for the stage.
	ErrNoEngine = errors.New("no engine configured")
)

// Error is a failure inside one stage. The runner never decides whether it
// is recoverable.
type Error struct {
	Stage Name
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
