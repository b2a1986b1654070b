package pipeline

import (
	"errors"
	"fmt"

	"github.com/fmueller/voxpipe/internal/model"
	"github.com/fmueller/voxpipe/internal/stage"
)

var (
	// ErrCancelled marks a run stopped by its context. Errors returned for a
	// cancelled run also wrap the context's cause.
	ErrCancelled = errors.New("run cancelled")
	// ErrLanguageUndetected means recognition finished without a language,
	// so no alignment model can be chosen.
	ErrLanguageUndetected = errors.New("language was not detected")
)

// StageExecutionError is a failure after a model loaded successfully.
type StageExecutionError = stage.Error

// ConfigError rejects a configuration before any model is loaded.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// ModelLoadError is a failed model load for one role and specialization.
type ModelLoadError struct {
	Role           model.Role
	Specialization string
	Err            error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load %s model (%s): %v", e.Role, e.Specialization, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}
