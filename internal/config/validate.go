package config

import (
	"errors"
	"fmt"

	"github.com/fmueller/voxpipe/internal/pipeline"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.Models.Recognition == "" {
		return errors.New("models.recognition must be set")
	}
	if c.Models.Threads < 0 {
		return errors.New("models.threads must not be negative")
	}
	if _, err := c.PipelineConfig(); err != nil {
		var cfgErr *pipeline.ConfigError
		if errors.As(err, &cfgErr) {
			return fmt.Errorf("pipeline.%s: %s", cfgErr.Field, cfgErr.Reason)
		}
		return fmt.Errorf("pipeline: %w", err)
	}
	for lang, name := range c.Helper.AlignModels {
		if lang == "" || name == "" {
			return errors.New("helper.align_models entries need a language and a model")
		}
	}
	return nil
}
