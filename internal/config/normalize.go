package config

import (
	"fmt"
	"strings"

	"github.com/fmueller/voxpipe/internal/pipeline"
	"github.com/fmueller/voxpipe/internal/platform"
)

func (c *Config) normalize() error {
	if err := c.normalizeModels(); err != nil {
		return err
	}
	c.normalizePipeline()
	if err := c.normalizeHelper(); err != nil {
		return err
	}
	return c.normalizeHistory()
}

func (c *Config) normalizeModels() error {
	dir, err := ExpandPath(strings.TrimSpace(c.Models.Dir))
	if err != nil {
		return fmt.Errorf("models.dir: %w", err)
	}
	if c.Models.Dir, err = platform.ResolveModelDir(dir); err != nil {
		return fmt.Errorf("models.dir: %w", err)
	}
	c.Models.Recognition = strings.TrimSpace(c.Models.Recognition)
	if c.Models.WhisperPath, err = ExpandPath(strings.TrimSpace(c.Models.WhisperPath)); err != nil {
		return fmt.Errorf("models.whisper_path: %w", err)
	}
	return nil
}

func (c *Config) normalizePipeline() {
	c.Pipeline.Language = strings.ToLower(strings.TrimSpace(c.Pipeline.Language))
	c.Pipeline.Device = strings.ToLower(strings.TrimSpace(c.Pipeline.Device))
	if c.Pipeline.Device == "" {
		c.Pipeline.Device = pipeline.DefaultDevice
	}
}

func (c *Config) normalizeHelper() error {
	var err error
	if c.Helper.Path, err = ExpandPath(strings.TrimSpace(c.Helper.Path)); err != nil {
		return fmt.Errorf("helper.path: %w", err)
	}
	c.Helper.HFToken = strings.TrimSpace(c.Helper.HFToken)
	if len(c.Helper.AlignModels) > 0 {
		models := make(map[string]string, len(c.Helper.AlignModels))
		for lang, name := range c.Helper.AlignModels {
			models[strings.ToLower(strings.TrimSpace(lang))] = strings.TrimSpace(name)
		}
		c.Helper.AlignModels = models
	}
	return nil
}

func (c *Config) normalizeHistory() error {
	path, err := ExpandPath(strings.TrimSpace(c.History.Path))
	if err != nil {
		return fmt.Errorf("history.path: %w", err)
	}
	if c.History.Path, err = platform.ResolveHistoryPath(path); err != nil {
		return fmt.Errorf("history.path: %w", err)
	}
	return nil
}
