package pipeline

import (
	"strings"
)

const DefaultDevice = "cpu"

// Config is the immutable configuration of one run. Build it with
// NormalizeConfig; the zero Language is AutoDetect.
type Config struct {
	Language    Selection
	Alignment   bool
	Diarization bool
	Device      string
	MinSpeakers int
	MaxSpeakers int
}

// Validate rejects configurations the controller cannot run. It never loads
// anything.
func (c Config) Validate() error {
	if err := c.Language.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Device) == "" {
		return &ConfigError{Field: "device", Reason: "must not be blank"}
	}
	if c.MinSpeakers < 0 || c.MaxSpeakers < 0 {
		return &ConfigError{Field: "speakers", Reason: "speaker counts must not be negative"}
	}
	if c.MaxSpeakers > 0 && c.MinSpeakers > c.MaxSpeakers {
		return &ConfigError{Field: "speakers", Reason: "min_speakers exceeds max_speakers"}
	}
	return nil
}

// RawConfig is configuration as entered by a user: free-form language text
// and a possibly blank device.
type RawConfig struct {
	Language    string
	Alignment   bool
	Diarization bool
	Device      string
	MinSpeakers int
	MaxSpeakers int
}

// NormalizeConfig turns raw input into a Config. Blank language input and
// "auto" become AutoDetect, a blank device becomes DefaultDevice.
func NormalizeConfig(raw RawConfig) (Config, error) {
	sel, err := ParseSelection(raw.Language)
	if err != nil {
		return Config{}, err
	}

	device := strings.ToLower(strings.TrimSpace(raw.Device))
	if device == "" {
		device = DefaultDevice
	}

	cfg := Config{
		Language:    sel,
		Alignment:   raw.Alignment,
		Diarization: raw.Diarization,
		Device:      device,
		MinSpeakers: raw.MinSpeakers,
		MaxSpeakers: raw.MaxSpeakers,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
