package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fmueller/voxpipe/internal/pipeline"
	"github.com/fmueller/voxpipe/internal/platform"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

const (
	EnvWhisperPath = "VOXPIPE_WHISPER_PATH"
	EnvHelperPath  = "VOXPIPE_HELPER_PATH"
	EnvHFToken     = "HF_TOKEN"
)

type Models struct {
	Dir          string `toml:"dir"`
	Recognition  string `toml:"recognition"`
	AutoDownload bool   `toml:"auto_download"`
	WhisperPath  string `toml:"whisper_path"`
	Threads      int    `toml:"threads"`
}

type Pipeline struct {
	Language    string `toml:"language"`
	Device      string `toml:"device"`
	Alignment   bool   `toml:"alignment"`
	Diarization bool   `toml:"diarization"`
	MinSpeakers int    `toml:"min_speakers"`
	MaxSpeakers int    `toml:"max_speakers"`
}

type Helper struct {
	Path    string `toml:"path"`
	HFToken string `toml:"hf_token"`
	// AlignModels maps a language code to a phoneme model, replacing the
	// built-in choice for that language.
	AlignModels map[string]string `toml:"align_models"`
}

type History struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

type Logging struct {
	Verbose bool `toml:"verbose"`
	JSON    bool `toml:"json"`
}

type Config struct {
	Models   Models   `toml:"models"`
	Pipeline Pipeline `toml:"pipeline"`
	Helper   Helper   `toml:"helper"`
	History  History  `toml:"history"`
	Logging  Logging  `toml:"logging"`
}

// Load reads the configuration at path, or at the platform default when
// path is empty. A missing file is not an error; the defaults apply. It
// returns the resolved path and whether a file was read.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolved, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolved)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file).DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Normalize(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolved, exists, nil
}

// Normalize fills platform defaults, cleans values and validates the result.
// It is safe to call again after fields were overridden.
func (c *Config) Normalize() error {
	if err := c.normalize(); err != nil {
		return err
	}
	return c.Validate()
}

func resolveConfigPath(path string) (string, bool, error) {
	resolved := path
	if resolved != "" {
		expanded, err := ExpandPath(resolved)
		if err != nil {
			return "", false, err
		}
		resolved = expanded
	} else {
		def, err := platform.ResolveConfigPath("")
		if err != nil {
			return "", false, fmt.Errorf("resolve config path: %w", err)
		}
		resolved = def
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return resolved, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %s is a directory", resolved)
	}
	return resolved, true, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvWhisperPath)); v != "" {
		c.Models.WhisperPath = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvHelperPath)); v != "" {
		c.Helper.Path = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvHFToken)); v != "" {
		c.Helper.HFToken = v
	}
}

// PipelineConfig converts the [pipeline] section into a run configuration.
func (c *Config) PipelineConfig() (pipeline.Config, error) {
	return pipeline.NormalizeConfig(pipeline.RawConfig{
		Language:    c.Pipeline.Language,
		Alignment:   c.Pipeline.Alignment,
		Diarization: c.Pipeline.Diarization,
		Device:      c.Pipeline.Device,
		MinSpeakers: c.Pipeline.MinSpeakers,
		MaxSpeakers: c.Pipeline.MaxSpeakers,
	})
}

// Redacted returns a copy that is safe to print.
func (c *Config) Redacted() Config {
	out := *c
	if out.Helper.HFToken != "" {
		out.Helper.HFToken = "<redacted>"
	}
	return out
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}

// ExpandPath resolves a leading ~ and makes the path absolute.
func ExpandPath(value string) (string, error) {
	if value == "" {
		return value, nil
	}
	if strings.HasPrefix(value, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if value == "~" {
			value = home
		} else if len(value) > 1 && (value[1] == '/' || value[1] == '\\') {
			value = filepath.Join(home, value[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(value))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", value, err)
	}
	return absolute, nil
}

// CreateSample writes the commented sample configuration to path. It refuses
// to overwrite an existing file unless force is set.
func CreateSample(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
		}
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
