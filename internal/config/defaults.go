package config

import (
	"github.com/fmueller/voxpipe/internal/pipeline"
	"github.com/fmueller/voxpipe/internal/whisper"
)

// Default returns the configuration used when no file is present. Paths stay
// empty here and are filled with platform defaults during normalization.
func Default() Config {
	return Config{
		Models: Models{
			Recognition:  whisper.DefaultModel,
			AutoDownload: true,
		},
		Pipeline: Pipeline{
			Language:  "auto",
			Device:    pipeline.DefaultDevice,
			Alignment: true,
		},
		History: History{
			Enabled: true,
		},
	}
}
