// Package logging builds the zap loggers used by the voxpipe commands.
package logging

import (
	"os"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	Verbose bool
	JSON    bool
	// Color forces coloured levels in console output. When nil, levels are
	// coloured only if stderr is a terminal.
	Color *bool
}

func New(opts Options) (*zap.Logger, error) {
	return newConfig(opts).Build()
}

func newConfig(opts Options) zap.Config {
	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	if !opts.JSON {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = ""
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		if useColor(opts.Color) {
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		cfg.EncoderConfig.EncodeCaller = nil
		// The development config panics on DPanic; a CLI should not.
		cfg.Development = false
	}

	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = !opts.Verbose

	if opts.JSON {
		cfg.Encoding = "json"
	} else {
		cfg.Encoding = "console"
	}
	return cfg
}

func useColor(force *bool) bool {
	if force != nil {
		return *force
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return IsTerminal(os.Stderr)
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
