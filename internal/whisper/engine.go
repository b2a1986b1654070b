// Package whisper implements speech recognition on top of a whisper.cpp
// command line binary shipped next to voxpipe.
package whisper

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fmueller/voxpipe/internal/platform"
	"github.com/fmueller/voxpipe/internal/proc"
	"go.uber.org/zap"
)

const envExecutable = "VOXPIPE_WHISPER_PATH"

type Options struct {
	// Executable overrides engine discovery.
	Executable   string
	Model        string
	ModelDir     string
	Threads      int
	AutoDownload bool
	NoProgress   bool
	UserAgent    string
	Logger       *zap.Logger
}

// Engine is an engine.Recognizer backed by whisper-cli.
type Engine struct {
	executable string
	model      string
	modelDir   string
	threads    int
	fetch      FetchOptions
	logger     *zap.Logger
	run        proc.RunFunc
}

// NewEngine locates the whisper binary: opts.Executable, then
// VOXPIPE_WHISPER_PATH, then the bundled locations next to the voxpipe
// binary, then whisper-cli on PATH.
func NewEngine(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	exe, err := locateExecutable(opts.Executable)
	if err != nil {
		return nil, err
	}

	return &Engine{
		executable: exe,
		model:      opts.Model,
		modelDir:   opts.ModelDir,
		threads:    opts.Threads,
		fetch: FetchOptions{
			AutoDownload: opts.AutoDownload,
			NoProgress:   opts.NoProgress,
			UserAgent:    opts.UserAgent,
			Logger:       logger,
		},
		logger: logger,
		run:    proc.Run,
	}, nil
}

func (e *Engine) Executable() string {
	return e.executable
}

func locateExecutable(explicit string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		if err := ensureExecutable(explicit); err != nil {
			return "", fmt.Errorf("configured whisper engine is not executable: %w", err)
		}
		return explicit, nil
	}

	if override := strings.TrimSpace(os.Getenv(envExecutable)); override != "" {
		if err := ensureExecutable(override); err != nil {
			return "", fmt.Errorf("%s is not executable: %w", envExecutable, err)
		}
		return override, nil
	}

	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve voxpipe executable path: %w", err)
	}
	if exe, err := ResolveBundledEnginePath(self); err == nil {
		return exe, nil
	}

	if exe, err := exec.LookPath(engineBinaryName()); err == nil {
		return exe, nil
	}
	return "", fmt.Errorf("whisper engine not found near %s or on PATH; expected ../libexec/whisper/%s or set %s", self, engineBinaryName(), envExecutable)
}

func ResolveBundledEnginePath(voxpipeExecutable string) (string, error) {
	for _, candidate := range EnginePathCandidates(voxpipeExecutable) {
		if err := ensureExecutable(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("bundled whisper engine not found near %s, expected at ../libexec/whisper/%s", voxpipeExecutable, engineBinaryName())
}

func EnginePathCandidates(voxpipeExecutable string) []string {
	binDir := filepath.Dir(voxpipeExecutable)
	engineName := engineBinaryName()

	return []string{
		filepath.Join(binDir, "..", "libexec", "whisper", engineName),
		filepath.Join(binDir, "libexec", "whisper", engineName),
		filepath.Join(binDir, "packaging", "whisper", platform.CurrentRuntime().Target(), engineName),
		filepath.Join(binDir, engineName),
	}
}

func engineBinaryName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

// explainFailure turns well-known crash signatures into actionable errors.
func (e *Engine) explainFailure(err error) error {
	var exitErr *proc.ExitError
	if !errors.As(err, &exitErr) {
		return fmt.Errorf("whisper recognition failed: %w", err)
	}
	if isMissingSharedLibraryError(exitErr.Stderr) {
		return fmt.Errorf("whisper engine at %s is missing required shared libraries (%s); reinstall voxpipe or rebuild whisper-cli with BUILD_SHARED_LIBS=OFF", e.executable, exitErr.Stderr)
	}
	if isIllegalInstructionError(exitErr.Stderr) || isIllegalInstructionError(exitErr.Err.Error()) {
		return fmt.Errorf("whisper engine crashed with an illegal CPU instruction; set %s to a whisper-cli built for this CPU: %w", envExecutable, err)
	}
	return fmt.Errorf("whisper recognition failed: %w", err)
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}

	patterns := []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	}
	for _, pattern := range patterns {
		if strings.Contains(value, pattern) {
			return true
		}
	}
	return false
}

func isIllegalInstructionError(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "illegal instruction")
}
