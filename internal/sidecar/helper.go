// Package sidecar drives voxpipe-helper, the companion process that hosts the
// phoneme alignment and speaker diarization models. Requests go to the helper
// as command line flags plus JSON on stdin; results come back as JSON on
// stdout and progress as "progress: <fraction>" lines on stderr.
package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fmueller/voxpipe/internal/engine"
	"github.com/fmueller/voxpipe/internal/proc"
	"go.uber.org/zap"
)

const (
	BinaryName = "voxpipe-helper"

	envExecutable = "VOXPIPE_HELPER_PATH"
	envToken      = "HF_TOKEN"
)

var (
	ErrHelperNotFound = errors.New("voxpipe-helper not found")
	// ErrMissingToken means diarization was requested without a Hugging Face
	// token, which the diarization model needs to download.
	ErrMissingToken = errors.New("diarization requires a Hugging Face token (set HF_TOKEN or [helper] hf_token)")
)

type Options struct {
	Executable string
	HFToken    string
	// AlignModels adds or replaces entries of the alignment catalog.
	AlignModels map[string]string
	Logger      *zap.Logger
}

// Helper implements engine.Aligner and engine.Diarizer.
type Helper struct {
	executable  string
	token       string
	alignModels map[string]string
	logger      *zap.Logger
	run         proc.RunFunc
	lookPath    func(string) (string, error)
}

// New never fails: a missing helper only surfaces when a model is loaded,
// which makes the optional stages skip instead of aborting the run.
func New(opts Options) *Helper {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	token := strings.TrimSpace(opts.HFToken)
	if token == "" {
		token = strings.TrimSpace(os.Getenv(envToken))
	}

	models := make(map[string]string, len(defaultAlignModels)+len(opts.AlignModels))
	for lang, name := range defaultAlignModels {
		models[lang] = name
	}
	for lang, name := range opts.AlignModels {
		models[strings.ToLower(lang)] = name
	}

	return &Helper{
		executable:  strings.TrimSpace(opts.Executable),
		token:       token,
		alignModels: models,
		logger:      logger,
		run:         proc.Run,
		lookPath:    exec.LookPath,
	}
}

// Locate returns the helper executable: the configured path, then
// VOXPIPE_HELPER_PATH, then a sibling of the voxpipe binary, then PATH.
func (h *Helper) Locate() (string, error) {
	if h.executable != "" {
		return h.executable, nil
	}
	if env := strings.TrimSpace(os.Getenv(envExecutable)); env != "" {
		return env, nil
	}
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), BinaryName)
		if info, err := os.Stat(sibling); err == nil && !info.IsDir() {
			return sibling, nil
		}
	}
	if path, err := h.lookPath(BinaryName); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("%w: install it next to voxpipe, on PATH, or set %s", ErrHelperNotFound, envExecutable)
}

type call struct {
	args     []string
	stdin    any
	progress engine.ProgressFunc
	token    bool
}

func (h *Helper) invoke(ctx context.Context, exe string, c call, out any) error {
	cmd := proc.Command{Path: exe, Args: c.args}
	if c.stdin != nil {
		payload, err := json.Marshal(c.stdin)
		if err != nil {
			return fmt.Errorf("encode helper request: %w", err)
		}
		cmd.Stdin = strings.NewReader(string(payload))
	}
	if c.token && h.token != "" {
		cmd.Env = []string{envToken + "=" + h.token}
	}
	cmd.OnStderrLine = func(line string) {
		if f, ok := parseProgress(line); ok {
			if c.progress != nil {
				c.progress(f)
			}
			return
		}
		h.logger.Debug("helper", zap.String("line", line))
	}

	h.logger.Debug("running helper", zap.String("helper", exe), zap.Strings("args", c.args))
	res, err := h.run(ctx, cmd)
	if err != nil {
		return fmt.Errorf("%s %s: %w", BinaryName, c.args[0], err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(res.Stdout, out); err != nil {
		return fmt.Errorf("decode %s %s output: %w", BinaryName, c.args[0], err)
	}
	return nil
}

func parseProgress(line string) (float64, bool) {
	rest, ok := strings.CutPrefix(line, "progress:")
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
