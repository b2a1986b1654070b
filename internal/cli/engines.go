package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/fmueller/voxpipe/internal/engine"
	"github.com/fmueller/voxpipe/internal/history"
	"github.com/fmueller/voxpipe/internal/model"
	"github.com/fmueller/voxpipe/internal/pipeline"
	"github.com/fmueller/voxpipe/internal/sidecar"
	"github.com/fmueller/voxpipe/internal/stage"
	"github.com/fmueller/voxpipe/internal/version"
	"github.com/fmueller/voxpipe/internal/whisper"
	"go.uber.org/zap"
)

type engines struct {
	recognizer engine.Recognizer
	aligner    engine.Aligner
	diarizer   engine.Diarizer
}

type historyStore interface {
	pipeline.Recorder
	List(ctx context.Context, limit int) ([]history.Entry, error)
	Get(ctx context.Context, runID string) (*pipeline.Result, error)
	Close() error
}

func openHistory(ctx context.Context, path string) (historyStore, error) {
	return history.Open(ctx, path)
}

// defaultEngines wires whisper-cli for recognition and voxpipe-helper for
// alignment and diarization.
func (a *appState) defaultEngines(context.Context) (engines, error) {
	cfg := a.config()
	if err := os.MkdirAll(cfg.Models.Dir, 0o755); err != nil {
		return engines{}, fmt.Errorf("create model directory %s: %w", cfg.Models.Dir, err)
	}

	recognizer, err := whisper.NewEngine(whisper.Options{
		Executable:   cfg.Models.WhisperPath,
		Model:        cfg.Models.Recognition,
		ModelDir:     cfg.Models.Dir,
		Threads:      cfg.Models.Threads,
		AutoDownload: cfg.Models.AutoDownload,
		NoProgress:   !a.progressEnabled(),
		UserAgent:    version.UserAgent(),
		Logger:       a.log(),
	})
	if err != nil {
		return engines{}, err
	}

	helper := sidecar.New(sidecar.Options{
		Executable:  cfg.Helper.Path,
		HFToken:     cfg.Helper.HFToken,
		AlignModels: cfg.Helper.AlignModels,
		Logger:      a.log(),
	})
	return engines{recognizer: recognizer, aligner: helper, diarizer: helper}, nil
}

// newController builds a controller with a fresh model registry. All runs of
// one command share it, so a batch reuses loaded models.
func (a *appState) newController(ctx context.Context, recorder pipeline.Recorder) (*pipeline.Controller, error) {
	build := a.enginesFn
	if build == nil {
		build = a.defaultEngines
	}
	eng, err := build(ctx)
	if err != nil {
		return nil, err
	}

	runner := stage.NewRunner(eng.recognizer, eng.aligner, eng.diarizer, stage.WithLogger(a.log()))
	opts := []pipeline.Option{pipeline.WithLogger(a.log())}
	if recorder != nil {
		opts = append(opts, pipeline.WithRecorder(recorder))
	}
	return pipeline.NewController(model.NewRegistry(a.log()), runner, opts...), nil
}

// openRecorder opens the history store when history is enabled. A store that
// cannot be opened only costs the history entry, never the run.
func (a *appState) openRecorder(ctx context.Context) (historyStore, func()) {
	cfg := a.config()
	if a.noHistory || !cfg.History.Enabled {
		return nil, func() {}
	}
	open := a.openHistoryFn
	if open == nil {
		open = openHistory
	}
	store, err := open(ctx, cfg.History.Path)
	if err != nil {
		a.log().Warn("history unavailable; runs will not be recorded", zap.String("path", cfg.History.Path), zap.Error(err))
		return nil, func() {}
	}
	return store, func() {
		if err := store.Close(); err != nil {
			a.log().Warn("failed to close history", zap.Error(err))
		}
	}
}
