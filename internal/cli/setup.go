package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/fmueller/voxpipe/internal/download"
	"github.com/fmueller/voxpipe/internal/model"
	"github.com/fmueller/voxpipe/internal/pipeline"
	"github.com/fmueller/voxpipe/internal/version"
	"github.com/fmueller/voxpipe/internal/whisper"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSetupCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Download and prepare models for the configured pipeline",
		Long: "Download the recognition model and warm the alignment and diarization models.\n" +
			"The alignment model is only prepared for an explicit --language.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.installRecognitionModel(cmd.Context(), cmd.OutOrStdout()); err != nil {
				return err
			}
			return app.preloadModels(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	bindModelFlags(cmd, app)
	bindPipelineFlags(cmd, app)
	return cmd
}

// installRecognitionModel makes sure the recognition model is on disk with
// a valid checksum, replacing a corrupted copy.
func (a *appState) installRecognitionModel(ctx context.Context, out io.Writer) error {
	cfg := a.config()
	resolved, err := whisper.ResolveModel(cfg.Models.Recognition, cfg.Models.Dir)
	if err != nil {
		return err
	}
	if resolved.IsCustomPath {
		fmt.Fprintf(out, "Using model file %s\n", resolved.Path)
		return nil
	}

	if !resolved.NeedsDownload {
		if err := download.VerifyFileChecksum(resolved.Path, resolved.SHA256); err != nil {
			a.log().Warn("model checksum verification failed; downloading fresh copy", zap.String("model", resolved.Name), zap.Error(err))
			resolved.NeedsDownload = true
		}
	}

	if !resolved.NeedsDownload {
		a.log().Info("model already present", zap.String("model", resolved.Name), zap.String("path", resolved.Path))
		fmt.Fprintf(out, "Model %s already present at %s\n", resolved.Name, resolved.Path)
		return nil
	}

	if _, err := whisper.EnsureModel(ctx, resolved, whisper.FetchOptions{
		AutoDownload: true,
		NoProgress:   !a.progressEnabled(),
		UserAgent:    version.UserAgent(),
		Logger:       a.log(),
	}); err != nil {
		return err
	}

	fmt.Fprintf(out, "Model %s installed at %s\n", resolved.Name, resolved.Path)
	return nil
}

// preloadModels loads every model the configuration needs once, which
// verifies the engines and fetches helper-side weights. Optional models that
// fail are reported without failing setup.
func (a *appState) preloadModels(ctx context.Context, out, progressOut io.Writer) error {
	runCfg, err := a.config().PipelineConfig()
	if err != nil {
		return err
	}
	ctrl, err := a.newController(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := ctrl.Release(); err != nil {
			a.log().Warn("failed to release models", zap.Error(err))
		}
	}()

	obs, stopProgress := newProgressObserver(a.progressEnabled(), progressOut, a.log())
	err = ctrl.Preload(ctx, runCfg, obs)
	stopProgress()

	var loadErr *pipeline.ModelLoadError
	if err != nil && (ctx.Err() != nil || (errors.As(err, &loadErr) && loadErr.Role == model.RoleRecognition)) {
		return err
	}

	for _, key := range ctrl.Registry().Keys() {
		fmt.Fprintf(out, "Ready: %s model (%s)\n", key.Role, key.Specialization)
	}
	if err != nil {
		fmt.Fprintf(out, "Some optional models are unavailable; transcripts will skip those stages:\n%v\n", err)
	}
	if runCfg.Alignment && runCfg.Language.IsAuto() {
		fmt.Fprintln(out, "Alignment models load per detected language on first use; pass --language to prepare one now.")
	}
	return nil
}
