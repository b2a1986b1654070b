package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fmueller/voxpipe/internal/audio"
	"github.com/fmueller/voxpipe/internal/clipboard"
	"github.com/fmueller/voxpipe/internal/pipeline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newTranscribeCmd(app *appState) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>...",
		Short: "Transcribe audio files",
		Long: "Transcribe one or more audio files. Files are processed in order and share\n" +
			"loaded models, so a batch in one language loads its alignment model once.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := parseFormat(format)
			if err != nil {
				return err
			}
			return app.transcribeFiles(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args, f)
		},
	}

	bindModelFlags(cmd, app)
	bindPipelineFlags(cmd, app)
	bindSilenceFlags(cmd, app)
	cmd.Flags().StringVarP(&format, "format", "f", string(formatText), "Output format: text|json|srt")
	cmd.Flags().BoolVar(&app.noHistory, "no-history", app.noHistory, "Do not record runs in the history database")
	cmd.Flags().BoolVar(&app.copy, "copy", app.copy, "Copy the transcript text to the clipboard")
	return cmd
}

func (a *appState) transcribeFiles(ctx context.Context, out, progressOut io.Writer, paths []string, format outputFormat) error {
	for i, p := range paths {
		p = filepath.Clean(p)
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("audio file not found: %w", err)
		}
		paths[i] = p
	}

	runCfg, err := a.config().PipelineConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	recorder, closeHistory := a.openRecorder(ctx)
	defer closeHistory()

	ctrl, err := a.newController(ctx, recorder)
	if err != nil {
		return err
	}
	defer func() {
		if err := ctrl.Release(); err != nil {
			a.log().Warn("failed to release models", zap.Error(err))
		}
	}()

	var (
		failures []error
		texts    []string
	)
	for _, p := range paths {
		if len(paths) > 1 && format == formatText {
			fmt.Fprintf(out, "==> %s <==\n", p)
		}
		text, err := a.transcribeFile(ctx, ctrl, runCfg, p, out, progressOut, format)
		if text != "" {
			texts = append(texts, text)
		}
		if errors.Is(err, pipeline.ErrCancelled) {
			return err
		}
		if err != nil {
			if len(paths) == 1 {
				return err
			}
			a.log().Error("transcription failed", zap.String("audio", p), zap.Error(err))
			failures = append(failures, fmt.Errorf("%s: %w", p, err))
		}
	}
	a.copyTranscripts(ctx, texts)
	if len(failures) > 0 {
		return fmt.Errorf("%d of %d files failed: %w", len(failures), len(paths), errors.Join(failures...))
	}
	return nil
}

func (a *appState) transcribeFile(ctx context.Context, ctrl *pipeline.Controller, cfg pipeline.Config, path string, out, progressOut io.Writer, format outputFormat) (string, error) {
	buf := a.loadAudio(path)
	if a.isSilent(buf) {
		return "", writeResult(out, blankResult(path), format)
	}

	obs, stopProgress := newProgressObserver(a.progressEnabled(), progressOut, a.log())
	job := ctrl.Start(ctx, buf, cfg, obs)
	res, err := job.Wait()
	stopProgress()
	if err != nil {
		return "", err
	}

	for _, o := range res.Degraded() {
		a.log().Warn(fmt.Sprintf("%s %s", o.Stage, o.Outcome), zap.String("reason", o.Reason))
	}
	if err := writeResult(out, res, format); err != nil {
		return "", fmt.Errorf("write transcript: %w", err)
	}
	text := renderText(res.Segments)
	if isBlankTranscript(text) {
		a.log().Warn(noSpeechHint())
		return "", nil
	}
	return text, nil
}

// copyTranscripts puts the transcribed text on the clipboard when --copy is
// set. A missing clipboard tool is reported but does not fail the command.
func (a *appState) copyTranscripts(ctx context.Context, texts []string) {
	if !a.copy || len(texts) == 0 {
		return
	}
	copyFn := a.copyFn
	if copyFn == nil {
		copyFn = clipboard.New().Copy
	}
	if err := copyFn(ctx, strings.Join(texts, "\n\n")); err != nil {
		a.log().Warn("failed to copy transcript to clipboard", zap.Error(err))
		return
	}
	a.log().Info("transcript copied to clipboard")
}

// loadAudio decodes WAV input so it can be gated on silence. Other formats,
// and WAV files the decoder rejects, go to the engines by path.
func (a *appState) loadAudio(path string) *audio.Buffer {
	if !strings.EqualFold(filepath.Ext(path), ".wav") {
		return &audio.Buffer{Source: path}
	}
	buf, err := audio.Decode(path)
	if err != nil {
		a.log().Warn("could not decode wav; passing file to the engine as is", zap.String("audio", path), zap.Error(err))
		return &audio.Buffer{Source: path}
	}
	return buf
}

func (a *appState) isSilent(buf *audio.Buffer) bool {
	// Buffers without a sample rate were not decoded.
	if !a.silenceGate || buf.SampleRate == 0 {
		return false
	}

	silent, metrics := audio.IsSilent(buf, a.silenceDBFS)
	if !silent {
		return false
	}

	a.log().Info(
		"audio considered silent; skipping transcription",
		zap.String("audio", buf.Source),
		zap.Float64("rms_dbfs", metrics.RMSdBFS),
		zap.Float64("peak_dbfs", metrics.PeakdBFS),
		zap.Float64("threshold_dbfs", a.silenceDBFS),
	)
	return true
}
