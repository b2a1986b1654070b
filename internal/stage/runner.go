package stage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fmueller/voxpipe/internal/audio"
	"github.com/fmueller/voxpipe/internal/engine"
	"github.com/fmueller/voxpipe/internal/model"
	"go.uber.org/zap"
)

// Runner executes single stages against borrowed model handles. Any engine
// may be nil; its stage then fails with ErrNoEngine at load time.
type Runner struct {
	recognizer engine.Recognizer
	aligner    engine.Aligner
	diarizer   engine.Diarizer
	logger     *zap.Logger
	maxStep    float64
}

type Option func(*Runner)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMaxProgressStep bounds the size of a single progress update.
func WithMaxProgressStep(step float64) Option {
	return func(r *Runner) { r.maxStep = step }
}

func NewRunner(recognizer engine.Recognizer, aligner engine.Aligner, diarizer engine.Diarizer, opts ...Option) *Runner {
	r := &Runner{
		recognizer: recognizer,
		aligner:    aligner,
		diarizer:   diarizer,
		logger:     zap.NewNop(),
		maxStep:    DefaultMaxStep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecognitionLoader returns the loader for a recognition model on device.
func (r *Runner) RecognitionLoader(device string) model.LoaderFunc {
	return func(ctx context.Context) (any, error) {
		if r.recognizer == nil {
			return nil, ErrNoEngine
		}
		return r.recognizer.LoadRecognizer(ctx, device)
	}
}

// AlignmentLoader returns the loader for the phoneme model of language.
func (r *Runner) AlignmentLoader(language, device string) model.LoaderFunc {
	return func(ctx context.Context) (any, error) {
		if r.aligner == nil {
			return nil, ErrNoEngine
		}
		return r.aligner.LoadAligner(ctx, language, device)
	}
}

// DiarizationLoader returns the loader for a diarization model on device.
func (r *Runner) DiarizationLoader(device string) model.LoaderFunc {
	return func(ctx context.Context) (any, error) {
		if r.diarizer == nil {
			return nil, ErrNoEngine
		}
		return r.diarizer.LoadDiarizer(ctx, device)
	}
}

// Recognize transcribes buf. An empty language lets the model detect it;
// otherwise the result's language echoes the given one.
func (r *Runner) Recognize(ctx context.Context, buf *audio.Buffer, language string, h *model.Handle, sink ProgressSink) (engine.Transcript, error) {
	if err := checkHandle(h, model.RoleRecognition, ""); err != nil {
		return engine.Transcript{}, &Error{Stage: Recognition, Err: err}
	}
	if r.recognizer == nil {
		return engine.Transcript{}, &Error{Stage: Recognition, Err: ErrNoEngine}
	}

	guard := NewProgressGuard(sink, r.maxStep)
	started := time.Now()
	tr, err := r.recognizer.Recognize(ctx, h.Model, buf, language, guard.Report)
	if err != nil {
		return engine.Transcript{}, &Error{Stage: Recognition, Err: err}
	}
	guard.Finish()

	if language != "" {
		tr.Language = language
	} else {
		tr.Language = strings.ToLower(strings.TrimSpace(tr.Language))
	}

	r.logger.Debug("recognition finished",
		zap.Int("segments", len(tr.Segments)),
		zap.String("language", tr.Language),
		zap.Duration("elapsed", time.Since(started)),
	)
	return tr, nil
}

// Align adds word timings to tr. The handle must be specialised for
// tr.Language.
func (r *Runner) Align(ctx context.Context, buf *audio.Buffer, tr engine.Transcript, h *model.Handle, sink ProgressSink) (engine.Transcript, error) {
	if tr.Language == "" {
		return engine.Transcript{}, &Error{Stage: Alignment, Err: fmt.Errorf("%w: transcript has no language", ErrSpecializationMismatch)}
	}
	if err := checkHandle(h, model.RoleAlignment, tr.Language); err != nil {
		return engine.Transcript{}, &Error{Stage: Alignment, Err: err}
	}
	if r.aligner == nil {
		return engine.Transcript{}, &Error{Stage: Alignment, Err: ErrNoEngine}
	}

	guard := NewProgressGuard(sink, r.maxStep)
	started := time.Now()
	aligned, err := r.aligner.Align(ctx, h.Model, buf, tr, guard.Report)
	if err != nil {
		return engine.Transcript{}, &Error{Stage: Alignment, Err: err}
	}
	guard.Finish()
	aligned.Language = tr.Language

	r.logger.Debug("alignment finished",
		zap.Int("segments", len(aligned.Segments)),
		zap.String("language", aligned.Language),
		zap.Duration("elapsed", time.Since(started)),
	)
	return aligned, nil
}

// Diarize labels speaker turns in buf.
func (r *Runner) Diarize(ctx context.Context, buf *audio.Buffer, opts engine.DiarizeOptions, h *model.Handle, sink ProgressSink) ([]engine.SpeakerTurn, error) {
	if err := checkHandle(h, model.RoleDiarization, ""); err != nil {
		return nil, &Error{Stage: Diarization, Err: err}
	}
	if r.diarizer == nil {
		return nil, &Error{Stage: Diarization, Err: ErrNoEngine}
	}

	guard := NewProgressGuard(sink, r.maxStep)
	started := time.Now()
	turns, err := r.diarizer.Diarize(ctx, h.Model, buf, opts, guard.Report)
	if err != nil {
		return nil, &Error{Stage: Diarization, Err: err}
	}
	guard.Finish()

	r.logger.Debug("diarization finished",
		zap.Int("turns", len(turns)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return turns, nil
}

func checkHandle(h *model.Handle, role model.Role, specialization string) error {
	if h == nil {
		return fmt.Errorf("%w: no %s model", ErrSpecializationMismatch, role)
	}
	if h.Role != role {
		return fmt.Errorf("%w: got %s model, want %s", ErrSpecializationMismatch, h.Role, role)
	}
	if specialization != "" && h.Specialization != specialization {
		return fmt.Errorf("%w: %s model is for %q, input is %q", ErrSpecializationMismatch, role, h.Specialization, specialization)
	}
	return nil
}
