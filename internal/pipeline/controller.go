// Package pipeline sequences recognition, alignment and diarization over a
// shared model registry. It decides which models to load and when, defers
// the alignment model until the spoken language is known, and isolates
// failures of the optional stages from the mandatory recognition result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fmueller/voxpipe/internal/audio"
	"github.com/fmueller/voxpipe/internal/engine"
	"github.com/fmueller/voxpipe/internal/model"
	"github.com/fmueller/voxpipe/internal/stage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recorder persists finished runs. It is called once per run with any
// terminal status.
type Recorder interface {
	Record(ctx context.Context, res *Result) error
}

type Controller struct {
	registry    *model.Registry
	runner      *stage.Runner
	logger      *zap.Logger
	recorder    Recorder
	weights     Weights
	minStep     float64
	maxInterval time.Duration
	now         func() time.Time
	newID       func() string
}

type Option func(*Controller)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithRecorder(recorder Recorder) Option {
	return func(c *Controller) { c.recorder = recorder }
}

func WithWeights(w Weights) Option {
	return func(c *Controller) { c.weights = w }
}

// WithProgressThrottle sets how far overall progress must advance, or how
// long it must have been quiet, before another update is delivered.
func WithProgressThrottle(minStep float64, maxInterval time.Duration) Option {
	return func(c *Controller) {
		c.minStep = minStep
		c.maxInterval = maxInterval
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(c *Controller) {
		if newID != nil {
			c.newID = newID
		}
	}
}

func NewController(registry *model.Registry, runner *stage.Runner, opts ...Option) *Controller {
	c := &Controller{
		registry:    registry,
		runner:      runner,
		logger:      zap.NewNop(),
		weights:     DefaultWeights,
		minStep:     DefaultMinProgressStep,
		maxInterval: DefaultMaxProgressInterval,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = model.NewRegistry(c.logger)
	}
	return c
}

// Registry exposes the model cache shared by all runs of c.
func (c *Controller) Registry() *model.Registry {
	return c.registry
}

// Run executes one pipeline run and blocks until it ends. Configuration and
// input problems are returned as *ConfigError before any model loads, with a
// nil Result. Otherwise the Result is always returned; the error is non-nil
// only for StatusFailed and StatusCancelled.
func (c *Controller) Run(ctx context.Context, buf *audio.Buffer, cfg Config, obs Observer) (*Result, error) {
	return c.run(ctx, c.newID(), buf, cfg, obs)
}

// Release drops cached models for the given roles, or all of them.
func (c *Controller) Release(roles ...model.Role) error {
	return c.registry.Release(roles...)
}

// Preload warms the registry for cfg without running any stage. The
// alignment model is loaded only for an explicit language since the spoken
// language is otherwise unknown. A recognition load failure is returned
// immediately; optional load failures are logged and joined.
func (c *Controller) Preload(ctx context.Context, cfg Config, obs Observer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	type preload struct {
		role     model.Role
		variant  string
		phase    string
		load     model.LoaderFunc
		optional bool
	}
	loads := []preload{{
		role:    model.RoleRecognition,
		variant: cfg.Device,
		phase:   PhaseLoadingRecognition,
		load:    c.runner.RecognitionLoader(cfg.Device),
	}}
	if cfg.Alignment {
		if code, ok := cfg.Language.Code(); ok {
			loads = append(loads, preload{
				role:     model.RoleAlignment,
				variant:  code,
				phase:    loadingAlignmentPhase(code),
				load:     c.runner.AlignmentLoader(code, cfg.Device),
				optional: true,
			})
		} else {
			c.logger.Info("alignment model not preloaded", zap.String("reason", "language is detected during recognition"))
		}
	}
	if cfg.Diarization {
		loads = append(loads, preload{
			role:     model.RoleDiarization,
			variant:  cfg.Device,
			phase:    PhaseLoadingDiarization,
			load:     c.runner.DiarizationLoader(cfg.Device),
			optional: true,
		})
	}

	var errs []error
	for i, l := range loads {
		notify(obs, float64(i)/float64(len(loads)), l.phase)
		if _, err := c.registry.Get(ctx, l.role, l.variant, l.load); err != nil {
			loadErr := &ModelLoadError{Role: l.role, Specialization: l.variant, Err: err}
			if !l.optional || ctx.Err() != nil {
				return loadErr
			}
			c.logger.Warn("model preload failed", zap.Error(loadErr))
			errs = append(errs, loadErr)
		}
	}
	notify(obs, 1, PhaseDone)
	return errors.Join(errs...)
}

func notify(obs Observer, overall float64, phase string) {
	if obs != nil {
		obs.Progress(overall, phase)
	}
}

func (c *Controller) run(ctx context.Context, id string, buf *audio.Buffer, cfg Config, obs Observer) (*Result, error) {
	if err := checkInput(buf); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	input := buf.Source
	if input == "" {
		input = "<memory>"
	}
	r := &run{
		c:        c,
		cfg:      cfg,
		buf:      buf,
		log:      c.logger.With(zap.String("run_id", id)),
		lang:     newRunLanguage(cfg.Language),
		outcomes: make(map[stage.Name]*StageOutcome, 3),
		state:    StateIdle,
		progress: newTracker(obs, c.weights.spans(cfg.Alignment, cfg.Diarization), c.now, c.minStep, c.maxInterval),
		res: &Result{
			RunID:     id,
			Input:     input,
			Device:    cfg.Device,
			Requested: cfg.Language.String(),
			Status:    StatusRunning,
			StartedAt: c.now(),
		},
	}

	r.log.Info("run started",
		zap.String("input", input),
		zap.String("language", cfg.Language.String()),
		zap.String("device", cfg.Device),
		zap.Bool("alignment", cfg.Alignment),
		zap.Bool("diarization", cfg.Diarization),
	)
	r.execute(ctx)
	r.finalize()

	if c.recorder != nil {
		if err := c.recorder.Record(context.WithoutCancel(ctx), r.res); err != nil {
			r.log.Warn("failed to record run", zap.Error(err))
		}
	}
	return r.res, r.res.Err
}

func checkInput(buf *audio.Buffer) error {
	if buf == nil || (len(buf.Samples) == 0 && buf.Source == "") {
		return &ConfigError{Field: "audio", Reason: "no audio input"}
	}
	if len(buf.Samples) > 0 && buf.SampleRate <= 0 {
		return &ConfigError{Field: "audio", Reason: "sample rate must be positive"}
	}
	return nil
}

// run is the mutable state of one invocation. It is owned by a single
// goroutine and discarded once its Result is returned.
type run struct {
	c        *Controller
	cfg      Config
	buf      *audio.Buffer
	log      *zap.Logger
	res      *Result
	state    State
	lang     runLanguage
	progress *tracker
	outcomes map[stage.Name]*StageOutcome

	alignment *model.Handle
	current   engine.Transcript
}

func (r *run) execute(ctx context.Context) {
	r.to(StateLoadingRecognition, PhaseLoadingRecognition)
	recognizer, err := r.load(ctx, model.RoleRecognition, r.cfg.Device, r.c.runner.RecognitionLoader(r.cfg.Device))
	if err != nil {
		r.fail(ctx, stage.Recognition, OutcomeSkipped, err)
		return
	}

	if r.cfg.Alignment {
		if code, ok := r.lang.known(); ok {
			if r.interrupted(ctx) {
				return
			}
			r.to(StateLoadingAlignment, loadingAlignmentPhase(code))
			r.loadAlignment(ctx, code)
			if r.stopped() {
				return
			}
		} else {
			r.log.Debug("alignment model deferred until language is detected")
		}
	}
	if r.interrupted(ctx) {
		return
	}

	r.to(StateRecognizing, PhaseRecognizing)
	explicit, _ := r.cfg.Language.Code()
	started := r.c.now()
	tr, err := r.c.runner.Recognize(ctx, r.buf, explicit, recognizer, r.progress.sink(stage.Recognition))
	if err != nil {
		r.fail(ctx, stage.Recognition, OutcomeFailed, err)
		return
	}
	r.succeed(stage.Recognition, recognizer, started)

	r.to(StateResolvingLanguage, PhaseResolvingLanguage)
	r.lang = r.lang.resolve(tr.Language)
	if code, ok := r.lang.known(); ok {
		tr.Language = code
	}
	r.res.Recognition = &tr
	r.current = tr
	r.res.Language, _ = r.lang.known()
	r.res.LanguageSource = r.lang.source()

	if r.cfg.Alignment {
		if !r.align(ctx) {
			return
		}
		r.progress.skip(stage.Alignment)
	}
	if r.cfg.Diarization {
		if !r.diarize(ctx) {
			return
		}
		r.progress.skip(stage.Diarization)
	}

	r.to(StateDone, "")
	r.progress.complete()
}

func (r *run) loadAlignment(ctx context.Context, code string) {
	h, err := r.load(ctx, model.RoleAlignment, code, r.c.runner.AlignmentLoader(code, r.cfg.Device))
	if err != nil {
		r.degrade(ctx, stage.Alignment, OutcomeSkipped, err)
		return
	}
	r.alignment = h
}

// align runs the alignment stage, resolving a deferred model first. It
// reports false when the run was interrupted.
func (r *run) align(ctx context.Context) bool {
	if r.interrupted(ctx) {
		return false
	}
	if r.alignment == nil {
		if _, recorded := r.outcomes[stage.Alignment]; recorded {
			return true
		}
		code, ok := r.lang.known()
		if !ok {
			return r.degrade(ctx, stage.Alignment, OutcomeSkipped, ErrLanguageUndetected)
		}
		r.to(StateLoadingAlignment, loadingAlignmentPhase(code))
		r.loadAlignment(ctx, code)
		if r.alignment == nil {
			return !r.stopped()
		}
		if r.interrupted(ctx) {
			return false
		}
	}

	r.to(StateAligning, PhaseAligning)
	started := r.c.now()
	aligned, err := r.c.runner.Align(ctx, r.buf, r.current, r.alignment, r.progress.sink(stage.Alignment))
	if err != nil {
		return r.degrade(ctx, stage.Alignment, OutcomeFailed, err)
	}
	r.succeed(stage.Alignment, r.alignment, started)
	r.res.Alignment = &aligned
	r.current = aligned
	return true
}

func (r *run) diarize(ctx context.Context) bool {
	if r.interrupted(ctx) {
		return false
	}
	r.to(StateLoadingDiarization, PhaseLoadingDiarization)
	h, err := r.load(ctx, model.RoleDiarization, r.cfg.Device, r.c.runner.DiarizationLoader(r.cfg.Device))
	if err != nil {
		return r.degrade(ctx, stage.Diarization, OutcomeSkipped, err)
	}
	if r.interrupted(ctx) {
		return false
	}

	r.to(StateDiarizing, PhaseDiarizing)
	started := r.c.now()
	opts := engine.DiarizeOptions{MinSpeakers: r.cfg.MinSpeakers, MaxSpeakers: r.cfg.MaxSpeakers}
	turns, err := r.c.runner.Diarize(ctx, r.buf, opts, h, r.progress.sink(stage.Diarization))
	if err != nil {
		return r.degrade(ctx, stage.Diarization, OutcomeFailed, err)
	}

	r.to(StateMerging, PhaseMerging)
	r.current = stage.AssignSpeakers(r.current, turns)
	r.res.Turns = turns
	r.res.Speakers = stage.Speakers(turns)
	r.succeed(stage.Diarization, h, started)
	return true
}

func (r *run) load(ctx context.Context, role model.Role, variant string, loader model.LoaderFunc) (*model.Handle, error) {
	cached := r.c.registry.Has(role, variant)
	h, err := r.c.registry.Get(ctx, role, variant, loader)
	if err != nil {
		return nil, &ModelLoadError{Role: role, Specialization: variant, Err: err}
	}
	r.log.Debug("model ready", zap.String("role", string(role)), zap.String("specialization", variant), zap.Bool("cached", cached))
	return h, nil
}

func (r *run) to(next State, phase string) {
	if !isValidTransition(r.state, next) {
		r.log.Error("invalid state transition", zap.Error(&transitionError{from: r.state, to: next}))
	}
	r.log.Debug("state transition", zap.String("from", string(r.state)), zap.String("to", string(next)))
	r.state = next
	r.res.States = append(r.res.States, next)
	if phase != "" {
		r.progress.enter(phase)
	}
}

func (r *run) stopped() bool {
	return r.state.Terminal()
}

// interrupted ends the run as cancelled if ctx is done.
func (r *run) interrupted(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	r.cancel(ctx)
	return true
}

func (r *run) cancel(ctx context.Context) {
	from := r.state
	r.res.Status = StatusCancelled
	r.res.Err = fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
	r.to(StateCancelled, "")
	r.log.Info("run cancelled", zap.String("state", string(from)))
}

func (r *run) succeed(name stage.Name, h *model.Handle, started time.Time) {
	r.outcomes[name] = &StageOutcome{
		Stage:    name,
		Outcome:  OutcomeSucceeded,
		Model:    model.Key{Role: h.Role, Specialization: h.Specialization}.String(),
		Duration: r.c.now().Sub(started),
	}
}

// fail ends the run because the mandatory stage could not produce a result.
func (r *run) fail(ctx context.Context, name stage.Name, outcome Outcome, err error) {
	if ctx.Err() != nil {
		r.cancel(ctx)
		return
	}
	r.outcomes[name] = &StageOutcome{Stage: name, Outcome: outcome, Reason: err.Error(), Err: err}
	r.res.Status = StatusFailed
	r.res.Err = err
	r.to(StateFailed, "")
	r.log.Error("run failed", zap.String("stage", string(name)), zap.Error(err))
}

// degrade records an optional stage that did not complete and reports
// whether the run continues.
func (r *run) degrade(ctx context.Context, name stage.Name, outcome Outcome, err error) bool {
	if ctx.Err() != nil {
		r.cancel(ctx)
		return false
	}
	r.outcomes[name] = &StageOutcome{Stage: name, Outcome: outcome, Reason: err.Error(), Err: err}
	r.log.Warn("optional stage skipped", zap.String("stage", string(name)), zap.String("outcome", string(outcome)), zap.Error(err))
	return true
}

func (r *run) finalize() {
	res := r.res
	res.FinishedAt = r.c.now()
	res.Segments = r.current.Segments
	if res.Segments == nil {
		res.Segments = []engine.Segment{}
	}

	if res.Status == StatusRunning {
		res.Status = StatusSucceeded
		for _, o := range r.outcomes {
			if o.Outcome != OutcomeSucceeded {
				res.Status = StatusPartialSuccess
			}
		}
	}
	if res.Err != nil {
		res.Error = res.Err.Error()
	}

	enabled := []stage.Name{stage.Recognition}
	if r.cfg.Alignment {
		enabled = append(enabled, stage.Alignment)
	}
	if r.cfg.Diarization {
		enabled = append(enabled, stage.Diarization)
	}
	res.Stages = make([]StageOutcome, 0, len(enabled))
	for _, name := range enabled {
		if o, ok := r.outcomes[name]; ok {
			res.Stages = append(res.Stages, *o)
			continue
		}
		cause := fmt.Errorf("not attempted: %w", res.Err)
		res.Stages = append(res.Stages, StageOutcome{Stage: name, Outcome: OutcomeSkipped, Reason: cause.Error(), Err: cause})
	}

	r.log.Info("run finished",
		zap.String("status", string(res.Status)),
		zap.String("language", res.Language),
		zap.Int("segments", len(res.Segments)),
		zap.Duration("elapsed", res.Elapsed()),
	)
}
