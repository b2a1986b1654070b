package pipeline

import (
	"math"
	"sync"
	"time"

	"github.com/fmueller/voxpipe/internal/stage"
)

// Phase labels delivered to observers. They are for display only.
const (
	PhaseLoadingRecognition = "loading recognition model"
	PhaseRecognizing        = "recognizing"
	PhaseResolvingLanguage  = "resolving language"
	PhaseAligning           = "aligning"
	PhaseLoadingDiarization = "loading diarization model"
	PhaseDiarizing          = "identifying speakers"
	PhaseMerging            = "assigning speakers"
	PhaseDone               = "done"
)

func loadingAlignmentPhase(code string) string {
	return "loading alignment model for " + LanguageName(code)
}

const (
	DefaultMinProgressStep     = 0.02
	DefaultMaxProgressInterval = 2 * time.Second
)

// Observer receives overall run progress in [0,1] with the current phase
// label. Calls come from the goroutine executing the run.
type Observer interface {
	Progress(overall float64, phase string)
}

type ObserverFunc func(overall float64, phase string)

func (f ObserverFunc) Progress(overall float64, phase string) {
	f(overall, phase)
}

// Weights are the relative shares of overall progress per stage. Disabled
// stages are dropped and the rest rescaled to cover [0,1].
type Weights struct {
	Recognition float64
	Alignment   float64
	Diarization float64
}

var DefaultWeights = Weights{Recognition: 0.6, Alignment: 0.25, Diarization: 0.15}

type span struct {
	start float64
	end   float64
}

func (s span) at(local float64) float64 {
	return s.start + local*(s.end-s.start)
}

func (w Weights) spans(alignment, diarization bool) map[stage.Name]span {
	type part struct {
		name   stage.Name
		weight float64
	}
	parts := []part{{stage.Recognition, math.Max(w.Recognition, 0)}}
	if alignment {
		parts = append(parts, part{stage.Alignment, math.Max(w.Alignment, 0)})
	}
	if diarization {
		parts = append(parts, part{stage.Diarization, math.Max(w.Diarization, 0)})
	}

	total := 0.0
	for _, p := range parts {
		total += p.weight
	}

	out := make(map[stage.Name]span, len(parts))
	start := 0.0
	for i, p := range parts {
		share := 1 / float64(len(parts))
		if total > 0 {
			share = p.weight / total
		}
		end := start + share
		if i == len(parts)-1 {
			end = 1
		}
		out[p.name] = span{start: start, end: end}
		start = end
	}
	return out
}

// tracker maps stage-local progress onto the run and throttles what reaches
// the observer. Delivered values never decrease.
type tracker struct {
	mu          sync.Mutex
	obs         Observer
	spans       map[stage.Name]span
	now         func() time.Time
	minStep     float64
	maxInterval time.Duration

	value   float64
	phase   string
	sent    float64
	sentAt  time.Time
	emitted bool
}

func newTracker(obs Observer, spans map[stage.Name]span, now func() time.Time, minStep float64, maxInterval time.Duration) *tracker {
	return &tracker{
		obs:         obs,
		spans:       spans,
		now:         now,
		minStep:     minStep,
		maxInterval: maxInterval,
	}
}

// enter switches the phase label. A phase change is always delivered.
func (t *tracker) enter(phase string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if phase == t.phase && t.emitted {
		return
	}
	t.phase = phase
	t.emitLocked()
}

// sink returns the stage-local progress sink for name.
func (t *tracker) sink(name stage.Name) stage.SinkFunc {
	sp, ok := t.spans[name]
	return func(local float64) {
		if !ok {
			return
		}
		t.advance(sp.at(local))
	}
}

// skip moves past name's share without reporting it separately.
func (t *tracker) skip(name stage.Name) {
	sp, ok := t.spans[name]
	if !ok {
		return
	}
	t.mu.Lock()
	t.value = math.Max(t.value, sp.end)
	t.mu.Unlock()
}

func (t *tracker) complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.value = 1
	t.phase = PhaseDone
	t.emitLocked()
}

func (t *tracker) advance(v float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v <= t.value {
		return
	}
	t.value = math.Min(v, 1)

	switch {
	case !t.emitted, t.value >= 1:
	case t.value-t.sent >= t.minStep:
	case t.now().Sub(t.sentAt) >= t.maxInterval:
	default:
		return
	}
	t.emitLocked()
}

func (t *tracker) emitLocked() {
	t.sent = t.value
	t.sentAt = t.now()
	t.emitted = true
	if t.obs != nil {
		t.obs.Progress(t.value, t.phase)
	}
}

func (t *tracker) last() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent
}
