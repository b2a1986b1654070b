package stage

import (
	"math"
	"sync"
)

// DefaultMaxStep bounds how far a single progress update may jump.
const DefaultMaxStep = 0.1

// ProgressSink observes stage-local progress. Values delivered through a
// ProgressGuard are in [0,1], never decrease, and end with 1.0 on success.
type ProgressSink interface {
	Report(fraction float64)
}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(fraction float64)

func (f SinkFunc) Report(fraction float64) {
	if f != nil {
		f(fraction)
	}
}

// ProgressGuard enforces the progress contract on top of whatever an engine
// reports: out-of-range values are clamped, regressions dropped, and jumps
// larger than maxStep split into intermediate updates.
type ProgressGuard struct {
	mu      sync.Mutex
	sink    ProgressSink
	maxStep float64
	last    float64
}

func NewProgressGuard(sink ProgressSink, maxStep float64) *ProgressGuard {
	if maxStep <= 0 || maxStep > 1 {
		maxStep = DefaultMaxStep
	}
	return &ProgressGuard{sink: sink, maxStep: maxStep}
}

// Report forwards fraction to the sink if it advances progress.
func (g *ProgressGuard) Report(fraction float64) {
	if g == nil || g.sink == nil || math.IsNaN(fraction) {
		return
	}
	fraction = math.Max(0, math.Min(1, fraction))

	g.mu.Lock()
	defer g.mu.Unlock()

	if fraction <= g.last {
		return
	}
	for fraction-g.last > g.maxStep {
		g.last += g.maxStep
		g.sink.Report(g.last)
	}
	g.last = fraction
	g.sink.Report(fraction)
}

// Finish reports completion.
func (g *ProgressGuard) Finish() {
	g.Report(1)
}

// Last returns the highest value forwarded so far.
func (g *ProgressGuard) Last() float64 {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}
