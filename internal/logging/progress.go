package logging

import (
	"strings"

	"go.uber.org/zap"
)

// DefaultProgressBucket is the percentage step between sampled progress logs.
const DefaultProgressBucket = 10

// ProgressSampler suppresses repetitive progress logs. It lets an event
// through when the phase changes or the percentage crosses a bucket boundary.
type ProgressSampler struct {
	bucketSize float64
	lastPhase  string
	lastBucket int
}

func NewProgressSampler(bucketSize float64) *ProgressSampler {
	if bucketSize <= 0 {
		bucketSize = DefaultProgressBucket
	}
	return &ProgressSampler{bucketSize: bucketSize, lastBucket: -1}
}

// ShouldLog takes progress as a fraction in [0,1]. A negative fraction means
// unknown and only a phase change is reported.
func (s *ProgressSampler) ShouldLog(fraction float64, phase string) bool {
	if s == nil {
		return true
	}
	phase = strings.TrimSpace(phase)
	emit := false
	if phase != "" && phase != s.lastPhase {
		s.lastPhase = phase
		s.lastBucket = -1
		emit = true
	}
	if fraction >= 0 {
		percent := fraction * 100
		if percent > 100 {
			percent = 100
		}
		bucket := int(percent / s.bucketSize)
		if bucket > s.lastBucket {
			s.lastBucket = bucket
			emit = true
		}
	}
	return emit
}

func (s *ProgressSampler) Reset() {
	if s == nil {
		return
	}
	s.lastPhase = ""
	s.lastBucket = -1
}

// ProgressLogger returns a progress callback that writes sampled progress
// to logger at info level.
func ProgressLogger(logger *zap.Logger, sampler *ProgressSampler) func(fraction float64, phase string) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(fraction float64, phase string) {
		if !sampler.ShouldLog(fraction, phase) {
			return
		}
		logger.Info("progress", zap.String("phase", phase), zap.Int("percent", int(fraction*100+0.5)))
	}
}
