// Package engine defines the primitives voxpipe expects from a speech
// transcription engine: loading a model for one role and running inference
// with it. Models are opaque values; only the engine that loaded a model
// knows its concrete type.
package engine

import (
	"context"
	"strings"

	"github.com/fmueller/voxpipe/internal/audio"
)

// ProgressFunc receives a stage-local completion fraction in [0,1].
type ProgressFunc func(fraction float64)

// Word is one aligned token.
type Word struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Score   float64 `json:"score,omitempty"`
	Speaker string  `json:"speaker,omitempty"`
}

// Segment is a time range of recognised text. Times are in seconds.
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
	Words   []Word  `json:"words,omitempty"`
}

// Transcript is the output of recognition or alignment.
type Transcript struct {
	Language string    `json:"language,omitempty"`
	Segments []Segment `json:"segments"`
}

// SpeakerTurn is one diarized interval.
type SpeakerTurn struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// Recognizer converts audio into text segments. An empty language asks the
// model to detect it.
type Recognizer interface {
	LoadRecognizer(ctx context.Context, device string) (any, error)
	Recognize(ctx context.Context, model any, buf *audio.Buffer, language string, progress ProgressFunc) (Transcript, error)
}

// Aligner refines segments into word timings with a language-specific
// phoneme model.
type Aligner interface {
	LoadAligner(ctx context.Context, language, device string) (any, error)
	Align(ctx context.Context, model any, buf *audio.Buffer, transcript Transcript, progress ProgressFunc) (Transcript, error)
}

// DiarizeOptions carries optional speaker-count hints.
type DiarizeOptions struct {
	MinSpeakers int
	MaxSpeakers int
}

// Diarizer labels time intervals by speaker.
type Diarizer interface {
	LoadDiarizer(ctx context.Context, device string) (any, error)
	Diarize(ctx context.Context, model any, buf *audio.Buffer, opts DiarizeOptions, progress ProgressFunc) ([]SpeakerTurn, error)
}

// Text joins the segment texts with single spaces.
func (t Transcript) Text() string {
	parts := make([]string, 0, len(t.Segments))
	for _, seg := range t.Segments {
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}
