package stage

import (
	"math"

	"github.com/fmueller/voxpipe/internal/engine"
)

// AssignSpeakers labels every segment, and every word when present, with the
// speaker whose turns overlap it the most. Items that overlap no turn take
// the nearest turn's speaker. The input transcript is not modified.
func AssignSpeakers(tr engine.Transcript, turns []engine.SpeakerTurn) engine.Transcript {
	out := engine.Transcript{
		Language: tr.Language,
		Segments: make([]engine.Segment, len(tr.Segments)),
	}
	for i, seg := range tr.Segments {
		seg.Speaker = speakerFor(seg.Start, seg.End, turns)
		if len(seg.Words) > 0 {
			words := make([]engine.Word, len(seg.Words))
			for j, w := range seg.Words {
				w.Speaker = speakerFor(w.Start, w.End, turns)
				words[j] = w
			}
			seg.Words = words
		}
		out.Segments[i] = seg
	}
	return out
}

// Speakers lists distinct speaker labels in order of first appearance.
func Speakers(turns []engine.SpeakerTurn) []string {
	seen := make(map[string]struct{}, len(turns))
	out := make([]string, 0)
	for _, t := range turns {
		if _, ok := seen[t.Speaker]; ok || t.Speaker == "" {
			continue
		}
		seen[t.Speaker] = struct{}{}
		out = append(out, t.Speaker)
	}
	return out
}

func speakerFor(start, end float64, turns []engine.SpeakerTurn) string {
	if len(turns) == 0 {
		return ""
	}

	overlap := make(map[string]float64)
	for _, t := range turns {
		if d := math.Min(end, t.End) - math.Max(start, t.Start); d > 0 {
			overlap[t.Speaker] += d
		}
	}

	best, bestOverlap := "", 0.0
	for _, t := range turns {
		if d := overlap[t.Speaker]; d > bestOverlap {
			best, bestOverlap = t.Speaker, d
		}
	}
	if best != "" {
		return best
	}

	nearest, bestGap := "", math.Inf(1)
	for _, t := range turns {
		gap := math.Max(t.Start-end, start-t.End)
		if gap < bestGap {
			nearest, bestGap = t.Speaker, gap
		}
	}
	return nearest
}
