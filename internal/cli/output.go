package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fmueller/voxpipe/internal/engine"
	"github.com/fmueller/voxpipe/internal/pipeline"
)

const blankAudioToken = "[BLANK_AUDIO]"

type outputFormat string

const (
	formatText outputFormat = "text"
	formatJSON outputFormat = "json"
	formatSRT  outputFormat = "srt"
)

func parseFormat(value string) (outputFormat, error) {
	switch f := outputFormat(strings.ToLower(strings.TrimSpace(value))); f {
	case formatText, formatJSON, formatSRT:
		return f, nil
	case "":
		return formatText, nil
	default:
		return "", fmt.Errorf("unsupported output format %q (expected text, json or srt)", value)
	}
}

func isBlankTranscript(transcript string) bool {
	trimmed := strings.TrimSpace(transcript)
	if trimmed == "" {
		return true
	}

	return strings.EqualFold(trimmed, blankAudioToken)
}

func noSpeechHint() string {
	return "No speech detected. Check that the file contains audible speech and the selected language matches."
}

func writeResult(w io.Writer, res *pipeline.Result, format outputFormat) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case formatSRT:
		_, err := io.WriteString(w, renderSRT(res.Segments))
		return err
	default:
		text := renderText(res.Segments)
		if isBlankTranscript(text) {
			text = blankAudioToken
		}
		_, err := fmt.Fprintln(w, text)
		return err
	}
}

// renderText joins the transcript into one paragraph, or one paragraph per
// speaker turn when segments carry speaker labels.
func renderText(segments []engine.Segment) string {
	if !hasSpeakers(segments) {
		return engine.Transcript{Segments: segments}.Text()
	}

	var (
		lines   []string
		speaker string
		parts   []string
	)
	flush := func() {
		if len(parts) > 0 {
			lines = append(lines, fmt.Sprintf("[%s] %s", speakerLabel(speaker), strings.Join(parts, " ")))
		}
		parts = nil
	}
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if seg.Speaker != speaker {
			flush()
			speaker = seg.Speaker
		}
		parts = append(parts, text)
	}
	flush()
	return strings.Join(lines, "\n")
}

func renderSRT(segments []engine.Segment) string {
	var b strings.Builder
	index := 0
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		index++
		if seg.Speaker != "" {
			text = "[" + seg.Speaker + "] " + text
		}
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", index, srtTimestamp(seg.Start), srtTimestamp(seg.End), text)
	}
	return b.String()
}

func srtTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	millis := int64(seconds*1000 + 0.5)
	h := millis / 3_600_000
	m := millis / 60_000 % 60
	s := millis / 1000 % 60
	ms := millis % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

func hasSpeakers(segments []engine.Segment) bool {
	for _, seg := range segments {
		if seg.Speaker != "" {
			return true
		}
	}
	return false
}

func speakerLabel(speaker string) string {
	if speaker == "" {
		return "UNKNOWN"
	}
	return speaker
}

func blankResult(input string) *pipeline.Result {
	return &pipeline.Result{
		Input:    input,
		Status:   pipeline.StatusSucceeded,
		Segments: []engine.Segment{},
	}
}
