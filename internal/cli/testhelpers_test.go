package cli

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fmueller/voxpipe/internal/audio"
	"github.com/fmueller/voxpipe/internal/engine"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args []string) (stdout string, stderr string, err error) {
	t.Helper()
	return runAppCommand(t, newAppState(), args)
}

func runAppCommand(t *testing.T, app *appState, args []string) (stdout string, stderr string, err error) {
	t.Helper()

	cmd := newRootCmd(app)
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)

	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

// testEnv is an isolated config file with model and history paths under a
// temp dir.
type testEnv struct {
	dir        string
	configPath string
	history    string
}

func newTestEnv(t *testing.T, extra string) testEnv {
	t.Helper()

	dir := t.TempDir()
	env := testEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "config.toml"),
		history:    filepath.Join(dir, "history.db"),
	}
	content := fmt.Sprintf("[models]\ndir = %q\n\n[history]\npath = %q\n\n%s", filepath.Join(dir, "models"), env.history, extra)
	require.NoError(t, os.WriteFile(env.configPath, []byte(content), 0o644))
	return env
}

// fakeEngines serves canned transcripts. Recognition detects the language
// from the file name: files containing "_es" are Spanish.
type fakeEngines struct {
	mu     sync.Mutex
	events []string

	alignErr   error
	diarizeErr error
	failOn     string
}

func (f *fakeEngines) record(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeEngines) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeEngines) bundle(context.Context) (engines, error) {
	return engines{recognizer: f, aligner: f, diarizer: f}, nil
}

func (f *fakeEngines) LoadRecognizer(_ context.Context, device string) (any, error) {
	f.record("load recognition " + device)
	return "recognizer", nil
}

func (f *fakeEngines) Recognize(_ context.Context, _ any, buf *audio.Buffer, language string, progress engine.ProgressFunc) (engine.Transcript, error) {
	f.record("recognize " + filepath.Base(buf.Source))
	if f.failOn != "" && filepath.Base(buf.Source) == f.failOn {
		return engine.Transcript{}, errors.New("engine crashed")
	}
	progress(0.5)
	progress(1)
	detected := language
	if detected == "" {
		detected = "en"
		if bytes.Contains([]byte(buf.Source), []byte("_es")) {
			detected = "es"
		}
	}
	return engine.Transcript{
		Language: detected,
		Segments: []engine.Segment{
			{Start: 0, End: 1, Text: "hello"},
			{Start: 1, End: 2, Text: "world"},
		},
	}, nil
}

func (f *fakeEngines) LoadAligner(_ context.Context, language, _ string) (any, error) {
	f.record("load alignment " + language)
	if f.alignErr != nil {
		return nil, f.alignErr
	}
	return "aligner-" + language, nil
}

func (f *fakeEngines) Align(_ context.Context, _ any, _ *audio.Buffer, tr engine.Transcript, _ engine.ProgressFunc) (engine.Transcript, error) {
	f.record("align " + tr.Language)
	out := engine.Transcript{Language: tr.Language}
	for _, seg := range tr.Segments {
		seg.Words = []engine.Word{{Start: seg.Start, End: seg.End, Text: seg.Text}}
		out.Segments = append(out.Segments, seg)
	}
	return out, nil
}

func (f *fakeEngines) LoadDiarizer(_ context.Context, device string) (any, error) {
	f.record("load diarization " + device)
	if f.diarizeErr != nil {
		return nil, f.diarizeErr
	}
	return "diarizer", nil
}

func (f *fakeEngines) Diarize(context.Context, any, *audio.Buffer, engine.DiarizeOptions, engine.ProgressFunc) ([]engine.SpeakerTurn, error) {
	f.record("diarize")
	return []engine.SpeakerTurn{
		{Speaker: "SPEAKER_00", Start: 0, End: 1},
		{Speaker: "SPEAKER_01", Start: 1, End: 2},
	}, nil
}

func newFakeApp(f *fakeEngines) *appState {
	app := newAppState()
	app.enginesFn = f.bundle
	app.isTerminal = func() bool { return false }
	return app
}

func writeWAV(t *testing.T, dir, name string, samples []int16) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, makePCM16WAVForTest(samples, 16000, 1), 0o644))
	return path
}

func speechSamples(n int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 8000
		} else {
			samples[i] = -8000
		}
	}
	return samples
}

func makePCM16WAVForTest(samples []int16, sampleRate int, channels int) []byte {
	bytesPerSample := 2
	dataSize := len(samples) * bytesPerSample
	fmtChunkSize := 16
	riffSize := 4 + (8 + fmtChunkSize) + (8 + dataSize)

	out := make([]byte, 12+8+fmtChunkSize+8+dataSize)
	off := 0

	copy(out[off:], []byte("RIFF"))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(riffSize))
	off += 4
	copy(out[off:], []byte("WAVE"))
	off += 4

	copy(out[off:], []byte("fmt "))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(fmtChunkSize))
	off += 4
	binary.LittleEndian.PutUint16(out[off:], 1)
	off += 2
	binary.LittleEndian.PutUint16(out[off:], uint16(channels))
	off += 2
	binary.LittleEndian.PutUint32(out[off:], uint32(sampleRate))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(sampleRate*channels*bytesPerSample))
	off += 4
	binary.LittleEndian.PutUint16(out[off:], uint16(channels*bytesPerSample))
	off += 2
	binary.LittleEndian.PutUint16(out[off:], 16)
	off += 2

	copy(out[off:], []byte("data"))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(dataSize))
	off += 4

	for _, s := range samples {
		binary.LittleEndian.PutUint16(out[off:], uint16(s))
		off += 2
	}

	return out
}
