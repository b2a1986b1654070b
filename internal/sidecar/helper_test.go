package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/fmueller/voxpipe/internal/audio"
	"github.com/fmueller/voxpipe/internal/engine"
	"github.com/fmueller/voxpipe/internal/proc"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls  []proc.Command
	stdin  []string
	stdout map[string]string
	stderr []string
	err    error
}

func (f *fakeRunner) run(_ context.Context, cmd proc.Command) (proc.Output, error) {
	f.calls = append(f.calls, cmd)
	if cmd.Stdin != nil {
		body, _ := io.ReadAll(cmd.Stdin)
		f.stdin = append(f.stdin, string(body))
	}
	for _, line := range f.stderr {
		cmd.OnStderrLine(line)
	}
	if f.err != nil {
		return proc.Output{}, f.err
	}
	return proc.Output{Stdout: []byte(f.stdout[cmd.Args[0]])}, nil
}

func newTestHelper(f *fakeRunner, token string) *Helper {
	h := New(Options{Executable: "/opt/voxpipe-helper", HFToken: token})
	h.run = f.run
	return h
}

func srcBuffer() *audio.Buffer {
	return &audio.Buffer{Source: "/data/call.wav", SampleRate: 16000}
}

func TestLoadAlignerPreparesLanguageModel(t *testing.T) {
	t.Parallel()

	f := &fakeRunner{}
	h := newTestHelper(f, "")

	m, err := h.LoadAligner(context.Background(), "es", "cuda:0")
	require.NoError(t, err)
	model := m.(*AlignModel)
	require.Equal(t, "VOXPOPULI_ASR_BASE_10K_ES", model.Name)
	require.Equal(t, "es", model.Language)

	require.Len(t, f.calls, 1)
	require.Equal(t, "/opt/voxpipe-helper", f.calls[0].Path)
	require.Equal(t, []string{"prepare", "align", "--model", "VOXPOPULI_ASR_BASE_10K_ES", "--language", "es", "--device", "cuda:0"}, f.calls[0].Args)
}

func TestLoadAlignerUnknownLanguage(t *testing.T) {
	t.Parallel()

	f := &fakeRunner{}
	h := newTestHelper(f, "")

	_, err := h.LoadAligner(context.Background(), "xh", "cpu")
	require.ErrorIs(t, err, ErrNoAlignmentModel)
	require.Empty(t, f.calls, "no process is started for an unknown language")
}

func TestAlignModelOverrides(t *testing.T) {
	t.Parallel()

	h := New(Options{AlignModels: map[string]string{"XH": "someone/wav2vec2-xhosa", "en": "custom-en"}})
	name, err := h.AlignModelFor("xh")
	require.NoError(t, err)
	require.Equal(t, "someone/wav2vec2-xhosa", name)
	name, _ = h.AlignModelFor("en")
	require.Equal(t, "custom-en", name)
	require.Contains(t, h.AlignLanguages(), "xh")
}

func TestAlignSendsTranscriptAndParsesWords(t *testing.T) {
	t.Parallel()

	f := &fakeRunner{
		stdout: map[string]string{
			"align": `{"segments":[{"start":0.1,"end":1.9,"text":"hola mundo","words":[{"start":0.1,"end":0.6,"text":"hola","score":0.93},{"start":0.8,"end":1.9,"text":"mundo","score":0.88}]}]}`,
		},
		stderr: []string{"loading model", "progress: 0.5", "progress: 1"},
	}
	h := newTestHelper(f, "")
	m, err := h.LoadAligner(context.Background(), "es", "cpu")
	require.NoError(t, err)

	var progress []float64
	tr := engine.Transcript{Language: "es", Segments: []engine.Segment{{Start: 0, End: 2, Text: "hola mundo"}}}
	out, err := h.Align(context.Background(), m, srcBuffer(), tr, func(f float64) { progress = append(progress, f) })
	require.NoError(t, err)

	require.Equal(t, "es", out.Language)
	require.Len(t, out.Segments[0].Words, 2)
	require.Equal(t, "mundo", out.Segments[0].Words[1].Text)
	require.Equal(t, []float64{0.5, 1}, progress)

	alignCall := f.calls[len(f.calls)-1]
	require.Equal(t, "align", alignCall.Args[0])
	require.Contains(t, alignCall.Args, "/data/call.wav")

	var sent alignRequest
	require.NoError(t, json.Unmarshal([]byte(f.stdin[0]), &sent))
	require.Equal(t, "es", sent.Language)
	require.Equal(t, "hola mundo", sent.Segments[0].Text)
}

func TestAlignRejectsEmptyResult(t *testing.T) {
	t.Parallel()

	f := &fakeRunner{stdout: map[string]string{"align": `{"segments":[]}`}}
	h := newTestHelper(f, "")
	m, err := h.LoadAligner(context.Background(), "en", "cpu")
	require.NoError(t, err)

	_, err = h.Align(context.Background(), m, srcBuffer(), engine.Transcript{Language: "en", Segments: []engine.Segment{{Text: "hi", End: 1}}}, nil)
	require.ErrorContains(t, err, "no segments")
}

func TestLoadDiarizerRequiresToken(t *testing.T) {
	t.Setenv(envToken, "")

	f := &fakeRunner{}
	h := newTestHelper(f, "")
	_, err := h.LoadDiarizer(context.Background(), "cpu")
	require.ErrorIs(t, err, ErrMissingToken)
	require.Empty(t, f.calls)
}

func TestDiarizePassesTokenAndSpeakerHints(t *testing.T) {
	t.Parallel()

	f := &fakeRunner{stdout: map[string]string{
		"diarize": `{"turns":[{"speaker":"SPEAKER_00","start":0,"end":3.2},{"speaker":"SPEAKER_01","start":3.2,"end":7}]}`,
	}}
	h := newTestHelper(f, "hf_secret")

	m, err := h.LoadDiarizer(context.Background(), "cpu")
	require.NoError(t, err)
	require.Equal(t, []string{"HF_TOKEN=hf_secret"}, f.calls[0].Env)

	turns, err := h.Diarize(context.Background(), m, srcBuffer(), engine.DiarizeOptions{MinSpeakers: 2, MaxSpeakers: 3}, nil)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, "SPEAKER_01", turns[1].Speaker)

	args := f.calls[1].Args
	require.Equal(t, []string{"diarize", "--device", "cpu", "--audio", "/data/call.wav", "--min-speakers", "2", "--max-speakers", "3"}, args)
	require.Equal(t, []string{"HF_TOKEN=hf_secret"}, f.calls[1].Env)
}

func TestHelperFailureIsWrapped(t *testing.T) {
	t.Parallel()

	cause := &proc.ExitError{Path: "/opt/voxpipe-helper", Err: errors.New("exit status 2"), Stderr: "CUDA out of memory"}
	h := newTestHelper(&fakeRunner{err: cause}, "")

	_, err := h.LoadAligner(context.Background(), "en", "cuda:0")
	var exitErr *proc.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.ErrorContains(t, err, "voxpipe-helper prepare")
}

func TestLocateReportsMissingHelper(t *testing.T) {
	t.Setenv(envExecutable, "")

	h := New(Options{})
	h.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	_, err := h.Locate()
	require.ErrorIs(t, err, ErrHelperNotFound)

	t.Setenv(envExecutable, "/usr/local/bin/voxpipe-helper")
	path, err := h.Locate()
	require.NoError(t, err)
	require.Equal(t, "/usr/local/bin/voxpipe-helper", path)
}

func TestParseProgress(t *testing.T) {
	t.Parallel()

	f, ok := parseProgress("progress: 0.42")
	require.True(t, ok)
	require.InDelta(t, 0.42, f, 1e-9)

	_, ok = parseProgress("progress: soon")
	require.False(t, ok)
	_, ok = parseProgress("Lightning automatically upgraded")
	require.False(t, ok)
}
