package stage

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/fmueller/voxpipe/internal/audio"
	"github.com/fmueller/voxpipe/internal/engine"
	"github.com/fmueller/voxpipe/internal/model"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	detected  string
	gotLang   string
	progress  []float64
	recErr    error
	alignErr  error
	turns     []engine.SpeakerTurn
	alignCall int
}

func (f *fakeEngine) LoadRecognizer(context.Context, string) (any, error) { return "rec", nil }

func (f *fakeEngine) Recognize(_ context.Context, _ any, _ *audio.Buffer, language string, progress engine.ProgressFunc) (engine.Transcript, error) {
	f.gotLang = language
	for _, p := range f.progress {
		progress(p)
	}
	if f.recErr != nil {
		return engine.Transcript{}, f.recErr
	}
	return engine.Transcript{
		Language: f.detected,
		Segments: []engine.Segment{{Start: 0, End: 2, Text: "hola"}},
	}, nil
}

func (f *fakeEngine) LoadAligner(context.Context, string, string) (any, error) { return "align", nil }

func (f *fakeEngine) Align(_ context.Context, _ any, _ *audio.Buffer, tr engine.Transcript, _ engine.ProgressFunc) (engine.Transcript, error) {
	f.alignCall++
	if f.alignErr != nil {
		return engine.Transcript{}, f.alignErr
	}
	seg := tr.Segments[0]
	seg.Words = []engine.Word{{Start: 0, End: 1, Text: "hola"}}
	return engine.Transcript{Segments: []engine.Segment{seg}}, nil
}

func (f *fakeEngine) LoadDiarizer(context.Context, string) (any, error) { return "diar", nil }

func (f *fakeEngine) Diarize(context.Context, any, *audio.Buffer, engine.DiarizeOptions, engine.ProgressFunc) ([]engine.SpeakerTurn, error) {
	return f.turns, nil
}

func collect() (*[]float64, SinkFunc) {
	values := &[]float64{}
	return values, func(f float64) { *values = append(*values, f) }
}

func TestProgressGuardEnforcesContract(t *testing.T) {
	t.Parallel()

	values, sink := collect()
	g := NewProgressGuard(sink, 0.25)
	g.Report(-1)
	g.Report(0.2)
	g.Report(0.1)
	g.Report(math.NaN())
	g.Report(0.9)
	g.Report(7)
	g.Finish()

	require.InDeltaSlice(t, []float64{0.2, 0.45, 0.7, 0.9, 1}, *values, 1e-9)
	require.Equal(t, 1.0, g.Last())
}

func TestProgressGuardSplitsSingleJump(t *testing.T) {
	t.Parallel()

	values, sink := collect()
	g := NewProgressGuard(sink, 0)
	g.Finish()

	require.GreaterOrEqual(t, len(*values), 10)
	require.Equal(t, 1.0, (*values)[len(*values)-1])
	for i := 1; i < len(*values); i++ {
		require.Greater(t, (*values)[i], (*values)[i-1])
		require.LessOrEqual(t, (*values)[i]-(*values)[i-1], DefaultMaxStep+1e-9)
	}
}

func TestRecognizeEchoesExplicitLanguage(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{detected: "en"}
	r := NewRunner(eng, eng, eng)
	h := &model.Handle{Role: model.RoleRecognition, Specialization: "cpu", Model: "rec"}

	tr, err := r.Recognize(context.Background(), &audio.Buffer{}, "fr", h, nil)
	require.NoError(t, err)
	require.Equal(t, "fr", tr.Language)
	require.Equal(t, "fr", eng.gotLang)
}

func TestRecognizeReportsDetectedLanguageAndFinalProgress(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{detected: " ES ", progress: []float64{0.05, 0.1, 0.5}}
	r := NewRunner(eng, eng, eng)
	h := &model.Handle{Role: model.RoleRecognition, Specialization: "cpu", Model: "rec"}
	values, sink := collect()

	tr, err := r.Recognize(context.Background(), &audio.Buffer{}, "", h, sink)
	require.NoError(t, err)
	require.Equal(t, "es", tr.Language)
	require.Equal(t, 1.0, (*values)[len(*values)-1])
}

func TestRecognizeWrapsEngineFailure(t *testing.T) {
	t.Parallel()

	cause := errors.New("whisper crashed")
	eng := &fakeEngine{recErr: cause}
	r := NewRunner(eng, eng, eng)
	h := &model.Handle{Role: model.RoleRecognition, Model: "rec"}
	values, sink := collect()

	_, err := r.Recognize(context.Background(), &audio.Buffer{}, "", h, sink)
	var stageErr *Error
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, Recognition, stageErr.Stage)
	require.ErrorIs(t, err, cause)
	require.Empty(t, *values)
}

func TestAlignRejectsMismatchedSpecialization(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	r := NewRunner(eng, eng, eng)
	tr := engine.Transcript{Language: "es", Segments: []engine.Segment{{Text: "hola", End: 1}}}

	_, err := r.Align(context.Background(), &audio.Buffer{}, tr, &model.Handle{Role: model.RoleAlignment, Specialization: "en"}, nil)
	require.ErrorIs(t, err, ErrSpecializationMismatch)

	_, err = r.Align(context.Background(), &audio.Buffer{}, tr, &model.Handle{Role: model.RoleDiarization, Specialization: "es"}, nil)
	require.ErrorIs(t, err, ErrSpecializationMismatch)

	_, err = r.Align(context.Background(), &audio.Buffer{}, engine.Transcript{}, &model.Handle{Role: model.RoleAlignment, Specialization: "es"}, nil)
	require.ErrorIs(t, err, ErrSpecializationMismatch)
	require.Zero(t, eng.alignCall)
}

func TestAlignKeepsTranscriptLanguage(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	r := NewRunner(eng, eng, eng)
	tr := engine.Transcript{Language: "es", Segments: []engine.Segment{{Text: "hola", End: 2}}}

	aligned, err := r.Align(context.Background(), &audio.Buffer{}, tr, &model.Handle{Role: model.RoleAlignment, Specialization: "es"}, nil)
	require.NoError(t, err)
	require.Equal(t, "es", aligned.Language)
	require.Len(t, aligned.Segments[0].Words, 1)
}

func TestLoadersWithoutEngine(t *testing.T) {
	t.Parallel()

	r := NewRunner(nil, nil, nil)
	for _, load := range []model.LoaderFunc{
		r.RecognitionLoader("cpu"),
		r.AlignmentLoader("en", "cpu"),
		r.DiarizationLoader("cpu"),
	} {
		_, err := load(context.Background())
		require.ErrorIs(t, err, ErrNoEngine)
	}
}

func TestAssignSpeakersByOverlap(t *testing.T) {
	t.Parallel()

	tr := engine.Transcript{
		Language: "en",
		Segments: []engine.Segment{
			{Start: 0, End: 4, Text: "hello there", Words: []engine.Word{
				{Start: 0, End: 1, Text: "hello"},
				{Start: 3, End: 4, Text: "there"},
			}},
			{Start: 10, End: 11, Text: "late"},
		},
	}
	turns := []engine.SpeakerTurn{
		{Speaker: "SPEAKER_00", Start: 0, End: 2.5},
		{Speaker: "SPEAKER_01", Start: 2.5, End: 4},
		{Speaker: "SPEAKER_01", Start: 8, End: 9},
	}

	out := AssignSpeakers(tr, turns)
	require.Equal(t, "SPEAKER_00", out.Segments[0].Speaker)
	require.Equal(t, "SPEAKER_00", out.Segments[0].Words[0].Speaker)
	require.Equal(t, "SPEAKER_01", out.Segments[0].Words[1].Speaker)
	require.Equal(t, "SPEAKER_01", out.Segments[1].Speaker, "no overlap falls back to nearest turn")
	require.Empty(t, tr.Segments[0].Speaker, "input must not be modified")
	require.Empty(t, tr.Segments[0].Words[0].Speaker)
}

func TestAssignSpeakersSegmentGranularity(t *testing.T) {
	t.Parallel()

	tr := engine.Transcript{Segments: []engine.Segment{{Start: 1, End: 3, Text: "no words"}}}
	out := AssignSpeakers(tr, []engine.SpeakerTurn{{Speaker: "A", Start: 0, End: 5}})
	require.Equal(t, "A", out.Segments[0].Speaker)
	require.Nil(t, out.Segments[0].Words)
}

func TestAssignSpeakersWithoutTurns(t *testing.T) {
	t.Parallel()

	out := AssignSpeakers(engine.Transcript{Segments: []engine.Segment{{Start: 0, End: 1}}}, nil)
	require.Empty(t, out.Segments[0].Speaker)
}

func TestSpeakersInFirstAppearanceOrder(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"B", "A"}, Speakers([]engine.SpeakerTurn{
		{Speaker: "B"}, {Speaker: "A"}, {Speaker: "B"}, {Speaker: ""},
	}))
}
