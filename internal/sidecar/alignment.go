package sidecar

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/fmueller/voxpipe/internal/audio"
	"github.com/fmueller/voxpipe/internal/engine"
	"go.uber.org/zap"
)

// ErrNoAlignmentModel means no phoneme model is known for a language.
var ErrNoAlignmentModel = errors.New("no alignment model for language")

// Phoneme models are trained per language. torchaudio bundles are referred
// to by name, everything else by Hugging Face repository.
var defaultAlignModels = map[string]string{
	"en": "WAV2VEC2_ASR_BASE_960H",
	"fr": "VOXPOPULI_ASR_BASE_10K_FR",
	"de": "VOXPOPULI_ASR_BASE_10K_DE",
	"es": "VOXPOPULI_ASR_BASE_10K_ES",
	"it": "VOXPOPULI_ASR_BASE_10K_IT",
	"ja": "jonatasgrosman/wav2vec2-large-xlsr-53-japanese",
	"zh": "jonatasgrosman/wav2vec2-large-xlsr-53-chinese-zh-cn",
	"nl": "jonatasgrosman/wav2vec2-large-xlsr-53-dutch",
	"uk": "Yehor/wav2vec2-xls-r-300m-uk-with-small-lm",
	"pt": "jonatasgrosman/wav2vec2-large-xlsr-53-portuguese",
	"ar": "jonatasgrosman/wav2vec2-large-xlsr-53-arabic",
	"cs": "comodoro/wav2vec2-xls-r-300m-cs-250",
	"ru": "jonatasgrosman/wav2vec2-large-xlsr-53-russian",
	"pl": "jonatasgrosman/wav2vec2-large-xlsr-53-polish",
	"hu": "jonatasgrosman/wav2vec2-large-xlsr-53-hungarian",
	"fi": "jonatasgrosman/wav2vec2-large-xlsr-53-finnish",
	"fa": "jonatasgrosman/wav2vec2-large-xlsr-53-persian",
	"el": "jonatasgrosman/wav2vec2-large-xlsr-53-greek",
	"tr": "mpoyraz/wav2vec2-xls-r-300m-cv7-turkish",
	"da": "saattrupdan/wav2vec2-xls-r-300m-ftspeech",
	"he": "imvladikon/wav2vec2-xls-r-300m-hebrew",
	"vi": "nguyenvulebinh/wav2vec2-base-vi",
	"ko": "kresnik/wav2vec2-large-xlsr-korean",
}

// AlignModel is a prepared phoneme model for one language.
type AlignModel struct {
	Language string
	Name     string
	Device   string
	helper   string
}

// AlignLanguages lists languages with a known alignment model.
func (h *Helper) AlignLanguages() []string {
	langs := make([]string, 0, len(h.alignModels))
	for lang := range h.alignModels {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

// AlignModelFor returns the phoneme model used for language.
func (h *Helper) AlignModelFor(language string) (string, error) {
	name, ok := h.alignModels[language]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrNoAlignmentModel, language)
	}
	return name, nil
}

// LoadAligner has the helper fetch and warm the phoneme model for language.
func (h *Helper) LoadAligner(ctx context.Context, language, device string) (any, error) {
	name, err := h.AlignModelFor(language)
	if err != nil {
		return nil, err
	}
	exe, err := h.Locate()
	if err != nil {
		return nil, err
	}

	if err := h.invoke(ctx, exe, call{
		args: []string{"prepare", "align", "--model", name, "--language", language, "--device", device},
	}, nil); err != nil {
		return nil, err
	}
	h.logger.Debug("alignment model ready", zap.String("language", language), zap.String("model", name))
	return &AlignModel{Language: language, Name: name, Device: device, helper: exe}, nil
}

type alignRequest struct {
	Language string           `json:"language"`
	Segments []engine.Segment `json:"segments"`
}

// Align sends the transcript to the helper and returns it with word timings.
func (h *Helper) Align(ctx context.Context, m any, buf *audio.Buffer, tr engine.Transcript, progress engine.ProgressFunc) (engine.Transcript, error) {
	model, ok := m.(*AlignModel)
	if !ok || model == nil {
		return engine.Transcript{}, fmt.Errorf("sidecar: unexpected alignment model type %T", m)
	}

	audioPath, cleanup, err := buf.File("")
	if err != nil {
		return engine.Transcript{}, err
	}
	defer cleanup()

	var out engine.Transcript
	err = h.invoke(ctx, model.helper, call{
		args: []string{
			"align",
			"--model", model.Name,
			"--language", model.Language,
			"--device", model.Device,
			"--audio", audioPath,
		},
		stdin:    alignRequest{Language: tr.Language, Segments: tr.Segments},
		progress: progress,
	}, &out)
	if err != nil {
		return engine.Transcript{}, err
	}
	if len(out.Segments) == 0 && len(tr.Segments) > 0 {
		return engine.Transcript{}, fmt.Errorf("%s align returned no segments for %d input segments", BinaryName, len(tr.Segments))
	}
	out.Language = tr.Language
	return out, nil
}
