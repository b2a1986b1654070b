package sidecar

import (
	"context"
	"fmt"
	"strconv"

	"github.com/fmueller/voxpipe/internal/audio"
	"github.com/fmueller/voxpipe/internal/engine"
)

type DiarizeModel struct {
	Device string
	helper string
}

// LoadDiarizer has the helper fetch the diarization pipeline for device.
func (h *Helper) LoadDiarizer(ctx context.Context, device string) (any, error) {
	if h.token == "" {
		return nil, ErrMissingToken
	}
	exe, err := h.Locate()
	if err != nil {
		return nil, err
	}
	if err := h.invoke(ctx, exe, call{
		args:  []string{"prepare", "diarize", "--device", device},
		token: true,
	}, nil); err != nil {
		return nil, err
	}
	return &DiarizeModel{Device: device, helper: exe}, nil
}

type diarizeResponse struct {
	Turns []engine.SpeakerTurn `json:"turns"`
}

func (h *Helper) Diarize(ctx context.Context, m any, buf *audio.Buffer, opts engine.DiarizeOptions, progress engine.ProgressFunc) ([]engine.SpeakerTurn, error) {
	model, ok := m.(*DiarizeModel)
	if !ok || model == nil {
		return nil, fmt.Errorf("sidecar: unexpected diarization model type %T", m)
	}

	audioPath, cleanup, err := buf.File("")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	args := []string{"diarize", "--device", model.Device, "--audio", audioPath}
	if opts.MinSpeakers > 0 {
		args = append(args, "--min-speakers", strconv.Itoa(opts.MinSpeakers))
	}
	if opts.MaxSpeakers > 0 {
		args = append(args, "--max-speakers", strconv.Itoa(opts.MaxSpeakers))
	}

	var out diarizeResponse
	if err := h.invoke(ctx, model.helper, call{args: args, progress: progress, token: true}, &out); err != nil {
		return nil, err
	}
	return out.Turns, nil
}
