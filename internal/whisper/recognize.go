package whisper

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/fmueller/voxpipe/internal/audio"
	"github.com/fmueller/voxpipe/internal/engine"
	"github.com/fmueller/voxpipe/internal/proc"
	"go.uber.org/zap"
)

var progressPattern = regexp.MustCompile(`progress\s*=\s*(\d+)%`)

// Model is a loaded recognition model: a verified ggml file bound to one
// device. whisper-cli maps the file on every run, so holding a Model costs
// no memory.
type Model struct {
	Name       string
	Path       string
	Executable string
	Device     string
	deviceArgs []string
}

// LoadRecognizer resolves the configured ggml model, downloading it if
// allowed, and binds it to device.
func (e *Engine) LoadRecognizer(ctx context.Context, device string) (any, error) {
	if err := ensureExecutable(e.executable); err != nil {
		return nil, fmt.Errorf("whisper engine missing or not executable: %w", err)
	}
	deviceArgs, err := DeviceArgs(device)
	if err != nil {
		return nil, err
	}

	resolved, err := ResolveModel(e.model, e.modelDir)
	if err != nil {
		return nil, err
	}
	path, err := EnsureModel(ctx, resolved, e.fetch)
	if err != nil {
		return nil, err
	}

	name := resolved.Name
	if name == "" {
		name = filepath.Base(path)
	}
	e.logger.Debug("recognition model ready", zap.String("model", name), zap.String("path", path), zap.String("device", device))
	return &Model{Name: name, Path: path, Executable: e.executable, Device: device, deviceArgs: deviceArgs}, nil
}

// Recognize transcribes buf with whisper-cli. An empty language asks
// whisper to detect it.
func (e *Engine) Recognize(ctx context.Context, m any, buf *audio.Buffer, language string, progress engine.ProgressFunc) (engine.Transcript, error) {
	model, ok := m.(*Model)
	if !ok || model == nil {
		return engine.Transcript{}, fmt.Errorf("whisper: unexpected model type %T", m)
	}

	audioPath, cleanup, err := buf.File("")
	if err != nil {
		return engine.Transcript{}, err
	}
	defer cleanup()

	outDir, err := os.MkdirTemp("", "voxpipe-whisper-*")
	if err != nil {
		return engine.Transcript{}, fmt.Errorf("create whisper output dir: %w", err)
	}
	defer os.RemoveAll(outDir)
	outBase := filepath.Join(outDir, "transcript")

	args := buildArgs(model, audioPath, outBase, language, e.threads)
	e.logger.Debug("running whisper engine", zap.String("engine", model.Executable), zap.Strings("args", args))

	_, err = e.run(ctx, proc.Command{
		Path: model.Executable,
		Args: args,
		OnStderrLine: func(line string) {
			if pct, ok := parseProgress(line); ok && progress != nil {
				progress(pct)
			}
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return engine.Transcript{}, err
		}
		return engine.Transcript{}, e.explainFailure(err)
	}

	raw, err := os.ReadFile(outBase + ".json")
	if err != nil {
		return engine.Transcript{}, fmt.Errorf("read whisper output: %w", err)
	}
	return ParseOutput(raw)
}

func buildArgs(m *Model, audioPath, outBase, language string, threads int) []string {
	args := []string{"-m", m.Path, "-f", audioPath, "-oj", "-of", outBase, "-pp"}
	if lang := strings.TrimSpace(language); lang != "" {
		args = append(args, "-l", lang)
	} else {
		args = append(args, "-l", "auto")
	}
	if threads > 0 {
		args = append(args, "-t", strconv.Itoa(threads))
	}
	return append(args, m.deviceArgs...)
}

// DeviceArgs maps a device descriptor to whisper-cli flags: "cpu" disables
// the GPU, "gpu" and "cuda" keep the default GPU, and "cuda:N" or "gpu-N"
// select GPU N.
func DeviceArgs(device string) ([]string, error) {
	d := strings.ToLower(strings.TrimSpace(device))
	switch d {
	case "", "cpu":
		return []string{"-ng"}, nil
	case "gpu", "cuda", "metal":
		return nil, nil
	}

	for _, prefix := range []string{"cuda:", "gpu:", "gpu-", "cuda-"} {
		if rest, ok := strings.CutPrefix(d, prefix); ok {
			n, err := strconv.Atoi(rest)
			if err != nil || n < 0 {
				break
			}
			return []string{"-dev", strconv.Itoa(n)}, nil
		}
	}
	return nil, fmt.Errorf("unsupported device %q (use cpu, gpu, or cuda:N)", device)
}

func parseProgress(line string) (float64, bool) {
	match := progressPattern.FindStringSubmatch(line)
	if len(match) < 2 {
		return 0, false
	}
	pct, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return float64(pct) / 100, true
}

type output struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

// ParseOutput decodes whisper-cli's -oj output. Offsets are milliseconds.
func ParseOutput(raw []byte) (engine.Transcript, error) {
	var out output
	if err := json.Unmarshal(raw, &out); err != nil {
		return engine.Transcript{}, fmt.Errorf("decode whisper output: %w", err)
	}

	tr := engine.Transcript{
		Language: out.Result.Language,
		Segments: make([]engine.Segment, 0, len(out.Transcription)),
	}
	for _, seg := range out.Transcription {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		tr.Segments = append(tr.Segments, engine.Segment{
			Start: float64(seg.Offsets.From) / 1000,
			End:   float64(seg.Offsets.To) / 1000,
			Text:  text,
		})
	}
	return tr, nil
}
