package whisper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fmueller/voxpipe/internal/download"
	"go.uber.org/zap"
)

const DefaultModel = "small"

// ErrModelNotDownloaded is returned for a named model that is missing on
// disk while automatic downloads are off.
var ErrModelNotDownloaded = errors.New("model is not downloaded")

// CatalogModel is a ggml model voxpipe knows how to fetch.
type CatalogModel struct {
	Name     string
	FileName string
	URL      string
	SHA256   string
}

type ResolvedModel struct {
	Name          string
	Path          string
	URL           string
	SHA256        string
	NeedsDownload bool
	IsCustomPath  bool
}

var catalog = map[string]CatalogModel{
	"tiny": {
		Name:     "tiny",
		FileName: "ggml-tiny.bin",
		URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-tiny.bin",
		SHA256:   "be07e048e1e599ad46341c8d2a135645097a538221678b7acdd1b1919c6e1b21",
	},
	"base": {
		Name:     "base",
		FileName: "ggml-base.bin",
		URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.bin",
		SHA256:   "60ed5bc3dd14eea856493d334349b405782ddcaf0028d4b5df4088345fba2efe",
	},
	"small": {
		Name:     "small",
		FileName: "ggml-small.bin",
		URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-small.bin",
		SHA256:   "1be3a9b2063867b937e64e2ec7483364a79917e157fa98c5d94b5c1fffea987b",
	},
	"medium": {
		Name:     "medium",
		FileName: "ggml-medium.bin",
		URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-medium.bin",
		SHA256:   "6c14d5adee5f86394037b4e4e8b59f1673b6cee10e3cf0b11bbdbee79c156208",
	},
	"large-v3": {
		Name:     "large-v3",
		FileName: "ggml-large-v3.bin",
		URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-large-v3.bin",
		SHA256:   "64d182b440b98d5203c4f9bd541544d84c605196c4f7b845dfa11fb23594d1e2",
	},
}

func ModelNames() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func LookupModel(name string) (CatalogModel, bool) {
	model, ok := catalog[name]
	return model, ok
}

func ResolveModel(modelRef, modelDir string) (ResolvedModel, error) {
	if strings.TrimSpace(modelRef) == "" {
		modelRef = DefaultModel
	}

	if model, ok := LookupModel(modelRef); ok {
		if strings.TrimSpace(modelDir) == "" {
			return ResolvedModel{}, errors.New("model directory must not be empty for named model")
		}

		modelPath := filepath.Join(modelDir, model.FileName)
		_, statErr := os.Stat(modelPath)
		needsDownload := errors.Is(statErr, os.ErrNotExist)
		if statErr != nil && !errors.Is(statErr, os.ErrNotExist) {
			return ResolvedModel{}, fmt.Errorf("stat model path: %w", statErr)
		}

		return ResolvedModel{
			Name:          model.Name,
			Path:          modelPath,
			URL:           model.URL,
			SHA256:        model.SHA256,
			NeedsDownload: needsDownload,
		}, nil
	}

	if !looksLikePath(modelRef) {
		return ResolvedModel{}, fmt.Errorf("unknown model %q (known models: %s)", modelRef, strings.Join(ModelNames(), ", "))
	}

	customPath := filepath.Clean(modelRef)
	if _, err := os.Stat(customPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ResolvedModel{}, fmt.Errorf("custom model path does not exist: %s", customPath)
		}
		return ResolvedModel{}, fmt.Errorf("stat custom model path: %w", err)
	}

	return ResolvedModel{
		Path:         customPath,
		IsCustomPath: true,
	}, nil
}

func looksLikePath(input string) bool {
	return strings.ContainsRune(input, os.PathSeparator) || strings.HasSuffix(strings.ToLower(input), ".bin")
}

// FetchOptions controls EnsureModel downloads.
type FetchOptions struct {
	AutoDownload bool
	NoProgress   bool
	UserAgent    string
	Logger       *zap.Logger
	// Download replaces download.DownloadFile in tests.
	Download func(context.Context, download.Options) error
}

// EnsureModel returns the on-disk path of resolved, downloading a missing
// catalog model first when opts.AutoDownload is set.
func EnsureModel(ctx context.Context, resolved ResolvedModel, opts FetchOptions) (string, error) {
	if !resolved.NeedsDownload {
		return resolved.Path, nil
	}
	if !opts.AutoDownload {
		return "", fmt.Errorf("%w: %s (run `voxpipe setup --model %s`)", ErrModelNotDownloaded, resolved.Path, resolved.Name)
	}

	fetch := opts.Download
	if fetch == nil {
		fetch = download.DownloadFile
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	logger.Info("downloading recognition model", zap.String("model", resolved.Name), zap.String("path", resolved.Path))
	if err := fetch(ctx, download.Options{
		URL:            resolved.URL,
		Destination:    resolved.Path,
		ExpectedSHA256: resolved.SHA256,
		NoProgress:     opts.NoProgress,
		UserAgent:      opts.UserAgent,
		Logger:         logger,
	}); err != nil {
		return "", fmt.Errorf("download model %s: %w", resolved.Name, err)
	}
	return resolved.Path, nil
}
