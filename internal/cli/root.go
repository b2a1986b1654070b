package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fmueller/voxpipe/internal/clipboard"
	"github.com/fmueller/voxpipe/internal/config"
	"github.com/fmueller/voxpipe/internal/logging"
	"github.com/fmueller/voxpipe/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// Commands carrying this annotation run without loading the config file, so
// a broken file can still be replaced.
const annotationSkipConfig = "voxpipe/skip-config"

type appState struct {
	configPath string
	verbose    bool
	jsonLogs   bool
	noProgress bool

	model        string
	modelDir     string
	autoDownload bool
	whisperPath  string
	helperPath   string
	threads      int

	language    string
	device      string
	align       bool
	diarize     bool
	minSpeakers int
	maxSpeakers int

	silenceGate bool
	silenceDBFS float64
	noHistory   bool
	copy        bool

	cfg    *config.Config
	logger *zap.Logger

	enginesFn     func(ctx context.Context) (engines, error)
	openHistoryFn func(ctx context.Context, path string) (historyStore, error)
	isTerminal    func() bool
	copyFn        func(ctx context.Context, text string) error
}

func newAppState() *appState {
	defaults := config.Default()
	app := &appState{
		model:        defaults.Models.Recognition,
		autoDownload: defaults.Models.AutoDownload,
		language:     defaults.Pipeline.Language,
		device:       defaults.Pipeline.Device,
		align:        defaults.Pipeline.Alignment,
		diarize:      defaults.Pipeline.Diarization,
		silenceGate:  true,
		silenceDBFS:  -65,
	}
	app.enginesFn = app.defaultEngines
	app.openHistoryFn = openHistory
	app.copyFn = clipboard.New().Copy
	return app
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(newAppState())
}

func newRootCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "voxpipe",
		Short:         "Transcribe audio with word timings and speaker labels",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.prepare(cmd)
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	cmd.PersistentFlags().StringVar(&app.configPath, "config", app.configPath, "Config file (default is the platform config directory)")
	cmd.PersistentFlags().BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	cmd.PersistentFlags().BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")
	cmd.PersistentFlags().BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")

	cmd.AddCommand(newTranscribeCmd(app))
	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newHistoryCmd(app))
	cmd.AddCommand(newModelsCmd(app))
	cmd.AddCommand(newConfigCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindModelFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.model, "model", app.model, "Recognition model name or model file path")
	cmd.Flags().StringVar(&app.modelDir, "model-dir", app.modelDir, "Directory where models are stored")
	cmd.Flags().BoolVar(&app.autoDownload, "auto-download", app.autoDownload, "Automatically download missing models")
	cmd.Flags().StringVar(&app.whisperPath, "whisper-path", app.whisperPath, "whisper-cli binary to use")
	cmd.Flags().StringVar(&app.helperPath, "helper-path", app.helperPath, "voxpipe-helper binary to use")
	cmd.Flags().IntVar(&app.threads, "threads", app.threads, "Recognition threads, 0 lets whisper decide")
}

func bindPipelineFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVarP(&app.language, "language", "l", app.language, "Language code (auto|en|de|...) spoken in the audio")
	cmd.Flags().StringVar(&app.device, "device", app.device, "Execution device: cpu|gpu|cuda:N")
	cmd.Flags().BoolVar(&app.align, "align", app.align, "Compute word-level timestamps")
	cmd.Flags().BoolVar(&app.diarize, "diarize", app.diarize, "Label segments by speaker")
	cmd.Flags().IntVar(&app.minSpeakers, "min-speakers", app.minSpeakers, "Minimum number of speakers for diarization, 0 for unknown")
	cmd.Flags().IntVar(&app.maxSpeakers, "max-speakers", app.maxSpeakers, "Maximum number of speakers for diarization, 0 for unknown")
}

func bindSilenceFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().BoolVar(&app.silenceGate, "silence-gate", app.silenceGate, "Detect near-silent WAV audio and skip transcription")
	cmd.Flags().Float64Var(&app.silenceDBFS, "silence-threshold-dbfs", app.silenceDBFS, "Silence gate threshold in dBFS")
}

// prepare loads the config file, layers explicitly set flags over it and
// builds the logger.
func (a *appState) prepare(cmd *cobra.Command) error {
	if cmd.Annotations[annotationSkipConfig] != "" {
		return a.initLogger(false, false)
	}

	cfg, path, exists, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if err := a.applyFlags(cfg, cmd.Flags()); err != nil {
		return err
	}
	a.cfg = cfg

	if err := a.initLogger(cfg.Logging.Verbose, cfg.Logging.JSON); err != nil {
		return err
	}
	if exists {
		a.log().Debug("config loaded", zap.String("path", path))
	}
	return nil
}

func (a *appState) initLogger(verbose, jsonLogs bool) error {
	logger, err := logging.New(logging.Options{Verbose: verbose || a.verbose, JSON: jsonLogs || a.jsonLogs})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	a.logger = logger
	return nil
}

// applyFlags copies the flags the user actually set into cfg.
func (a *appState) applyFlags(cfg *config.Config, flags *pflag.FlagSet) error {
	set := flags.Changed

	if set("model") {
		cfg.Models.Recognition = a.model
	}
	if set("model-dir") {
		cfg.Models.Dir = a.modelDir
	}
	if set("auto-download") {
		cfg.Models.AutoDownload = a.autoDownload
	}
	if set("whisper-path") {
		cfg.Models.WhisperPath = a.whisperPath
	}
	if set("helper-path") {
		cfg.Helper.Path = a.helperPath
	}
	if set("threads") {
		cfg.Models.Threads = a.threads
	}
	if set("language") {
		cfg.Pipeline.Language = a.language
	}
	if set("device") {
		cfg.Pipeline.Device = a.device
	}
	if set("align") {
		cfg.Pipeline.Alignment = a.align
	}
	if set("diarize") {
		cfg.Pipeline.Diarization = a.diarize
	}
	if set("min-speakers") {
		cfg.Pipeline.MinSpeakers = a.minSpeakers
	}
	if set("max-speakers") {
		cfg.Pipeline.MaxSpeakers = a.maxSpeakers
	}
	if set("verbose") {
		cfg.Logging.Verbose = a.verbose
	}
	if set("json") {
		cfg.Logging.JSON = a.jsonLogs
	}
	return cfg.Normalize()
}

func (a *appState) config() *config.Config {
	if a.cfg == nil {
		cfg := config.Default()
		_ = cfg.Normalize()
		a.cfg = &cfg
	}
	return a.cfg
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	if a.isTerminal != nil {
		return a.isTerminal()
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func configPathHint(path string) string {
	if strings.TrimSpace(path) == "" {
		return "the default config file"
	}
	return path
}
