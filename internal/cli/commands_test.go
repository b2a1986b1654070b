package cli

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func customModelFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "ggml-custom.bin")
	require.NoError(t, os.WriteFile(path, []byte("weights"), 0o644))
	return path
}

func TestSetupWithCustomModelPreloadsRecognition(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "")
	f := &fakeEngines{}
	modelPath := customModelFile(t, env.dir)

	stdout, _, err := runAppCommand(t, newFakeApp(f), []string{"--config", env.configPath, "setup", "--model", modelPath})
	require.NoError(t, err)
	require.Contains(t, stdout, "Using model file "+modelPath)
	require.Contains(t, stdout, "Ready: recognition model (cpu)")
	require.Contains(t, stdout, "Alignment models load per detected language on first use")
	require.Equal(t, []string{"load recognition cpu"}, f.Events())
}

func TestSetupPreloadsExplicitLanguageAndDiarization(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "")
	f := &fakeEngines{}
	modelPath := customModelFile(t, env.dir)

	stdout, _, err := runAppCommand(t, newFakeApp(f), []string{
		"--config", env.configPath, "setup", "--model", modelPath, "--language", "fr", "--diarize",
	})
	require.NoError(t, err)
	require.Contains(t, stdout, "Ready: alignment model (fr)")
	require.Contains(t, stdout, "Ready: diarization model (cpu)")
	require.NotContains(t, stdout, "load per detected language")
	require.Equal(t, []string{"load recognition cpu", "load alignment fr", "load diarization cpu"}, f.Events())
}

func TestSetupReportsOptionalFailuresWithoutFailing(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "")
	f := &fakeEngines{diarizeErr: errors.New("diarization requires a Hugging Face token")}
	modelPath := customModelFile(t, env.dir)

	stdout, _, err := runAppCommand(t, newFakeApp(f), []string{"--config", env.configPath, "setup", "--model", modelPath, "--diarize"})
	require.NoError(t, err)
	require.Contains(t, stdout, "Some optional models are unavailable")
	require.Contains(t, stdout, "Hugging Face token")
	require.NotContains(t, stdout, "Ready: diarization")
}

func TestModelsListsCatalogAndAlignmentLanguages(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "[helper]\nalign_models = { xh = \"someone/wav2vec2-xhosa\" }\n")
	require.NoError(t, os.MkdirAll(filepath.Join(env.dir, "models"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.dir, "models", "ggml-tiny.bin"), []byte("x"), 0o644))

	stdout, _, err := runCommand(t, []string{"--config", env.configPath, "models"})
	require.NoError(t, err)
	require.Contains(t, stdout, "Recognition models")
	require.Contains(t, stdout, "Alignment models")
	require.Contains(t, stdout, "installed")
	require.Contains(t, stdout, "missing")
	require.Contains(t, stdout, "Spanish")
	require.Contains(t, stdout, "someone/wav2vec2-xhosa")

	var tinyLine string
	for _, line := range strings.Split(stdout, "\n") {
		if strings.Contains(line, " tiny ") {
			tinyLine = line
		}
	}
	require.Contains(t, tinyLine, "installed")
}

func TestConfigInitWritesSample(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "voxpipe", "config.toml")

	stdout, _, err := runCommand(t, []string{"--config", path, "config", "init"})
	require.NoError(t, err)
	require.Contains(t, stdout, path)
	require.FileExists(t, path)

	_, _, err = runCommand(t, []string{"--config", path, "config", "init"})
	require.ErrorContains(t, err, "already exists")

	_, _, err = runCommand(t, []string{"--config", path, "config", "init", "--force"})
	require.NoError(t, err)

	_, _, err = runCommand(t, []string{"--config", path, "config", "show"})
	require.NoError(t, err, "the sample config must load")
}

func TestConfigShowRedactsToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "[helper]\nhf_token = \"hf_topsecret\"\n")

	stdout, _, err := runCommand(t, []string{"--config", env.configPath, "config", "show"})
	require.NoError(t, err)
	require.Contains(t, stdout, "[pipeline]")
	require.Contains(t, stdout, "<redacted>")
	require.NotContains(t, stdout, "hf_topsecret")
}
