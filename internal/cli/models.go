package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fmueller/voxpipe/internal/pipeline"
	"github.com/fmueller/voxpipe/internal/sidecar"
	"github.com/fmueller/voxpipe/internal/whisper"
	"github.com/spf13/cobra"
)

func newModelsCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List recognition models and alignment languages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.config()
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "Recognition models")
			fmt.Fprintln(out, renderRecognitionModels(cfg.Models.Dir, cfg.Models.Recognition))

			helper := sidecar.New(sidecar.Options{AlignModels: cfg.Helper.AlignModels})
			fmt.Fprintln(out, "Alignment models")
			fmt.Fprintln(out, renderAlignmentModels(helper))
			return nil
		},
	}
	return cmd
}

func renderRecognitionModels(dir, selected string) string {
	var rows [][]string
	for _, name := range whisper.ModelNames() {
		entry, _ := whisper.LookupModel(name)
		path := filepath.Join(dir, entry.FileName)
		status := "missing"
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			status = "installed"
		}
		marker := ""
		if name == selected {
			marker = "*"
		}
		rows = append(rows, []string{marker, name, status, path})
	}
	return renderTable([]string{"", "Model", "Status", "Path"}, rows, nil)
}

func renderAlignmentModels(helper *sidecar.Helper) string {
	var rows [][]string
	for _, lang := range helper.AlignLanguages() {
		name, _ := helper.AlignModelFor(lang)
		rows = append(rows, []string{lang, pipeline.LanguageName(lang), name})
	}
	return renderTable([]string{"Code", "Language", "Model"}, rows, nil)
}
