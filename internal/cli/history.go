package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fmueller/voxpipe/internal/history"
	"github.com/spf13/cobra"
)

func newHistoryCmd(app *appState) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent transcription runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := app.openHistoryStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded yet.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderHistory(entries))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", history.DefaultListLimit, "Number of runs to show")

	cmd.AddCommand(newHistoryShowCmd(app))
	return cmd
}

func newHistoryShowCmd(app *appState) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print the transcript of a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := parseFormat(format)
			if err != nil {
				return err
			}
			store, err := app.openHistoryStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), res, f)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", string(formatText), "Output format: text|json|srt")
	return cmd
}

func (a *appState) openHistoryStore(cmd *cobra.Command) (historyStore, error) {
	open := a.openHistoryFn
	if open == nil {
		open = openHistory
	}
	store, err := open(cmd.Context(), a.config().History.Path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return store, nil
}

func renderHistory(entries []history.Entry) string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		language := e.Language
		if language == "" {
			language = "-"
		} else if e.LanguageSource != "" {
			language += " (" + e.LanguageSource + ")"
		}
		skipped := "-"
		if len(e.Degraded) > 0 {
			skipped = strings.Join(e.Degraded, ", ")
		}
		rows = append(rows, []string{
			e.RunID,
			e.StartedAt.Local().Format("2006-01-02 15:04"),
			e.Input,
			language,
			e.Status.String(),
			skipped,
			strconv.Itoa(e.Speakers),
			e.Duration.Round(100 * time.Millisecond).String(),
		})
	}
	return renderTable(
		[]string{"Run", "Started", "Input", "Language", "Status", "Skipped", "Speakers", "Took"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight},
	)
}
