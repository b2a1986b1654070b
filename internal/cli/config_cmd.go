package cli

import (
	"fmt"

	"github.com/fmueller/voxpipe/internal/config"
	"github.com/fmueller/voxpipe/internal/platform"
	"github.com/spf13/cobra"
)

func newConfigCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the voxpipe configuration file",
	}
	cmd.AddCommand(newConfigInitCmd(app))
	cmd.AddCommand(newConfigShowCmd(app))
	return cmd
}

func newConfigInitCmd(app *appState) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a commented sample configuration file",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationSkipConfig: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := platform.ResolveConfigPath(app.configPath)
			if err != nil {
				return err
			}
			if err := config.CreateSample(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample configuration to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func newConfigShowCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			redacted := app.config().Redacted()
			data, err := redacted.Encode()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# effective configuration (%s plus environment)\n", configPathHint(app.configPath))
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
