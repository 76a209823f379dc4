package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cboxdk/prefork-manager/internal/config"
)

func newExampleConfigCommand() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "example-config",
		Short: "Print or write an example configuration file",
		Example: `  prefork-manager example-config > prefork-manager.yaml
  prefork-manager example-config --output ./prefork-manager.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data := config.Example()
			if outputPath == "" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if _, err := os.Stat(outputPath); err == nil {
				return fmt.Errorf("file already exists: %s (use a different path or remove the existing file)", outputPath)
			}
			if err := os.WriteFile(outputPath, data, 0644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Example configuration written to: %s\n", outputPath)
			fmt.Fprintln(out, "Edit the file to match your environment and use:")
			fmt.Fprintf(out, "  prefork-manager validate --config %s\n", outputPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: stdout)")
	return cmd
}
