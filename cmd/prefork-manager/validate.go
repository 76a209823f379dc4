package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cboxdk/prefork-manager/internal/config"
)

func newValidateCommand() *cobra.Command {
	var configPath string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file without starting",
		Example: `  prefork-manager validate
  prefork-manager validate --config ./config.yaml --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateCommand(cmd.OutOrStdout(), configPath, verbose)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "configuration file path (default: zero-config mode)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show the offending values")
	return cmd
}

func validateCommand(out io.Writer, configPath string, verbose bool) error {
	if configPath == "" {
		fmt.Fprintln(out, "🔍 Validating zero-config mode defaults")
	} else {
		fmt.Fprintf(out, "🔍 Validating configuration file: %s\n", configPath)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		var result *config.ValidationResult
		if errors.As(err, &result) {
			printValidationResults(out, result, verbose)
			fmt.Fprintf(out, "\n❌ Configuration validation failed with %d error(s)\n", len(result.Errors))
			return fmt.Errorf("configuration validation failed")
		}
		return err
	}

	result := config.GetValidationResult(cfg)
	printValidationResults(out, result, verbose)

	if len(result.Warnings) > 0 {
		fmt.Fprintf(out, "\n⚠️  Found %d warning(s) - configuration is valid but could be improved\n", len(result.Warnings))
	}

	printConfigurationSummary(out, cfg)

	fmt.Fprintln(out, "\n✅ Configuration validation completed successfully!")
	return nil
}

func printValidationResults(out io.Writer, result *config.ValidationResult, verbose bool) {
	if len(result.Errors) == 0 && len(result.Warnings) == 0 {
		fmt.Fprintln(out, "✅ Configuration passes all validation checks")
		return
	}

	printList := func(title, label, hint string, list []config.ValidationError) {
		if len(list) == 0 {
			return
		}
		fmt.Fprintf(out, "\n%s (%d):\n", title, len(list))
		for i, e := range list {
			fmt.Fprintf(out, "  %d. Field: %s\n", i+1, e.Field)
			fmt.Fprintf(out, "     %s: %s\n", label, e.Message)
			if e.Suggestion != "" {
				fmt.Fprintf(out, "     %s: %s\n", hint, e.Suggestion)
			}
			if verbose && e.Value != nil {
				fmt.Fprintf(out, "     Current value: %v\n", e.Value)
			}
			fmt.Fprintln(out)
		}
	}

	printList("❌ VALIDATION ERRORS", "Error", "Fix", result.Errors)
	printList("⚠️  VALIDATION WARNINGS", "Warning", "Suggestion", result.Warnings)
}

func printConfigurationSummary(out io.Writer, cfg *config.Config) {
	fmt.Fprintln(out, "\n📋 CONFIGURATION SUMMARY:")

	fmt.Fprintf(out, "🔁 Supervisor:\n")
	fmt.Fprintf(out, "   Poll Interval: %s\n", cfg.Supervisor.PollInterval)
	fmt.Fprintf(out, "   Quit Signals: %v\n", cfg.Supervisor.QuitSignals)
	fmt.Fprintf(out, "   Restart Signal: %s\n", cfg.Supervisor.RestartSignal)
	fmt.Fprintf(out, "   Liveness Probe: %s\n", cfg.Supervisor.LivenessProbe)

	fmt.Fprintf(out, "\n🌐 Server:\n")
	if cfg.Server.Enabled {
		fmt.Fprintf(out, "   Bind Address: %s\n", cfg.Server.BindAddress)
		fmt.Fprintf(out, "   Metrics Path: %s\n", cfg.Server.MetricsPath)
		fmt.Fprintf(out, "   Health Path: %s\n", cfg.Server.HealthPath)
		if cfg.Server.API {
			fmt.Fprintf(out, "   Control API: ✅ /api/v1/\n")
		}
		if cfg.Server.APIKey != "" {
			fmt.Fprintf(out, "   Authentication: ✅ API key\n")
		} else {
			fmt.Fprintf(out, "   Authentication: ⚠️  Disabled\n")
		}
	} else {
		fmt.Fprintf(out, "   Disabled\n")
	}

	fmt.Fprintf(out, "\n💾 Storage:\n")
	if cfg.Storage.Enabled {
		fmt.Fprintf(out, "   Database: %s\n", cfg.Storage.DatabasePath)
		fmt.Fprintf(out, "   Retention: %s\n", cfg.Storage.Retention)
	} else {
		fmt.Fprintf(out, "   Disabled\n")
	}

	fmt.Fprintf(out, "\n👷 Groups (%d configured):\n", len(cfg.Groups))
	for _, g := range cfg.Groups {
		fmt.Fprintf(out, "   📦 Group '%s': %d worker(s), job %s every %s\n",
			g.Name, g.Workers, g.Job.Kind, g.Job.Interval)
	}
}
