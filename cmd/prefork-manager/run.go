package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cboxdk/prefork-manager/internal/app"
	"github.com/cboxdk/prefork-manager/internal/config"
	"github.com/cboxdk/prefork-manager/internal/logging"
	"github.com/cboxdk/prefork-manager/internal/spawner"
)

type runOptions struct {
	configPath string
	logLevel   string
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the master and its worker groups",
		Long: `Start the master process. Workers are started by re-invoking this program
with the same arguments.

Signals (defaults, configurable under supervisor):
  SIGQUIT, SIGTERM, SIGINT  graceful quit
  SIGUSR2                   restart: stop all workers, then re-execute the master`,
		Example: `  prefork-manager run
  prefork-manager run --config /etc/prefork-manager/config.yaml
  prefork-manager run --config ./config.toml --log-level debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "configuration file path (default: zero-config mode)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level override: debug, info, warn, error")
	return cmd
}

func runCommand(cmd *cobra.Command, opts *runOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	role, err := spawner.CurrentRole()
	if err != nil {
		return fmt.Errorf("failed to determine process role: %w", err)
	}

	logger, err := logging.New(cfg.Logging, opts.logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()
	logger = logging.ForRole(logger, role.Kind.String(), os.Getpid())

	if !role.IsWorker() {
		if opts.configPath == "" {
			logger.Info("Running in zero-config mode with defaults")
		}
		logger.Info("Starting prefork-manager",
			zap.String("version", Version),
			zap.String("config", opts.configPath),
			zap.Int("groups_configured", len(cfg.Groups)),
			zap.Bool("server_enabled", cfg.Server.Enabled),
			zap.String("server_address", cfg.Server.BindAddress))
	}

	manager, err := app.NewManager(cfg, opts.configPath, logger,
		app.WithRole(role),
		app.WithVersion(Version))
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	if err := manager.Run(cmd.Context()); err != nil {
		return fmt.Errorf("manager stopped with error: %w", err)
	}
	return nil
}

// loadConfig reads path, or the defaults when path is empty
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg, err := config.LoadDefault()
		if err != nil {
			return nil, fmt.Errorf("failed to load default configuration: %w", err)
		}
		return cfg, nil
	}

	if err := validateConfigPath(path); err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func validateConfigPath(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("config file does not exist: %s", path)
	}
	return nil
}
