package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thruflo/comsync/internal/config"
	"github.com/thruflo/comsync/internal/logging"
)

// configFlags are the flags every command that reads config shares.
type configFlags struct {
	path      string
	transport string
	logLevel  string
}

func (f *configFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.path, "config", "c", "", "config file (default .comsync/config.yaml)")
	cmd.Flags().StringVar(&f.transport, "transport", "", "transport mode: auto, shared_memory or relay")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error")
}

// load reads the config file, then environment overrides, then flags, and
// applies the logging level.
func (f *configFlags) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if f.path != "" {
		cfg, err = config.LoadConfigFile(f.path)
	} else {
		cwd, cwdErr := os.Getwd()
		if cwdErr != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", cwdErr)
		}
		cfg, err = config.LoadConfig(cwd)
	}
	if err != nil {
		return nil, err
	}

	if err := config.ApplyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	if f.transport != "" {
		cfg.Transport.Mode = f.transport
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}

	logging.SetLevel(cfg.LogLevel())
	return cfg, nil
}
