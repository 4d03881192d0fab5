package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"psdconverter/config"
	"psdconverter/logging"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "psdconverter",
		Short:         "PSD to PNG conversion service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("PSDCONVERTER_CONFIG"), "TOML configuration file")

	rootCmd.AddCommand(newServeCommand(&configPath))
	rootCmd.AddCommand(newConvertCommand(&configPath))
	rootCmd.AddCommand(newConfigCommand(&configPath))

	return rootCmd
}

// loadRuntime loads the configuration and builds the logger for it.
func loadRuntime(configPath string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(logging.Options{Format: cfg.LogFormat, Level: cfg.LogLevel})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// setMaxProcs matches GOMAXPROCS to the container CPU quota before the gate
// is sized from it.
func setMaxProcs(logger *zap.Logger) {
	// maxprocs.Set only fails on an invalid GOMAXPROCS env value, in which
	// case the runtime default stays in place.
	_, _ = maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof))
}
