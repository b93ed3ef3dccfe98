package main

import (
	"fmt"
	"os"

	"go-relay/internal/config"
	"go-relay/internal/observability"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	EnvFiles []string
}

func newRootCmd() *cobra.Command {
	var opts rootOptions

	cmd := &cobra.Command{
		Use:           "relay",
		Short:         "Redelivery-aware message relay and its stress scenarios",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringSliceVar(&opts.EnvFiles, "env-file", nil, "dotenv files to load (default ./.env)")

	cmd.AddCommand(newServeCmd(&opts))
	cmd.AddCommand(newStressCmd(&opts))
	cmd.AddCommand(newSendCmd(&opts))
	return cmd
}

// loadConfig reads the environment and applies the logging section.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.EnvFiles...)
	if err != nil {
		return nil, err
	}
	observability.InitLogger(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
