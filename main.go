package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"copilot-unstream/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "copilot-unstream",
		Short:         "GitHub Copilot proxy that reassembles streamed completions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default ./config.toml)")

	rootCmd.AddCommand(newServeCmd(&configPath))
	rootCmd.AddCommand(newFoldCmd(&configPath))
	rootCmd.AddCommand(newTokenCmd(&configPath))
	return rootCmd
}

// loadConfig loads the config file and applies the flags the user set on cmd.
func loadConfig(cmd *cobra.Command, path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Lookup("listen") != nil && flags.Changed("listen") {
		cfg.Server.Listen, _ = flags.GetString("listen")
	}
	if flags.Lookup("token-file") != nil && flags.Changed("token-file") {
		cfg.Copilot.TokenFile, _ = flags.GetString("token-file")
	}
	if flags.Lookup("log-level") != nil && flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
