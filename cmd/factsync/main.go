// Command factsync ingests financial facts from many providers into a
// canonical store, on a cron schedule or on demand.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"factsync/internal/app"
	"factsync/internal/config"
	"factsync/internal/util"
)

const (
	version           = "0.1.0"
	defaultConfigPath = "config/factsync.yaml"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "factsync",
	Short:         "Financial fact ingestion service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "factsync %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default $FACTSYNC_CONFIG or "+defaultConfigPath+")")
	rootCmd.AddCommand(versionCmd, serveCmd, runCmd, sweepCmd, symbolsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig resolves the config path from the flag, then FACTSYNC_CONFIG,
// then the default location. A missing default file yields the built-in
// defaults.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("FACTSYNC_CONFIG")
	}
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}

	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("loading config %s: %w", path, err)
}

// bootstrap loads config, sets up logging and composes the app. The
// returned context is cancelled on SIGINT or SIGTERM.
func bootstrap(cmd *cobra.Command) (context.Context, context.CancelFunc, *app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	log := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(log)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return ctx, stop, a, nil
}

func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		slog.Error("closing store", "error", err)
	}
}
