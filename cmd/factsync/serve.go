package main

import (
	"log/slog"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the HTTP/gRPC servers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop, a, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		defer stop()
		defer closeApp(a)

		slog.Info("factsync starting",
			"http_port", a.Config.Server.Port,
			"grpc_port", a.Config.Server.GRPCPort,
		)
		if err := a.Serve(ctx); err != nil {
			return err
		}
		slog.Info("factsync stopped")
		return nil
	},
}
