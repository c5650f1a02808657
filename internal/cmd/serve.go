package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/git-pkgs/pkgref/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve manifest panels over HTTP",
		Long: `Serve manifest panels over HTTP.

Open a manifest from the index page to get its panel. Adding, updating or
removing a package rewrites the manifest and rebuilds the panel from it.
Prometheus metrics are served on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(a.manager,
				server.WithLogger(a.logger),
				server.WithMetrics(a.metrics),
				server.WithGatherer(a.registry),
			)
			return srv.Run(ctx, a.cfg.Server.Addr)
		},
	}
	cmd.Flags().String("addr", "", "listen address (default from server.addr)")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	return cmd
}
