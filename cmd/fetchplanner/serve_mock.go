package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/shaneisley/fetchplanner/pkg/mockapi"
)

func newServeMockCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-mock",
		Short: "Serve an emulated rate-limited API",
		Long: `serve-mock answers every request after a short latency while enforcing a
per-window request limit and a parallel request limit. Responses carry the same
rate limit headers the planner reads, so it can be used as a target for run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfiguration(cmd, opts, false)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			server, err := mockapi.New(mockapi.Config{
				Limit:       cfg.Mock.Limit,
				Window:      cfg.Mock.Window,
				MaxParallel: cfg.Mock.MaxParallel,
				Latency:     cfg.Mock.Latency,
				Headers:     cfg.Planner.Headers,
			}, cfg.NewLogger(cmd.ErrOrStderr(), "mockapi"))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			return server.ListenAndServe(ctx, cfg.Mock.Listen, func(addr net.Addr) {
				fmt.Fprintf(out, "Mock API listening on http://%s\n", addr)
			})
		},
	}

	cmd.Flags().String("listen", "", "Listen address (default: 127.0.0.1:8089)")
	cmd.Flags().Int("limit", 0, "Requests allowed per window (default: 45)")
	cmd.Flags().Duration("window", 0, "Rate limit window (default: 3s)")
	cmd.Flags().Int("max-parallel", 0, "Parallel requests allowed (default: 5)")
	cmd.Flags().Duration("latency", 0, "Time each accepted request takes (default: 50ms)")

	return cmd
}
