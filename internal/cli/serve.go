package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/mcphost"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var trust string
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the host with the console widget until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			level, err := mcphost.ParseTrustLevel(trust)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			h, err := newHost(ctx, cfg, logger, newTerminal(cmd.InOrStdin(), out))
			if err != nil {
				return err
			}

			for _, s := range cfg.Servers {
				if _, err := h.bridge.Connect(ctx, s.Name); err != nil {
					// server:error was published; the bridge retries on the next use.
					logger.Warn("failed to connect server", slog.String("server", s.Name), "err", err)
				}
			}

			if _, err := h.lifecycle.Mount(ctx, mcphost.WidgetDescriptor{
				Name:       "console",
				Widget:     &console{out: out},
				TrustLevel: level,
			}); err != nil {
				return fmt.Errorf("failed to mount console: %w", err)
			}

			<-ctx.Done()
			fmt.Fprintln(out, "Shutting down...")

			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return h.shutdown(sctx)
		},
	}
	cmd.Flags().StringVar(&trust, "trust", string(mcphost.TrustCommunity), "trust level of the console widget")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 15*time.Second, "how long shutdown may take")
	return cmd
}
