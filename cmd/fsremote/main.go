// Command fsremote serves directories as a remote MCP server over stdin and stdout.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MegaGrindStone/mcphost"
	"github.com/MegaGrindStone/mcphost/mcptest"
	"github.com/MegaGrindStone/mcphost/servers/filesystem"
	"github.com/spf13/cobra"
)

func main() {
	var roots []string
	var debug bool

	cmd := &cobra.Command{
		Use:          "fsremote --root DIR [--root DIR...]",
		Short:        "Serve directories as a remote MCP server over stdio",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			// Stdout carries the protocol.
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			fs, err := filesystem.New(roots...)
			if err != nil {
				return err
			}
			srv := mcptest.NewServer(
				mcptest.WithInfo(mcphost.Info{Name: "fsremote", Version: "1.0.0"}),
				mcptest.WithLogger(logger),
			)
			if err := fs.Register(srv); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sess, err := mcphost.NewStdIO(os.Stdin, os.Stdout, mcphost.WithStdIOLogger(logger)).StartSession(ctx)
			if err != nil {
				return fmt.Errorf("failed to start session: %w", err)
			}
			logger.Info("serving", slog.Any("roots", fs.Roots()))
			srv.Serve(ctx, sess)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&roots, "root", nil, "directory to expose (repeatable)")
	cmd.Flags().BoolVar(&debug, "debug", false, "log at debug level")
	_ = cmd.MarkFlagRequired("root")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
