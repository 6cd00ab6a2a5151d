package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MegaGrindStone/mcphost"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func callCmd() *cobra.Command {
	var server, tool, rawArgs, trust string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Request one operation through the mediator and print its outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" || tool == "" {
				return fmt.Errorf("missing --server or --tool")
			}
			if !json.Valid([]byte(rawArgs)) {
				return fmt.Errorf("--args is not valid JSON")
			}
			level, err := mcphost.ParseTrustLevel(trust)
			if err != nil {
				return err
			}
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			h, err := newHost(cmd.Context(), cfg, logger, newTerminal(cmd.InOrStdin(), out))
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := h.shutdown(ctx); err != nil {
					logger.Warn("failed to shut down", "err", err)
				}
			}()

			w := newOneShot(uuid.New().String())
			if _, err := h.lifecycle.Mount(cmd.Context(), mcphost.WidgetDescriptor{
				Name:              "call",
				Widget:            w,
				TrustLevel:        level,
				AllowedOperations: []string{server + "/" + tool},
			}); err != nil {
				return fmt.Errorf("failed to mount widget: %w", err)
			}

			if _, err := w.wctx.RequestOperationWithID(w.correlationID, server, tool, json.RawMessage(rawArgs)); err != nil {
				return fmt.Errorf("failed to request operation: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			select {
			case ev := <-w.outcome:
				bs, err := json.MarshalIndent(ev.Payload, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal outcome: %w", err)
				}
				fmt.Fprintf(out, "%s\n%s\n", ev.Name, bs)
				if ev.Name != mcphost.ChannelResult {
					return errors.New("operation did not succeed")
				}
				return nil
			case <-ctx.Done():
				return fmt.Errorf("failed to wait for outcome: %w", ctx.Err())
			}
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "configured server name")
	cmd.Flags().StringVar(&tool, "tool", "", "tool to call")
	cmd.Flags().StringVar(&rawArgs, "args", "{}", "tool arguments as a JSON object")
	cmd.Flags().StringVar(&trust, "trust", string(mcphost.TrustCommunity), "trust level of the requesting widget")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the outcome")
	return cmd
}

// oneShot is a widget that requests a single operation and reports its terminal event.
type oneShot struct {
	correlationID string
	wctx          *mcphost.WidgetContext
	outcome       chan mcphost.Event
}

func newOneShot(correlationID string) *oneShot {
	return &oneShot{correlationID: correlationID, outcome: make(chan mcphost.Event, 1)}
}

func (w *oneShot) Initialize(_ context.Context, wctx *mcphost.WidgetContext) error {
	w.wctx = wctx
	return nil
}

func (w *oneShot) Destroy(context.Context) error { return nil }

func (w *oneShot) Refresh(context.Context) error { return nil }

func (w *oneShot) Channels() []string {
	return []string{mcphost.ChannelResult, mcphost.ChannelError, mcphost.ChannelResultUnknown}
}

func (w *oneShot) HandleEvent(ev mcphost.Event) {
	var id string
	switch p := ev.Payload.(type) {
	case mcphost.OperationResult:
		id = p.CorrelationID
	case mcphost.OperationFailure:
		id = p.CorrelationID
	}
	if id != w.correlationID {
		return
	}
	select {
	case w.outcome <- ev:
	default:
	}
}
