package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MegaGrindStone/mcphost"
	"github.com/MegaGrindStone/mcphost/audit"
)

// host is the assembled mediation layer.
type host struct {
	dispatcher *mcphost.Dispatcher
	bridge     *mcphost.Bridge
	lifecycle  *mcphost.LifecycleManager
	mediator   *mcphost.Mediator
	recorder   *audit.Recorder
	logger     *slog.Logger
}

func newHost(ctx context.Context, cfg mcphost.Config, logger *slog.Logger, confirmer mcphost.Confirmer) (*host, error) {
	h := &host{logger: logger}
	h.dispatcher = mcphost.NewDispatcher(mcphost.WithDispatcherLogger(logger))
	h.bridge = mcphost.NewBridge(h.dispatcher, cfg.Dialer(logger), cfg.BridgeOptions(logger)...)
	h.lifecycle = mcphost.NewLifecycleManager(h.dispatcher, h.bridge, cfg.LifecycleOptions(logger)...)
	h.mediator = mcphost.NewMediator(h.dispatcher, h.bridge, h.lifecycle, confirmer, cfg.MediatorOptions(logger)...)

	if cfg.Audit.Enabled {
		rec, err := audit.FromConfig(ctx, h.dispatcher, cfg.Audit, logger)
		if err != nil {
			h.dispatcher.Close()
			return nil, fmt.Errorf("failed to open audit sinks: %w", err)
		}
		if err := rec.Start(); err != nil {
			h.dispatcher.Close()
			return nil, errors.Join(fmt.Errorf("failed to start audit recorder: %w", err), rec.Close(ctx))
		}
		h.recorder = rec
	}

	if err := h.mediator.Start(); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to start mediator: %w", err), h.shutdown(ctx))
	}
	return h, nil
}

// shutdown tears the layer down: widgets first, so their teardown can still reach the
// bridge, then the mediator, the bridge, the audit recorder and the dispatcher.
func (h *host) shutdown(ctx context.Context) error {
	var errs []error
	if err := h.lifecycle.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to unmount widgets: %w", err))
	}
	if err := h.mediator.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close mediator: %w", err))
	}
	if err := h.bridge.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close bridge: %w", err))
	}
	if h.recorder != nil {
		if err := h.recorder.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close audit recorder: %w", err))
		}
		if n := h.recorder.Dropped(); n > 0 {
			h.logger.Warn("audit records were dropped", slog.Uint64("dropped", n))
		}
	}
	h.dispatcher.Close()
	return errors.Join(errs...)
}
