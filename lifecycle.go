package mcphost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// WidgetState is the lifecycle state of a widget instance.
type WidgetState string

// Widget states. Transitions only move forward and destroyed is terminal.
const (
	WidgetUninitialized WidgetState = "uninitialized"
	WidgetInitializing  WidgetState = "initializing"
	WidgetActive        WidgetState = "active"
	WidgetDestroying    WidgetState = "destroying"
	WidgetDestroyed     WidgetState = "destroyed"
)

// LifecycleOption is a function that configures a LifecycleManager.
type LifecycleOption func(*LifecycleManager)

// LifecycleManager mounts widget instances, wires them to the Dispatcher and the Bridge and
// supervises their hooks with deadlines.
//
// An instance whose Initialize fails never stays subscribed: it goes straight to destroyed.
// Unmount always ends in destroyed within the teardown deadline, whether the Destroy hook
// returns, fails, panics or hangs.
type LifecycleManager struct {
	dispatcher *Dispatcher
	bridge     *Bridge
	logger     *slog.Logger

	initTimeout      time.Duration
	teardownDeadline time.Duration
	refreshTimeout   time.Duration

	mu        sync.Mutex
	instances map[string]*Instance
	closed    bool
	mounting  sync.WaitGroup
}

var (
	defaultInitTimeout      = 10 * time.Second
	defaultTeardownDeadline = 5 * time.Second
	defaultRefreshTimeout   = 5 * time.Second
)

// WithLifecycleLogger sets the logger of the lifecycle manager.
func WithLifecycleLogger(logger *slog.Logger) LifecycleOption {
	return func(l *LifecycleManager) {
		l.logger = logger
	}
}

// WithInitTimeout bounds the Initialize hook.
func WithInitTimeout(timeout time.Duration) LifecycleOption {
	return func(l *LifecycleManager) {
		l.initTimeout = timeout
	}
}

// WithTeardownDeadline bounds the Destroy hook.
func WithTeardownDeadline(deadline time.Duration) LifecycleOption {
	return func(l *LifecycleManager) {
		l.teardownDeadline = deadline
	}
}

// WithRefreshTimeout bounds the Refresh hook.
func WithRefreshTimeout(timeout time.Duration) LifecycleOption {
	return func(l *LifecycleManager) {
		l.refreshTimeout = timeout
	}
}

// NewLifecycleManager creates a LifecycleManager.
func NewLifecycleManager(dispatcher *Dispatcher, bridge *Bridge, options ...LifecycleOption) *LifecycleManager {
	l := &LifecycleManager{
		dispatcher: dispatcher,
		bridge:     bridge,
		logger:     slog.Default(),
		instances:  make(map[string]*Instance),
	}
	for _, opt := range options {
		opt(l)
	}

	if l.initTimeout == 0 {
		l.initTimeout = defaultInitTimeout
	}
	if l.teardownDeadline == 0 {
		l.teardownDeadline = defaultTeardownDeadline
	}
	if l.refreshTimeout == 0 {
		l.refreshTimeout = defaultRefreshTimeout
	}
	l.logger = l.logger.With(slog.String("component", "lifecycle"))

	return l
}

// Mount creates an instance of desc and runs its Initialize hook. On failure the instance is
// destroyed, every subscription it made is released and an InitializeFailed error is
// returned.
func (l *LifecycleManager) Mount(ctx context.Context, desc WidgetDescriptor) (*Instance, error) {
	if desc.Widget == nil {
		return nil, &Error{Kind: KindInitializeFailed, Message: "widget descriptor without widget"}
	}
	policy, err := NewPermissionPolicy(desc.TrustLevel, desc.AllowedOperations)
	if err != nil {
		return nil, &Error{Kind: KindInitializeFailed, Message: "invalid permission policy", Err: err}
	}

	inst := &Instance{
		id:        uuid.New().String(),
		name:      desc.Name,
		widget:    desc.Widget,
		policy:    policy,
		state:     WidgetUninitialized,
		releasers: make(map[uint64]func()),
	}
	wctx := &WidgetContext{
		instance:   inst,
		dispatcher: l.dispatcher,
		bridge:     &BridgeHandle{instance: inst, bridge: l.bridge},
	}
	logger := l.logger.With(slog.String("instanceId", inst.id), slog.String("widget", inst.name))

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, &Error{Kind: KindInitializeFailed, Message: "lifecycle manager is shut down"}
	}
	inst.transition(WidgetInitializing, WidgetUninitialized)
	l.instances[inst.id] = inst
	l.mounting.Add(1)
	l.mu.Unlock()
	defer l.mounting.Done()

	if eh, ok := desc.Widget.(EventHandler); ok {
		for _, pattern := range eh.Channels() {
			if _, err := wctx.Subscribe(pattern, eh.HandleEvent); err != nil {
				return nil, l.abortMount(inst, logger, fmt.Errorf("failed to subscribe to %s: %w", pattern, err))
			}
		}
	}

	err = runHook(ctx, l.initTimeout, func(hctx context.Context) error {
		return desc.Widget.Initialize(hctx, wctx)
	})
	if err != nil {
		return nil, l.abortMount(inst, logger, err)
	}

	// Activation and Shutdown are ordered by l.mu, so Shutdown never misses an instance.
	l.mu.Lock()
	closed := l.closed
	_, ok := inst.transition(WidgetActive, WidgetInitializing)
	if closed && ok {
		inst.transition(WidgetDestroying, WidgetActive)
	}
	l.mu.Unlock()
	if !ok {
		return nil, l.abortMount(inst, logger, errors.New("instance left initializing state during initialization"))
	}
	if closed {
		if err := runHook(ctx, l.teardownDeadline, inst.widget.Destroy); err != nil {
			logger.Warn("failed to destroy widget mounted during shutdown", "err", err)
		}
		return nil, l.abortMount(inst, logger, errors.New("lifecycle manager shut down during initialization"))
	}

	logger.Info("widget mounted", slog.String("trust", string(policy.TrustLevel())))
	l.dispatcher.Publish(ChannelWidgetMounted, l.status(inst, "", ""))
	return inst, nil
}

// EventHandler is implemented by widgets that want events delivered from mount on. The
// subscriptions are made before Initialize runs and released with the instance.
type EventHandler interface {
	Channels() []string
	HandleEvent(ev Event)
}

func (l *LifecycleManager) abortMount(inst *Instance, logger *slog.Logger, cause error) error {
	inst.transition(WidgetDestroyed, WidgetInitializing, WidgetActive, WidgetDestroying)
	inst.releaseAll()
	l.forget(inst)

	err := &Error{
		Kind:    KindInitializeFailed,
		Message: fmt.Sprintf("failed to initialize widget %s", inst.name),
		Err:     cause,
	}
	logger.Error("failed to initialize widget", "err", cause)
	l.dispatcher.Publish(ChannelWidgetLifecycleErr, l.status(inst, KindInitializeFailed, cause.Error()))
	return err
}

// Unmount tears inst down. Unmounting an instance that is not active is a logged no-op. The
// instance ends destroyed even if its Destroy hook fails or overruns the teardown deadline;
// the failure is returned and published, never retried.
func (l *LifecycleManager) Unmount(ctx context.Context, inst *Instance) error {
	logger := l.logger.With(slog.String("instanceId", inst.id), slog.String("widget", inst.name))

	if prev, ok := inst.transition(WidgetDestroying, WidgetActive); !ok {
		logger.Warn("ignoring unmount", slog.String("state", string(prev)))
		return nil
	}

	err := runHook(ctx, l.teardownDeadline, inst.widget.Destroy)

	inst.releaseAll()
	inst.transition(WidgetDestroyed, WidgetDestroying)
	l.forget(inst)

	var herr error
	if err != nil {
		kind := KindDestroyFailed
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTeardownTimeout
		}
		herr = &Error{Kind: kind, Message: fmt.Sprintf("failed to destroy widget %s", inst.name), Err: err}
		logger.Error("widget teardown failed", slog.String("kind", string(kind)), "err", err)
		l.dispatcher.Publish(ChannelWidgetLifecycleErr, l.status(inst, kind, err.Error()))
	}

	logger.Info("widget destroyed")
	l.dispatcher.Publish(ChannelWidgetDestroyed, l.status(inst, "", ""))
	return herr
}

// Refresh runs the Refresh hook of an active instance. In any other state it is a logged
// no-op.
func (l *LifecycleManager) Refresh(ctx context.Context, inst *Instance) error {
	logger := l.logger.With(slog.String("instanceId", inst.id), slog.String("widget", inst.name))

	if st := inst.State(); st != WidgetActive {
		logger.Warn("ignoring refresh", slog.String("state", string(st)))
		return nil
	}
	if err := runHook(ctx, l.refreshTimeout, inst.widget.Refresh); err != nil {
		logger.Error("failed to refresh widget", "err", err)
		return fmt.Errorf("failed to refresh widget %s: %w", inst.name, err)
	}
	return nil
}

// Shutdown unmounts every active instance concurrently and waits for mounts in progress to
// be aborted. Mount fails once Shutdown has been called.
func (l *LifecycleManager) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	mounted := make(chan struct{})
	go func() {
		l.mounting.Wait()
		close(mounted)
	}()

	var g errgroup.Group
	g.Go(func() error {
		select {
		case <-mounted:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("failed to wait for mounts in progress: %w", ctx.Err())
		}
	})
	for _, inst := range l.Instances() {
		g.Go(func() error {
			return l.Unmount(ctx, inst)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to shutdown widgets: %w", err)
	}
	return nil
}

// Policy implements PolicyLookup. Only instances that are initializing or active have a
// policy.
func (l *LifecycleManager) Policy(instanceID string) (PermissionPolicy, bool) {
	inst, ok := l.Instance(instanceID)
	if !ok || !inst.alive() {
		return PermissionPolicy{}, false
	}
	return inst.policy, true
}

// Instance returns the mounted instance id.
func (l *LifecycleManager) Instance(id string) (*Instance, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst, ok := l.instances[id]
	return inst, ok
}

// Instances returns every mounted instance, sorted by id.
func (l *LifecycleManager) Instances() []*Instance {
	l.mu.Lock()
	ids := slices.Sorted(maps.Keys(l.instances))
	insts := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		insts = append(insts, l.instances[id])
	}
	l.mu.Unlock()
	return insts
}

func (l *LifecycleManager) forget(inst *Instance) {
	l.mu.Lock()
	if l.instances[inst.id] == inst {
		delete(l.instances, inst.id)
	}
	l.mu.Unlock()
}

func (l *LifecycleManager) status(inst *Instance, kind Kind, msg string) WidgetStatus {
	return WidgetStatus{
		InstanceID: inst.id,
		Widget:     inst.name,
		State:      inst.State(),
		TrustLevel: inst.policy.TrustLevel(),
		Kind:       kind,
		Message:    msg,
	}
}

// runHook runs fn with a deadline of timeout. It returns when fn returns or the deadline
// passes, whichever is first; a hook that ignores its context is left behind. Panics are
// returned as errors.
func runHook(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errs := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errs <- fmt.Errorf("hook panicked: %v", r)
			}
		}()
		errs <- fn(hctx)
	}()

	select {
	case err := <-errs:
		return err
	case <-hctx.Done():
		return hctx.Err()
	}
}
