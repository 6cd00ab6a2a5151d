package mcphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MediatorOption is a function that configures a Mediator.
type MediatorOption func(*Mediator)

// Confirmer asks the user to approve a write-capable operation. Confirm must return once the
// user decided or ctx is done.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmationRequest) (bool, error)
}

// ConfirmerFunc is a function that implements Confirmer.
type ConfirmerFunc func(ctx context.Context, req ConfirmationRequest) (bool, error)

// ConfirmationRequest is what the user is asked to approve.
type ConfirmationRequest struct {
	CorrelationID string
	InstanceID    string
	ServerName    string
	Operation     string
	Description   string
	Arguments     json.RawMessage
	TrustLevel    TrustLevel
}

// RequestState is the state of one operation request inside the Mediator.
type RequestState string

// Request states.
const (
	RequestRequested     RequestState = "requested"
	RequestPolicyChecked RequestState = "policy-checked"
	RequestConfirming    RequestState = "confirming"
	RequestApproved      RequestState = "approved"
	RequestRejected      RequestState = "rejected"
	RequestDispatched    RequestState = "dispatched"
	RequestAborted       RequestState = "aborted"
)

var requestTransitions = map[RequestState][]RequestState{
	RequestRequested:     {RequestPolicyChecked, RequestRejected},
	RequestPolicyChecked: {RequestConfirming, RequestApproved, RequestRejected},
	RequestConfirming:    {RequestApproved, RequestRejected},
	RequestApproved:      {RequestDispatched, RequestAborted},
	RequestRejected:      {RequestAborted},
}

// Mediator gates every operation requested on op:invoke-requested. It applies the requesting
// instance's policy, asks for confirmation of write-capable operations below enterprise trust,
// validates arguments and only then dispatches through the Bridge. Requests refused by policy,
// the user, or validation never reach the Bridge, and still end with one op:error event.
type Mediator struct {
	dispatcher *Dispatcher
	bridge     *Bridge
	policies   PolicyLookup
	confirmer  Confirmer
	validator  *argumentValidator
	logger     *slog.Logger

	confirmTimeout time.Duration

	mu       sync.Mutex
	sub      *Subscription
	inflight map[string]RequestState
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var defaultConfirmTimeout = 2 * time.Minute

// Confirm implements Confirmer.
func (f ConfirmerFunc) Confirm(ctx context.Context, req ConfirmationRequest) (bool, error) {
	return f(ctx, req)
}

// WithMediatorLogger sets the logger of the mediator.
func WithMediatorLogger(logger *slog.Logger) MediatorOption {
	return func(m *Mediator) {
		m.logger = logger
	}
}

// WithConfirmTimeout bounds how long the mediator waits for the user. An unanswered
// confirmation counts as a rejection.
func WithConfirmTimeout(timeout time.Duration) MediatorOption {
	return func(m *Mediator) {
		m.confirmTimeout = timeout
	}
}

// NewMediator creates a Mediator. Call Start to begin handling requests.
func NewMediator(
	dispatcher *Dispatcher,
	bridge *Bridge,
	policies PolicyLookup,
	confirmer Confirmer,
	options ...MediatorOption,
) *Mediator {
	m := &Mediator{
		dispatcher: dispatcher,
		bridge:     bridge,
		policies:   policies,
		confirmer:  confirmer,
		validator:  newArgumentValidator(),
		logger:     slog.Default(),
		inflight:   make(map[string]RequestState),
	}
	for _, opt := range options {
		opt(m)
	}

	if m.confirmTimeout == 0 {
		m.confirmTimeout = defaultConfirmTimeout
	}
	m.logger = m.logger.With(slog.String("component", "mediator"))
	m.ctx, m.cancel = context.WithCancel(context.Background())

	return m
}

// Start subscribes the mediator to op:invoke-requested.
func (m *Mediator) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("mediator is closed")
	}
	if m.sub != nil {
		return nil
	}
	sub, err := m.dispatcher.Subscribe(ChannelInvokeRequested, m.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", ChannelInvokeRequested, err)
	}
	m.sub = sub
	return nil
}

// Close stops accepting requests, cancels pending confirmations and waits for requests in
// flight to finish or ctx to be done. Requests still queued when Close is called end with an
// op:error of kind Cancelled; requests published afterwards are not seen.
func (m *Mediator) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()

	// Requests still queued on the subscription are answered rather than dropped.
	if sub != nil {
		for _, ev := range m.dispatcher.Drain(sub) {
			m.handle(ev)
		}
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for requests in flight: %w", ctx.Err())
	}
}

// InFlight returns the number of requests the mediator is processing.
func (m *Mediator) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// State returns the state of the request correlationID, if it is in flight.
func (m *Mediator) State(correlationID string) (RequestState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.inflight[correlationID]
	return st, ok
}

func (m *Mediator) handle(ev Event) {
	req, err := decodeRequest(ev.Payload)
	if err != nil {
		m.logger.Error("unexpected payload on invoke channel",
			slog.String("type", fmt.Sprintf("%T", ev.Payload)), "err", err)
		m.fail(req, &Error{Kind: KindValidation, Message: "malformed operation request", Err: err})
		return
	}

	if req.CorrelationID == "" {
		m.fail(req, &Error{Kind: KindValidation, ServerName: req.ServerName, Message: "missing correlation id"})
		return
	}

	// Debounce happens on the subscription goroutine so that a duplicate published right
	// after the original is always seen.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.fail(req, &Error{
			Kind:          KindCancelled,
			ServerName:    req.ServerName,
			CorrelationID: req.CorrelationID,
			Message:       "mediator is shutting down",
		})
		return
	}
	if _, dup := m.inflight[req.CorrelationID]; dup {
		m.mu.Unlock()
		m.logger.Warn("duplicate operation request",
			slog.String("correlationId", req.CorrelationID),
			slog.String("operation", req.Operation))
		m.fail(req, &Error{
			Kind:          KindDuplicateRequest,
			ServerName:    req.ServerName,
			CorrelationID: req.CorrelationID,
			Message:       "a request with this correlation id is already pending",
		})
		return
	}
	m.inflight[req.CorrelationID] = RequestRequested
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.inflight, req.CorrelationID)
			m.mu.Unlock()
		}()
		m.mediate(req)
	}()
}

// decodeRequest accepts an OperationRequest value or pointer, or anything that marshals to
// the same JSON shape.
func decodeRequest(payload any) (OperationRequest, error) {
	switch p := payload.(type) {
	case OperationRequest:
		return p, nil
	case *OperationRequest:
		if p == nil {
			return OperationRequest{}, errors.New("nil operation request")
		}
		return *p, nil
	case nil:
		return OperationRequest{}, errors.New("empty payload")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return OperationRequest{}, err
	}
	var req OperationRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return OperationRequest{}, err
	}
	return req, nil
}

func (m *Mediator) mediate(req OperationRequest) {
	logger := m.logger.With(
		slog.String("correlationId", req.CorrelationID),
		slog.String("instanceId", req.InstanceID),
		slog.String("server", req.ServerName),
		slog.String("operation", req.Operation))

	policy, ok := m.policies.Policy(req.InstanceID)
	if !ok || !policy.Allows(req.ServerName, req.Operation) {
		msg := fmt.Sprintf("operation %s is not allowed for this widget", req.Operation)
		if !ok {
			msg = "no active widget instance " + req.InstanceID
		}
		m.reject(req, policy.TrustLevel(), DecisionDenied, &Error{
			Kind:          KindInsufficientTrust,
			ServerName:    req.ServerName,
			CorrelationID: req.CorrelationID,
			Message:       msg,
		})
		return
	}
	m.transition(req.CorrelationID, RequestPolicyChecked)

	desc, err := m.bridge.Describe(m.ctx, req.ServerName, req.Operation)
	if err != nil {
		logger.Error("failed to describe operation", "err", err)
		m.reject(req, policy.TrustLevel(), DecisionInvalid, err)
		return
	}

	var outcome DecisionOutcome
	switch {
	case desc.ReadOnly:
		outcome = DecisionReadOnly
	case !policy.RequiresConfirmation():
		outcome = DecisionBypassed
		logger.Info("confirmation bypassed", slog.String("trust", string(policy.TrustLevel())))
	default:
		m.transition(req.CorrelationID, RequestConfirming)
		approved, err := m.confirm(req, desc, policy)
		if err != nil || !approved {
			rerr := &Error{
				Kind:          KindUserRejected,
				ServerName:    req.ServerName,
				CorrelationID: req.CorrelationID,
				Message:       "operation rejected by user",
			}
			if err != nil {
				rerr.Message = "confirmation failed"
				rerr.Err = err
				logger.Warn("confirmation failed", "err", err)
			}
			m.reject(req, policy.TrustLevel(), DecisionRejected, rerr)
			return
		}
		outcome = DecisionApproved
	}

	m.transition(req.CorrelationID, RequestApproved)

	if err := m.validator.validate(desc, req.Arguments); err != nil {
		e := asError(err, KindValidation)
		e.CorrelationID = req.CorrelationID
		m.decide(req, policy.TrustLevel(), DecisionInvalid, e.Message)
		m.transition(req.CorrelationID, RequestAborted)
		m.fail(req, e)
		return
	}

	m.decide(req, policy.TrustLevel(), outcome, "")

	m.transition(req.CorrelationID, RequestDispatched)
	if _, err := m.bridge.dispatch(m.ctx, req); err != nil {
		logger.Debug("operation failed", "err", err)
	}
}

func (m *Mediator) confirm(req OperationRequest, desc OperationDescriptor, policy PermissionPolicy) (bool, error) {
	if m.confirmer == nil {
		return false, errors.New("no confirmer configured")
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.confirmTimeout)
	defer cancel()

	type answer struct {
		approved bool
		err      error
	}
	answers := make(chan answer, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				answers <- answer{err: fmt.Errorf("confirmer panicked: %v", r)}
			}
		}()
		ok, err := m.confirmer.Confirm(ctx, ConfirmationRequest{
			CorrelationID: req.CorrelationID,
			InstanceID:    req.InstanceID,
			ServerName:    req.ServerName,
			Operation:     req.Operation,
			Description:   desc.Description,
			Arguments:     req.Arguments,
			TrustLevel:    policy.TrustLevel(),
		})
		answers <- answer{approved: ok, err: err}
	}()

	select {
	case a := <-answers:
		return a.approved, a.err
	case <-ctx.Done():
		return false, fmt.Errorf("no answer from user: %w", ctx.Err())
	}
}

// reject walks the request to aborted, records the decision and publishes the failure.
func (m *Mediator) reject(req OperationRequest, trust TrustLevel, outcome DecisionOutcome, err error) {
	m.transition(req.CorrelationID, RequestRejected)
	reason := err.Error()
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		reason = e.Message
	}
	m.decide(req, trust, outcome, reason)
	m.transition(req.CorrelationID, RequestAborted)
	m.fail(req, err)
}

func (m *Mediator) decide(req OperationRequest, trust TrustLevel, outcome DecisionOutcome, reason string) {
	m.dispatcher.Publish(ChannelDecision, OperationDecision{
		CorrelationID: req.CorrelationID,
		InstanceID:    req.InstanceID,
		ServerName:    req.ServerName,
		Operation:     req.Operation,
		TrustLevel:    trust,
		Outcome:       outcome,
		Reason:        reason,
	})
}

func (m *Mediator) fail(req OperationRequest, err error) {
	publishFailure(m.dispatcher, req, err)
}

func (m *Mediator) transition(id string, to RequestState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, ok := m.inflight[id]
	if !ok {
		return
	}
	for _, allowed := range requestTransitions[from] {
		if allowed == to {
			m.inflight[id] = to
			return
		}
	}
	m.logger.Error("illegal request transition",
		slog.String("correlationId", id),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
}
