// Package approval is the Ops Approval engine: it creates actions under the
// matching policy, records votes, decides approval through the quorum
// evaluator, and runs approved actions exactly once.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/opsgate/pkg/audit"
	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
	"github.com/Mindburn-Labs/opsgate/pkg/escalation"
	"github.com/Mindburn-Labs/opsgate/pkg/executor"
	"github.com/Mindburn-Labs/opsgate/pkg/lock"
	"github.com/Mindburn-Labs/opsgate/pkg/observability"
	"github.com/Mindburn-Labs/opsgate/pkg/policy"
	"github.com/Mindburn-Labs/opsgate/pkg/signing"
	"github.com/Mindburn-Labs/opsgate/pkg/store"
	"github.com/Mindburn-Labs/opsgate/pkg/webhook"
)

// AutoExecuteActor is recorded as executor of auto-executed actions.
const AutoExecuteActor = "system:auto-execute"

const autoExecuteBatch = 100

// retryPolicy bounds attempts to commit an execution outcome.
type retryPolicy struct {
	tries    uint
	interval time.Duration
}

var defaultFinishRetry = retryPolicy{tries: 5, interval: 100 * time.Millisecond}

// Service is safe for concurrent use. It holds no lock of its own; the
// action row is the unit of mutual exclusion.
type Service struct {
	store       store.Store
	matcher     *policy.Matcher
	dispatcher  *executor.Dispatcher
	recorder    *audit.Recorder
	publisher   webhook.Publisher
	verifier    *signing.Verifier
	locker      lock.Locker
	sweeper     *escalation.Sweeper
	telemetry   *observability.Provider
	finishRetry retryPolicy
	clock       func() time.Time
	logger      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p webhook.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithVerifier enables vote signature checks.
func WithVerifier(v *signing.Verifier) Option {
	return func(s *Service) { s.verifier = v }
}

// WithRecorder shares an audit recorder (and its failure sink).
func WithRecorder(r *audit.Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithLocker guards escalation sweeps with a lease.
func WithLocker(l lock.Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithTelemetry traces and meters service operations.
func WithTelemetry(p *observability.Provider) Option {
	return func(s *Service) { s.telemetry = p }
}

// WithFinishRetry sets how often, starting at interval and backing off
// exponentially, a handler's outcome is retried when its commit fails.
func WithFinishRetry(tries uint, interval time.Duration) Option {
	return func(s *Service) {
		if tries > 0 && interval > 0 {
			s.finishRetry = retryPolicy{tries: tries, interval: interval}
		}
	}
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// NewService wires the engine over st. Policies are read from st.
func NewService(st store.Store, dispatcher *executor.Dispatcher, opts ...Option) (*Service, error) {
	if st == nil || dispatcher == nil {
		return nil, fmt.Errorf("approval: store and dispatcher are required")
	}
	m, err := policy.NewMatcher(st)
	if err != nil {
		return nil, err
	}
	s := &Service{
		store:       st,
		matcher:     m,
		dispatcher:  dispatcher,
		publisher:   webhook.NopPublisher{},
		finishRetry: defaultFinishRetry,
		clock:       time.Now,
		logger:      slog.Default().With("component", "approval"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.recorder == nil {
		s.recorder = audit.NewRecorder(audit.NewFailureSink(0))
	}
	sweepOpts := []escalation.Option{
		escalation.WithClock(s.clock),
		escalation.WithRecorder(s.recorder),
		escalation.WithPublisher(s.publisher),
	}
	if s.locker != nil {
		sweepOpts = append(sweepOpts, escalation.WithLocker(s.locker))
	}
	if s.telemetry != nil {
		sweepOpts = append(sweepOpts, escalation.WithTelemetry(s.telemetry))
	}
	s.sweeper = escalation.NewSweeper(st, sweepOpts...)
	return s, nil
}

// Sweeper returns the escalation sweeper bound to this service.
func (s *Service) Sweeper() *escalation.Sweeper { return s.sweeper }

// AuditFailures exposes the audit failure sink.
func (s *Service) AuditFailures() *audit.FailureSink { return s.recorder.Sink() }

// RunEscalationSweep runs one sweep pass.
func (s *Service) RunEscalationSweep(ctx context.Context) (escalation.Report, error) {
	return s.sweeper.RunOnce(ctx)
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

// publish emits an event after commit. Failures never reach the caller.
func (s *Service) publish(ctx context.Context, t webhook.EventType, a *contracts.Action) {
	ev, err := webhook.NewEvent(t, a, s.now())
	if err != nil {
		s.logger.ErrorContext(ctx, "webhook event build failed", "action_id", a.ID, "type", t, "error", err)
		return
	}
	s.publisher.Publish(ctx, ev)
}

// publishStatus emits the event matching a's status, if any.
func (s *Service) publishStatus(ctx context.Context, a *contracts.Action) {
	if t, ok := webhook.EventFor(a.Status); ok {
		s.publish(ctx, t, a)
	}
}

// transition records a status change in the audit snapshot.
type transition struct {
	From   contracts.ActionStatus `json:"from"`
	To     contracts.ActionStatus `json:"to"`
	Reason string                 `json:"reason,omitempty"`
	Result json.RawMessage        `json:"result,omitempty"`
}
