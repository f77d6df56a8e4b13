package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
)

// Failure scopes.
const (
	// ScopeAudit: the transition was committed without its audit event.
	ScopeAudit = "audit"
	// ScopeOutcome: a handler ran but its outcome could not be committed;
	// the action stays executing until an operator reconciles it.
	ScopeOutcome = "outcome"
)

// Failure is a write that could not be persisted.
type Failure struct {
	ActionID string              `json:"action_id"`
	Scope    string              `json:"scope"`
	Kind     contracts.AuditKind `json:"kind"`
	Actor    string              `json:"actor"`
	Error    string              `json:"error"`
	At       time.Time           `json:"at"`
}

// FailureSink surfaces lost writes to operators: an ERROR log line, the
// opsgate.audit.failures counter, and a bounded buffer of recent failures.
type FailureSink struct {
	mu       sync.Mutex
	recent   []Failure
	capacity int
	total    int64

	counter metric.Int64Counter
	logger  *slog.Logger
}

// NewFailureSink keeps the last capacity failures in memory.
func NewFailureSink(capacity int) *FailureSink {
	if capacity <= 0 {
		capacity = 256
	}
	s := &FailureSink{
		capacity: capacity,
		logger:   slog.Default().With("component", "audit"),
	}
	counter, err := otel.Meter("opsgate.audit").Int64Counter("opsgate.audit.failures",
		metric.WithDescription("Audit events and execution outcomes that failed to persist"),
		metric.WithUnit("{event}"),
	)
	if err == nil {
		s.counter = counter
	}
	return s
}

// Report records one failed append.
func (s *FailureSink) Report(ctx context.Context, actionID string, kind contracts.AuditKind, actor string, err error) {
	s.logger.ErrorContext(ctx, "audit append failed, transition kept without audit event",
		"action_id", actionID, "kind", kind, "actor", actor, "error", err)
	s.add(ctx, ScopeAudit, actionID, kind, actor, err)
}

// ReportOutcome records an execution outcome that could not be committed.
// kind is the audit event the outcome would have produced.
func (s *FailureSink) ReportOutcome(ctx context.Context, actionID string, kind contracts.AuditKind, actor string, err error) {
	s.logger.ErrorContext(ctx, "execution outcome not recorded, action left executing",
		"action_id", actionID, "kind", kind, "actor", actor, "error", err)
	s.add(ctx, ScopeOutcome, actionID, kind, actor, err)
}

func (s *FailureSink) add(ctx context.Context, scope, actionID string, kind contracts.AuditKind, actor string, err error) {
	f := Failure{
		ActionID: actionID,
		Scope:    scope,
		Kind:     kind,
		Actor:    actor,
		Error:    err.Error(),
		At:       time.Now().UTC(),
	}
	if s.counter != nil {
		s.counter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(kind)),
			attribute.String("scope", scope),
		))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if len(s.recent) == s.capacity {
		copy(s.recent, s.recent[1:])
		s.recent = s.recent[:len(s.recent)-1]
	}
	s.recent = append(s.recent, f)
}

// Recent returns buffered failures, oldest first, and the all-time count.
func (s *FailureSink) Recent() ([]Failure, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Failure, len(s.recent))
	copy(out, s.recent)
	return out, s.total
}

// Recorder appends chained events and routes failures to a FailureSink
// instead of failing the caller's transaction.
type Recorder struct {
	sink *FailureSink
}

func NewRecorder(sink *FailureSink) *Recorder {
	if sink == nil {
		sink = NewFailureSink(0)
	}
	return &Recorder{sink: sink}
}

// Sink returns the recorder's failure sink.
func (r *Recorder) Sink() *FailureSink { return r.sink }

// Record appends one event. It returns nil if the append failed.
func (r *Recorder) Record(ctx context.Context, tx Appender, actionID string, kind contracts.AuditKind, actor string, snapshot any, at time.Time) *contracts.AuditEvent {
	e, err := Append(ctx, tx, actionID, kind, actor, snapshot, at)
	if err != nil {
		r.sink.Report(ctx, actionID, kind, actor, err)
		return nil
	}
	return e
}
