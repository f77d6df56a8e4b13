// Package escalation runs the periodic deadline sweep over voting-phase
// actions: escalate once when an escalation role is configured, otherwise
// close the action as expired (or rejected when quorum was met but the
// approval ratio was not).
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/opsgate/pkg/audit"
	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
	"github.com/Mindburn-Labs/opsgate/pkg/lock"
	"github.com/Mindburn-Labs/opsgate/pkg/observability"
	"github.com/Mindburn-Labs/opsgate/pkg/quorum"
	"github.com/Mindburn-Labs/opsgate/pkg/store"
	"github.com/Mindburn-Labs/opsgate/pkg/webhook"
)

// SweepActor is recorded as the actor of sweeper transitions.
const SweepActor = "system:sweeper"

const (
	defaultBatch    = 500
	defaultLeaseTTL = 2 * time.Minute
)

// Outcome of sweeping one action.
type Outcome string

const (
	OutcomeEscalated Outcome = "escalated"
	OutcomeExpired   Outcome = "expired"
	OutcomeRejected  Outcome = "rejected"
	OutcomeSkipped   Outcome = "skipped"
)

// Report summarises one sweep.
type Report struct {
	Scanned   int  `json:"scanned"`
	Escalated int  `json:"escalated"`
	Expired   int  `json:"expired"`
	Rejected  int  `json:"rejected"`
	Errors    int  `json:"errors"`
	LeaseHeld bool `json:"lease_held"`
}

// Sweeper is safe to run from several replicas when a Locker is set.
type Sweeper struct {
	store     store.Store
	recorder  *audit.Recorder
	publisher webhook.Publisher
	locker    lock.Locker
	clock     func() time.Time
	batch     int
	leaseTTL  time.Duration
	telemetry *observability.Provider
	logger    *slog.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Sweeper) { s.clock = clock }
}

func WithRecorder(r *audit.Recorder) Option {
	return func(s *Sweeper) { s.recorder = r }
}

func WithPublisher(p webhook.Publisher) Option {
	return func(s *Sweeper) { s.publisher = p }
}

// WithLocker makes each sweep hold lock.SweepKey; a sweep that cannot
// obtain it does nothing.
func WithLocker(l lock.Locker) Option {
	return func(s *Sweeper) { s.locker = l }
}

func WithTelemetry(p *observability.Provider) Option {
	return func(s *Sweeper) { s.telemetry = p }
}

// WithBatchSize bounds the actions handled per sweep.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

// NewSweeper creates a sweeper over st.
func NewSweeper(st store.Store, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:     st,
		publisher: webhook.NopPublisher{},
		clock:     time.Now,
		batch:     defaultBatch,
		leaseTTL:  defaultLeaseTTL,
		logger:    slog.Default().With("component", "escalation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.recorder == nil {
		s.recorder = audit.NewRecorder(audit.NewFailureSink(0))
	}
	return s
}

// RunOnce sweeps overdue actions. A failure on one action is logged and
// counted; the sweep continues with the next.
func (s *Sweeper) RunOnce(ctx context.Context) (rep Report, err error) {
	ctx, finish := s.telemetry.TrackOperation(ctx, "escalation.sweep")
	defer func() { finish(err) }()

	if s.locker != nil {
		lease, ok, err := s.locker.TryAcquire(ctx, lock.SweepKey, s.leaseTTL)
		if err != nil {
			return rep, fmt.Errorf("sweep lease: %w", err)
		}
		if !ok {
			s.logger.DebugContext(ctx, "sweep lease held elsewhere, skipping")
			return rep, nil
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.WarnContext(ctx, "sweep lease release failed", "error", err)
			}
		}()
	}
	rep.LeaseHeld = true

	now := s.clock().UTC()
	overdue, err := s.store.ListOverdue(ctx, now, s.batch)
	if err != nil {
		return rep, fmt.Errorf("list overdue actions: %w", err)
	}
	for _, a := range overdue {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Scanned++
		outcome, err := s.sweepAction(ctx, a.ID, now)
		if err != nil {
			rep.Errors++
			s.logger.ErrorContext(ctx, "sweep failed for action", "action_id", a.ID, "error", err)
			continue
		}
		switch outcome {
		case OutcomeEscalated:
			rep.Escalated++
		case OutcomeExpired:
			rep.Expired++
		case OutcomeRejected:
			rep.Rejected++
		}
	}
	if rep.Scanned > 0 {
		s.logger.InfoContext(ctx, "escalation sweep finished",
			"scanned", rep.Scanned, "escalated", rep.Escalated, "expired", rep.Expired,
			"rejected", rep.Rejected, "errors", rep.Errors)
	}
	return rep, nil
}

type sweepSnapshot struct {
	From           contracts.ActionStatus `json:"from"`
	To             contracts.ActionStatus `json:"to"`
	Reason         string                 `json:"reason"`
	Deadline       time.Time              `json:"deadline"`
	NewDeadline    *time.Time             `json:"new_deadline,omitempty"`
	EscalationRole string                 `json:"escalation_role,omitempty"`
	Evaluation     *quorum.Result         `json:"evaluation,omitempty"`
}

func (s *Sweeper) sweepAction(ctx context.Context, id string, now time.Time) (Outcome, error) {
	outcome := OutcomeSkipped
	var after *contracts.Action
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		a, err := tx.LockAction(ctx, id)
		if err != nil {
			return err
		}
		// Re-checked under the lock: a vote or an earlier sweep may have
		// moved it.
		if !a.Status.Votable() || !a.Overdue(now) {
			return nil
		}

		snap := sweepSnapshot{From: a.Status, Deadline: a.ExpiresAt}
		var kind contracts.AuditKind
		if a.EscalationRole != "" && !a.Escalated() {
			escalatedAt := now
			a.EscalatedAt = &escalatedAt
			a.ExpiresAt = a.ExpiresAt.Add(time.Duration(a.TimeoutSeconds) * time.Second)
			a.Status = contracts.StatusPendingApproval
			snap.Reason = "deadline passed, escalated"
			snap.NewDeadline = &a.ExpiresAt
			snap.EscalationRole = a.EscalationRole
			kind, outcome = contracts.AuditEscalated, OutcomeEscalated
		} else {
			votes, err := tx.ListVotes(ctx, a.ID)
			if err != nil {
				return fmt.Errorf("list votes: %w", err)
			}
			res := quorum.Evaluate(a.RequiredQuorum, a.RequiredRatio, votes)
			snap.Evaluation = &res
			if res.QuorumMet && !res.RatioMet {
				a.Status = contracts.StatusRejected
				snap.Reason = "approval ratio not met at deadline"
				kind, outcome = contracts.AuditRejected, OutcomeRejected
			} else {
				a.Status = contracts.StatusExpired
				snap.Reason = "deadline passed"
				kind, outcome = contracts.AuditExpired, OutcomeExpired
			}
		}
		snap.To = a.Status
		a.UpdatedAt = now
		if err := tx.UpdateAction(ctx, a); err != nil {
			return err
		}
		s.recorder.Record(ctx, tx, a.ID, kind, SweepActor, snap, now)
		after = a
		return nil
	})
	if err != nil {
		return OutcomeSkipped, err
	}
	if after == nil {
		return OutcomeSkipped, nil
	}
	s.publish(ctx, outcome, after, now)
	return outcome, nil
}

func (s *Sweeper) publish(ctx context.Context, outcome Outcome, a *contracts.Action, now time.Time) {
	var t webhook.EventType
	switch outcome {
	case OutcomeEscalated:
		t = webhook.EventEscalated
	case OutcomeExpired:
		t = webhook.EventExpired
	case OutcomeRejected:
		t = webhook.EventRejected
	default:
		return
	}
	ev, err := webhook.NewEvent(t, a, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "webhook event build failed", "action_id", a.ID, "error", err)
		return
	}
	s.publisher.Publish(ctx, ev)
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "escalation sweep failed", "error", err)
			}
		}
	}
}
