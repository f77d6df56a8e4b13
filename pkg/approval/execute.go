package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
	"github.com/Mindburn-Labs/opsgate/pkg/observability"
	"github.com/Mindburn-Labs/opsgate/pkg/store"
)

// ExecutionOutcome reports one handler run. A handler failure is an
// outcome with Status failed, not an error of Execute.
type ExecutionOutcome struct {
	Action   *contracts.Action      `json:"action"`
	Status   contracts.ActionStatus `json:"status"`
	Result   json.RawMessage        `json:"result,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Duration time.Duration          `json:"duration_ns"`
}

// errNotExecuting means another writer finished or moved the action
// first; recording the outcome again cannot succeed.
var errNotExecuting = errors.New("action is no longer executing")

type executingSnapshot struct {
	ExecutorID string `json:"executor_id"`
	ActionType string `json:"action_type"`
}

// Execute runs the handler of an approved action. Exactly one concurrent
// caller claims the approved -> executing transition; the others get
// ErrAlreadyExecuting or ErrActionNotApproved.
func (s *Service) Execute(ctx context.Context, actionID, executorID string) (*ExecutionOutcome, error) {
	ctx, finish := s.telemetry.TrackOperation(ctx, "approval.execute", observability.AttrActionID.String(actionID))
	out, err := s.execute(ctx, actionID, executorID)
	if out != nil {
		trace.SpanFromContext(ctx).SetAttributes(
			observability.AttrActionType.String(out.Action.ActionType),
			observability.AttrActionStatus.String(string(out.Status)),
		)
	}
	finish(err)
	return out, err
}

func (s *Service) execute(ctx context.Context, actionID, executorID string) (*ExecutionOutcome, error) {
	executorID = contracts.NormalizeID(executorID)
	if executorID == "" {
		return nil, validationf("executor_id is required")
	}

	claimed, err := s.claim(ctx, actionID, executorID)
	if err != nil {
		return nil, err
	}

	// Once claimed, the handler runs to completion or timeout and its
	// outcome is recorded even if the caller goes away.
	detached := context.WithoutCancel(ctx)
	run := s.dispatcher.Run(detached, claimed.ActionType, claimed.Target, claimed.Params)

	status := contracts.StatusExecuted
	var result json.RawMessage
	errText := ""
	if run.Failed() {
		status = contracts.StatusFailed
		errText = run.Err.Error()
	} else if result, err = json.Marshal(run.Result); err != nil {
		status = contracts.StatusFailed
		errText = fmt.Sprintf("handler result not encodable: %v", err)
	}
	if status == contracts.StatusFailed {
		result, _ = json.Marshal(map[string]string{"error": errText})
	}

	final, err := s.recordOutcome(detached, claimed.ID, executorID, status, result)
	if err != nil {
		kind := contracts.AuditExecuted
		if status == contracts.StatusFailed {
			kind = contracts.AuditFailed
		}
		s.recorder.Sink().ReportOutcome(detached, claimed.ID, kind, executorID,
			fmt.Errorf("%w (handler status %s, result %s)", err, status, result))
		return nil, fmt.Errorf("%w: record outcome of %s: %v", ErrExecution, actionID, err)
	}

	log := s.logger.InfoContext
	if status == contracts.StatusFailed {
		log = s.logger.WarnContext
	}
	log(ctx, "action execution finished",
		"action_id", final.ID, "action_type", final.ActionType, "status", status,
		"executed_by", executorID, "duration", run.Duration, "error", errText)
	s.publishStatus(detached, final)

	return &ExecutionOutcome{
		Action:   final,
		Status:   status,
		Result:   result,
		Error:    errText,
		Duration: run.Duration,
	}, nil
}

func (s *Service) claim(ctx context.Context, actionID, executorID string) (*contracts.Action, error) {
	var claimed *contracts.Action
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		a, err := tx.LockAction(ctx, actionID)
		if err != nil {
			return translate(err, "execute")
		}
		switch a.Status {
		case contracts.StatusApproved:
		case contracts.StatusExecuting:
			return ErrAlreadyExecuting
		default:
			return fmt.Errorf("%w: status is %s", ErrActionNotApproved, a.Status)
		}
		now := s.now()
		a.Status = contracts.StatusExecuting
		a.UpdatedAt = now
		if err := tx.UpdateAction(ctx, a); err != nil {
			return translate(err, "claim execution")
		}
		s.recorder.Record(ctx, tx, a.ID, contracts.AuditExecuting, executorID,
			executingSnapshot{ExecutorID: executorID, ActionType: a.ActionType}, now)
		claimed = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// recordOutcome retries finish with exponential backoff. Conflicts are
// not retried.
func (s *Service) recordOutcome(ctx context.Context, actionID, executorID string, status contracts.ActionStatus, result json.RawMessage) (*contracts.Action, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.finishRetry.interval
	b.MaxInterval = 20 * s.finishRetry.interval
	return backoff.Retry(ctx, func() (*contracts.Action, error) {
		a, err := s.finish(ctx, actionID, executorID, status, result)
		if err != nil && (errors.Is(err, errNotExecuting) || errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound)) {
			return nil, backoff.Permanent(err)
		}
		return a, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.finishRetry.tries),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.WarnContext(ctx, "recording execution outcome failed, retrying",
				"action_id", actionID, "status", status, "error", err, "retry_in", next)
		}),
	)
}

func (s *Service) finish(ctx context.Context, actionID, executorID string, status contracts.ActionStatus, result json.RawMessage) (*contracts.Action, error) {
	var final *contracts.Action
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		a, err := tx.LockAction(ctx, actionID)
		if err != nil {
			return err
		}
		if a.Status != contracts.StatusExecuting {
			return fmt.Errorf("%w: found %s", errNotExecuting, a.Status)
		}
		now := s.now()
		a.Status = status
		a.Result = result
		a.ExecutedBy = executorID
		a.ExecutedAt = &now
		a.UpdatedAt = now
		if err := tx.UpdateAction(ctx, a); err != nil {
			return err
		}
		kind := contracts.AuditExecuted
		if status == contracts.StatusFailed {
			kind = contracts.AuditFailed
		}
		s.recorder.Record(ctx, tx, a.ID, kind, executorID,
			transition{From: contracts.StatusExecuting, To: status, Result: result}, now)
		final = a
		return nil
	})
	return final, err
}

// Reject moves an action that has not started executing to rejected.
func (s *Service) Reject(ctx context.Context, actionID, actorID, reason string) (*contracts.Action, error) {
	actorID = contracts.NormalizeID(actorID)
	if actorID == "" {
		return nil, validationf("actor is required")
	}
	var rejected *contracts.Action
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		a, err := tx.LockAction(ctx, actionID)
		if err != nil {
			return translate(err, "reject")
		}
		if !contracts.CanTransition(a.Status, contracts.StatusRejected) {
			return fmt.Errorf("%w: cannot reject action in status %s", ErrInvalidState, a.Status)
		}
		now := s.now()
		from := a.Status
		a.Status = contracts.StatusRejected
		a.UpdatedAt = now
		if err := tx.UpdateAction(ctx, a); err != nil {
			return translate(err, "reject")
		}
		if reason == "" {
			reason = "rejected by operator"
		}
		s.recorder.Record(ctx, tx, a.ID, contracts.AuditRejected, actorID,
			transition{From: from, To: a.Status, Reason: reason}, now)
		rejected = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "action rejected", "action_id", rejected.ID, "actor", actorID, "reason", reason)
	s.publishStatus(ctx, rejected)
	return rejected, nil
}

// AutoExecuteReport summarises one auto-execute pass.
type AutoExecuteReport struct {
	Scanned  int `json:"scanned"`
	Executed int `json:"executed"`
	Failed   int `json:"failed"`
	Errors   int `json:"errors"`
}

// RunAutoExecutePass dispatches approved auto-execute actions that were
// left behind, e.g. by a crash between approval and dispatch. Errors on one
// action do not stop the pass.
func (s *Service) RunAutoExecutePass(ctx context.Context) (AutoExecuteReport, error) {
	var rep AutoExecuteReport
	actions, err := s.store.ListApprovedAutoExecute(ctx, autoExecuteBatch)
	if err != nil {
		return rep, fmt.Errorf("list approved auto-execute actions: %w", err)
	}
	for _, a := range actions {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Scanned++
		out, err := s.Execute(ctx, a.ID, AutoExecuteActor)
		switch {
		case err != nil:
			rep.Errors++
			s.logger.WarnContext(ctx, "auto-execute pass: action skipped", "action_id", a.ID, "error", err)
		case out.Status == contracts.StatusFailed:
			rep.Failed++
		default:
			rep.Executed++
		}
	}
	return rep, nil
}
