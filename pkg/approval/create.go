package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
	"github.com/Mindburn-Labs/opsgate/pkg/executor"
	"github.com/Mindburn-Labs/opsgate/pkg/observability"
	"github.com/Mindburn-Labs/opsgate/pkg/store"
	"github.com/Mindburn-Labs/opsgate/pkg/webhook"
)

// CreateActionInput proposes an action. Nil override fields fall back to
// the matched policy, then to system defaults.
type CreateActionInput struct {
	IdempotencyKey string
	Origin         contracts.Origin
	ActionType     string
	Target         json.RawMessage
	Params         json.RawMessage
	CreatedBy      string

	RequiredQuorum *contracts.QuorumConfig
	RequiredRatio  *float64
	TimeoutSeconds *int64
	EscalationRole *string
	AutoExecute    *bool
	RejectOnVeto   *bool
}

func (in *CreateActionInput) overrides() contracts.PolicyOverrides {
	return contracts.PolicyOverrides{
		Quorum:         in.RequiredQuorum,
		Ratio:          in.RequiredRatio,
		TimeoutSeconds: in.TimeoutSeconds,
		EscalationRole: in.EscalationRole,
		AutoExecute:    in.AutoExecute,
		RejectOnVeto:   in.RejectOnVeto,
	}
}

func (in *CreateActionInput) validate() error {
	in.Origin = in.Origin.Canonical()
	if !in.Origin.Valid() {
		return validationf("unknown origin %q", in.Origin)
	}
	if strings.TrimSpace(in.ActionType) == "" {
		return validationf("action_type is required")
	}
	if in.CreatedBy == "" {
		return validationf("created_by is required")
	}
	if len(in.Target) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(in.Target, &obj); err != nil || obj == nil {
			return validationf("target must be a JSON object")
		}
	}
	if len(in.Params) > 0 && !json.Valid(in.Params) {
		return validationf("params must be valid JSON")
	}
	o := in.overrides()
	if err := o.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// createdSnapshot is the audit snapshot of a new action.
type createdSnapshot struct {
	Action     *contracts.Action `json:"action"`
	PolicyID   string            `json:"policy_id,omitempty"`
	PolicyName string            `json:"policy_name,omitempty"`
}

// CreateAction persists a new action in status requested. created is false
// when the idempotency key matched an existing action, which is returned
// unchanged.
func (s *Service) CreateAction(ctx context.Context, in CreateActionInput) (a *contracts.Action, created bool, err error) {
	in.CreatedBy = contracts.NormalizeID(in.CreatedBy)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	ctx, finish := s.telemetry.TrackOperation(ctx, "approval.create",
		observability.AttrActionType.String(in.ActionType), observability.AttrActionOrigin.String(string(in.Origin)))
	defer func() { finish(err) }()

	if err := in.validate(); err != nil {
		return nil, false, err
	}

	if in.IdempotencyKey != "" {
		existing, err := s.store.GetActionByIdempotencyKey(ctx, in.IdempotencyKey)
		switch {
		case err == nil:
			return existing, false, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, false, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	if err := s.dispatcher.Registry().ValidateParams(in.ActionType, in.Params); err != nil {
		if errors.Is(err, executor.ErrInvalidParams) {
			return nil, false, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, false, err
	}

	action := &contracts.Action{
		ID:             uuid.New().String(),
		IdempotencyKey: in.IdempotencyKey,
		Origin:         in.Origin,
		ActionType:     in.ActionType,
		Target:         in.Target,
		Params:         in.Params,
		Status:         contracts.StatusRequested,
		CreatedBy:      in.CreatedBy,
	}
	resolved, err := s.matcher.Match(ctx, in.ActionType, in.Origin, action.TargetMap())
	if err != nil {
		return nil, false, fmt.Errorf("policy match: %w", err)
	}
	resolved = resolved.Apply(in.overrides())
	if resolved.Quorum != nil {
		resolved.Quorum.Normalize()
	}

	now := s.now()
	action.RequiredQuorum = resolved.Quorum
	action.RequiredRatio = resolved.Ratio
	action.TimeoutSeconds = resolved.TimeoutSeconds
	action.EscalationRole = contracts.NormalizeID(resolved.EscalationRole)
	action.AutoExecute = resolved.AutoExecute
	action.RejectOnVeto = resolved.RejectOnVeto
	action.PolicyID = resolved.PolicyID
	action.CreatedAt = now
	action.UpdatedAt = now
	action.ExpiresAt = now.Add(time.Duration(action.TimeoutSeconds) * time.Second)

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertAction(ctx, action); err != nil {
			return err
		}
		s.recorder.Record(ctx, tx, action.ID, contracts.AuditCreated, action.CreatedBy, createdSnapshot{
			Action:     action,
			PolicyID:   resolved.PolicyID,
			PolicyName: resolved.PolicyName,
		}, now)
		return nil
	})
	if errors.Is(err, store.ErrDuplicateKey) && in.IdempotencyKey != "" {
		// Lost a race on the idempotency key; the winner's row stands.
		winner, gerr := s.store.GetActionByIdempotencyKey(ctx, in.IdempotencyKey)
		if gerr != nil {
			return nil, false, fmt.Errorf("idempotency re-read: %w", gerr)
		}
		return winner, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create action: %w", err)
	}

	s.logger.InfoContext(ctx, "action created",
		"action_id", action.ID, "action_type", action.ActionType,
		"origin", action.Origin, "policy_id", action.PolicyID, "created_by", action.CreatedBy)
	s.publish(ctx, webhook.EventCreated, action)
	return action, true, nil
}
