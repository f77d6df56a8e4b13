package approval

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
	"github.com/Mindburn-Labs/opsgate/pkg/store"
)

// GetAction returns an action with its current votes.
func (s *Service) GetAction(ctx context.Context, id string) (*contracts.ActionWithVotes, error) {
	a, err := s.store.GetAction(ctx, id)
	if err != nil {
		return nil, translate(err, "get action "+id)
	}
	return s.withVotes(ctx, a)
}

// ListPending returns the voting queue visible to voterRoles: escalated
// actions first, then by nearest deadline.
func (s *Service) ListPending(ctx context.Context, voterRoles []string, limit, offset int) ([]contracts.ActionWithVotes, error) {
	if offset < 0 {
		return nil, validationf("offset must be >= 0")
	}
	if limit < 0 {
		return nil, validationf("limit must be >= 0")
	}
	actions, err := s.store.ListPending(ctx, store.PendingFilter{
		Roles:  contracts.NormalizeRoles(voterRoles),
		Now:    s.now(),
		Limit:  store.ClampLimit(limit),
		Offset: offset,
	})
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	out := make([]contracts.ActionWithVotes, 0, len(actions))
	for _, a := range actions {
		v, err := s.withVotes(ctx, a)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

// GetAuditTrail returns an action's audit events ordered by seq.
func (s *Service) GetAuditTrail(ctx context.Context, actionID string) ([]contracts.AuditEvent, error) {
	if _, err := s.store.GetAction(ctx, actionID); err != nil {
		return nil, translate(err, "audit trail of "+actionID)
	}
	events, err := s.store.ListAudit(ctx, actionID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return events, nil
}

func (s *Service) withVotes(ctx context.Context, a *contracts.Action) (*contracts.ActionWithVotes, error) {
	votes, err := s.store.ListVotes(ctx, a.ID)
	if err != nil {
		return nil, fmt.Errorf("list votes of %s: %w", a.ID, err)
	}
	if votes == nil {
		votes = []contracts.Vote{}
	}
	return &contracts.ActionWithVotes{Action: *a, Votes: votes, Urgent: a.Escalated()}, nil
}
