package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
	"github.com/Mindburn-Labs/opsgate/pkg/store"
)

func (s *Service) validatePolicy(p *contracts.ApprovalPolicy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := s.matcher.Compile(p.Criteria.Expr); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// CreatePolicy stores a new policy. It affects only actions created after
// it.
func (s *Service) CreatePolicy(ctx context.Context, p contracts.ApprovalPolicy) (*contracts.ApprovalPolicy, error) {
	p.Policy.Quorum = normalizedQuorum(p.Policy.Quorum)
	if err := s.validatePolicy(&p); err != nil {
		return nil, err
	}
	now := s.now()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := s.store.InsertPolicy(ctx, &p); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w: %q", ErrPolicyNameTaken, p.Name)
		}
		return nil, fmt.Errorf("insert policy: %w", err)
	}
	s.logger.InfoContext(ctx, "policy created", "policy_id", p.ID, "name", p.Name, "priority", p.Priority)
	return &p, nil
}

// GetPolicy returns one policy.
func (s *Service) GetPolicy(ctx context.Context, id string) (*contracts.ApprovalPolicy, error) {
	p, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		return nil, translate(err, "policy "+id)
	}
	return p, nil
}

// ListPolicies returns all policies in match order.
func (s *Service) ListPolicies(ctx context.Context) ([]contracts.ApprovalPolicy, error) {
	ps, err := s.store.ListPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	return ps, nil
}

// UpdatePolicy replaces a policy's definition. Existing actions keep the
// configuration they were created with.
func (s *Service) UpdatePolicy(ctx context.Context, id string, p contracts.ApprovalPolicy) (*contracts.ApprovalPolicy, error) {
	current, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		return nil, translate(err, "policy "+id)
	}
	p.ID = id
	p.Policy.Quorum = normalizedQuorum(p.Policy.Quorum)
	if err := s.validatePolicy(&p); err != nil {
		return nil, err
	}
	p.CreatedAt = current.CreatedAt
	p.UpdatedAt = s.now()
	if err := s.store.UpdatePolicy(ctx, &p); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w: %q", ErrPolicyNameTaken, p.Name)
		}
		return nil, translate(err, "update policy "+id)
	}
	s.logger.InfoContext(ctx, "policy updated", "policy_id", id, "name", p.Name)
	return &p, nil
}

// DeletePolicy removes a policy.
func (s *Service) DeletePolicy(ctx context.Context, id string) error {
	if err := s.store.DeletePolicy(ctx, id); err != nil {
		return translate(err, "delete policy "+id)
	}
	s.logger.InfoContext(ctx, "policy deleted", "policy_id", id)
	return nil
}

// ImportPolicies creates or updates policies by name. Used by bundle
// loading at boot and by the CLI.
func (s *Service) ImportPolicies(ctx context.Context, policies []contracts.ApprovalPolicy) (created, updated int, err error) {
	existing, err := s.store.ListPolicies(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list policies: %w", err)
	}
	byName := make(map[string]string, len(existing))
	for _, p := range existing {
		byName[p.Name] = p.ID
	}
	for _, p := range policies {
		if id, ok := byName[p.Name]; ok {
			if _, err := s.UpdatePolicy(ctx, id, p); err != nil {
				return created, updated, fmt.Errorf("policy %q: %w", p.Name, err)
			}
			updated++
			continue
		}
		if _, err := s.CreatePolicy(ctx, p); err != nil {
			return created, updated, fmt.Errorf("policy %q: %w", p.Name, err)
		}
		created++
	}
	return created, updated, nil
}

func normalizedQuorum(q *contracts.QuorumConfig) *contracts.QuorumConfig {
	if q == nil {
		return nil
	}
	c := q.Clone()
	c.Normalize()
	return &c
}
