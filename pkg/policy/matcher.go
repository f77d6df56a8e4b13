// Package policy resolves the approval configuration of a new action from
// the enabled ApprovalPolicies. Resolution happens once, at creation time.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
)

// Source lists the policies known to the engine.
type Source interface {
	ListPolicies(ctx context.Context) ([]contracts.ApprovalPolicy, error)
}

// Matcher picks the highest-priority enabled policy matching an action.
type Matcher struct {
	source Source
	env    *cel.Env
	logger *slog.Logger

	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewMatcher creates a matcher reading policies from source.
func NewMatcher(source Source) (*Matcher, error) {
	env, err := cel.NewEnv(
		cel.Variable("action_type", cel.StringType),
		cel.Variable("origin", cel.StringType),
		cel.Variable("target", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Matcher{
		source:   source,
		env:      env,
		logger:   slog.Default().With("component", "policy"),
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Match returns the resolved configuration for an action. When no enabled
// policy matches, the system default is returned.
func (m *Matcher) Match(ctx context.Context, actionType string, origin contracts.Origin, target map[string]any) (contracts.ResolvedPolicy, error) {
	policies, err := m.source.ListPolicies(ctx)
	if err != nil {
		return contracts.ResolvedPolicy{}, fmt.Errorf("list policies: %w", err)
	}
	Order(policies)

	for i := range policies {
		p := &policies[i]
		if !p.Enabled {
			continue
		}
		if !m.matches(ctx, p, actionType, origin, target) {
			continue
		}
		resolved := contracts.DefaultResolvedPolicy().Apply(p.Policy)
		resolved.PolicyID = p.ID
		resolved.PolicyName = p.Name
		return resolved, nil
	}
	return contracts.DefaultResolvedPolicy(), nil
}

// Compile checks that a CEL criteria expression is a valid boolean program.
func (m *Matcher) Compile(expr string) error {
	if expr == "" {
		return nil
	}
	_, err := m.program(expr)
	return err
}

// Order sorts policies by priority descending, then creation order.
func Order(policies []contracts.ApprovalPolicy) {
	sort.SliceStable(policies, func(i, j int) bool {
		a, b := policies[i], policies[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (m *Matcher) matches(ctx context.Context, p *contracts.ApprovalPolicy, actionType string, origin contracts.Origin, target map[string]any) bool {
	c := p.Criteria
	if len(c.ActionTypes) > 0 && !matchesType(c.ActionTypes, actionType) {
		return false
	}
	if len(c.Origins) > 0 && !containsOrigin(c.Origins, origin) {
		return false
	}
	for _, k := range c.TargetKeys {
		if _, ok := target[k]; !ok {
			return false
		}
	}
	for k, want := range c.TargetEquals {
		got, ok := target[k]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	if c.Expr == "" {
		return true
	}

	ok, err := m.eval(c.Expr, actionType, origin, target)
	if err != nil {
		m.logger.WarnContext(ctx, "policy expression failed, skipping policy",
			"policy_id", p.ID, "policy", p.Name, "error", err)
		return false
	}
	return ok
}

func (m *Matcher) eval(expr, actionType string, origin contracts.Origin, target map[string]any) (bool, error) {
	prg, err := m.program(expr)
	if err != nil {
		return false, err
	}
	if target == nil {
		target = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"action_type": actionType,
		"origin":      string(origin),
		"target":      target,
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out.Value())
	}
	return b, nil
}

func (m *Matcher) program(expr string) (cel.Program, error) {
	m.mu.RLock()
	prg, hit := m.prgCache[expr]
	m.mu.RUnlock()
	if hit {
		return prg, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prg, hit = m.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := m.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return nil, fmt.Errorf("expression must be boolean, got %s", ast.OutputType())
	}
	p, err := m.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	m.prgCache[expr] = p
	return p, nil
}

func matchesType(patterns []string, actionType string) bool {
	for _, p := range patterns {
		if p == "*" || p == actionType {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(actionType, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

func containsOrigin(origins []contracts.Origin, o contracts.Origin) bool {
	for _, x := range origins {
		if x == o {
			return true
		}
	}
	return false
}
