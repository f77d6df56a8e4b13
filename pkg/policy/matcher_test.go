package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
)

type staticSource []contracts.ApprovalPolicy

func (s staticSource) ListPolicies(context.Context) ([]contracts.ApprovalPolicy, error) {
	out := make([]contracts.ApprovalPolicy, len(s))
	copy(out, s)
	return out, nil
}

type failingSource struct{}

func (failingSource) ListPolicies(context.Context) ([]contracts.ApprovalPolicy, error) {
	return nil, errors.New("db down")
}

func ptr[T any](v T) *T { return &v }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMatch_NoPolicyReturnsDefault(t *testing.T) {
	m, err := NewMatcher(staticSource(nil))
	require.NoError(t, err)

	r, err := m.Match(context.Background(), "freeze_merchant", contracts.OriginOpsUI, nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.DefaultResolvedPolicy(), r)
	assert.Nil(t, r.Quorum)
	assert.Equal(t, 0.60, r.Ratio)
	assert.Equal(t, int64(86400), r.TimeoutSeconds)
	assert.False(t, r.AutoExecute)
}

func TestMatch_PriorityThenCreationOrder(t *testing.T) {
	src := staticSource{
		{ID: "p-low", Name: "low", Priority: 1, Enabled: true, CreatedAt: t0,
			Policy: contracts.PolicyOverrides{Ratio: ptr(0.5)}},
		{ID: "p-late", Name: "late", Priority: 10, Enabled: true, CreatedAt: t0.Add(time.Hour),
			Policy: contracts.PolicyOverrides{Ratio: ptr(0.9)}},
		{ID: "p-early", Name: "early", Priority: 10, Enabled: true, CreatedAt: t0,
			Policy: contracts.PolicyOverrides{Ratio: ptr(1.0)}},
	}
	m, err := NewMatcher(src)
	require.NoError(t, err)

	r, err := m.Match(context.Background(), "freeze_merchant", contracts.OriginOpsUI, nil)
	require.NoError(t, err)
	assert.Equal(t, "p-early", r.PolicyID)
	assert.Equal(t, 1.0, r.Ratio)
}

func TestMatch_DisabledPolicySkipped(t *testing.T) {
	src := staticSource{
		{ID: "p-off", Name: "off", Priority: 100, Enabled: false, Policy: contracts.PolicyOverrides{AutoExecute: ptr(true)}},
		{ID: "p-on", Name: "on", Priority: 1, Enabled: true, Policy: contracts.PolicyOverrides{EscalationRole: ptr("risk_lead")}},
	}
	m, err := NewMatcher(src)
	require.NoError(t, err)

	r, err := m.Match(context.Background(), "pause_payouts", contracts.OriginSystem, nil)
	require.NoError(t, err)
	assert.Equal(t, "p-on", r.PolicyID)
	assert.False(t, r.AutoExecute)
	assert.Equal(t, "risk_lead", r.EscalationRole)
}

func TestMatch_StructuredCriteria(t *testing.T) {
	src := staticSource{{
		ID: "p-merchant", Name: "merchant ops", Enabled: true,
		Criteria: contracts.PolicyCriteria{
			ActionTypes:  []string{"merchant.*"},
			Origins:      []contracts.Origin{contracts.OriginOpsUI, contracts.OriginAlert},
			TargetKeys:   []string{"merchant_id"},
			TargetEquals: map[string]string{"region": "eu"},
		},
		Policy: contracts.PolicyOverrides{Quorum: contracts.RoleQuorum("pay_admin", 2)},
	}}
	m, err := NewMatcher(src)
	require.NoError(t, err)
	ctx := context.Background()
	target := map[string]any{"merchant_id": "m-1", "region": "eu"}

	r, err := m.Match(ctx, "merchant.freeze", contracts.OriginOpsUI, target)
	require.NoError(t, err)
	assert.Equal(t, "p-merchant", r.PolicyID)
	require.NotNil(t, r.Quorum)
	assert.Equal(t, "pay_admin", r.Quorum.Role)

	cases := []struct {
		name   string
		typ    string
		origin contracts.Origin
		target map[string]any
	}{
		{"type mismatch", "float.adjust", contracts.OriginOpsUI, target},
		{"origin mismatch", "merchant.freeze", contracts.OriginModule, target},
		{"missing key", "merchant.freeze", contracts.OriginOpsUI, map[string]any{"region": "eu"}},
		{"value mismatch", "merchant.freeze", contracts.OriginOpsUI, map[string]any{"merchant_id": "m-1", "region": "us"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := m.Match(ctx, tc.typ, tc.origin, tc.target)
			require.NoError(t, err)
			assert.Empty(t, r.PolicyID)
		})
	}
}

func TestMatch_CELExpression(t *testing.T) {
	src := staticSource{{
		ID: "p-large", Name: "large float", Enabled: true,
		Criteria: contracts.PolicyCriteria{
			Expr: `action_type == "adjust_float" && double(target.amount) > 10000.0`,
		},
		Policy: contracts.PolicyOverrides{Ratio: ptr(1.0)},
	}}
	m, err := NewMatcher(src)
	require.NoError(t, err)
	ctx := context.Background()

	r, err := m.Match(ctx, "adjust_float", contracts.OriginSystem, map[string]any{"amount": 50000.0})
	require.NoError(t, err)
	assert.Equal(t, "p-large", r.PolicyID)

	r, err = m.Match(ctx, "adjust_float", contracts.OriginSystem, map[string]any{"amount": 10.0})
	require.NoError(t, err)
	assert.Empty(t, r.PolicyID)

	// Evaluation errors (missing key) make the policy not match.
	r, err = m.Match(ctx, "adjust_float", contracts.OriginSystem, map[string]any{})
	require.NoError(t, err)
	assert.Empty(t, r.PolicyID)
}

func TestCompile_RejectsInvalidExpressions(t *testing.T) {
	m, err := NewMatcher(staticSource(nil))
	require.NoError(t, err)

	assert.NoError(t, m.Compile(""))
	assert.NoError(t, m.Compile(`origin == "alert"`))
	assert.Error(t, m.Compile(`origin ==`))
	assert.Error(t, m.Compile(`action_type + "x"`), "non-boolean expression")
	assert.Error(t, m.Compile(`unknown_var == 1`))
}

func TestMatch_SourceErrorPropagates(t *testing.T) {
	m, err := NewMatcher(failingSource{})
	require.NoError(t, err)
	_, err = m.Match(context.Background(), "x", contracts.OriginSystem, nil)
	assert.Error(t, err)
}
