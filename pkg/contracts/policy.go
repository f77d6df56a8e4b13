package contracts

import (
	"errors"
	"fmt"
	"time"
)

// ApprovalPolicy configures the approval requirements of newly created
// actions matching its criteria. Higher Priority wins.
type ApprovalPolicy struct {
	ID        string          `json:"id" yaml:"id,omitempty"`
	Name      string          `json:"name" yaml:"name"`
	Criteria  PolicyCriteria  `json:"criteria" yaml:"criteria"`
	Policy    PolicyOverrides `json:"policy" yaml:"policy"`
	Priority  int             `json:"priority" yaml:"priority"`
	Enabled   bool            `json:"enabled" yaml:"enabled"`
	CreatedAt time.Time       `json:"created_at" yaml:"-"`
	UpdatedAt time.Time       `json:"updated_at" yaml:"-"`
}

// PolicyCriteria is the match predicate. Empty fields match anything.
type PolicyCriteria struct {
	// ActionTypes lists exact types or prefix globs ending in '*'.
	ActionTypes []string `json:"action_types,omitempty" yaml:"action_types,omitempty"`
	Origins     []Origin `json:"origins,omitempty" yaml:"origins,omitempty"`
	// TargetKeys must all be present in the action target.
	TargetKeys []string `json:"target_keys,omitempty" yaml:"target_keys,omitempty"`
	// TargetEquals requires target[key] to equal value (string compare).
	TargetEquals map[string]string `json:"target_equals,omitempty" yaml:"target_equals,omitempty"`
	// Expr is an optional CEL boolean over action_type, origin and target.
	Expr string `json:"expr,omitempty" yaml:"expr,omitempty"`
}

// PolicyOverrides are the approval parameters a policy pins on an action.
// Nil fields leave the system default in place.
type PolicyOverrides struct {
	Quorum         *QuorumConfig `json:"quorum,omitempty" yaml:"quorum,omitempty"`
	Ratio          *float64      `json:"ratio,omitempty" yaml:"ratio,omitempty"`
	TimeoutSeconds *int64        `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	EscalationRole *string       `json:"escalation_role,omitempty" yaml:"escalation_role,omitempty"`
	AutoExecute    *bool         `json:"auto_execute,omitempty" yaml:"auto_execute,omitempty"`
	RejectOnVeto   *bool         `json:"reject_on_veto,omitempty" yaml:"reject_on_veto,omitempty"`
}

// Validate checks the structural parts of a policy. CEL compilation is
// checked by the policy matcher.
func (p *ApprovalPolicy) Validate() error {
	if p.Name == "" {
		return errors.New("policy name is required")
	}
	for i, o := range p.Criteria.Origins {
		o = o.Canonical()
		p.Criteria.Origins[i] = o
		if !o.Valid() {
			return fmt.Errorf("unknown origin %q in criteria", o)
		}
	}
	return p.Policy.Validate()
}

// Validate checks override values.
func (o *PolicyOverrides) Validate() error {
	if err := o.Quorum.Validate(); err != nil {
		return err
	}
	if o.Ratio != nil {
		if err := ValidateRatio(*o.Ratio); err != nil {
			return err
		}
	}
	if o.TimeoutSeconds != nil && (*o.TimeoutSeconds <= 0 || *o.TimeoutSeconds > MaxTimeoutSeconds) {
		return fmt.Errorf("timeout_seconds must be in [1,%d], got %d", MaxTimeoutSeconds, *o.TimeoutSeconds)
	}
	return nil
}

// ResolvedPolicy is the concrete approval configuration attached to a new
// action: the matched policy (if any) layered over system defaults.
type ResolvedPolicy struct {
	PolicyID       string
	PolicyName     string
	Quorum         *QuorumConfig
	Ratio          float64
	TimeoutSeconds int64
	EscalationRole string
	AutoExecute    bool
	RejectOnVeto   bool
}

// DefaultResolvedPolicy is applied when no enabled policy matches.
func DefaultResolvedPolicy() ResolvedPolicy {
	return ResolvedPolicy{
		Ratio:          DefaultRequiredRatio,
		TimeoutSeconds: DefaultTimeoutSeconds,
	}
}

// Apply layers overrides over r, field by field.
func (r ResolvedPolicy) Apply(o PolicyOverrides) ResolvedPolicy {
	if o.Quorum != nil {
		q := o.Quorum.Clone()
		r.Quorum = &q
	}
	if o.Ratio != nil {
		r.Ratio = *o.Ratio
	}
	if o.TimeoutSeconds != nil {
		r.TimeoutSeconds = *o.TimeoutSeconds
	}
	if o.EscalationRole != nil {
		r.EscalationRole = *o.EscalationRole
	}
	if o.AutoExecute != nil {
		r.AutoExecute = *o.AutoExecute
	}
	if o.RejectOnVeto != nil {
		r.RejectOnVeto = *o.RejectOnVeto
	}
	return r
}
