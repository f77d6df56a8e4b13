// Package contracts defines the Ops Approval data model: actions awaiting
// multi-party sign-off, the votes cast on them, the policies that configure
// their quorum, and the audit events that record every transition.
package contracts

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Origin identifies which part of the platform proposed an action.
type Origin string

const (
	OriginSystem          Origin = "system"
	OriginOpsUI           Origin = "ops_ui"
	OriginAlert           Origin = "alert"
	OriginModule          Origin = "module"
	OriginAutomatedSignal Origin = "automated_signal"
)

// UnmarshalText accepts the hyphenated spelling of an origin as well.
func (o *Origin) UnmarshalText(b []byte) error {
	*o = Origin(b).Canonical()
	return nil
}

// Canonical maps alternate spellings ("automated-signal") to the stored form.
func (o Origin) Canonical() Origin {
	return Origin(strings.ReplaceAll(strings.TrimSpace(string(o)), "-", "_"))
}

// Valid reports whether o is a known origin.
func (o Origin) Valid() bool {
	switch o {
	case OriginSystem, OriginOpsUI, OriginAlert, OriginModule, OriginAutomatedSignal:
		return true
	}
	return false
}

// ActionStatus is the lifecycle state of an Action.
type ActionStatus string

const (
	StatusRequested       ActionStatus = "requested"
	StatusPendingApproval ActionStatus = "pending_approval"
	StatusApproved        ActionStatus = "approved"
	StatusExecuting       ActionStatus = "executing"
	StatusExecuted        ActionStatus = "executed"
	StatusFailed          ActionStatus = "failed"
	StatusExpired         ActionStatus = "expired"
	StatusRejected        ActionStatus = "rejected"
)

// Terminal reports whether no further transition is permitted.
func (s ActionStatus) Terminal() bool {
	switch s {
	case StatusExecuted, StatusFailed, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// Votable reports whether votes may still be cast in this state.
func (s ActionStatus) Votable() bool {
	return s == StatusRequested || s == StatusPendingApproval
}

// transitions is the state machine. Escalation keeps (or moves) an action in
// pending_approval, so it is the requested->pending_approval edge.
var transitions = map[ActionStatus][]ActionStatus{
	StatusRequested:       {StatusPendingApproval, StatusApproved, StatusExpired, StatusRejected},
	StatusPendingApproval: {StatusPendingApproval, StatusApproved, StatusExpired, StatusRejected},
	StatusApproved:        {StatusExecuting, StatusRejected},
	StatusExecuting:       {StatusExecuted, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to ActionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Default approval parameters applied when no policy matches.
const (
	DefaultRequiredRatio  = 0.60
	DefaultTimeoutSeconds = 86400
	// MaxTimeoutSeconds keeps every derived deadline representable.
	MaxTimeoutSeconds = 365 * 86400
)

// Action is a proposed high-risk operation awaiting sign-off.
type Action struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Origin         Origin          `json:"origin"`
	ActionType     string          `json:"action_type"`
	Target         json.RawMessage `json:"target,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Status         ActionStatus    `json:"status"`

	RequiredQuorum *QuorumConfig `json:"required_quorum,omitempty"`
	RequiredRatio  float64       `json:"required_ratio"`
	TimeoutSeconds int64         `json:"timeout_seconds"`
	EscalationRole string        `json:"escalation_role,omitempty"`
	AutoExecute    bool          `json:"auto_execute"`
	RejectOnVeto   bool          `json:"reject_on_veto"`
	PolicyID       string        `json:"policy_id,omitempty"`

	CreatedBy  string          `json:"created_by"`
	ExecutedBy string          `json:"executed_by,omitempty"`
	ExecutedAt *time.Time      `json:"executed_at,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`

	EscalatedAt *time.Time `json:"escalated_at,omitempty"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
}

// Escalated reports whether the single permitted escalation has happened.
func (a *Action) Escalated() bool {
	return a.EscalatedAt != nil
}

// Overdue reports whether the action's deadline has passed at now.
func (a *Action) Overdue(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (a *Action) Clone() *Action {
	if a == nil {
		return nil
	}
	c := *a
	c.Target = cloneRaw(a.Target)
	c.Params = cloneRaw(a.Params)
	c.Result = cloneRaw(a.Result)
	if a.RequiredQuorum != nil {
		q := a.RequiredQuorum.Clone()
		c.RequiredQuorum = &q
	}
	if a.ExecutedAt != nil {
		t := *a.ExecutedAt
		c.ExecutedAt = &t
	}
	if a.EscalatedAt != nil {
		t := *a.EscalatedAt
		c.EscalatedAt = &t
	}
	return &c
}

// TargetMap decodes the target reference into a generic map. A missing or
// non-object target yields an empty map.
func (a *Action) TargetMap() map[string]any {
	out := map[string]any{}
	if len(a.Target) == 0 {
		return out
	}
	if err := json.Unmarshal(a.Target, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// ActionWithVotes is an action together with its current vote set.
type ActionWithVotes struct {
	Action
	Votes  []Vote `json:"votes"`
	Urgent bool   `json:"urgent,omitempty"`
}

// ValidateRatio checks that a required approval ratio lies in [0,1].
func ValidateRatio(r float64) error {
	if r < 0 || r > 1 || r != r {
		return fmt.Errorf("required_ratio %v out of range [0,1]", r)
	}
	return nil
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	out := make(json.RawMessage, len(r))
	copy(out, r)
	return out
}
