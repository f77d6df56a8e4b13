// Package store persists actions, votes, policies and audit events.
//
// All mutations of an action happen inside WithTx. LockAction gives the
// caller exclusive ownership of the action row until the transaction ends,
// and UpdateAction is a compare-and-swap on Action.Version, so concurrent
// writers on the same action serialize while different actions proceed in
// parallel.
package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
)

var (
	ErrNotFound     = errors.New("store: not found")
	ErrConflict     = errors.New("store: version conflict")
	ErrDuplicateKey = errors.New("store: duplicate key")
)

// PendingFilter selects actions for the pending queue.
type PendingFilter struct {
	// Roles restricts role-quorum actions to those whose quorum role, or
	// escalation role once escalated, is held by the caller. Empty means
	// no restriction.
	Roles  []string
	Now    time.Time
	Limit  int
	Offset int
}

// Store is the persistence boundary of the engine.
type Store interface {
	// WithTx runs fn in a transaction. fn's error rolls back; a commit
	// failure is returned as is (ErrDuplicateKey, ErrConflict).
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetAction(ctx context.Context, id string) (*contracts.Action, error)
	GetActionByIdempotencyKey(ctx context.Context, key string) (*contracts.Action, error)
	ListVotes(ctx context.Context, actionID string) ([]contracts.Vote, error)
	ListPending(ctx context.Context, f PendingFilter) ([]*contracts.Action, error)
	// ListOverdue returns voting-phase actions whose deadline is before now.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*contracts.Action, error)
	// ListApprovedAutoExecute returns approved actions flagged auto_execute.
	ListApprovedAutoExecute(ctx context.Context, limit int) ([]*contracts.Action, error)
	ListAudit(ctx context.Context, actionID string) ([]contracts.AuditEvent, error)

	InsertPolicy(ctx context.Context, p *contracts.ApprovalPolicy) error
	GetPolicy(ctx context.Context, id string) (*contracts.ApprovalPolicy, error)
	ListPolicies(ctx context.Context) ([]contracts.ApprovalPolicy, error)
	UpdatePolicy(ctx context.Context, p *contracts.ApprovalPolicy) error
	DeletePolicy(ctx context.Context, id string) error

	Close() error
}

// Tx is a unit of work on the store.
type Tx interface {
	// LockAction takes the action's row lock and returns its current state.
	LockAction(ctx context.Context, id string) (*contracts.Action, error)
	// InsertAction returns ErrDuplicateKey when id or idempotency key exists.
	InsertAction(ctx context.Context, a *contracts.Action) error
	// UpdateAction writes a if the stored version equals a.Version and the
	// stored status is not terminal, then increments a.Version.
	UpdateAction(ctx context.Context, a *contracts.Action) error
	// UpsertVote replaces any prior vote of the same voter on the action.
	UpsertVote(ctx context.Context, v contracts.Vote) error
	ListVotes(ctx context.Context, actionID string) ([]contracts.Vote, error)
	// AppendAudit appends one event. A failure leaves the rest of the
	// transaction intact.
	AppendAudit(ctx context.Context, e contracts.AuditEvent) error
	// LastAudit returns the newest event of the action, or nil.
	LastAudit(ctx context.Context, actionID string) (*contracts.AuditEvent, error)
}

// DefaultPendingLimit and MaxPendingLimit bound pending queue pages.
const (
	DefaultPendingLimit = 50
	MaxPendingLimit     = 500
)

// ClampLimit applies the pending page defaults.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPendingLimit
	}
	if limit > MaxPendingLimit {
		return MaxPendingLimit
	}
	return limit
}

// quorumRole is the role a role-quorum action is routed to, or "".
func quorumRole(a *contracts.Action) string {
	if a.RequiredQuorum != nil && a.RequiredQuorum.Type == contracts.QuorumRole {
		return a.RequiredQuorum.Role
	}
	return ""
}

// visibleTo reports whether a pending action is routed to one of roles.
func visibleTo(a *contracts.Action, roles []string) bool {
	if len(roles) == 0 || quorumRole(a) == "" {
		return true
	}
	if a.RequiredQuorum.ReferencesRole(roles) {
		return true
	}
	return a.Escalated() && a.EscalationRole != "" && slices.Contains(roles, a.EscalationRole)
}
