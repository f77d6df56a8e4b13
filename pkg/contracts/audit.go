package contracts

import (
	"encoding/json"
	"time"
)

// AuditKind names a lifecycle transition recorded in the audit trail.
type AuditKind string

const (
	AuditCreated   AuditKind = "created"
	AuditVoted     AuditKind = "voted"
	AuditExecuting AuditKind = "executing"
	AuditExecuted  AuditKind = "executed"
	AuditFailed    AuditKind = "failed"
	AuditEscalated AuditKind = "escalated"
	AuditExpired   AuditKind = "expired"
	AuditRejected  AuditKind = "rejected"
)

// AuditEvent is one immutable entry of an action's audit trail. Events are
// chained per action through PrevHash/Hash.
type AuditEvent struct {
	ID        string          `json:"id"`
	ActionID  string          `json:"action_id"`
	Seq       int64           `json:"seq"`
	Kind      AuditKind       `json:"kind"`
	Snapshot  json.RawMessage `json:"snapshot"`
	Actor     string          `json:"actor"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}
