// Package audit maintains the per-action, append-only audit trail.
//
// Every event is hash chained to its predecessor:
//
//	hash = "sha256:" + hex(sha256(JCS({action_id, seq, kind, actor, created_at, snapshot, prev_hash})))
//
// The first event of an action chains to "genesis". Canonical JSON (RFC
// 8785) keeps the hash independent of key order and whitespace in the
// snapshot, so a trail read back from any store verifies identically.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
)

// GenesisHash is the prev_hash of an action's first event.
const GenesisHash = "genesis"

var ErrChainBroken = errors.New("audit: hash chain is broken")

// Appender is the transactional slice of the store the chain writes to.
type Appender interface {
	LastAudit(ctx context.Context, actionID string) (*contracts.AuditEvent, error)
	AppendAudit(ctx context.Context, e contracts.AuditEvent) error
}

// Append builds the next event of the action's chain and appends it.
func Append(ctx context.Context, tx Appender, actionID string, kind contracts.AuditKind, actor string, snapshot any, at time.Time) (*contracts.AuditEvent, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize snapshot: %w", err)
	}
	last, err := tx.LastAudit(ctx, actionID)
	if err != nil {
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	e := contracts.AuditEvent{
		ID:        uuid.New().String(),
		ActionID:  actionID,
		Seq:       1,
		Kind:      kind,
		Snapshot:  raw,
		Actor:     actor,
		CreatedAt: at.UTC().Truncate(time.Microsecond),
		PrevHash:  GenesisHash,
	}
	if last != nil {
		e.Seq = last.Seq + 1
		e.PrevHash = last.Hash
	}
	if e.Hash, err = Hash(e); err != nil {
		return nil, err
	}
	if err := tx.AppendAudit(ctx, e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Hash computes the chained hash of an event. Hash and ID are not covered.
func Hash(e contracts.AuditEvent) (string, error) {
	snapshot := e.Snapshot
	if len(snapshot) == 0 {
		snapshot = json.RawMessage("null")
	}
	hashable := struct {
		ActionID  string          `json:"action_id"`
		Seq       int64           `json:"seq"`
		Kind      string          `json:"kind"`
		Actor     string          `json:"actor"`
		CreatedAt string          `json:"created_at"`
		Snapshot  json.RawMessage `json:"snapshot"`
		PrevHash  string          `json:"prev_hash"`
	}{
		ActionID:  e.ActionID,
		Seq:       e.Seq,
		Kind:      string(e.Kind),
		Actor:     e.Actor,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		Snapshot:  snapshot,
		PrevHash:  e.PrevHash,
	}
	data, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event for hashing: %w", err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("canonicalize event: %w", err)
	}
	return computeHash(canonical), nil
}

// VerifyChain recomputes every hash of one action's trail, ordered by seq.
func VerifyChain(events []contracts.AuditEvent) error {
	expectedPrev := GenesisHash
	for i, e := range events {
		if e.Seq != int64(i+1) {
			return fmt.Errorf("%w: event %d has seq %d", ErrChainBroken, i, e.Seq)
		}
		if e.PrevHash != expectedPrev {
			return fmt.Errorf("%w: event %d has prev_hash %s but expected %s",
				ErrChainBroken, e.Seq, e.PrevHash, expectedPrev)
		}
		computed, err := Hash(e)
		if err != nil {
			return fmt.Errorf("%w: event %d: %w", ErrChainBroken, e.Seq, err)
		}
		if computed != e.Hash {
			return fmt.Errorf("%w: event %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, e.Seq, computed, e.Hash)
		}
		expectedPrev = e.Hash
	}
	return nil
}

func computeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
