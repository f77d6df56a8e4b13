package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/opsgate/pkg/artifacts"
	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
)

const bundleVersion = "1.0.0"

// Bundle is an exportable, self-verifying copy of one action's trail.
type Bundle struct {
	BundleID   string                 `json:"bundle_id"`
	Version    string                 `json:"version"`
	ActionID   string                 `json:"action_id"`
	CreatedAt  time.Time              `json:"created_at"`
	EventCount int                    `json:"event_count"`
	Events     []contracts.AuditEvent `json:"events"`
	ChainHead  string                 `json:"chain_head"`
	BundleHash string                 `json:"bundle_hash"`
}

// ExportBundle packages an action's events, ordered by seq.
func ExportBundle(actionID string, events []contracts.AuditEvent) (*Bundle, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("no audit events for action %s", actionID)
	}
	b := &Bundle{
		BundleID:   uuid.New().String(),
		Version:    bundleVersion,
		ActionID:   actionID,
		CreatedAt:  time.Now().UTC(),
		EventCount: len(events),
		Events:     events,
		ChainHead:  events[len(events)-1].Hash,
	}
	h, err := eventsHash(events)
	if err != nil {
		return nil, err
	}
	b.BundleHash = h
	return b, nil
}

// VerifyBundle checks the bundle hash and the full chain of its events.
func VerifyBundle(b *Bundle) error {
	if b == nil || len(b.Events) == 0 {
		return errors.New("bundle is empty")
	}
	if b.EventCount != len(b.Events) {
		return fmt.Errorf("bundle declares %d events, has %d", b.EventCount, len(b.Events))
	}
	h, err := eventsHash(b.Events)
	if err != nil {
		return err
	}
	if h != b.BundleHash {
		return fmt.Errorf("bundle hash mismatch (computed %s, stored %s)", h, b.BundleHash)
	}
	if last := b.Events[len(b.Events)-1].Hash; last != b.ChainHead {
		return fmt.Errorf("chain head mismatch (last event %s, bundle %s)", last, b.ChainHead)
	}
	for _, e := range b.Events {
		if e.ActionID != b.ActionID {
			return fmt.Errorf("event %d belongs to action %s", e.Seq, e.ActionID)
		}
	}
	return VerifyChain(b.Events)
}

// Archive stores a bundle in content-addressed storage and returns its key.
func Archive(ctx context.Context, store artifacts.Store, b *Bundle) (string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("failed to marshal bundle: %w", err)
	}
	key, err := store.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("archive bundle: %w", err)
	}
	return key, nil
}

// LoadBundle fetches an archived bundle and checks it against its key.
func LoadBundle(ctx context.Context, store artifacts.Store, key string) (*Bundle, error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if artifacts.ContentHash(data) != key {
		return nil, fmt.Errorf("archived bundle %s does not match its key", key)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &b, nil
}

func eventsHash(events []contracts.AuditEvent) (string, error) {
	data, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("failed to marshal bundle events: %w", err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("canonicalize bundle events: %w", err)
	}
	return computeHash(canonical), nil
}
