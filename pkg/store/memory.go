package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
)

// MemoryStore is an in-process Store for tests and single-node demos.
// Writes are staged per transaction and applied atomically on commit.
type MemoryStore struct {
	mu       sync.RWMutex
	actions  map[string]*contracts.Action
	byKey    map[string]string
	votes    map[string]map[string]contracts.Vote
	audit    map[string][]contracts.AuditEvent
	policies map[string]*contracts.ApprovalPolicy

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actions:  make(map[string]*contracts.Action),
		byKey:    make(map[string]string),
		votes:    make(map[string]map[string]contracts.Vote),
		audit:    make(map[string][]contracts.AuditEvent),
		policies: make(map[string]*contracts.ApprovalPolicy),
		locks:    make(map[string]chan struct{}),
	}
}

func (s *MemoryStore) Close() error { return nil }

// lockChan returns the 1-slot channel guarding an action id.
func (s *MemoryStore) lockChan(id string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	ch, ok := s.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[id] = ch
	}
	return ch
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		s:       s,
		held:    make(map[string]chan struct{}),
		inserts: make(map[string]*contracts.Action),
		updates: make(map[string]*contracts.Action),
		base:    make(map[string]int64),
		votes:   make(map[string]map[string]contracts.Vote),
		audit:   make(map[string][]contracts.AuditEvent),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (s *MemoryStore) GetAction(_ context.Context, id string) (*contracts.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) GetActionByIdempotencyKey(ctx context.Context, key string) (*contracts.Action, error) {
	s.mu.RLock()
	id, ok := s.byKey[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetAction(ctx, id)
}

func (s *MemoryStore) ListVotes(_ context.Context, actionID string) ([]contracts.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedVotes(s.votes[actionID], nil), nil
}

func (s *MemoryStore) ListPending(_ context.Context, f PendingFilter) ([]*contracts.Action, error) {
	s.mu.RLock()
	var out []*contracts.Action
	for _, a := range s.actions {
		if !a.Status.Votable() || !a.ExpiresAt.After(f.Now) {
			continue
		}
		if !visibleTo(a, f.Roles) {
			continue
		}
		out = append(out, a.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Escalated() != b.Escalated() {
			return a.Escalated()
		}
		if !a.ExpiresAt.Equal(b.ExpiresAt) {
			return a.ExpiresAt.Before(b.ExpiresAt)
		}
		return a.ID < b.ID
	})
	return page(out, f.Offset, ClampLimit(f.Limit)), nil
}

func (s *MemoryStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]*contracts.Action, error) {
	s.mu.RLock()
	var out []*contracts.Action
	for _, a := range s.actions {
		if a.Status.Votable() && now.After(a.ExpiresAt) {
			out = append(out, a.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, 0, limit), nil
}

func (s *MemoryStore) ListApprovedAutoExecute(_ context.Context, limit int) ([]*contracts.Action, error) {
	s.mu.RLock()
	var out []*contracts.Action
	for _, a := range s.actions {
		if a.Status == contracts.StatusApproved && a.AutoExecute {
			out = append(out, a.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, 0, limit), nil
}

func (s *MemoryStore) ListAudit(_ context.Context, actionID string) ([]contracts.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.audit[actionID]
	out := make([]contracts.AuditEvent, len(events))
	copy(out, events)
	return out, nil
}

func (s *MemoryStore) InsertPolicy(_ context.Context, p *contracts.ApprovalPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[p.ID]; ok {
		return ErrDuplicateKey
	}
	for _, existing := range s.policies {
		if existing.Name == p.Name {
			return fmt.Errorf("policy name %q: %w", p.Name, ErrDuplicateKey)
		}
	}
	cp := *p
	s.policies[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPolicy(_ context.Context, id string) (*contracts.ApprovalPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPolicies(_ context.Context) ([]contracts.ApprovalPolicy, error) {
	s.mu.RLock()
	out := make([]contracts.ApprovalPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, *p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) UpdatePolicy(_ context.Context, p *contracts.ApprovalPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[p.ID]; !ok {
		return ErrNotFound
	}
	for id, existing := range s.policies {
		if id != p.ID && existing.Name == p.Name {
			return fmt.Errorf("policy name %q: %w", p.Name, ErrDuplicateKey)
		}
	}
	cp := *p
	s.policies[p.ID] = &cp
	return nil
}

func (s *MemoryStore) DeletePolicy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[id]; !ok {
		return ErrNotFound
	}
	delete(s.policies, id)
	return nil
}

// memTx stages writes until commit.
type memTx struct {
	s       *MemoryStore
	held    map[string]chan struct{}
	inserts map[string]*contracts.Action
	updates map[string]*contracts.Action
	base    map[string]int64 // committed version each update was made against
	votes   map[string]map[string]contracts.Vote
	audit   map[string][]contracts.AuditEvent
}

func (tx *memTx) release() {
	for id, ch := range tx.held {
		<-ch
		delete(tx.held, id)
	}
}

// view returns the action as this transaction sees it.
func (tx *memTx) view(id string) *contracts.Action {
	if a, ok := tx.updates[id]; ok {
		return a
	}
	if a, ok := tx.inserts[id]; ok {
		return a
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return tx.s.actions[id]
}

func (tx *memTx) LockAction(ctx context.Context, id string) (*contracts.Action, error) {
	if _, ok := tx.held[id]; !ok {
		ch := tx.s.lockChan(id)
		select {
		case ch <- struct{}{}:
			tx.held[id] = ch
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	a := tx.view(id)
	if a == nil {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (tx *memTx) InsertAction(_ context.Context, a *contracts.Action) error {
	if tx.view(a.ID) != nil {
		return ErrDuplicateKey
	}
	if a.IdempotencyKey != "" {
		tx.s.mu.RLock()
		_, taken := tx.s.byKey[a.IdempotencyKey]
		tx.s.mu.RUnlock()
		if taken {
			return ErrDuplicateKey
		}
		for _, staged := range tx.inserts {
			if staged.IdempotencyKey == a.IdempotencyKey {
				return ErrDuplicateKey
			}
		}
	}
	tx.inserts[a.ID] = a.Clone()
	return nil
}

func (tx *memTx) UpdateAction(_ context.Context, a *contracts.Action) error {
	current := tx.view(a.ID)
	if current == nil {
		return ErrNotFound
	}
	if current.Version != a.Version || current.Status.Terminal() {
		return ErrConflict
	}
	if _, inserted := tx.inserts[a.ID]; !inserted {
		if _, seen := tx.base[a.ID]; !seen {
			tx.base[a.ID] = a.Version
		}
	}
	a.Version++
	if _, inserted := tx.inserts[a.ID]; inserted {
		tx.inserts[a.ID] = a.Clone()
	} else {
		tx.updates[a.ID] = a.Clone()
	}
	return nil
}

func (tx *memTx) UpsertVote(_ context.Context, v contracts.Vote) error {
	if tx.view(v.ActionID) == nil {
		return ErrNotFound
	}
	m, ok := tx.votes[v.ActionID]
	if !ok {
		m = make(map[string]contracts.Vote)
		tx.votes[v.ActionID] = m
	}
	v.VoterRoles = append([]string(nil), v.VoterRoles...)
	m[v.VoterID] = v
	return nil
}

func (tx *memTx) ListVotes(_ context.Context, actionID string) ([]contracts.Vote, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return sortedVotes(tx.s.votes[actionID], tx.votes[actionID]), nil
}

func (tx *memTx) AppendAudit(ctx context.Context, e contracts.AuditEvent) error {
	last, err := tx.LastAudit(ctx, e.ActionID)
	if err != nil {
		return err
	}
	want := int64(1)
	if last != nil {
		want = last.Seq + 1
	}
	if e.Seq != want {
		return fmt.Errorf("audit seq %d, want %d: %w", e.Seq, want, ErrConflict)
	}
	tx.audit[e.ActionID] = append(tx.audit[e.ActionID], e)
	return nil
}

func (tx *memTx) LastAudit(_ context.Context, actionID string) (*contracts.AuditEvent, error) {
	if staged := tx.audit[actionID]; len(staged) > 0 {
		e := staged[len(staged)-1]
		return &e, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	events := tx.s.audit[actionID]
	if len(events) == 0 {
		return nil, nil
	}
	e := events[len(events)-1]
	return &e, nil
}

func (tx *memTx) commit() error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, a := range tx.inserts {
		if _, ok := s.actions[id]; ok {
			return ErrDuplicateKey
		}
		if a.IdempotencyKey != "" {
			if _, ok := s.byKey[a.IdempotencyKey]; ok {
				return ErrDuplicateKey
			}
		}
	}
	for id, v := range tx.base {
		cur, ok := s.actions[id]
		if !ok || cur.Version != v {
			return ErrConflict
		}
	}
	for id, events := range tx.audit {
		committed := s.audit[id]
		if len(committed) > 0 && events[0].Seq != committed[len(committed)-1].Seq+1 {
			return ErrConflict
		}
	}

	for id, a := range tx.inserts {
		s.actions[id] = a
		if a.IdempotencyKey != "" {
			s.byKey[a.IdempotencyKey] = id
		}
	}
	for id, a := range tx.updates {
		s.actions[id] = a
	}
	for actionID, vs := range tx.votes {
		m, ok := s.votes[actionID]
		if !ok {
			m = make(map[string]contracts.Vote)
			s.votes[actionID] = m
		}
		for voter, v := range vs {
			m[voter] = v
		}
	}
	for actionID, events := range tx.audit {
		s.audit[actionID] = append(s.audit[actionID], events...)
	}
	return nil
}

func sortedVotes(committed, staged map[string]contracts.Vote) []contracts.Vote {
	merged := make(map[string]contracts.Vote, len(committed)+len(staged))
	for k, v := range committed {
		merged[k] = v
	}
	for k, v := range staged {
		merged[k] = v
	}
	out := make([]contracts.Vote, 0, len(merged))
	for _, v := range merged {
		v.VoterRoles = append([]string(nil), v.VoterRoles...)
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].VoterID < out[j].VoterID
	})
	return out
}

func page(items []*contracts.Action, offset, limit int) []*contracts.Action {
	if offset >= len(items) {
		return []*contracts.Action{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
