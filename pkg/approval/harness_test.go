package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
	"github.com/Mindburn-Labs/opsgate/pkg/executor"
	"github.com/Mindburn-Labs/opsgate/pkg/store"
	"github.com/Mindburn-Labs/opsgate/pkg/webhook"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []webhook.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev webhook.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []webhook.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]webhook.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

const adjustFloatSchema = `{
	"type": "object",
	"required": ["amount"],
	"properties": {"amount": {"type": "number", "exclusiveMinimum": 0}}
}`

type harness struct {
	svc   *Service
	st    store.Store
	clock *fakeClock
	pub   *recordingPublisher
	calls atomic.Int32
	// gate, when set, blocks force_reconciliation until closed.
	gate chan struct{}
}

func newHarness(t *testing.T, opts ...Option) *harness {
	return newHarnessOn(t, store.NewMemoryStore(), opts...)
}

func newHarnessOn(t *testing.T, st store.Store, opts ...Option) *harness {
	t.Helper()
	h := &harness{st: st, clock: &fakeClock{now: t0}, pub: &recordingPublisher{}}

	reg := executor.NewRegistry()
	reg.MustRegister("freeze_merchant", executor.HandlerFunc(func(_ context.Context, target, _ json.RawMessage) (any, error) {
		h.calls.Add(1)
		var tgt struct {
			MerchantID string `json:"merchant_id"`
		}
		if err := json.Unmarshal(target, &tgt); err != nil {
			return nil, err
		}
		return map[string]any{"frozen": tgt.MerchantID}, nil
	}))
	reg.MustRegister("pause_payouts", executor.HandlerFunc(func(context.Context, json.RawMessage, json.RawMessage) (any, error) {
		h.calls.Add(1)
		return nil, errors.New("payout rail unavailable")
	}))
	reg.MustRegister("adjust_float", executor.HandlerFunc(func(context.Context, json.RawMessage, json.RawMessage) (any, error) {
		h.calls.Add(1)
		return "adjusted", nil
	}), executor.WithParamsSchema(adjustFloatSchema))
	reg.MustRegister("force_reconciliation", executor.HandlerFunc(func(ctx context.Context, _, _ json.RawMessage) (any, error) {
		h.calls.Add(1)
		if h.gate != nil {
			select {
			case <-h.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return "reconciled", nil
	}))

	all := append([]Option{WithClock(h.clock.Now), WithPublisher(h.pub)}, opts...)
	svc, err := NewService(st, executor.NewDispatcher(reg, time.Second), all...)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) create(t *testing.T, in CreateActionInput) *contracts.Action {
	t.Helper()
	if in.Origin == "" {
		in.Origin = contracts.OriginOpsUI
	}
	if in.ActionType == "" {
		in.ActionType = "freeze_merchant"
	}
	if in.CreatedBy == "" {
		in.CreatedBy = "ops-1"
	}
	if in.Target == nil {
		in.Target = json.RawMessage(`{"merchant_id":"m-1"}`)
	}
	a, created, err := h.svc.CreateAction(context.Background(), in)
	require.NoError(t, err)
	require.True(t, created)
	return a
}

func (h *harness) vote(t *testing.T, actionID, voter string, roles []string, choice contracts.VoteChoice) *contracts.ActionWithVotes {
	t.Helper()
	_, view, err := h.svc.Vote(context.Background(), VoteInput{
		ActionID:   actionID,
		VoterID:    voter,
		VoterRoles: roles,
		Vote:       choice,
	})
	require.NoError(t, err, "vote by %s", voter)
	return view
}

func (h *harness) status(t *testing.T, id string) contracts.ActionStatus {
	t.Helper()
	a, err := h.svc.GetAction(context.Background(), id)
	require.NoError(t, err)
	return a.Status
}

func (h *harness) auditKinds(t *testing.T, id string) []contracts.AuditKind {
	t.Helper()
	events, err := h.svc.GetAuditTrail(context.Background(), id)
	require.NoError(t, err)
	out := make([]contracts.AuditKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func ptr[T any](v T) *T { return &v }

func users(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("u%d", i+1)
	}
	return out
}
