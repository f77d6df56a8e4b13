package approval

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/opsgate/pkg/audit"
	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
	"github.com/Mindburn-Labs/opsgate/pkg/store"
	"github.com/Mindburn-Labs/opsgate/pkg/webhook"
)

func approved(t *testing.T, h *harness, in CreateActionInput) *contracts.Action {
	t.Helper()
	a := h.create(t, in)
	view := h.vote(t, a.ID, "u1", nil, contracts.VoteApprove)
	require.Equal(t, contracts.StatusApproved, view.Status)
	return &view.Action
}

func TestExecute_AtMostOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.gate = make(chan struct{})
	a := approved(t, h, CreateActionInput{ActionType: "force_reconciliation"})

	const n = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []*ExecutionOutcome
		errs     []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.svc.Execute(ctx, a.ID, "ops-2")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			outcomes = append(outcomes, out)
		}()
	}
	// Let every loser observe executing or a terminal status, then release.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) == n-1
	}, 2*time.Second, time.Millisecond)
	close(h.gate)
	wg.Wait()

	require.Len(t, outcomes, 1)
	assert.Equal(t, contracts.StatusExecuted, outcomes[0].Status)
	assert.Equal(t, int32(1), h.calls.Load(), "handler invoked exactly once")
	for _, err := range errs {
		assert.True(t, errors.Is(err, ErrAlreadyExecuting) || errors.Is(err, ErrActionNotApproved), "unexpected error %v", err)
	}
	assert.Equal(t, contracts.StatusExecuted, h.status(t, a.ID))
}

func TestExecute_CallerCancellationDoesNotAbortHandler(t *testing.T) {
	h := newHarness(t)
	h.gate = make(chan struct{})
	a := approved(t, h, CreateActionInput{ActionType: "force_reconciliation"})

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		out *ExecutionOutcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := h.svc.Execute(ctx, a.ID, "ops-2")
		done <- result{out, err}
	}()

	require.Eventually(t, func() bool { return h.calls.Load() == 1 }, 2*time.Second, time.Millisecond)
	cancel()
	close(h.gate)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, contracts.StatusExecuted, res.out.Status)
	assert.Empty(t, res.out.Error)
	assert.Equal(t, contracts.StatusExecuted, h.status(t, a.ID))
	assert.Equal(t, int32(1), h.calls.Load())
}

// flakyStore fails the next n transactions once a handler has run.
type flakyStore struct {
	store.Store
	ran   *atomic.Int32
	fails atomic.Int32
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if f.ran != nil && f.ran.Load() > 0 && f.fails.Add(-1) >= 0 {
		return errors.New("read tcp 10.0.0.7:5432: connection reset by peer")
	}
	return f.Store.WithTx(ctx, fn)
}

func TestExecute_RetriesOutcomeCommit(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStore{Store: store.NewMemoryStore()}
	h := newHarnessOn(t, fs, WithFinishRetry(3, time.Millisecond))
	fs.ran = &h.calls
	fs.fails.Store(2)
	a := approved(t, h, CreateActionInput{})

	out, err := h.svc.Execute(ctx, a.ID, "ops-2")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExecuted, out.Status)
	assert.Equal(t, contracts.StatusExecuted, h.status(t, a.ID))
	assert.Equal(t, int32(1), h.calls.Load())

	_, total := h.svc.AuditFailures().Recent()
	assert.Zero(t, total)
}

func TestExecute_UnrecordedOutcomeIsReported(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStore{Store: store.NewMemoryStore()}
	h := newHarnessOn(t, fs, WithFinishRetry(3, time.Millisecond))
	fs.ran = &h.calls
	fs.fails.Store(3)
	a := approved(t, h, CreateActionInput{})

	_, err := h.svc.Execute(ctx, a.ID, "ops-2")
	require.ErrorIs(t, err, ErrExecution)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, contracts.StatusExecuting, h.status(t, a.ID))
	assert.Equal(t, int32(1), h.calls.Load())

	recent, total := h.svc.AuditFailures().Recent()
	require.Equal(t, int64(1), total)
	assert.Equal(t, audit.ScopeOutcome, recent[0].Scope)
	assert.Equal(t, a.ID, recent[0].ActionID)
	assert.Equal(t, contracts.AuditExecuted, recent[0].Kind)
	assert.Contains(t, recent[0].Error, `"frozen":"m-1"`, "the handler result is kept for reconciliation")

	_, err = h.svc.Execute(ctx, a.ID, "ops-2")
	assert.ErrorIs(t, err, ErrAlreadyExecuting)
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestExecute_HandlerFailureIsOutcome(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := approved(t, h, CreateActionInput{ActionType: "pause_payouts"})

	out, err := h.svc.Execute(ctx, a.ID, "ops-2")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, out.Status)
	assert.Equal(t, "payout rail unavailable", out.Error)
	assert.JSONEq(t, `{"error":"payout rail unavailable"}`, string(out.Result))
	assert.Equal(t, contracts.AuditFailed, h.auditKinds(t, a.ID)[3])
	assert.Contains(t, h.pub.types(), webhook.EventFailed)

	_, err = h.svc.Execute(ctx, a.ID, "ops-2")
	assert.ErrorIs(t, err, ErrActionNotApproved)
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestExecute_MissingHandlerFails(t *testing.T) {
	h := newHarness(t)
	a := approved(t, h, CreateActionInput{ActionType: "unregistered_kind"})

	out, err := h.svc.Execute(context.Background(), a.ID, "ops-2")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, out.Status)
	assert.Contains(t, out.Error, "no handler")
}

func TestExecute_Preconditions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.Execute(ctx, "missing", "ops-2")
	assert.ErrorIs(t, err, ErrNotFound)

	a := h.create(t, CreateActionInput{})
	_, err = h.svc.Execute(ctx, a.ID, "ops-2")
	assert.ErrorIs(t, err, ErrActionNotApproved)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = h.svc.Execute(ctx, a.ID, "")
	assert.ErrorIs(t, err, ErrValidation)
	assert.Zero(t, h.calls.Load())
}

func TestReject(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	pending := h.create(t, CreateActionInput{RequiredQuorum: contracts.RoleQuorum("pay_admin", 2)})
	got, err := h.svc.Reject(ctx, pending.ID, "ops-lead", "duplicate request")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRejected, got.Status)
	events, err := h.svc.GetAuditTrail(ctx, pending.ID)
	require.NoError(t, err)
	assert.Contains(t, string(events[len(events)-1].Snapshot), "duplicate request")

	ok := approved(t, h, CreateActionInput{})
	_, err = h.svc.Reject(ctx, ok.ID, "ops-lead", "")
	require.NoError(t, err, "approved actions can still be rejected")

	done := approved(t, h, CreateActionInput{})
	_, err = h.svc.Execute(ctx, done.ID, "ops-2")
	require.NoError(t, err)
	_, err = h.svc.Reject(ctx, done.ID, "ops-lead", "")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = h.svc.Reject(ctx, "missing", "ops-lead", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunAutoExecutePass(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// An approved auto-execute action left behind by a crash.
	stranded := &contracts.Action{
		ID: "stranded", Origin: contracts.OriginSystem, ActionType: "freeze_merchant",
		Target: []byte(`{"merchant_id":"m-3"}`), Status: contracts.StatusApproved,
		RequiredRatio: 0.6, TimeoutSeconds: 60, AutoExecute: true, CreatedBy: "system",
		CreatedAt: t0, UpdatedAt: t0, ExpiresAt: t0.Add(time.Minute),
	}
	failing := &contracts.Action{
		ID: "failing", Origin: contracts.OriginSystem, ActionType: "pause_payouts",
		Status: contracts.StatusApproved, RequiredRatio: 0.6, TimeoutSeconds: 60,
		AutoExecute: true, CreatedBy: "system", CreatedAt: t0, UpdatedAt: t0, ExpiresAt: t0.Add(time.Minute),
	}
	require.NoError(t, h.st.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertAction(ctx, stranded); err != nil {
			return err
		}
		return tx.InsertAction(ctx, failing)
	}))

	rep, err := h.svc.RunAutoExecutePass(ctx)
	require.NoError(t, err)
	assert.Equal(t, AutoExecuteReport{Scanned: 2, Executed: 1, Failed: 1}, rep)
	assert.Equal(t, contracts.StatusExecuted, h.status(t, "stranded"))
	assert.Equal(t, contracts.StatusFailed, h.status(t, "failing"))

	rep, err = h.svc.RunAutoExecutePass(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Scanned)
}

func TestListPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	forAdmins := h.create(t, CreateActionInput{RequiredQuorum: contracts.RoleQuorum("pay_admin", 2)})
	h.clock.Advance(time.Second)
	forRisk := h.create(t, CreateActionInput{RequiredQuorum: contracts.RoleQuorum("risk", 1), TimeoutSeconds: ptr(int64(600))})
	h.clock.Advance(time.Second)
	open := h.create(t, CreateActionInput{RequiredQuorum: contracts.SpecificUsersQuorum("u1", "u2")})
	done := approved(t, h, CreateActionInput{})

	all, err := h.svc.ListPending(ctx, nil, 0, 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, a := range all {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{forRisk.ID, forAdmins.ID, open.ID}, ids, "nearest deadline first")
	assert.NotContains(t, ids, done.ID)

	admins, err := h.svc.ListPending(ctx, []string{"pay_admin"}, 0, 0)
	require.NoError(t, err)
	require.Len(t, admins, 2)
	assert.Equal(t, forAdmins.ID, admins[0].ID)
	assert.Equal(t, open.ID, admins[1].ID)
	assert.NotNil(t, admins[0].Votes)

	paged, err := h.svc.ListPending(ctx, nil, 1, 1)
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, forAdmins.ID, paged[0].ID)

	_, err = h.svc.ListPending(ctx, nil, 0, -1)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGetAuditTrail_NotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.GetAuditTrail(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.GetAction(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPolicyCRUD(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.CreatePolicy(ctx, contracts.ApprovalPolicy{Name: ""})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = h.svc.CreatePolicy(ctx, contracts.ApprovalPolicy{Name: "bad-cel", Criteria: contracts.PolicyCriteria{Expr: "target.amount >"}})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = h.svc.CreatePolicy(ctx, contracts.ApprovalPolicy{Name: "bad-ratio", Policy: contracts.PolicyOverrides{Ratio: ptr(2.0)}})
	assert.ErrorIs(t, err, ErrValidation)

	p, err := h.svc.CreatePolicy(ctx, contracts.ApprovalPolicy{
		Name:     "large-float",
		Enabled:  true,
		Priority: 5,
		Criteria: contracts.PolicyCriteria{Expr: `action_type == "adjust_float" && double(target.amount) > 10000.0`},
		Policy:   contracts.PolicyOverrides{Quorum: contracts.PercentageQuorum([]string{"t2", "t1", "t1"}, 1)},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, []string{"t1", "t2"}, p.Policy.Quorum.Pool, "pool is normalised")

	_, err = h.svc.CreatePolicy(ctx, contracts.ApprovalPolicy{Name: "large-float"})
	assert.ErrorIs(t, err, ErrPolicyNameTaken)
	assert.ErrorIs(t, err, ErrValidation)

	got, err := h.svc.GetPolicy(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "large-float", got.Name)

	big := h.create(t, CreateActionInput{ActionType: "adjust_float", Target: []byte(`{"amount":50000}`), Params: []byte(`{"amount":50000}`)})
	assert.Equal(t, p.ID, big.PolicyID)
	small := h.create(t, CreateActionInput{ActionType: "adjust_float", Target: []byte(`{"amount":50}`), Params: []byte(`{"amount":50}`)})
	assert.Empty(t, small.PolicyID)

	got.Enabled = false
	updated, err := h.svc.UpdatePolicy(ctx, p.ID, *got)
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
	assert.True(t, updated.CreatedAt.Equal(p.CreatedAt))

	list, err := h.svc.ListPolicies(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, h.svc.DeletePolicy(ctx, p.ID))
	assert.ErrorIs(t, h.svc.DeletePolicy(ctx, p.ID), ErrNotFound)
	_, err = h.svc.GetPolicy(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.UpdatePolicy(ctx, p.ID, *got)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestImportPolicies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	bundle := []contracts.ApprovalPolicy{
		{Name: "a", Enabled: true, Priority: 1},
		{Name: "b", Enabled: true, Priority: 2},
	}
	created, updated, err := h.svc.ImportPolicies(ctx, bundle)
	require.NoError(t, err)
	assert.Equal(t, 2, created)
	assert.Zero(t, updated)

	bundle[1].Priority = 9
	created, updated, err = h.svc.ImportPolicies(ctx, bundle)
	require.NoError(t, err)
	assert.Zero(t, created)
	assert.Equal(t, 2, updated)

	list, err := h.svc.ListPolicies(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestService_OnSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.NewSQLStore(db, store.DialectSQLite)
	require.NoError(t, st.Init(ctx))

	h := newHarnessOn(t, st)
	a := h.create(t, CreateActionInput{IdempotencyKey: "k-1", RequiredQuorum: contracts.RoleQuorum("pay_admin", 2)})
	again, created, err := h.svc.CreateAction(ctx, CreateActionInput{
		IdempotencyKey: "k-1", Origin: contracts.OriginOpsUI, ActionType: "freeze_merchant", CreatedBy: "ops-1",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a.ID, again.ID)

	h.vote(t, a.ID, "u1", payAdmin, contracts.VoteApprove)
	h.vote(t, a.ID, "u1", payAdmin, contracts.VoteApprove)
	view := h.vote(t, a.ID, "u2", payAdmin, contracts.VoteApprove)
	assert.Equal(t, contracts.StatusApproved, view.Status)
	assert.Len(t, view.Votes, 2)

	out, err := h.svc.Execute(ctx, a.ID, "ops-2")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExecuted, out.Status)

	got, err := h.svc.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"frozen":"m-1"}`, string(got.Result))
	assert.Len(t, h.auditKinds(t, a.ID), 6)
}
