package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/opsgate/pkg/audit"
	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
	"github.com/Mindburn-Labs/opsgate/pkg/signing"
	"github.com/Mindburn-Labs/opsgate/pkg/webhook"
)

var payAdmin = []string{"pay_admin"}

func TestScenario_RoleQuorum(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.create(t, CreateActionInput{RequiredQuorum: contracts.RoleQuorum("pay_admin", 2)})

	view := h.vote(t, a.ID, "u1", payAdmin, contracts.VoteApprove)
	assert.Equal(t, contracts.StatusPendingApproval, view.Status)

	// A voter without the role does not count toward the role quorum.
	view = h.vote(t, a.ID, "u9", []string{"support"}, contracts.VoteApprove)
	assert.Equal(t, contracts.StatusPendingApproval, view.Status)

	view = h.vote(t, a.ID, "u2", payAdmin, contracts.VoteApprove)
	assert.Equal(t, contracts.StatusApproved, view.Status)
	assert.Len(t, view.Votes, 3)

	out, err := h.svc.Execute(ctx, a.ID, "ops-2")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExecuted, out.Status)
	assert.JSONEq(t, `{"frozen":"m-1"}`, string(out.Result))
	assert.Empty(t, out.Error)
	assert.Equal(t, "ops-2", out.Action.ExecutedBy)
	require.NotNil(t, out.Action.ExecutedAt)

	assert.Equal(t, []contracts.AuditKind{
		contracts.AuditCreated, contracts.AuditVoted, contracts.AuditVoted, contracts.AuditVoted,
		contracts.AuditExecuting, contracts.AuditExecuted,
	}, h.auditKinds(t, a.ID))

	events, err := h.svc.GetAuditTrail(ctx, a.ID)
	require.NoError(t, err)
	assert.NoError(t, audit.VerifyChain(events))

	assert.Equal(t, []webhook.EventType{webhook.EventCreated, webhook.EventApproved, webhook.EventExecuted}, h.pub.types())
}

func TestScenario_PercentageQuorum(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, CreateActionInput{RequiredQuorum: contracts.PercentageQuorum(users(4), 0.6)})

	h.vote(t, a.ID, "u1", nil, contracts.VoteApprove)
	view := h.vote(t, a.ID, "u2", nil, contracts.VoteApprove)
	assert.Equal(t, contracts.StatusPendingApproval, view.Status, "ceil(4*0.6)=3 votes needed")

	// Outsiders do not count.
	view = h.vote(t, a.ID, "outsider", nil, contracts.VoteApprove)
	assert.Equal(t, contracts.StatusPendingApproval, view.Status)

	view = h.vote(t, a.ID, "u3", nil, contracts.VoteApprove)
	assert.Equal(t, contracts.StatusApproved, view.Status)
}

func TestScenario_SpecificUsers(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, CreateActionInput{RequiredQuorum: contracts.SpecificUsersQuorum("u1", "u2")})

	h.vote(t, a.ID, "u1", nil, contracts.VoteApprove)
	view := h.vote(t, a.ID, "u2", nil, contracts.VoteAbstain)
	assert.Equal(t, contracts.StatusPendingApproval, view.Status, "abstain does not count")

	view = h.vote(t, a.ID, "u2", nil, contracts.VoteApprove)
	assert.Equal(t, contracts.StatusApproved, view.Status)
}

func TestScenario_TimeoutExpiry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.create(t, CreateActionInput{TimeoutSeconds: ptr(int64(1))})

	h.clock.Advance(2 * time.Second)
	rep, err := h.svc.RunEscalationSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Expired)
	assert.Equal(t, contracts.StatusExpired, h.status(t, a.ID))

	_, _, err = h.svc.Vote(ctx, VoteInput{ActionID: a.ID, VoterID: "u1", Vote: contracts.VoteApprove})
	assert.ErrorIs(t, err, ErrActionNotVotable)
	assert.ErrorIs(t, err, ErrInvalidState)

	h.clock.Advance(time.Hour)
	rep, err = h.svc.RunEscalationSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Scanned)
	assert.Equal(t, contracts.StatusExpired, h.status(t, a.ID))
}

func TestScenario_EscalationTerminality(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.create(t, CreateActionInput{
		TimeoutSeconds: ptr(int64(60)),
		EscalationRole: ptr("cfo"),
		RequiredQuorum: contracts.RoleQuorum("pay_admin", 1),
	})

	h.clock.Advance(61 * time.Second)
	_, err := h.svc.RunEscalationSweep(ctx)
	require.NoError(t, err)
	got, err := h.svc.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPendingApproval, got.Status)
	assert.True(t, got.Urgent)

	// Escalated actions are routed to the escalation role too.
	pending, err := h.svc.ListPending(ctx, []string{"cfo"}, 0, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Urgent)

	h.clock.Advance(61 * time.Second)
	_, err = h.svc.RunEscalationSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExpired, h.status(t, a.ID))

	h.clock.Advance(time.Hour)
	_, err = h.svc.RunEscalationSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExpired, h.status(t, a.ID), "never back to pending_approval")
}

func TestVote_Uniqueness(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.create(t, CreateActionInput{RequiredQuorum: contracts.RoleQuorum("pay_admin", 3)})

	for _, c := range []contracts.VoteChoice{contracts.VoteApprove, contracts.VoteReject, contracts.VoteApprove, contracts.VoteAbstain} {
		h.clock.Advance(time.Second)
		h.vote(t, a.ID, "u1", payAdmin, c)
	}
	_, view, err := h.svc.Vote(ctx, VoteInput{
		ActionID: a.ID, VoterID: "u1", VoterRoles: []string{"pay_admin", "risk"},
		Vote: contracts.VoteReject, Comment: "merchant disputed", IPAddress: "10.0.0.7", UserAgent: "ops-ui/3",
	})
	require.NoError(t, err)

	require.Len(t, view.Votes, 1)
	v := view.Votes[0]
	assert.Equal(t, contracts.VoteReject, v.Vote)
	assert.Equal(t, []string{"pay_admin", "risk"}, v.VoterRoles)
	assert.Equal(t, "merchant disputed", v.Comment)
	assert.Equal(t, "10.0.0.7", v.IPAddress)
	assert.True(t, v.CreatedAt.Equal(h.clock.Now()), "re-vote refreshes the timestamp")
}

func TestVote_ReVoteBeforeQuorumIsReflected(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, CreateActionInput{RequiredQuorum: contracts.RoleQuorum("pay_admin", 2)})

	h.vote(t, a.ID, "u1", payAdmin, contracts.VoteApprove)
	h.vote(t, a.ID, "u1", payAdmin, contracts.VoteReject)
	view := h.vote(t, a.ID, "u2", payAdmin, contracts.VoteApprove)

	assert.Equal(t, contracts.StatusPendingApproval, view.Status, "1 approve / 2 decisive is below 0.60")
}

func TestVote_Errors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, _, err := h.svc.Vote(ctx, VoteInput{ActionID: "missing", VoterID: "u1", Vote: contracts.VoteApprove})
	assert.ErrorIs(t, err, ErrNotFound)

	a := h.create(t, CreateActionInput{})
	_, _, err = h.svc.Vote(ctx, VoteInput{ActionID: a.ID, VoterID: "", Vote: contracts.VoteApprove})
	assert.ErrorIs(t, err, ErrValidation)
	_, _, err = h.svc.Vote(ctx, VoteInput{ActionID: a.ID, VoterID: "u1", Vote: "maybe"})
	assert.ErrorIs(t, err, ErrValidation)

	h.vote(t, a.ID, "u1", nil, contracts.VoteApprove)
	assert.Equal(t, contracts.StatusApproved, h.status(t, a.ID))
	_, _, err = h.svc.Vote(ctx, VoteInput{ActionID: a.ID, VoterID: "u2", Vote: contracts.VoteApprove})
	assert.ErrorIs(t, err, ErrActionNotVotable)

	late := h.create(t, CreateActionInput{TimeoutSeconds: ptr(int64(30))})
	h.clock.Advance(31 * time.Second)
	_, _, err = h.svc.Vote(ctx, VoteInput{ActionID: late.ID, VoterID: "u1", Vote: contracts.VoteApprove})
	assert.ErrorIs(t, err, ErrActionNotVotable)
	assert.Equal(t, contracts.StatusRequested, h.status(t, late.ID), "the sweeper owns expiry")
}

func TestVote_VetoRejects(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, CreateActionInput{
		RequiredQuorum: contracts.RoleQuorum("pay_admin", 2),
		RejectOnVeto:   ptr(true),
	})

	h.vote(t, a.ID, "u1", payAdmin, contracts.VoteApprove)
	view := h.vote(t, a.ID, "u2", payAdmin, contracts.VoteReject)
	assert.Equal(t, contracts.StatusRejected, view.Status)
	assert.Equal(t, contracts.AuditRejected, h.auditKinds(t, a.ID)[3])
	assert.Contains(t, h.pub.types(), webhook.EventRejected)
}

func TestVote_RejectInertWithoutVeto(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, CreateActionInput{RequiredQuorum: contracts.RoleQuorum("pay_admin", 2)})

	view := h.vote(t, a.ID, "u1", payAdmin, contracts.VoteReject)
	assert.Equal(t, contracts.StatusPendingApproval, view.Status)
}

func TestVote_AbstainOnlyNeverApproves(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, CreateActionInput{RequiredRatio: ptr(0.0)})

	view := h.vote(t, a.ID, "u1", nil, contracts.VoteAbstain)
	assert.Equal(t, contracts.StatusPendingApproval, view.Status)
	view = h.vote(t, a.ID, "u2", nil, contracts.VoteAbstain)
	assert.Equal(t, contracts.StatusPendingApproval, view.Status)

	view = h.vote(t, a.ID, "u3", nil, contracts.VoteApprove)
	assert.Equal(t, contracts.StatusApproved, view.Status)
}

func TestVote_Signatures(t *testing.T) {
	ctx := context.Background()
	secret := []byte("vote-secret")
	h := newHarness(t, WithVerifier(signing.NewVerifier(secret, true)))
	a := h.create(t, CreateActionInput{RequiredQuorum: contracts.RoleQuorum("pay_admin", 2)})

	_, _, err := h.svc.Vote(ctx, VoteInput{ActionID: a.ID, VoterID: "u1", VoterRoles: payAdmin, Vote: contracts.VoteApprove})
	assert.ErrorIs(t, err, ErrValidation, "unsigned vote refused")

	wrong, err := signing.Sign(secret, a.ID, "u1", contracts.VoteReject, time.Minute)
	require.NoError(t, err)
	_, _, err = h.svc.Vote(ctx, VoteInput{ActionID: a.ID, VoterID: "u1", VoterRoles: payAdmin, Vote: contracts.VoteApprove, SignedJWT: wrong})
	assert.ErrorIs(t, err, ErrValidation)

	good, err := signing.Sign(secret, a.ID, "u1", contracts.VoteApprove, time.Minute)
	require.NoError(t, err)
	v, view, err := h.svc.Vote(ctx, VoteInput{ActionID: a.ID, VoterID: "u1", VoterRoles: payAdmin, Vote: contracts.VoteApprove, SignedJWT: good})
	require.NoError(t, err)
	assert.Equal(t, good, v.SignedJWT)
	assert.Len(t, view.Votes, 1)
}

func TestVote_AutoExecute(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, CreateActionInput{AutoExecute: ptr(true)})

	view := h.vote(t, a.ID, "u1", nil, contracts.VoteApprove)
	assert.Equal(t, contracts.StatusExecuted, view.Status)
	assert.Equal(t, AutoExecuteActor, view.ExecutedBy)
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestVote_NormalisesIdentifiers(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, CreateActionInput{RequiredQuorum: contracts.SpecificUsersQuorum("andr\u00e9")})

	// Decomposed e + combining acute accent.
	view := h.vote(t, a.ID, " andre\u0301 ", nil, contracts.VoteApprove)
	assert.Equal(t, contracts.StatusApproved, view.Status)
}
