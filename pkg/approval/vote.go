package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
	"github.com/Mindburn-Labs/opsgate/pkg/observability"
	"github.com/Mindburn-Labs/opsgate/pkg/quorum"
	"github.com/Mindburn-Labs/opsgate/pkg/signing"
	"github.com/Mindburn-Labs/opsgate/pkg/store"
)

// VoteInput is one voter's decision. VoterRoles is the role set asserted by
// the gateway at the time of the vote.
type VoteInput struct {
	ActionID   string
	VoterID    string
	VoterRoles []string
	Vote       contracts.VoteChoice
	Comment    string
	SignedJWT  string
	IPAddress  string
	UserAgent  string
}

type votedSnapshot struct {
	VoterID    string                 `json:"voter_id"`
	VoterRoles []string               `json:"voter_roles"`
	Vote       contracts.VoteChoice   `json:"vote"`
	Comment    string                 `json:"comment,omitempty"`
	Signed     bool                   `json:"signed"`
	Status     contracts.ActionStatus `json:"status"`
	Evaluation quorum.Result          `json:"evaluation"`
}

// Vote records or replaces the caller's vote, then re-evaluates quorum on
// the vote set read under the action's row lock. When the vote approves an
// auto-execute action the handler runs before Vote returns.
func (s *Service) Vote(ctx context.Context, in VoteInput) (*contracts.Vote, *contracts.ActionWithVotes, error) {
	ctx, finish := s.telemetry.TrackOperation(ctx, "approval.vote",
		observability.AttrActionID.String(in.ActionID), observability.AttrVote.String(string(in.Vote)))
	v, a, err := s.vote(ctx, in)
	finish(err)
	return v, a, err
}

func (s *Service) vote(ctx context.Context, in VoteInput) (*contracts.Vote, *contracts.ActionWithVotes, error) {
	in.VoterID = contracts.NormalizeID(in.VoterID)
	in.VoterRoles = contracts.NormalizeRoles(in.VoterRoles)
	if in.VoterID == "" {
		return nil, nil, validationf("voter_id is required")
	}
	if !in.Vote.Valid() {
		return nil, nil, validationf("unknown vote %q", in.Vote)
	}

	now := s.now()
	vote := contracts.Vote{
		ActionID:   in.ActionID,
		VoterID:    in.VoterID,
		VoterRoles: in.VoterRoles,
		Vote:       in.Vote,
		Comment:    in.Comment,
		SignedJWT:  in.SignedJWT,
		IPAddress:  in.IPAddress,
		UserAgent:  in.UserAgent,
		CreatedAt:  now,
	}

	var after *contracts.Action
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		a, err := tx.LockAction(ctx, in.ActionID)
		if err != nil {
			return translate(err, "vote")
		}
		if !a.Status.Votable() {
			return fmt.Errorf("%w: status is %s", ErrActionNotVotable, a.Status)
		}
		if a.Overdue(now) {
			return fmt.Errorf("%w: deadline %s has passed", ErrActionNotVotable, a.ExpiresAt.Format(time.RFC3339))
		}
		if err := s.verifier.Verify(in.SignedJWT, a.ID, in.VoterID, in.Vote); err != nil {
			if errors.Is(err, signing.ErrSignatureRequired) || errors.Is(err, signing.ErrInvalidSignature) {
				return fmt.Errorf("%w: %v", ErrValidation, err)
			}
			return err
		}

		if err := tx.UpsertVote(ctx, vote); err != nil {
			return fmt.Errorf("upsert vote: %w", err)
		}
		votes, err := tx.ListVotes(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("list votes: %w", err)
		}
		res := quorum.Evaluate(a.RequiredQuorum, a.RequiredRatio, votes)

		from := a.Status
		switch {
		case a.RejectOnVeto && in.Vote == contracts.VoteReject:
			a.Status = contracts.StatusRejected
		case res.Approved:
			a.Status = contracts.StatusApproved
		default:
			a.Status = contracts.StatusPendingApproval
		}
		a.UpdatedAt = now
		if err := tx.UpdateAction(ctx, a); err != nil {
			return translate(err, "vote")
		}

		s.recorder.Record(ctx, tx, a.ID, contracts.AuditVoted, in.VoterID, votedSnapshot{
			VoterID:    in.VoterID,
			VoterRoles: in.VoterRoles,
			Vote:       in.Vote,
			Comment:    in.Comment,
			Signed:     in.SignedJWT != "",
			Status:     a.Status,
			Evaluation: res,
		}, now)
		if a.Status == contracts.StatusRejected {
			s.recorder.Record(ctx, tx, a.ID, contracts.AuditRejected, in.VoterID,
				transition{From: from, To: a.Status, Reason: "veto"}, now)
		}
		after = a
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.InfoContext(ctx, "vote recorded",
		"action_id", after.ID, "voter_id", in.VoterID, "vote", in.Vote, "status", after.Status)
	s.publishStatus(ctx, after)

	if after.Status == contracts.StatusApproved && after.AutoExecute {
		// The vote is committed; a caller that goes away must not strand
		// the action in executing.
		if _, err := s.Execute(context.WithoutCancel(ctx), after.ID, AutoExecuteActor); err != nil {
			s.logger.WarnContext(ctx, "auto-execute after vote did not run",
				"action_id", after.ID, "error", err)
		}
	}

	view, err := s.GetAction(ctx, after.ID)
	if err != nil {
		return nil, nil, err
	}
	return &vote, view, nil
}
