// Package quorum decides whether a vote set satisfies an action's quorum
// configuration and approval ratio. Evaluation is pure and deterministic:
// the same configuration and votes always produce the same Result.
package quorum

import (
	"fmt"
	"math"

	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
)

// ratioEpsilon absorbs float error in percentage and ratio arithmetic
// (4 * 0.6 must require 3 voters, not 4).
const ratioEpsilon = 1e-9

// Result is the outcome of evaluating one vote set.
type Result struct {
	Approvals   int     `json:"approvals"`
	Rejections  int     `json:"rejections"`
	Abstentions int     `json:"abstentions"`
	Counted     int     `json:"counted"`  // non-abstain votes counted toward quorum
	Required    int     `json:"required"` // votes the quorum needs
	Ratio       float64 `json:"ratio"`
	QuorumMet   bool    `json:"quorum_met"`
	RatioMet    bool    `json:"ratio_met"`
	Approved    bool    `json:"approved"`
	Reason      string  `json:"reason"`
}

// Evaluate computes quorum and ratio satisfaction. An action is approved
// only when both hold. A nil quorum is the single-approver case: at least
// one non-abstain vote.
func Evaluate(q *contracts.QuorumConfig, requiredRatio float64, votes []contracts.Vote) Result {
	var r Result
	for _, v := range votes {
		switch v.Vote {
		case contracts.VoteApprove:
			r.Approvals++
		case contracts.VoteReject:
			r.Rejections++
		case contracts.VoteAbstain:
			r.Abstentions++
		}
	}

	r.Counted, r.Required = participation(q, votes)
	r.QuorumMet = r.Counted >= r.Required

	decisive := r.Approvals + r.Rejections
	if decisive > 0 {
		r.Ratio = float64(r.Approvals) / float64(decisive)
		r.RatioMet = r.Ratio+ratioEpsilon >= requiredRatio
	}

	r.Approved = r.QuorumMet && r.RatioMet
	switch {
	case r.Approved:
		r.Reason = fmt.Sprintf("quorum %d/%d met, ratio %.2f >= %.2f", r.Counted, r.Required, r.Ratio, requiredRatio)
	case !r.QuorumMet:
		r.Reason = fmt.Sprintf("quorum not met: %d/%d", r.Counted, r.Required)
	case decisive == 0:
		r.Reason = "no decisive votes"
	default:
		r.Reason = fmt.Sprintf("ratio %.2f below required %.2f", r.Ratio, requiredRatio)
	}
	return r
}

// participation returns how many votes count toward q and how many it needs.
func participation(q *contracts.QuorumConfig, votes []contracts.Vote) (counted, required int) {
	if q == nil {
		for _, v := range votes {
			if v.Vote.Decisive() {
				counted++
			}
		}
		return counted, 1
	}

	switch q.Type {
	case contracts.QuorumRole:
		for _, v := range votes {
			if v.Vote.Decisive() && v.HasRole(q.Role) {
				counted++
			}
		}
		return counted, q.MinVotes

	case contracts.QuorumPercentage:
		pool := toSet(q.Pool)
		for _, v := range votes {
			if _, ok := pool[v.VoterID]; ok && v.Vote.Decisive() {
				counted++
			}
		}
		return counted, RequiredFromPool(len(pool), q.Percentage)

	case contracts.QuorumSpecificUsers:
		users := toSet(q.Users)
		for _, v := range votes {
			if _, ok := users[v.VoterID]; ok && v.Vote.Decisive() {
				counted++
			}
		}
		return counted, len(users)
	}

	// Unknown variants never approve.
	return 0, math.MaxInt32
}

// RequiredFromPool is ceil(poolSize * percentage), tolerant of float error.
func RequiredFromPool(poolSize int, percentage float64) int {
	n := int(math.Ceil(float64(poolSize)*percentage - ratioEpsilon))
	if n < 1 {
		n = 1
	}
	return n
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
