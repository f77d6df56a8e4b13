//go:build property
// +build property

package quorum_test

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
	"github.com/Mindburn-Labs/opsgate/pkg/quorum"
)

var choices = []contracts.VoteChoice{contracts.VoteApprove, contracts.VoteReject, contracts.VoteAbstain}

func buildVotes(codes []int, roleFlags []bool) []contracts.Vote {
	votes := make([]contracts.Vote, 0, len(codes))
	for i, c := range codes {
		v := contracts.Vote{
			ActionID: "act",
			VoterID:  fmt.Sprintf("u%d", i),
			Vote:     choices[c%len(choices)],
		}
		if i < len(roleFlags) && roleFlags[i] {
			v.VoterRoles = []string{"pay_admin"}
		}
		votes = append(votes, v)
	}
	return votes
}

// Property: adding an approve vote never un-satisfies a satisfied quorum.
func TestQuorumMonotonicUnderApprove(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	configs := []*contracts.QuorumConfig{
		nil,
		contracts.RoleQuorum("pay_admin", 2),
		contracts.PercentageQuorum([]string{"u0", "u1", "u2", "u3", "u4"}, 0.6),
		contracts.SpecificUsersQuorum("u0", "u1"),
	}

	properties.Property("approve vote preserves quorum satisfaction", prop.ForAll(
		func(codes []int, roleFlags []bool, cfgIdx int) bool {
			q := configs[cfgIdx%len(configs)]
			votes := buildVotes(codes, roleFlags)
			before := quorum.Evaluate(q, 0.6, votes)

			extra := contracts.Vote{
				ActionID:   "act",
				VoterID:    fmt.Sprintf("u%d", len(votes)),
				Vote:       contracts.VoteApprove,
				VoterRoles: []string{"pay_admin"},
			}
			after := quorum.Evaluate(q, 0.6, append(votes, extra))

			if before.QuorumMet && !after.QuorumMet {
				return false
			}
			// Approve votes can only raise the ratio.
			return !before.Approved || after.Approved
		},
		gen.SliceOf(gen.IntRange(0, 2)),
		gen.SliceOf(gen.Bool()),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}

// Property: evaluation is deterministic for identical input.
func TestQuorumDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Evaluate(x) == Evaluate(x)", prop.ForAll(
		func(codes []int, ratio float64) bool {
			votes := buildVotes(codes, nil)
			return quorum.Evaluate(nil, ratio, votes) == quorum.Evaluate(nil, ratio, votes)
		},
		gen.SliceOf(gen.IntRange(0, 2)),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}
