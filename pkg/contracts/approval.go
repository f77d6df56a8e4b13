package contracts

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// VoteChoice is a voter's decision on an action.
type VoteChoice string

const (
	VoteApprove VoteChoice = "approve"
	VoteReject  VoteChoice = "reject"
	VoteAbstain VoteChoice = "abstain"
)

// Valid reports whether c is a known choice.
func (c VoteChoice) Valid() bool {
	return c == VoteApprove || c == VoteReject || c == VoteAbstain
}

// Decisive reports whether the vote counts toward quorum participation.
func (c VoteChoice) Decisive() bool {
	return c == VoteApprove || c == VoteReject
}

// Vote is the single latest decision of one voter on one action.
// (ActionID, VoterID) is unique; a re-vote overwrites the row.
type Vote struct {
	ActionID   string     `json:"action_id"`
	VoterID    string     `json:"voter_id"`
	VoterRoles []string   `json:"voter_roles"`
	Vote       VoteChoice `json:"vote"`
	Comment    string     `json:"comment,omitempty"`
	SignedJWT  string     `json:"signed_jwt,omitempty"`
	IPAddress  string     `json:"ip_address,omitempty"`
	UserAgent  string     `json:"user_agent,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// HasRole reports whether the voter held role when the vote was cast.
func (v Vote) HasRole(role string) bool {
	for _, r := range v.VoterRoles {
		if r == role {
			return true
		}
	}
	return false
}

// NormalizeID canonicalises a voter id or role name: NFC, trimmed.
// Gateways may hand us decomposed Unicode for the same principal.
func NormalizeID(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// NormalizeRoles canonicalises and de-duplicates a role set, keeping order.
func NormalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	seen := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		r = NormalizeID(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
