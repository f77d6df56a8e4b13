package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// QuorumType discriminates the QuorumConfig variants.
type QuorumType string

const (
	QuorumRole          QuorumType = "role"
	QuorumPercentage    QuorumType = "percentage"
	QuorumSpecificUsers QuorumType = "specific_users"
)

// QuorumConfig is the minimum participation an action requires. Exactly one
// variant is active, selected by Type:
//
//	role:           Role + MinVotes
//	percentage:     Pool + Percentage
//	specific_users: Users
type QuorumConfig struct {
	Type       QuorumType `json:"type" yaml:"type"`
	Role       string     `json:"role,omitempty" yaml:"role,omitempty"`
	MinVotes   int        `json:"min_votes,omitempty" yaml:"min_votes,omitempty"`
	Pool       []string   `json:"pool,omitempty" yaml:"pool,omitempty"`
	Percentage float64    `json:"percentage,omitempty" yaml:"percentage,omitempty"`
	Users      []string   `json:"users,omitempty" yaml:"users,omitempty"`
}

// RoleQuorum builds a role-count quorum.
func RoleQuorum(role string, minVotes int) *QuorumConfig {
	return &QuorumConfig{Type: QuorumRole, Role: role, MinVotes: minVotes}
}

// PercentageQuorum builds a percentage-of-pool quorum.
func PercentageQuorum(pool []string, percentage float64) *QuorumConfig {
	return &QuorumConfig{Type: QuorumPercentage, Pool: pool, Percentage: percentage}
}

// SpecificUsersQuorum builds a named-user-set quorum.
func SpecificUsersQuorum(users ...string) *QuorumConfig {
	return &QuorumConfig{Type: QuorumSpecificUsers, Users: users}
}

// Validate checks that exactly one well-formed variant is populated.
func (q *QuorumConfig) Validate() error {
	if q == nil {
		return nil
	}
	switch q.Type {
	case QuorumRole:
		if q.Role == "" {
			return errors.New("role quorum requires role")
		}
		if q.MinVotes < 1 {
			return fmt.Errorf("role quorum min_votes must be >= 1, got %d", q.MinVotes)
		}
		if len(q.Pool) > 0 || len(q.Users) > 0 || q.Percentage != 0 {
			return errors.New("role quorum must not set pool, percentage or users")
		}
	case QuorumPercentage:
		if len(q.Pool) == 0 {
			return errors.New("percentage quorum requires a non-empty pool")
		}
		if !(q.Percentage > 0 && q.Percentage <= 1) {
			return fmt.Errorf("percentage quorum percentage must be in (0,1], got %v", q.Percentage)
		}
		if q.Role != "" || q.MinVotes != 0 || len(q.Users) > 0 {
			return errors.New("percentage quorum must not set role, min_votes or users")
		}
	case QuorumSpecificUsers:
		if len(q.Users) == 0 {
			return errors.New("specific_users quorum requires at least one user")
		}
		if q.Role != "" || q.MinVotes != 0 || len(q.Pool) > 0 || q.Percentage != 0 {
			return errors.New("specific_users quorum must not set role, min_votes, pool or percentage")
		}
	case "":
		return errors.New("quorum type is required")
	default:
		return fmt.Errorf("unknown quorum type %q", q.Type)
	}
	return nil
}

// Normalize canonicalises identifiers and collapses duplicate ids so that
// evaluation and storage see one stable form.
func (q *QuorumConfig) Normalize() {
	if q == nil {
		return
	}
	q.Role = NormalizeID(q.Role)
	q.Pool = dedupe(q.Pool)
	q.Users = dedupe(q.Users)
}

// Clone returns a deep copy.
func (q QuorumConfig) Clone() QuorumConfig {
	c := q
	c.Pool = append([]string(nil), q.Pool...)
	c.Users = append([]string(nil), q.Users...)
	return c
}

// ReferencesRole reports whether a role quorum is scoped to one of roles.
func (q *QuorumConfig) ReferencesRole(roles []string) bool {
	if q == nil || q.Type != QuorumRole {
		return false
	}
	for _, r := range roles {
		if r == q.Role {
			return true
		}
	}
	return false
}

// MarshalQuorum encodes an optional quorum for storage; nil encodes to nil.
func MarshalQuorum(q *QuorumConfig) ([]byte, error) {
	if q == nil {
		return nil, nil
	}
	return json.Marshal(q)
}

// UnmarshalQuorum decodes a stored quorum; empty input yields nil.
func UnmarshalQuorum(data []byte) (*QuorumConfig, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var q QuorumConfig
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("corrupt quorum config: %w", err)
	}
	return &q, nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return ids
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = NormalizeID(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
