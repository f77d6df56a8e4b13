package auth

import (
	"slices"

	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
)

// Operator is the authenticated caller as asserted by the ops gateway.
type Operator struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

// NewOperator canonicalises the id and role set.
func NewOperator(id string, roles []string) Operator {
	return Operator{ID: contracts.NormalizeID(id), Roles: contracts.NormalizeRoles(roles)}
}

// HasRole reports whether the operator holds role.
func (o Operator) HasRole(role string) bool {
	return slices.Contains(o.Roles, contracts.NormalizeID(role))
}
