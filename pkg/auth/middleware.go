// Package auth resolves the calling operator. opsgate sits behind the ops
// gateway, which authenticates the user and forwards the identity in
// X-Operator-ID and X-Operator-Roles.
package auth

import (
	"net/http"
	"strings"
)

const (
	OperatorIDHeader    = "X-Operator-ID"
	OperatorRolesHeader = "X-Operator-Roles"
)

// publicPaths are endpoints that do not require an operator.
var publicPaths = []string{
	"/health",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// RejectFunc writes the response for a request without identity.
type RejectFunc func(w http.ResponseWriter, detail string)

// NewMiddleware resolves the operator from gateway headers. Requests to
// non-public paths without an operator id are passed to reject.
func NewMiddleware(reject RejectFunc) func(http.Handler) http.Handler {
	if reject == nil {
		reject = func(w http.ResponseWriter, detail string) {
			http.Error(w, detail, http.StatusUnauthorized)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			op := NewOperator(r.Header.Get(OperatorIDHeader), ParseRoles(r.Header.Get(OperatorRolesHeader)))
			if op.ID == "" {
				reject(w, "Missing "+OperatorIDHeader+" header")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), op)))
		})
	}
}

// ParseRoles splits a comma separated role header. Empty entries are
// dropped.
func ParseRoles(header string) []string {
	if strings.TrimSpace(header) == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	roles := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			roles = append(roles, p)
		}
	}
	return roles
}
