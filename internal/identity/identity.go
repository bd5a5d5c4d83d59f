// Package identity provides operator identity types and role helpers.
package identity

import "strings"

// Role constants for operator accounts.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// Operator is the authenticated caller identity resolved from a request.
type Operator struct {
	ID     string
	Role   string
	Tenant string
}

// IsAdmin reports whether the operator carries the admin role.
func (o Operator) IsAdmin() bool {
	return strings.EqualFold(strings.TrimSpace(o.Role), RoleAdmin)
}
