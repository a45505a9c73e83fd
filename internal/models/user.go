package models

import "github.com/golang-jwt/jwt/v5"

// Roles, lowest to highest privilege.
const (
	RoleViewer  = "viewer"
	RoleLabeler = "labeler"
	RoleAdmin   = "admin"
)

var roleRank = map[string]int{
	RoleViewer:  1,
	RoleLabeler: 2,
	RoleAdmin:   3,
}

// RoleAtLeast reports whether role grants at least the privileges of min.
func RoleAtLeast(role, min string) bool {
	return roleRank[role] > 0 && roleRank[role] >= roleRank[min]
}

// Claims defines the structure of the JWT claims issued by the auth service.
type Claims struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Actor is the identity recorded on artifacts.
type Actor struct {
	UserID    int64
	Email     string
	Role      string
	RequestID string
}
