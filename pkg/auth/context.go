// Package auth authenticates HTTP and MCP callers: signed-in users by JWT
// bearer token, operators by hashed API key.
package auth

import (
	"context"
	"slices"

	"github.com/txn2/steptracker/pkg/identity"
)

// RoleOperator grants access to maintenance endpoints.
const RoleOperator = "operator"

// Authentication types reported in Principal.AuthType.
const (
	AuthTypeJWT    = "jwt"
	AuthTypeAPIKey = "apikey"
)

type contextKey int

const (
	tokenContextKey contextKey = iota
	principalContextKey
)

// Principal is an authenticated caller.
type Principal struct {
	UserID   string   `json:"user_id"`
	Email    string   `json:"email,omitempty"`
	Name     string   `json:"name,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	AuthType string   `json:"auth_type"`
}

// Authenticator resolves the token carried by ctx into a Principal.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Principal, error)
}

// User converts the principal into the identity the step tracker owns
// counts for.
func (p *Principal) User() *identity.User {
	if p == nil {
		return nil
	}
	return &identity.User{ID: p.UserID, Email: p.Email}
}

// HasRole checks if the principal has a specific role.
func (p *Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// HasAnyRole checks if the principal has any of the specified roles.
func (p *Principal) HasAnyRole(roles ...string) bool {
	return slices.ContainsFunc(roles, p.HasRole)
}

// WithToken adds a raw credential to the context.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey, token)
}

// GetToken retrieves the raw credential from the context.
func GetToken(ctx context.Context) string {
	if s, ok := ctx.Value(tokenContextKey).(string); ok {
		return s
	}
	return ""
}

// WithPrincipal adds the authenticated caller to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// GetPrincipal retrieves the authenticated caller from the context.
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalContextKey).(*Principal); ok {
		return p
	}
	return nil
}
