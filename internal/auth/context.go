// ABOUTME: Request identity carried through handlers via context.Context
// ABOUTME: The HTTP middleware attaches it; handlers read the caller's id and role back

package auth

import (
	"context"
	"slices"
)

// AuthContext is the caller of a request: a user id or an agent token's
// subject, and the role it acts with.
type AuthContext struct {
	PrincipalID string
	Role        Role
}

func (a *AuthContext) IsAdmin() bool { return a.Role == RoleAdmin }

func (a *AuthContext) IsAgent() bool { return a.Role == RoleAgent }

// HasRole reports whether the caller acts with one of roles.
func (a *AuthContext) HasRole(roles ...Role) bool {
	return slices.Contains(roles, a.Role)
}

type authContextKey struct{}

// WithAuth attaches the caller to ctx.
func WithAuth(ctx context.Context, caller *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, caller)
}

// FromContext returns the caller attached to ctx, or nil.
func FromContext(ctx context.Context) *AuthContext {
	caller, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return caller
}

// MustFromContext is FromContext for handlers behind HTTPAuthMiddleware.
// It panics when no caller is attached.
func MustFromContext(ctx context.Context) *AuthContext {
	caller := FromContext(ctx)
	if caller == nil {
		panic("auth: no caller in context")
	}
	return caller
}
