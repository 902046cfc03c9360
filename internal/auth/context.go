// ABOUTME: Request identity for tracking callers through HTTP handlers
// ABOUTME: Provides WithIdentity/IdentityFrom for propagation via context

package auth

import (
	"context"
)

// Identity is the caller identity attached to a request: the agent id a
// request asserted through the agent header, or the subject of a verified
// admin token.
type Identity struct {
	AgentID string
	Role    string
}

// IsAdmin reports whether the identity carries the admin role.
func (id *Identity) IsAdmin() bool {
	return id != nil && id.Role == RoleAdmin
}

// identityKey is the key type for storing Identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with the identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom retrieves the identity from the context, returning nil if
// not present.
func IdentityFrom(ctx context.Context) *Identity {
	val := ctx.Value(identityKey{})
	if val == nil {
		return nil
	}
	id, ok := val.(*Identity)
	if !ok {
		return nil
	}
	return id
}
