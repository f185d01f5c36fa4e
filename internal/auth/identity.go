package auth

import "context"

// Identity is the authenticated caller as issued by the auth collaborator.
type Identity struct {
	UserID string   `json:"userId"`
	Name   string   `json:"name,omitempty"`
	Email  string   `json:"email,omitempty"`
	Mobile string   `json:"mobile,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	// Operator is resolved by the authenticator against the configured
	// operator role.
	Operator bool `json:"operator"`
}

// IsOperator reports whether the caller may act across sessions.
func (i Identity) IsOperator() bool {
	return i.Operator
}

// HasRole reports whether role is among the identity's roles.
func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type contextKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFrom extracts the identity stored by Middleware.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
