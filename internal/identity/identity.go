// Package identity authenticates callers and resolves them to an Identity:
// either the Admin (shared secret) or a Principal derived from an Ed25519
// public key through the signed credential exchange.
package identity

import (
	"context"
	"errors"
)

// AdminOwner is the owner recorded on builds submitted by the Admin.
const AdminOwner = "admin"

// Identity is an authenticated caller.
type Identity struct {
	// Principal is the hex-encoded Ed25519 public key. Empty for the Admin.
	Principal string
	Admin     bool
}

// Admin returns the administrator identity.
func Admin() Identity { return Identity{Admin: true} }

// Principal returns the identity for a hex-encoded public key.
func Principal(hexKey string) Identity { return Identity{Principal: hexKey} }

// Owner is the value stored on records created by this identity.
func (i Identity) Owner() string {
	if i.Admin {
		return AdminOwner
	}
	return i.Principal
}

// CanAccess reports whether the identity may read or mutate a resource owned by owner.
func (i Identity) CanAccess(owner string) bool {
	return i.Admin || (i.Principal != "" && i.Principal == owner)
}

// Valid reports whether the identity is usable.
func (i Identity) Valid() bool { return i.Admin || i.Principal != "" }

type contextKey string

const identityContextKey contextKey = "identity"

// ErrNoIdentity is returned when no identity is found in context.
var ErrNoIdentity = errors.New("no identity in context")

// WithIdentity stores an identity in the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// FromContext retrieves the identity from the context.
func FromContext(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	if !ok || !id.Valid() {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}
