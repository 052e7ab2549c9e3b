package auth

import (
	"context"
	"errors"
)

var ErrNoIdentity = errors.New("auth: no identity in context")

// Identity is the authenticated principal behind an API request. OwnerID is the
// account whose screened calls the principal may see; for a delegate it differs
// from UserID.
type Identity struct {
	UserID  string
	OwnerID string
	Role    string
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the request identity. Missing owner or role counts as absent.
func IdentityFrom(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	if !ok || id.OwnerID == "" || id.Role == "" {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

func OwnerID(ctx context.Context) (string, error) {
	id, err := IdentityFrom(ctx)
	return id.OwnerID, err
}

func Role(ctx context.Context) (string, error) {
	id, err := IdentityFrom(ctx)
	return id.Role, err
}
