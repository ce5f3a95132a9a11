package httpx

import (
	"context"

	"github.com/peopleops/jobflow/internal/domain/model"
)

// identityKey is an unexported context key type to avoid collisions across packages.
type identityKey struct{}

// SetIdentityInContext returns a child context carrying the caller identity.
func SetIdentityInContext(ctx context.Context, identity model.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// GetIdentityFromContext returns the caller identity and whether one is present.
func GetIdentityFromContext(ctx context.Context) (model.Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(model.Identity)
	return identity, ok && identity.Valid()
}
