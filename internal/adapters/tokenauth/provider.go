// Package tokenauth provides bearer token identity providers: a config-driven
// static table for small deployments and a dev provider for local work. Real
// deployments put an OIDC-terminating proxy in front and swap this out.
package tokenauth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/peopleops/jobflow/config"
	"github.com/peopleops/jobflow/internal/core"
	"github.com/peopleops/jobflow/internal/domain/model"
	apperrors "github.com/peopleops/jobflow/internal/errors"
)

// Compile-time conformance to the identity port.
var (
	_ core.IdentityProvider = (*StaticProvider)(nil)
	_ core.IdentityProvider = (*DevProvider)(nil)
)

// NewFromConfig builds the identity provider selected by the auth config.
func NewFromConfig(cfg config.AuthConfig) (core.IdentityProvider, error) {
	switch cfg.Mode {
	case config.AuthModeDev:
		return NewDevProvider(model.Identity{
			ActorID: cfg.Dev.ActorID,
			Tenant:  cfg.Dev.Tenant,
			Roles:   cfg.Dev.Roles,
		})
	case config.AuthModeStatic:
		return NewStaticProvider(cfg.Tokens)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// StaticProvider resolves tokens against a fixed table.
type StaticProvider struct {
	identities map[string]model.Identity
}

// NewStaticProvider builds a provider from a token table mapping bearer
// tokens to "tenant/actor_id" pairs.
func NewStaticProvider(tokens map[string]string) (*StaticProvider, error) {
	if len(tokens) == 0 {
		return nil, errors.New("static auth: at least one token is required")
	}

	identities := make(map[string]model.Identity, len(tokens))
	for token, subject := range tokens {
		tenant, actorID, ok := strings.Cut(subject, "/")
		if !ok || tenant == "" || actorID == "" {
			return nil, fmt.Errorf("static auth: invalid subject %q (want tenant/actor_id)", subject)
		}
		identities[token] = model.Identity{Tenant: tenant, ActorID: actorID}
	}
	return &StaticProvider{identities: identities}, nil
}

// Resolve returns the identity bound to the token.
func (p *StaticProvider) Resolve(_ context.Context, token string) (model.Identity, error) {
	identity, ok := p.identities[token]
	if !ok {
		return model.Identity{}, apperrors.Unauthorized("unknown token")
	}
	return identity, nil
}

// DevProvider resolves any non-empty token to one configured identity.
type DevProvider struct {
	identity model.Identity
}

// NewDevProvider constructs a dev provider for the given identity.
func NewDevProvider(identity model.Identity) (*DevProvider, error) {
	if !identity.Valid() {
		return nil, errors.New("dev auth: identity needs actor and tenant")
	}
	return &DevProvider{identity: identity}, nil
}

// Resolve returns the configured dev identity.
func (p *DevProvider) Resolve(_ context.Context, token string) (model.Identity, error) {
	if token == "" {
		return model.Identity{}, apperrors.Unauthorized("token is required")
	}
	return p.identity, nil
}
