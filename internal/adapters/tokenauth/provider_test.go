package tokenauth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peopleops/jobflow/config"
	"github.com/peopleops/jobflow/internal/domain/model"
	apperrors "github.com/peopleops/jobflow/internal/errors"
)

func TestStaticProvider_Resolve(t *testing.T) {
	provider, err := NewStaticProvider(map[string]string{
		"tok-1": "acme/emp-100",
		"tok-2": "beta/emp-200",
	})
	require.NoError(t, err)

	identity, err := provider.Resolve(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "acme", identity.Tenant)
	assert.Equal(t, "emp-100", identity.ActorID)

	_, err = provider.Resolve(context.Background(), "tok-missing")
	assert.True(t, apperrors.IsUnauthorized(err))
}

func TestNewStaticProvider_RejectsBadSubjects(t *testing.T) {
	cases := map[string]map[string]string{
		"empty table":    {},
		"missing slash":  {"tok": "acme-emp-100"},
		"empty tenant":   {"tok": "/emp-100"},
		"empty actor id": {"tok": "acme/"},
	}
	for name, tokens := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewStaticProvider(tokens)
			assert.Error(t, err)
		})
	}
}

func TestDevProvider_Resolve(t *testing.T) {
	provider, err := NewDevProvider(model.Identity{
		ActorID: "dev-actor",
		Tenant:  "dev",
		Roles:   []string{"hr.admin"},
	})
	require.NoError(t, err)

	identity, err := provider.Resolve(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "dev-actor", identity.ActorID)
	assert.Equal(t, []string{"hr.admin"}, identity.Roles)

	_, err = provider.Resolve(context.Background(), "")
	assert.True(t, apperrors.IsUnauthorized(err))
}

func TestNewDevProvider_RequiresIdentity(t *testing.T) {
	_, err := NewDevProvider(model.Identity{ActorID: "dev-actor"})
	assert.Error(t, err)
}

func TestNewFromConfig(t *testing.T) {
	provider, err := NewFromConfig(config.AuthConfig{
		Mode: config.AuthModeDev,
		Dev:  config.DevAuthConfig{ActorID: "dev-actor", Tenant: "dev"},
	})
	require.NoError(t, err)
	assert.IsType(t, (*DevProvider)(nil), provider)

	provider, err = NewFromConfig(config.AuthConfig{
		Mode:   config.AuthModeStatic,
		Tokens: map[string]string{"tok": "acme/emp-1"},
	})
	require.NoError(t, err)
	assert.IsType(t, (*StaticProvider)(nil), provider)

	_, err = NewFromConfig(config.AuthConfig{Mode: "saml"})
	assert.Error(t, err)
}
