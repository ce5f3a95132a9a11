package config

// AuthMode selects how bearer tokens are resolved to caller identities.
type AuthMode string

const (
	// AuthModeDev resolves any non-empty token to the configured dev identity.
	AuthModeDev AuthMode = "dev"
	// AuthModeStatic resolves tokens against a fixed token table from env.
	AuthModeStatic AuthMode = "static"
)

// AuthConfig contains identity resolution configuration.
type AuthConfig struct {
	// Mode selects the token resolution strategy.
	Mode AuthMode `env:"AUTH_MODE" envDefault:"dev"`

	// Dev identity, used when Mode is dev.
	Dev DevAuthConfig

	// Tokens maps bearer tokens to "tenant/actor_id" identities, used when
	// Mode is static. Example: AUTH_TOKENS="tok1:acme/emp-1,tok2:beta/emp-9"
	Tokens map[string]string `env:"AUTH_TOKENS" envSeparator:"," envKeyValSeparator:":"`
}

// DevAuthConfig is the fixed identity handed out in dev mode.
type DevAuthConfig struct {
	ActorID string   `env:"DEV_AUTH_ACTOR_ID" envDefault:"dev-actor"`
	Tenant  string   `env:"DEV_AUTH_TENANT"   envDefault:"dev"`
	Roles   []string `env:"DEV_AUTH_ROLES"    envSeparator:";"`
}
