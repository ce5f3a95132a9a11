package config

import "time"

// HTTPConfig contains HTTP server configuration.
type HTTPConfig struct {
	// Addr is the address to bind the HTTP server to.
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	// ArtifactBaseURL is the base URL resource references point at
	// (e.g. "https://files.example.com/exports"). Empty means references
	// carry the raw result ref.
	ArtifactBaseURL string `env:"ARTIFACT_BASE_URL" envDefault:""`

	// ArtifactTTL bounds how long a resolved resource reference stays
	// redeemable.
	ArtifactTTL time.Duration `env:"ARTIFACT_TTL" envDefault:"15m"`

	// ShutdownTimeout is the grace period for draining in-flight requests.
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	if h.ArtifactTTL <= 0 {
		h.ArtifactTTL = 15 * time.Minute
	}
	if h.ShutdownTimeout <= 0 {
		h.ShutdownTimeout = 10 * time.Second
	}
}
