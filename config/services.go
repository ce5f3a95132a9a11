package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeWorker runs the job execution worker.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReaper runs the job reaper for cleanup.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeWorker,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeWorker, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, worker, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// GatewayConfig contains submission gateway configuration.
type GatewayConfig struct {
	// DefaultMaxRetries is the retry budget applied when a submission does
	// not set one.
	DefaultMaxRetries int `env:"GATEWAY_DEFAULT_MAX_RETRIES" envDefault:"3"`

	// AllowFailedResubmit permits fresh work under an idempotency key whose
	// previous job failed. Default policy returns the failed job instead.
	AllowFailedResubmit bool `env:"GATEWAY_ALLOW_FAILED_RESUBMIT" envDefault:"false"`
}

// Sanitize applies guardrails to gateway configuration values.
func (g *GatewayConfig) Sanitize() {
	if g.DefaultMaxRetries < 0 {
		g.DefaultMaxRetries = 0
	}
	if g.DefaultMaxRetries > 10 {
		g.DefaultMaxRetries = 10
	}
}

// PollerConfig contains client-side status poller configuration.
type PollerConfig struct {
	// Interval is the fixed wait between status reads.
	Interval time.Duration `env:"POLLER_INTERVAL" envDefault:"2s"`

	// MaxAttempts is the attempt budget before a tracked job is reported as
	// timed out locally.
	MaxAttempts int `env:"POLLER_MAX_ATTEMPTS" envDefault:"30"`
}

// Sanitize applies guardrails to poller configuration values.
func (p *PollerConfig) Sanitize() {
	if p.Interval < 100*time.Millisecond {
		p.Interval = 100 * time.Millisecond
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
}

// WorkerConfig contains job execution worker configuration.
type WorkerConfig struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"4"`

	// JobLease is the duration a claimed job stays leased. Workers heartbeat
	// well inside this window; a lapsed lease returns the job to pending.
	JobLease time.Duration `env:"WORKER_JOB_LEASE" envDefault:"60s"`

	// HeartbeatInterval is how often a worker extends its lease.
	HeartbeatInterval time.Duration `env:"WORKER_HEARTBEAT_INTERVAL" envDefault:"15s"`

	// IdlePollInterval bounds how long a worker waits for a queue or
	// notification wake-up before checking for pending work anyway.
	IdlePollInterval time.Duration `env:"WORKER_IDLE_POLL_INTERVAL" envDefault:"5s"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.JobLease < 5*time.Second {
		w.JobLease = 5 * time.Second
	}
	if w.HeartbeatInterval < time.Second {
		w.HeartbeatInterval = time.Second
	}
	if w.HeartbeatInterval >= w.JobLease {
		w.HeartbeatInterval = w.JobLease / 3
	}
	if w.IdlePollInterval < time.Second {
		w.IdlePollInterval = time.Second
	}
}

// ReaperConfig contains job reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// CompletedMaxAge is the maximum age for completed jobs before deletion.
	CompletedMaxAge time.Duration `env:"REAPER_COMPLETED_MAX_AGE" envDefault:"168h"` // 7 days

	// FailedMaxAge is the maximum age for failed jobs before deletion.
	FailedMaxAge time.Duration `env:"REAPER_FAILED_MAX_AGE" envDefault:"168h"` // 7 days

	// CancelledMaxAge is the maximum age for cancelled jobs before deletion.
	CancelledMaxAge time.Duration `env:"REAPER_CANCELLED_MAX_AGE" envDefault:"72h"` // 3 days

	// BatchSize is the maximum number of rows to delete per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.CompletedMaxAge < 1*time.Hour {
		r.CompletedMaxAge = 1 * time.Hour
	}
	if r.FailedMaxAge < 1*time.Hour {
		r.FailedMaxAge = 1 * time.Hour
	}
	if r.CancelledMaxAge < 1*time.Hour {
		r.CancelledMaxAge = 1 * time.Hour
	}

	// Enforce batch size bounds to prevent excessive locks or inefficiency
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
