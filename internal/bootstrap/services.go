package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/peopleops/jobflow/config"
	"github.com/peopleops/jobflow/internal/adapters/tokenauth"
	"github.com/peopleops/jobflow/internal/adapters/worker"
	"github.com/peopleops/jobflow/internal/core"
	"github.com/peopleops/jobflow/internal/data"
	"github.com/peopleops/jobflow/internal/queue"
	"github.com/peopleops/jobflow/internal/service"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Gateway  *service.Gateway
	Tracker  *service.BatchTracker
	Resolver *service.Resolver
	Identity core.IdentityProvider
	JobRepo  *data.JobRepo
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient *redis.Client
	Queue       *queue.Client
	Logger      *slog.Logger
}

// NewServices wires the orchestration services over their data adapters.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service deps with config are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	jobRepo := data.NewJobRepo(deps.DB, data.RepoConfig{Logger: logger})
	artifactStore := data.NewRedisArtifactStore(deps.RedisClient)

	identity, err := tokenauth.NewFromConfig(cfg.Auth)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build identity provider: %w", err)
	}

	// A nil *queue.Client must stay a nil interface; the gateway treats a
	// missing publisher as "rely on worker polling".
	var publisher core.QueuePublisher
	if deps.Queue != nil {
		publisher = deps.Queue
	}

	gateway, err := service.NewGateway(service.GatewayOptions{
		Repo:                jobRepo,
		Publisher:           publisher,
		Logger:              logger,
		AllowFailedResubmit: cfg.Gateway.AllowFailedResubmit,
		DefaultMaxRetries:   cfg.Gateway.DefaultMaxRetries,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build gateway: %w", err)
	}

	tracker, err := service.NewBatchTracker(service.BatchTrackerOptions{
		Reader:      jobRepo,
		Finalizer:   jobRepo,
		Interval:    cfg.Poller.Interval,
		MaxAttempts: cfg.Poller.MaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build batch tracker: %w", err)
	}

	resolver, err := service.NewResolver(service.ResolverOptions{
		Jobs:      jobRepo,
		Artifacts: artifactStore,
		BaseURL:   cfg.HTTP.ArtifactBaseURL,
		TTL:       cfg.HTTP.ArtifactTTL,
		Logger:    logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build resolver: %w", err)
	}

	return ServiceContainer{
		Gateway:  gateway,
		Tracker:  tracker,
		Resolver: resolver,
		Identity: identity,
		JobRepo:  jobRepo,
	}, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Queue    *queue.Client
	Logger   *slog.Logger
}

// RunServicesWithShutdown starts all enabled services and manages their
// lifecycle. It blocks until a shutdown signal arrives or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil || cfg.Config == nil {
		return errors.New("service orchestration config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if enabledServices[config.ServiceModeHTTP] {
		server := StartHTTPServer(&HTTPServerConfig{
			Config:   cfg.Config,
			Services: cfg.Services,
			Logger:   logger,
		})
		g.Go(func() error {
			<-ctx.Done()
			cfg.Services.Tracker.StopAll()
			return ShutdownHTTPServer(ShutdownConfig{
				Server:  server,
				Timeout: cfg.Config.HTTP.ShutdownTimeout,
				Logger:  logger,
			})
		})
	}

	if enabledServices[config.ServiceModeWorker] {
		var source worker.JobSource
		if cfg.Queue != nil {
			source = cfg.Queue
		}
		runner, runnerErr := worker.NewRunner(worker.RunnerOptions{
			Repo:   cfg.Services.JobRepo,
			Source: source,
			Config: cfg.Config.Worker,
			Logger: logger,
		})
		if runnerErr != nil {
			return fmt.Errorf("build worker runner: %w", runnerErr)
		}
		g.Go(func() error {
			logger.InfoContext(ctx, "background service started", "service", "worker")
			return runner.Run(ctx)
		})
	}

	if enabledServices[config.ServiceModeReaper] {
		reaper, reaperErr := service.NewReaper(service.ReaperOptions{
			Repo:   cfg.Services.JobRepo,
			Config: cfg.Config.Reaper,
			Logger: logger,
		})
		if reaperErr != nil {
			return fmt.Errorf("build reaper: %w", reaperErr)
		}
		g.Go(func() error {
			logger.InfoContext(ctx, "background service started", "service", "reaper")
			return reaper.Run(ctx)
		})
	}

	if waitErr := g.Wait(); waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}
