package bootstrap

import (
	"fmt"
	"log/slog"

	"github.com/peopleops/jobflow/config"
	"github.com/peopleops/jobflow/internal/queue"
)

// ConnectQueue connects the RabbitMQ client used to wake workers. The queue
// is optional infrastructure: submissions survive without it and workers fall
// back to interval polling, so callers may treat a connect failure as
// degraded rather than fatal.
func ConnectQueue(cfg config.QueueConfig, logger *slog.Logger) (*queue.Client, error) {
	client, err := queue.NewClient(queue.Options{
		Config: queue.Config{
			URL:           cfg.URL,
			QueueName:     cfg.QueueName,
			RetryAttempts: cfg.RetryAttempts,
			RetryInterval: cfg.RetryInterval,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect queue: %w", err)
	}
	return client, nil
}
