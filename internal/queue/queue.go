// Package queue carries job ids between the submission gateway and the worker
// runner over RabbitMQ. The job row in Postgres stays the source of truth; the
// queue is a wake-up signal, so publish failures are survivable.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// jobMessage is the wire envelope published per job.
type jobMessage struct {
	JobID string `json:"job_id"`
}

// Config holds RabbitMQ connection configuration.
type Config struct {
	URL           string
	QueueName     string
	RetryAttempts int
	RetryInterval time.Duration
}

// Options holds dependencies for the queue client.
type Options struct {
	Config Config
	Logger *slog.Logger
}

// Client publishes and consumes job ids over a durable RabbitMQ queue.
type Client struct {
	cfg     Config
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient connects to RabbitMQ and declares the job queue.
func NewClient(opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg.QueueName == "" {
		return nil, errors.New("queue name is required")
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "queue")
	}

	c := &Client{cfg: cfg, logger: logger, done: make(chan struct{})}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// MustNewClient is like NewClient but panics on error.
func MustNewClient(opts Options) *Client {
	c, err := NewClient(opts)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Client) connect() error {
	var err error
	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		c.conn, err = amqp.Dial(c.cfg.URL)
		if err == nil {
			break
		}
		if c.logger != nil {
			c.logger.Warn("connect to rabbitmq failed",
				"attempt", attempt,
				"max_attempts", c.cfg.RetryAttempts,
				"error", err,
			)
		}
		if attempt < c.cfg.RetryAttempts {
			time.Sleep(c.cfg.RetryInterval)
		}
	}
	if err != nil {
		return fmt.Errorf("connect to rabbitmq after %d attempts: %w", c.cfg.RetryAttempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		_ = c.conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if _, err = c.channel.QueueDeclare(
		c.cfg.QueueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		_ = c.channel.Close()
		_ = c.conn.Close()
		return fmt.Errorf("declare queue %s: %w", c.cfg.QueueName, err)
	}

	if c.logger != nil {
		c.logger.Info("rabbitmq client initialized", "queue", c.cfg.QueueName)
	}
	return nil
}

// PublishJob publishes a job id as a persistent message.
func (c *Client) PublishJob(ctx context.Context, jobID string) error {
	if jobID == "" {
		return errors.New("job id is required")
	}

	body, err := json.Marshal(jobMessage{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal job message: %w", err)
	}

	err = c.channel.PublishWithContext(ctx,
		"",              // default exchange
		c.cfg.QueueName, // routing key
		false,           // mandatory
		false,           // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish job %s: %w", jobID, err)
	}
	return nil
}

// ConsumeJobs delivers job ids from the queue. Each delivery must be settled
// via its Ack func; a false argument requeues the message.
func (c *Client) ConsumeJobs(consumerTag string) (<-chan Delivery, error) {
	messages, err := c.channel.Consume(
		c.cfg.QueueName,
		consumerTag,
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("consume queue %s: %w", c.cfg.QueueName, err)
	}

	out := make(chan Delivery)
	go c.forward(messages, out)
	return out, nil
}

// forward unwraps queue messages onto the delivery channel. The send races
// Close so a consumer that stopped reading cannot strand this goroutine; a
// message in hand at shutdown is requeued unacknowledged.
func (c *Client) forward(messages <-chan amqp.Delivery, out chan<- Delivery) {
	defer close(out)
	for msg := range messages {
		var m jobMessage
		if unmarshalErr := json.Unmarshal(msg.Body, &m); unmarshalErr != nil || m.JobID == "" {
			if c.logger != nil {
				c.logger.Warn("dropping malformed queue message", "error", unmarshalErr)
			}
			_ = msg.Nack(false, false)
			continue
		}
		d := msg
		select {
		case out <- Delivery{
			JobID: m.JobID,
			Ack: func(ok bool) error {
				if ok {
					return d.Ack(false)
				}
				return d.Nack(false, true)
			},
		}:
		case <-c.done:
			_ = msg.Nack(false, true)
			return
		}
	}
}

// Delivery is one consumed job id with its settlement callback.
type Delivery struct {
	JobID string
	Ack   func(ok bool) error
}

// Close stops the forwarding goroutines and closes the RabbitMQ channel and
// connection. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.done != nil {
			close(c.done)
		}
	})
	if c.channel != nil {
		if err := c.channel.Close(); err != nil && c.logger != nil {
			c.logger.Warn("close channel failed", "error", err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			return fmt.Errorf("close connection: %w", err)
		}
	}
	return nil
}
