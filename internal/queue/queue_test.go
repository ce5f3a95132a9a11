package queue

import (
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAcknowledger records settlement calls for forwarded deliveries.
type stubAcknowledger struct {
	mu       sync.Mutex
	acked    bool
	nacked   bool
	requeued bool
}

func (s *stubAcknowledger) Ack(_ uint64, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = true
	return nil
}

func (s *stubAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nacked = true
	s.requeued = requeue
	return nil
}

func (s *stubAcknowledger) Reject(_ uint64, requeue bool) error {
	return s.Nack(0, false, requeue)
}

func newTestClient() *Client {
	return &Client{cfg: Config{QueueName: "jobflow_jobs"}, done: make(chan struct{})}
}

func TestForward_DeliversAndSettles(t *testing.T) {
	c := newTestClient()
	ack := &stubAcknowledger{}

	messages := make(chan amqp.Delivery, 1)
	messages <- amqp.Delivery{Acknowledger: ack, Body: []byte(`{"job_id":"job-1"}`)}
	close(messages)

	out := make(chan Delivery, 1)
	c.forward(messages, out)

	d, ok := <-out
	require.True(t, ok)
	assert.Equal(t, "job-1", d.JobID)
	require.NoError(t, d.Ack(true))
	assert.True(t, ack.acked)

	// Channel closes once the message stream drains.
	_, ok = <-out
	assert.False(t, ok)
}

func TestForward_MalformedMessageIsDropped(t *testing.T) {
	c := newTestClient()
	bad := &stubAcknowledger{}
	good := &stubAcknowledger{}

	messages := make(chan amqp.Delivery, 2)
	messages <- amqp.Delivery{Acknowledger: bad, Body: []byte(`{oops`)}
	messages <- amqp.Delivery{Acknowledger: good, Body: []byte(`{"job_id":"job-2"}`)}
	close(messages)

	out := make(chan Delivery, 2)
	c.forward(messages, out)

	d := <-out
	assert.Equal(t, "job-2", d.JobID)

	// Malformed payloads are dead-lettered, not requeued.
	assert.True(t, bad.nacked)
	assert.False(t, bad.requeued)
}

func TestForward_UnblocksOnClose(t *testing.T) {
	c := newTestClient()
	ack := &stubAcknowledger{}

	messages := make(chan amqp.Delivery, 1)
	messages <- amqp.Delivery{Acknowledger: ack, Body: []byte(`{"job_id":"job-3"}`)}

	// Nobody reads out, so the forwarder parks mid-send.
	out := make(chan Delivery)
	finished := make(chan struct{})
	go func() {
		c.forward(messages, out)
		close(finished)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("forwarder did not stop on close")
	}

	// The in-hand message goes back to the queue for the next consumer.
	ack.mu.Lock()
	defer ack.mu.Unlock()
	assert.True(t, ack.nacked)
	assert.True(t, ack.requeued)
}
