package queue

import (
	"context"

	"github.com/agentnet/reconcile/schema"
)

// Delivery is one consumed message plus its acknowledgement handles.
// Every delivery must be settled exactly once: Ack after successful
// processing, Nack to return it to the queue or drop it.
type Delivery struct {
	Message schema.Message

	ack  func() error
	nack func(requeue bool) error
}

// Ack marks the delivery as processed.
func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack rejects the delivery, optionally requeueing it.
func (d *Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// Queue is the broker gateway. Queues are named, durable and
// point-to-point; messages survive broker restarts.
type Queue interface {
	// Publish sends msg to the named queue.
	Publish(ctx context.Context, queue string, msg *schema.Message) error

	// Consume opens a manual-ack subscription on the named queue. The
	// channel closes when ctx is cancelled or the connection drops.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)

	// Depth returns the number of messages waiting in the named queue.
	Depth(ctx context.Context, queue string) (int, error)

	// Peek returns up to limit messages from the named queue without
	// consuming them; every inspected message is returned to the queue.
	Peek(ctx context.Context, queue string, limit int) ([]schema.Message, error)

	// Purge drops all waiting messages and returns how many were dropped.
	Purge(ctx context.Context, queue string) (int, error)

	// Status returns the waiting depth of every known queue.
	Status(ctx context.Context) (map[string]int, error)

	// Ping verifies broker connectivity.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close() error
}
