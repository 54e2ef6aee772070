package queue

import (
	"context"
	"sync"

	"github.com/agentnet/reconcile/errors"
	"github.com/agentnet/reconcile/schema"
)

// Memory is an in-process Queue for tests and single-process setups.
type Memory struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queues map[string][]schema.Message
	closed bool
	err    error
}

// NewMemory returns an empty in-memory queue set. Queues spring into
// existence on first use.
func NewMemory() *Memory {
	m := &Memory{queues: make(map[string][]schema.Message)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// SetError makes every subsequent operation fail with err until called
// again with nil. Lets tests simulate a broker outage.
func (m *Memory) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	m.cond.Broadcast()
}

func (m *Memory) checkLocked() error {
	if m.closed {
		return errors.New(errors.ErrCodeUnavailable, "queue closed")
	}
	return m.err
}

// Publish appends msg to the named queue.
func (m *Memory) Publish(ctx context.Context, queue string, msg *schema.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return err
	}
	m.queues[queue] = append(m.queues[queue], *msg)
	m.cond.Broadcast()
	return nil
}

// Consume delivers messages from the named queue until ctx is
// cancelled. An unacked delivery that is nacked with requeue goes back
// to the front of the queue.
func (m *Memory) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	m.mu.Lock()
	err := m.checkLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(chan Delivery)

	// Wake the waiting goroutine when the context ends.
	go func() {
		<-ctx.Done()
		m.cond.Broadcast()
	}()

	go func() {
		defer close(out)
		for {
			m.mu.Lock()
			for len(m.queues[queue]) == 0 && !m.closed && ctx.Err() == nil {
				m.cond.Wait()
			}
			if m.closed || ctx.Err() != nil {
				m.mu.Unlock()
				return
			}
			msg := m.queues[queue][0]
			m.queues[queue] = m.queues[queue][1:]
			m.mu.Unlock()

			d := Delivery{
				Message: msg,
				ack:     func() error { return nil },
				nack: func(requeue bool) error {
					if !requeue {
						return nil
					}
					m.mu.Lock()
					m.queues[queue] = append([]schema.Message{msg}, m.queues[queue]...)
					m.cond.Broadcast()
					m.mu.Unlock()
					return nil
				},
			}
			select {
			case out <- d:
			case <-ctx.Done():
				m.mu.Lock()
				m.queues[queue] = append([]schema.Message{msg}, m.queues[queue]...)
				m.mu.Unlock()
				return
			}
		}
	}()
	return out, nil
}

// Depth returns the number of waiting messages.
func (m *Memory) Depth(ctx context.Context, queue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return 0, err
	}
	return len(m.queues[queue]), nil
}

// Peek returns up to limit messages without consuming them.
func (m *Memory) Peek(ctx context.Context, queue string, limit int) ([]schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return nil, err
	}
	msgs := m.queues[queue]
	if limit > len(msgs) {
		limit = len(msgs)
	}
	out := make([]schema.Message, limit)
	copy(out, msgs[:limit])
	return out, nil
}

// Status reports the waiting depth of every queue seen so far.
func (m *Memory) Status(ctx context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return nil, err
	}
	out := make(map[string]int, len(m.queues))
	for name, msgs := range m.queues {
		out[name] = len(msgs)
	}
	return out, nil
}

// Purge drops all waiting messages.
func (m *Memory) Purge(ctx context.Context, queue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return 0, err
	}
	n := len(m.queues[queue])
	m.queues[queue] = nil
	return n, nil
}

// Ping reports the injected error, if any.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked()
}

// Close shuts the queue down and wakes all consumers.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
	return nil
}
