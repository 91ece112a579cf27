// Package memory implements the in-process memory broker (spec §4.G): a
// bounded FIFO per topic, useful for tests and for workers that never
// need to leave the process.
//
// Grounded on internal/broker/service.go's Topic struct (Messages slice,
// per-topic mutex, bounded history) — generalized here from a
// publish-to-TCP-subscribers hub into a direct in-process queue a
// Consume loop pops from synchronously.
package memory

import (
	"context"
	"sync"

	"github.com/relaymesh/relaymesh/internal/broker"
	"github.com/relaymesh/relaymesh/internal/envelope"
	"github.com/relaymesh/relaymesh/internal/uerr"
)

const defaultCapacity = 1024

type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*envelope.Envelope
	cap    int
	closed bool
}

func newQueue(capacity int) *queue {
	q := &queue{cap: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(e *envelope.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.cap {
		return uerr.New(uerr.PublishFailed, "memory broker queue is full")
	}
	q.items = append(q.items, e)
	q.cond.Signal()
	return nil
}

// pushFront re-inserts at the head, used by Reject().
func (q *queue) pushFront(e *envelope.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]*envelope.Envelope{e}, q.items...)
	q.cond.Signal()
}

// pop blocks until an item is available or the queue is closed.
func (q *queue) pop() (*envelope.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Broker is the in-process memory driver. A single instance may be
// shared by several workers bound to different topics (the mediator's
// answer-topic consumer and a worker's input-topic consumer commonly
// share one broker registration); the ALREADY_CONSUMING guard below is
// therefore tracked per topic, not per Broker instance.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*queue
	consuming map[string]bool
	stop      chan struct{}
	stopOnce  sync.Once
}

var _ broker.Broker = (*Broker)(nil)

// New returns a ready-to-use memory broker.
func New() *Broker {
	return &Broker{
		queues:    make(map[string]*queue),
		consuming: make(map[string]bool),
		stop:      make(chan struct{}),
	}
}

func (b *Broker) topic(name string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = newQueue(defaultCapacity)
		b.queues[name] = q
	}
	return q
}

// Connect is a no-op; the memory broker has no external transport.
func (b *Broker) Connect(ctx context.Context) error { return nil }

// Close is a no-op.
func (b *Broker) Close() error { return nil }

// Publish appends env to topicName's queue.
func (b *Broker) Publish(ctx context.Context, topicName string, env *envelope.Envelope) error {
	return b.topic(topicName).push(env)
}

// QueueLen reports the current depth of topicName's queue, used by tests
// asserting scenario 1 ("queue empty" after a single round trip).
func (b *Broker) QueueLen(topicName string) int {
	return b.topic(topicName).len()
}

// Consume pops envelopes off topicName's queue in order and invokes
// handler synchronously on the calling goroutine, matching spec §4.G.
func (b *Broker) Consume(ctx context.Context, topicName string, consumerTag string, workerName string, prefetch int, handler broker.Handler) error {
	b.mu.Lock()
	if b.consuming[topicName] {
		b.mu.Unlock()
		return uerr.New(uerr.AlreadyConsuming, "memory broker is already consuming topic "+topicName)
	}
	b.consuming[topicName] = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.consuming, topicName)
		b.mu.Unlock()
	}()

	q := b.topic(topicName)

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			q.close()
		case <-b.stop:
			q.close()
		case <-watchDone:
		}
	}()

	for {
		e, ok := q.pop()
		if !ok {
			return nil
		}
		mgr := &messageManager{queue: q, env: e}
		// ack/reject is the caller's decision (worker manager/mediator,
		// spec §4.D/§7); the broker only surfaces the outcome, never
		// infers it from the handler's return value.
		_ = handler(ctx, e, mgr)
	}
}

// Stop ends the in-progress Consume loop between deliveries.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

type messageManager struct {
	mu    sync.Mutex
	acked bool
	queue *queue
	env   *envelope.Envelope
}

// Ack is a no-op per spec §4.G; recorded only to stay idempotent.
func (m *messageManager) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = true
	return nil
}

// Reject re-inserts the envelope at the head of its queue.
func (m *messageManager) Reject() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acked {
		return nil
	}
	m.queue.pushFront(m.env)
	return nil
}
