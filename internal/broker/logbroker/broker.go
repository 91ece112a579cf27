// Package logbroker implements the log/null driver (spec §4.G'): a
// broker for topics with no real backing transport. Publishes are logged
// and dropped; Consume blocks until cancelled without ever invoking the
// handler.
//
// Grounded on the ambient stdlib-log idiom shared across the pack (see
// public/agent/base.go's LogInfo/LogDebug/LogError) rather than any one
// broker file, since the source's null-broker role has no direct
// counterpart in the teacher beyond "log and move on."
package logbroker

import (
	"context"
	"log"
	"sync"

	"github.com/relaymesh/relaymesh/internal/broker"
	"github.com/relaymesh/relaymesh/internal/envelope"
)

// Broker is the null driver.
type Broker struct {
	logger   *log.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

var _ broker.Broker = (*Broker)(nil)

// New returns a log broker. If logger is nil, log.Default() is used.
func New(logger *log.Logger) *Broker {
	if logger == nil {
		logger = log.Default()
	}
	return &Broker{logger: logger, stop: make(chan struct{})}
}

// Connect is a no-op.
func (b *Broker) Connect(ctx context.Context) error { return nil }

// Close is a no-op.
func (b *Broker) Close() error { return nil }

// Publish logs the envelope and drops it.
func (b *Broker) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	b.logger.Printf("[log-broker] publish topic=%s id=%s worker_creator=%s", topic, env.ID, env.WorkerCreator)
	return nil
}

// Consume blocks until ctx is cancelled or Stop is called; it never
// delivers anything.
func (b *Broker) Consume(ctx context.Context, topic string, consumerTag string, workerName string, prefetch int, handler broker.Handler) error {
	b.logger.Printf("[log-broker] consume started topic=%s worker=%s (no delivery)", topic, workerName)
	select {
	case <-ctx.Done():
	case <-b.stop:
	}
	return nil
}

// Stop unblocks an in-progress Consume.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}
