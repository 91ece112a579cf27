// Package broker defines the uniform contract every transport driver
// (AMQP, Kafka, in-process Memory, Log) implements, plus the shared types
// the mediator and worker manager use regardless of which driver is
// behind a given broker definition.
//
// Grounded on internal/broker/service.go's method set (connect-style
// lifecycle, publish/consume dispatch) and internal/client/broker.go's
// Publish/Subscribe signatures, generalized from a single proprietary TCP
// hub into a driver-per-transport interface per spec §4.D/§9.
package broker

import (
	"context"

	"github.com/relaymesh/relaymesh/internal/envelope"
)

// MessageManager is bound to exactly one in-flight delivery. Ack is
// idempotent — a driver must suppress a second Ack call rather than
// acking the underlying transport twice.
type MessageManager interface {
	Ack() error
	Reject() error
}

// Handler processes one delivered envelope. The broker invokes it
// synchronously within the consume loop and ignores the returned error;
// ack/reject policy is applied by the handler itself through manager.
type Handler func(ctx context.Context, env *envelope.Envelope, manager MessageManager) error

// Broker is the uniform contract every driver implements.
type Broker interface {
	// Connect opens the underlying transport. Idempotent.
	Connect(ctx context.Context) error

	// Close releases the underlying transport. Idempotent.
	Close() error

	// Publish blocks until the broker has accepted the envelope or
	// returns PUBLISH_FAILED.
	Publish(ctx context.Context, topic string, env *envelope.Envelope) error

	// Consume registers handler for topic and blocks, delivering
	// envelopes until the broker is stopped or ctx is cancelled. The
	// memory and AMQP drivers fail with ALREADY_CONSUMING only when topic
	// is already being consumed on this instance, so one instance can
	// serve several topics at once; the Kafka driver fails on any second
	// Consume call on the same instance.
	Consume(ctx context.Context, topic string, consumerTag string, workerName string, prefetch int, handler Handler) error

	// Stop ends an in-progress Consume between deliveries, resolving
	// Open Question (i): "initiates cooperative shutdown of the current
	// consumer."
	Stop()
}

// Serializer is the subset of codec.Codec a driver needs to turn an
// envelope into wire bytes and back, kept as a narrow interface here so
// broker doesn't need to import the codec package's registry machinery.
type Serializer interface {
	ContentType() string
	Compression() string
	Dumps(e *envelope.Envelope) ([]byte, error)
	Loads(data []byte) (*envelope.Envelope, error)
}
