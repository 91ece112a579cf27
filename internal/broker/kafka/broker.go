// Package kafka implements the Kafka broker driver (spec §4.F):
// partitioned publish with a key defaulting to worker_creator (or the
// envelope id), a consumer group named after the worker, and offset
// commit on ack — reject is a no-op leaving the offset uncommitted so
// the next poll redelivers.
//
// Producer shape grounded on
// Chris-Alexander-Pop-go-hyperforge/pkg/messaging/adapters/kafka/producer.go
// (sarama.SyncProducer, sarama.ProducerMessage with a ByteEncoder value
// and header-carried metadata); consumer-group/offset-commit-on-ack is
// this module's own generalization of spec §4.F onto
// github.com/IBM/sarama's ConsumerGroup API, since neither the teacher
// nor the source has a directly analogous consumer-group construct.
package kafka

import (
	"context"
	"sync"

	"github.com/IBM/sarama"

	"github.com/relaymesh/relaymesh/internal/broker"
	"github.com/relaymesh/relaymesh/internal/envelope"
	"github.com/relaymesh/relaymesh/internal/uerr"
)

// Config holds the dynamic properties a kafka broker definition decodes
// via definition.Configure.
type Config struct {
	Brokers []string `json:"brokers"`
	Prefetch int     `json:"prefetch"`
}

// Broker is the Kafka driver. One Broker instance owns one producer and,
// once Consume is called, one consumer group for one worker.
type Broker struct {
	cfg        Config
	serializer broker.Serializer

	mu       sync.Mutex
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup

	consuming bool
	stop      chan struct{}
	stopOnce  sync.Once
}

var _ broker.Broker = (*Broker)(nil)

// New returns a ready-to-connect kafka broker.
func New(cfg Config, serializer broker.Serializer) *Broker {
	return &Broker{cfg: cfg, serializer: serializer, stop: make(chan struct{})}
}

// Connect opens the shared producer connection. sarama.NewSyncProducer
// fetches cluster metadata when it is built, so this also checks that
// the bootstrap brokers are reachable.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.producer != nil {
		return nil
	}
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	producer, err := sarama.NewSyncProducer(b.cfg.Brokers, config)
	if err != nil {
		return uerr.Wrap(uerr.PoolConnectFailed, "kafka producer dial failed", err)
	}
	b.producer = producer
	return nil
}

// Close tears down the producer and, if active, the consumer group.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if b.group != nil {
		err = b.group.Close()
		b.group = nil
	}
	if b.producer != nil {
		if cerr := b.producer.Close(); cerr != nil && err == nil {
			err = cerr
		}
		b.producer = nil
	}
	return err
}

// partitionKey defaults to the envelope's worker_creator, falling back
// to its id, per spec §4.F.
func partitionKey(env *envelope.Envelope) string {
	if env.WorkerCreator != "" {
		return env.WorkerCreator
	}
	return env.ID
}

// Publish serializes env and produces it to topic, with content-type and
// compression carried as headers (spec §6's Kafka wire format).
func (b *Broker) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	b.mu.Lock()
	producer := b.producer
	b.mu.Unlock()
	if producer == nil {
		return uerr.New(uerr.BrokerDisconnected, "kafka broker not connected")
	}

	body, err := b.serializer.Dumps(env)
	if err != nil {
		return uerr.Wrap(uerr.PublishFailed, "envelope serialization failed", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(partitionKey(env)),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte(b.serializer.ContentType())},
			{Key: []byte("compression"), Value: []byte(b.serializer.Compression())},
		},
	}
	if _, _, err := producer.SendMessage(msg); err != nil {
		return uerr.Wrap(uerr.PublishFailed, "kafka produce failed", err)
	}
	return nil
}

// Consume joins a consumer group named workerName and delivers messages
// from topic to handler, committing the offset only when the handler's
// manager is Ack()ed.
func (b *Broker) Consume(ctx context.Context, topic string, consumerTag string, workerName string, prefetch int, handler broker.Handler) error {
	b.mu.Lock()
	if b.consuming {
		b.mu.Unlock()
		return uerr.New(uerr.AlreadyConsuming, "kafka broker is already consuming")
	}
	b.consuming = true
	b.mu.Unlock()

	config := sarama.NewConfig()
	if prefetch > 0 {
		config.Consumer.Fetch.Default = int32(prefetch) * 1024
	}
	group, err := sarama.NewConsumerGroup(b.cfg.Brokers, workerName, config)
	if err != nil {
		return uerr.Wrap(uerr.BrokerDisconnected, "kafka consumer group join failed", err)
	}
	b.mu.Lock()
	b.group = group
	b.mu.Unlock()

	h := &groupHandler{serializer: b.serializer, handler: handler, workerName: workerName}

	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if err := group.Consume(consumeCtx, []string{topic}, h); err != nil {
			if consumeCtx.Err() != nil {
				return nil
			}
			return uerr.Wrap(uerr.BrokerDisconnected, "kafka consume failed", err)
		}
		if consumeCtx.Err() != nil {
			return nil
		}
	}
}

// Stop ends the in-progress Consume loop.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

type groupHandler struct {
	serializer broker.Serializer
	handler    broker.Handler
	workerName string
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		env, err := h.serializer.Loads(msg.Value)
		if err != nil {
			env = envelope.NewError(h.workerName, "", envelope.ErrorSystem, err.Error())
		}
		mgr := &messageManager{session: session, message: msg}
		h.handler(session.Context(), env, mgr)
	}
	return nil
}

// messageManager commits the offset on Ack; Reject is a no-op, per
// spec §4.F / Open Question (ii), leaving the offset uncommitted so the
// next poll redelivers.
type messageManager struct {
	mu      sync.Mutex
	acked   bool
	session sarama.ConsumerGroupSession
	message *sarama.ConsumerMessage
}

func (m *messageManager) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acked {
		return nil
	}
	m.acked = true
	m.session.MarkMessage(m.message, "")
	return nil
}

func (m *messageManager) Reject() error {
	return nil
}
