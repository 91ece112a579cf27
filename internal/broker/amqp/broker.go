// Package amqp implements the AMQP broker driver (spec §4.E): a single
// configurable direct exchange, one durable queue per topic bound by
// routing-key=topic, idempotent (re-)declaration, and delivery-mode=2
// persistence with the compression name carried in a custom header.
//
// Grounded directly on
// original_source/unipipeline/brokers/uni_amqp_broker.py: the
// UniAmqpBrokerMessageManager ack-idempotence-via-flag pattern, the
// UniAmqpBroker._bind() idempotent declare-and-bind, and
// serialize_body()/parse_body(); expressed here with
// github.com/rabbitmq/amqp091-go (the Go driver for the protocol the
// Python module wraps via pika) in place of the original's two
// lazily-opened read/write BlockingChannels.
package amqp

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relaymesh/relaymesh/internal/broker"
	"github.com/relaymesh/relaymesh/internal/codec"
	"github.com/relaymesh/relaymesh/internal/envelope"
	"github.com/relaymesh/relaymesh/internal/pool"
	"github.com/relaymesh/relaymesh/internal/uerr"
)

const compressionHeaderKey = "compression"

// Config mirrors the teacher/source's UniAmqpBrokerConfig dynamic
// properties, decoded from a definition.Broker's DynamicProps via
// definition.Configure.
type Config struct {
	URL             string `json:"url"`
	ExchangeName    string `json:"exchange_name"`
	ExchangeType    string `json:"exchange_type"`
	Durable         bool   `json:"durable"`
	AutoDelete      bool   `json:"auto_delete"`
	Passive         bool   `json:"passive"`
	IsPersistent    bool   `json:"is_persistent"`
}

// DefaultConfig matches the source's defaults.
func DefaultConfig() Config {
	return Config{
		ExchangeName: "communication",
		ExchangeType: "direct",
		Durable:      true,
		AutoDelete:   false,
		Passive:      false,
		IsPersistent: true,
	}
}

type amqpConnection struct {
	url  string
	mu   sync.Mutex
	conn *amqp.Connection
}

func (c *amqpConnection) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

func (c *amqpConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.conn.IsClosed() {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *amqpConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == nil || c.conn.IsClosed()
}

func (c *amqpConnection) raw() *amqp.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Broker is the AMQP driver. One read and one write channel are lazily
// opened per topic on first use, mirroring the source's two-channel
// design while letting a single Broker instance (one pooled connection)
// serve every topic bound to the same exchange — several workers
// commonly share one AMQP connection but consume distinct topics.
//
// Publishing always uses serializer, the broker's own configured
// content-type/compression. Consuming uses registry to reconstruct the
// codec per delivery from the delivery's own content-type and
// "compression" header (spec §4.C/§6), so a broker instance configured
// for one codec can still decode a delivery published with another.
type Broker struct {
	cfg        Config
	serializer broker.Serializer
	registry   *codec.Registry
	manager    *pool.Manager

	mu            sync.Mutex
	readChannels  map[string]*amqp.Channel
	writeChannels map[string]*amqp.Channel
	consuming     map[string]bool
	stop          chan struct{}
	stopOnce      sync.Once
}

var _ broker.Broker = (*Broker)(nil)

// New registers (or aliases to) a pooled connection for cfg.URL and
// returns a ready-to-connect broker. serializer is the codec used to
// publish outgoing envelopes; registry is used to reconstruct the
// correct codec per incoming delivery (see Broker docs above).
func New(p *pool.Pool, registry *codec.Registry, cfg Config, serializer broker.Serializer) *Broker {
	conn := &amqpConnection{url: cfg.URL}
	return &Broker{
		cfg:           cfg,
		serializer:    serializer,
		registry:      registry,
		manager:       p.NewManager(cfg.URL, conn),
		readChannels:  make(map[string]*amqp.Channel),
		writeChannels: make(map[string]*amqp.Channel),
		consuming:     make(map[string]bool),
		stop:          make(chan struct{}),
	}
}

// Connect opens (or reuses) the pooled connection.
func (b *Broker) Connect(ctx context.Context) error {
	if _, err := b.manager.Connect(); err != nil {
		return err
	}
	return nil
}

// Close releases the broker's reference on the pooled connection.
func (b *Broker) Close() error {
	return b.manager.Close()
}

// bind idempotently declares the exchange and topic queue and binds
// them, then caches the channel for reuse. A cached channel that has
// closed (e.g. after a connection drop) is replaced, so the declarations
// run again on every (re)connection per spec §4.E.
func (b *Broker) bind(isRead bool, topic string) (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if isRead {
		if ch, ok := b.readChannels[topic]; ok && !ch.IsClosed() {
			return ch, nil
		}
	} else if ch, ok := b.writeChannels[topic]; ok && !ch.IsClosed() {
		return ch, nil
	}

	rawConn, err := b.manager.Connect()
	if err != nil {
		return nil, uerr.Wrap(uerr.BrokerDisconnected, "amqp connect failed", err)
	}
	conn, ok := rawConn.(*amqpConnection)
	if !ok {
		return nil, uerr.New(uerr.System, "amqp broker holds a non-amqp pooled connection")
	}
	ch, err := conn.raw().Channel()
	if err != nil {
		return nil, uerr.Wrap(uerr.BrokerDisconnected, "amqp channel open failed", err)
	}

	if err := ch.ExchangeDeclare(b.cfg.ExchangeName, b.cfg.ExchangeType, b.cfg.Durable, b.cfg.AutoDelete, false, b.cfg.Passive, nil); err != nil {
		return nil, uerr.Wrap(uerr.BrokerDisconnected, "exchange declare failed", err)
	}
	if _, err := ch.QueueDeclare(topic, b.cfg.Durable, b.cfg.AutoDelete, false, false, nil); err != nil {
		return nil, uerr.Wrap(uerr.BrokerDisconnected, "queue declare failed", err)
	}
	if err := ch.QueueBind(topic, topic, b.cfg.ExchangeName, false, nil); err != nil {
		return nil, uerr.Wrap(uerr.BrokerDisconnected, "queue bind failed", err)
	}

	if isRead {
		b.readChannels[topic] = ch
	} else {
		b.writeChannels[topic] = ch
	}
	return ch, nil
}

// serialize turns an envelope into body bytes plus AMQP properties,
// matching the source's serialize_body(): compress(dumps(envelope)),
// content-type from the codec, content_encoding=utf-8, delivery_mode=2
// when persistent, and a "compression" header so the receiver can
// reconstruct the codec independent of broker-level configuration.
func (b *Broker) serialize(env *envelope.Envelope) ([]byte, amqp.Publishing, error) {
	body, err := b.serializer.Dumps(env)
	if err != nil {
		return nil, amqp.Publishing{}, err
	}
	deliveryMode := uint8(0)
	if b.cfg.IsPersistent {
		deliveryMode = 2
	}
	props := amqp.Publishing{
		ContentType:     b.serializer.ContentType(),
		ContentEncoding: "utf-8",
		DeliveryMode:    deliveryMode,
		Headers:         amqp.Table{compressionHeaderKey: b.serializer.Compression()},
		Body:            body,
	}
	return body, props, nil
}

// Publish serializes env and publishes it to topic's queue via the
// configured exchange and routing key.
func (b *Broker) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	ch, err := b.bind(false, topic)
	if err != nil {
		return err
	}
	_, props, err := b.serialize(env)
	if err != nil {
		return uerr.Wrap(uerr.PublishFailed, "envelope serialization failed", err)
	}
	if err := ch.PublishWithContext(ctx, b.cfg.ExchangeName, topic, false, false, props); err != nil {
		return uerr.Wrap(uerr.PublishFailed, "amqp basic_publish failed", err)
	}
	return nil
}

// Consume declares the topic queue, sets prefetch, and enters the
// driver's blocking delivery loop, invoking handler per delivery.
func (b *Broker) Consume(ctx context.Context, topic string, consumerTag string, workerName string, prefetch int, handler broker.Handler) error {
	b.mu.Lock()
	if b.consuming[topic] {
		b.mu.Unlock()
		return uerr.New(uerr.AlreadyConsuming, "amqp broker is already consuming topic "+topic)
	}
	b.consuming[topic] = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.consuming, topic)
		b.mu.Unlock()
	}()

	ch, err := b.bind(true, topic)
	if err != nil {
		return err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return uerr.Wrap(uerr.BrokerDisconnected, "basic_qos failed", err)
	}
	deliveries, err := ch.Consume(topic, consumerTag, false, false, false, false, nil)
	if err != nil {
		return uerr.Wrap(uerr.BrokerDisconnected, "basic_consume failed", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.stop:
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return uerr.New(uerr.BrokerDisconnected, "amqp delivery channel closed")
			}
			env, err := b.parse(d)
			if err != nil {
				// malformed delivery: reject without requeue-loop risk left to
				// the caller via the manager.
				env = envelope.NewError(workerName, "", envelope.ErrorSystem, err.Error())
			}
			mgr := &messageManager{channel: ch, deliveryTag: d.DeliveryTag}
			handler(ctx, env, mgr)
		}
	}
}

// parse is the inverse of serialize: decompress then deserialize,
// reconstructing the codec from the delivery's own content-type and
// compression header rather than the broker's static configuration —
// matching the source's parse_body(). Falls back to the broker's own
// configured content-type/compression when a property or header is
// absent, e.g. for deliveries published by a pre-§6 sender.
func (b *Broker) parse(d amqp.Delivery) (*envelope.Envelope, error) {
	contentType := d.ContentType
	if contentType == "" {
		contentType = b.serializer.ContentType()
	}
	compression := b.serializer.Compression()
	if v, ok := d.Headers[compressionHeaderKey]; ok {
		if s, ok := v.(string); ok && s != "" {
			compression = s
		}
	}
	c, err := b.registry.Get(contentType, compression)
	if err != nil {
		return nil, err
	}
	return c.Loads(d.Body)
}

// Stop ends the in-progress Consume loop between deliveries.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// messageManager holds (channel, delivery_tag), matching
// UniAmqpBrokerMessageManager. Ack is idempotent via the acked flag.
type messageManager struct {
	mu          sync.Mutex
	acked       bool
	channel     *amqp.Channel
	deliveryTag uint64
}

func (m *messageManager) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acked {
		return nil
	}
	m.acked = true
	return m.channel.Ack(m.deliveryTag, false)
}

func (m *messageManager) Reject() error {
	return m.channel.Nack(m.deliveryTag, false, true)
}
