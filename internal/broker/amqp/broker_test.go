package amqp

import (
	"testing"

	amqplib "github.com/rabbitmq/amqp091-go"

	"github.com/relaymesh/relaymesh/internal/codec"
	"github.com/relaymesh/relaymesh/internal/envelope"
)

// TestParseReconstructsCodecFromDeliveryHeaders covers spec §4.C/§6: a
// broker instance configured for one codec must still decode a delivery
// published with another, by rebuilding the codec from the delivery's
// own content-type and "compression" header rather than trusting its
// own static configuration.
func TestParseReconstructsCodecFromDeliveryHeaders(t *testing.T) {
	registry := codec.NewRegistry()
	localCodec, err := registry.Get("application/json", "none")
	if err != nil {
		t.Fatal(err)
	}
	b := &Broker{serializer: localCodec, registry: registry}

	senderCodec, err := registry.Get("application/json", "gzip")
	if err != nil {
		t.Fatal(err)
	}
	env, err := envelope.New("sender", map[string]int{"n": 1})
	if err != nil {
		t.Fatal(err)
	}
	body, err := senderCodec.Dumps(env)
	if err != nil {
		t.Fatalf("Dumps: %v", err)
	}

	d := amqplib.Delivery{
		ContentType: "application/json",
		Headers:     amqplib.Table{compressionHeaderKey: "gzip"},
		Body:        body,
	}

	got, err := b.parse(d)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.ID != env.ID || got.WorkerCreator != env.WorkerCreator {
		t.Fatalf("decoded envelope mismatch: got %+v, want id=%s worker_creator=%s", got, env.ID, env.WorkerCreator)
	}
}

// TestParseFallsBackToConfiguredCodecWhenHeaderAbsent covers a delivery
// with no compression header: parse must still decode using the
// broker's own configured codec rather than failing.
func TestParseFallsBackToConfiguredCodecWhenHeaderAbsent(t *testing.T) {
	registry := codec.NewRegistry()
	localCodec, err := registry.Get("application/json", "none")
	if err != nil {
		t.Fatal(err)
	}
	b := &Broker{serializer: localCodec, registry: registry}

	env, err := envelope.New("sender", map[string]int{"n": 1})
	if err != nil {
		t.Fatal(err)
	}
	body, err := localCodec.Dumps(env)
	if err != nil {
		t.Fatalf("Dumps: %v", err)
	}

	d := amqplib.Delivery{Body: body}

	got, err := b.parse(d)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.ID != env.ID {
		t.Fatalf("decoded envelope mismatch: got %+v, want id=%s", got, env.ID)
	}
}
