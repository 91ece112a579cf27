package codec

import (
	"testing"

	"github.com/relaymesh/relaymesh/internal/envelope"
)

func TestRoundTripEveryCombination(t *testing.T) {
	reg := NewRegistry()
	e, _ := envelope.New("workerA", map[string]int{"n": 1})

	for _, ct := range []string{"application/json", "application/msgpack"} {
		for _, comp := range []string{"none", "gzip", "lz4"} {
			c, err := reg.Get(ct, comp)
			if err != nil {
				t.Fatalf("Get(%s,%s): %v", ct, comp, err)
			}
			data, err := c.Dumps(e)
			if err != nil {
				t.Fatalf("Dumps(%s,%s): %v", ct, comp, err)
			}
			got, err := c.Loads(data)
			if err != nil {
				t.Fatalf("Loads(%s,%s): %v", ct, comp, err)
			}
			if got.ID != e.ID || got.WorkerCreator != e.WorkerCreator {
				t.Fatalf("round trip mismatch for %s/%s: got %+v", ct, comp, got)
			}
			if c.Compression() != comp {
				t.Fatalf("compression metadata mismatch: got %s want %s", c.Compression(), comp)
			}
		}
	}
}

func TestGetUnknownContentTypeFails(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Get("application/protobuf", "none"); err == nil {
		t.Fatal("expected CODEC_UNKNOWN for unregistered content-type")
	}
}

func TestGetUnknownCompressionFails(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Get("application/json", "zstd"); err == nil {
		t.Fatal("expected CODEC_UNKNOWN for unregistered compression")
	}
}
