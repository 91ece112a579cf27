package codec

import (
	"github.com/relaymesh/relaymesh/internal/envelope"
	"github.com/vmihailenco/msgpack/v5"
)

// msgpackSerializer is a denser binary alternative to JSON, carried over
// from the teacher's go.mod (github.com/vmihailenco/msgpack/v5).
type msgpackSerializer struct{}

func (msgpackSerializer) ContentType() string { return "application/msgpack" }

func (msgpackSerializer) Dumps(e *envelope.Envelope) ([]byte, error) {
	return msgpack.Marshal(e)
}

func (msgpackSerializer) Loads(data []byte) (*envelope.Envelope, error) {
	var e envelope.Envelope
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
