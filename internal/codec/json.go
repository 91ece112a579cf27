package codec

import (
	"encoding/json"

	"github.com/relaymesh/relaymesh/internal/envelope"
)

// jsonSerializer is the default content-type, matching the teacher's own
// json.Unmarshal(req.Params, &params) idiom throughout internal/broker.
type jsonSerializer struct{}

func (jsonSerializer) ContentType() string { return "application/json" }

func (jsonSerializer) Dumps(e *envelope.Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func (jsonSerializer) Loads(data []byte) (*envelope.Envelope, error) {
	var e envelope.Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
