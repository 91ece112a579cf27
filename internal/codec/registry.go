// Package codec implements the codec registry: two orthogonal registries,
// serializers keyed by content-type and compressors keyed by name, composed
// into a Codec identified by the (content-type, compression) pair.
//
// Grounded on the source's SerializersRegistry/compressor_registry split
// (original_source/unipipeline/__init__.py) and expressed in Go as a small
// map-backed registry rather than a metaclass-driven plugin system.
package codec

import (
	"github.com/relaymesh/relaymesh/internal/envelope"
	"github.com/relaymesh/relaymesh/internal/uerr"
)

// Serializer turns an envelope into bytes and back. Implementations must
// be stateless and safe for concurrent use.
type Serializer interface {
	ContentType() string
	Dumps(e *envelope.Envelope) ([]byte, error)
	Loads(data []byte) (*envelope.Envelope, error)
}

// Compressor compresses/decompresses arbitrary bytes.
type Compressor interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Codec composes one serializer and one compressor.
type Codec struct {
	serializer Serializer
	compressor Compressor
}

// ContentType returns the codec's content-type, e.g. "application/json".
func (c *Codec) ContentType() string { return c.serializer.ContentType() }

// Compression returns the codec's compression name, e.g. "gzip" or "none".
func (c *Codec) Compression() string { return c.compressor.Name() }

// Dumps serializes then compresses an envelope: compress(dumps(envelope)).
func (c *Codec) Dumps(e *envelope.Envelope) ([]byte, error) {
	raw, err := c.serializer.Dumps(e)
	if err != nil {
		return nil, err
	}
	return c.compressor.Compress(raw)
}

// Loads is the inverse of Dumps: decompress then deserialize.
func (c *Codec) Loads(data []byte) (*envelope.Envelope, error) {
	raw, err := c.compressor.Decompress(data)
	if err != nil {
		return nil, err
	}
	return c.serializer.Loads(raw)
}

// Compress exposes the compressor alone, for drivers that serialize the
// envelope themselves but still need the compression layer (e.g. a driver
// storing content-type/compression in transport headers rather than the
// body).
func (c *Codec) Compress(data []byte) ([]byte, error) { return c.compressor.Compress(data) }

// Decompress is the inverse of Compress.
func (c *Codec) Decompress(data []byte) ([]byte, error) { return c.compressor.Decompress(data) }

// Registry holds the known serializers and compressors and composes them
// into Codec instances on demand.
type Registry struct {
	serializers map[string]Serializer
	compressors map[string]Compressor
}

// NewRegistry returns a registry pre-populated with the JSON serializer,
// the msgpack serializer, and the none/gzip/lz4 compressors — the full set
// named in the spec's codec descriptor.
func NewRegistry() *Registry {
	r := &Registry{
		serializers: make(map[string]Serializer),
		compressors: make(map[string]Compressor),
	}
	r.RegisterSerializer(&jsonSerializer{})
	r.RegisterSerializer(&msgpackSerializer{})
	r.RegisterCompressor(&noneCompressor{})
	r.RegisterCompressor(&gzipCompressor{})
	r.RegisterCompressor(&lz4Compressor{})
	return r
}

// RegisterSerializer adds or replaces a serializer under its content-type.
func (r *Registry) RegisterSerializer(s Serializer) {
	r.serializers[s.ContentType()] = s
}

// RegisterCompressor adds or replaces a compressor under its name.
func (r *Registry) RegisterCompressor(c Compressor) {
	r.compressors[c.Name()] = c
}

// Get composes a Codec from a registered content-type and compression
// name. Unknown names fail with CODEC_UNKNOWN.
func (r *Registry) Get(contentType, compression string) (*Codec, error) {
	s, ok := r.serializers[contentType]
	if !ok {
		return nil, uerr.New(uerr.CodecUnknown, "unknown content-type: "+contentType)
	}
	c, ok := r.compressors[compression]
	if !ok {
		return nil, uerr.New(uerr.CodecUnknown, "unknown compression: "+compression)
	}
	return &Codec{serializer: s, compressor: c}, nil
}
