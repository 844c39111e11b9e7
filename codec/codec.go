// Package codec provides the serialization layer for corerpc's wire protocol.
//
// The default Codec is a small self-describing tagged-value format (TaggedCodec):
// every value on the wire carries its own 1-byte type tag, so the decoder never needs
// a type registry or reflection over arbitrary Go types to reconstruct a Message: it
// only ever constructs the handful of types the tag space defines (string, int32,
// int64, float64, bool, []byte, nested map, list, null). An unrecognized tag byte is a
// hard decode error, which makes the format an allow-list by construction: a corrupt
// or hostile stream simply can't name a type outside the tag space, so there is no
// separate deserialization filter to configure or forget.
//
// JSONCodec is kept as a secondary, human-readable codec for debugging.
package codec

import "corerpc/message"

// CodecType identifies the serialization format. It is not carried in the frame; both
// ends of a connection agree on it up front.
type CodecType byte

const (
	CodecTypeTagged CodecType = 0 // Self-describing tagged binary format (default)
	CodecTypeJSON   CodecType = 1 // Human-readable JSON, order-preserving via custom marshaling
)

// Codec is the interface for serialization/deserialization of a *message.Message.
// Implementing this interface allows adding new wire formats without changing any
// other layer (protocol, router, rpcserver).
type Codec interface {
	Encode(m *message.Message) ([]byte, error)
	Decode(data []byte) (*message.Message, error)
	Type() CodecType
}

// GetCodec is a factory function that returns the appropriate codec by type.
// Unrecognized types fall back to the tagged codec rather than panicking, since a
// codec mismatch should surface as a decode error on the malformed bytes, not a crash
// at dispatch time.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}
	return &TaggedCodec{}
}
