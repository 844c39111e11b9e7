package protocol

import "io"

// singleWriteThreshold is the payload size (128 KiB) at or below which Encode writes
// length+body as one buffer; above it, the body streams as fixed-size chunks so a
// single oversized allocation is never required.
const singleWriteThreshold = 128 * 1024

// chunkSize bounds each individual Write call when streaming a large body.
const chunkSize = 64 * 1024

// Encode writes one frame (length prefix + payload) to w. Length always precedes
// body. Callers sharing one io.Writer across goroutines (as rpcserver does for a
// single connection) must serialize calls to Encode themselves so two frames' bytes
// never interleave on the wire.
func Encode(w io.Writer, payload []byte) error {
	if len(payload) <= singleWriteThreshold {
		buf := make([]byte, 0, lengthPrefixSize+len(payload))
		buf = append(buf, encodeLength(int32(len(payload)))...)
		buf = append(buf, payload...)
		_, err := w.Write(buf)
		return err
	}

	if _, err := w.Write(encodeLength(int32(len(payload)))); err != nil {
		return err
	}
	for off := 0; off < len(payload); off += chunkSize {
		end := off + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		if _, err := w.Write(payload[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// EncodeProbe writes a liveness-probe frame: a length prefix less than MinValidPacket
// with no payload, consistent with the decoder's probe-tolerance handling.
func EncodeProbe(w io.Writer) error {
	_, err := w.Write(encodeLength(0))
	return err
}
