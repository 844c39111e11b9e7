// Package protocol implements corerpc's frame codec: a 4-byte big-endian length prefix
// followed by N bytes of serialized Message body. No magic number, version, codec-type,
// or sequence field lives in the frame itself; sequence correlation rides in
// Head["extTrxId"] (see package rpcserver) and codec selection is a connection-wide
// choice made by the caller, not a per-frame one.
//
// Frame format:
//
//	0         4                    4+N
//	┌─────────┬──────────────────────┐
//	│ N uint32│   N bytes of body    │
//	└─────────┴──────────────────────┘
//
// N is interpreted as a SIGNED 32-bit integer (not unsigned) so that garbage or
// transient noise that happens to set the high bit is treated as a liveness probe
// rather than an enormous, certainly-bogus length.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Limits bounds the accepted frame size for one decoder instance. The server and the
// outbound client each configure their own Limits (50 MiB / 100 MiB respectively)
// rather than sharing one package-level constant.
type Limits struct {
	MinValidPacket int32 // frames shorter than this are liveness probes, not payloads
	MaxPacketSize  int32 // frames longer than this are rejected outright
}

// DefaultServerLimits is what the inbound server decoder accepts.
var DefaultServerLimits = Limits{MinValidPacket: 8, MaxPacketSize: 50 * 1024 * 1024}

// DefaultClientLimits is what the outbound client decoder accepts; responses may run
// larger than requests, so the ceiling is higher than the server's.
var DefaultClientLimits = Limits{MinValidPacket: 8, MaxPacketSize: 100 * 1024 * 1024}

const lengthPrefixSize = 4

// ErrFrameTooLarge is returned by Decoder.Feed when a frame's declared length exceeds
// the configured MaxPacketSize. The caller must close the connection on this error;
// no payload bytes are consumed before the error is raised.
var ErrFrameTooLarge = errors.New("protocol: frame too large")

// FrameTooLargeError carries the offending length for diagnostic logging.
type FrameTooLargeError struct {
	Declared int32
	Max      int32
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("protocol: declared frame length %d exceeds max %d", e.Declared, e.Max)
}

func (e *FrameTooLargeError) Unwrap() error { return ErrFrameTooLarge }

// encodeLength returns the 4-byte big-endian length prefix for a payload of n bytes.
func encodeLength(n int32) []byte {
	var b [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	return b[:]
}
