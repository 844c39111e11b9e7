package protocol

import (
	"encoding/binary"
	"sync"
	"time"
)

// largeFrameThreshold is the payload size (1 MiB) above which the decoder counts a
// frame as "large" and emits throttled progress logs while it's only partially
// received.
const largeFrameThreshold = 1024 * 1024

// progressLogInterval bounds how often Decoder emits a partial-large-frame progress
// log, at most once per second.
const progressLogInterval = time.Second

// ProgressLogger receives a throttled note while a large frame is being assembled.
// Decoder never logs directly so it stays usable outside any particular logging setup
// (see the package-level test suite, which feeds raw bytes with a no-op logger).
type ProgressLogger func(receivedBytes, totalBytes int)

// Decoder is a single connection's incremental frame parser. It is NOT safe for
// concurrent use: a Decoder is meant to be owned by one connection's read goroutine.
type Decoder struct {
	limits Limits
	buf    []byte

	onProgress ProgressLogger
	lastLog    time.Time

	mu           sync.Mutex // guards the counters only, for tests/metrics readers on another goroutine
	totalPackets uint64
	largePackets uint64
	totalBytes   uint64
}

// NewDecoder returns a Decoder bound to limits. A nil logger disables progress logging.
func NewDecoder(limits Limits, logger ProgressLogger) *Decoder {
	if logger == nil {
		logger = func(int, int) {}
	}
	return &Decoder{limits: limits, onProgress: logger}
}

// Feed appends chunk to the decoder's internal buffer and extracts as many complete
// frame payloads as are now available. It never blocks and never reads from a socket
// itself; callers (rpcserver's connection goroutine, or a unit test) decide how bytes
// arrive, and feeding the same stream split at any byte boundary yields the same
// sequence of payloads.
//
// Returns the extracted payloads (possibly empty) and a non-nil error exactly when a
// frame's declared length exceeds MaxPacketSize (*FrameTooLargeError); the caller
// must close the connection in that case. Any already-extracted payloads in the
// returned slice are still valid and should be processed before closing.
func (d *Decoder) Feed(chunk []byte) ([][]byte, error) {
	if len(chunk) > 0 {
		d.buf = append(d.buf, chunk...)
	}

	var frames [][]byte
	for {
		if len(d.buf) < lengthPrefixSize {
			return frames, nil
		}

		n := int32(binary.BigEndian.Uint32(d.buf[:lengthPrefixSize]))

		if n <= 0 {
			// Garbage-tolerant: discard just the 4 bytes consumed and keep scanning.
			d.buf = d.buf[lengthPrefixSize:]
			continue
		}

		if n > d.limits.MaxPacketSize {
			return frames, &FrameTooLargeError{Declared: n, Max: d.limits.MaxPacketSize}
		}

		if n < d.limits.MinValidPacket {
			// Liveness probe: skip n bytes if they've arrived, else wait for more.
			avail := len(d.buf) - lengthPrefixSize
			if avail < int(n) {
				return frames, nil
			}
			d.buf = d.buf[lengthPrefixSize+int(n):]
			continue
		}

		avail := len(d.buf) - lengthPrefixSize
		if avail < int(n) {
			if int(n) >= largeFrameThreshold && time.Since(d.lastLog) >= progressLogInterval {
				d.onProgress(avail, int(n))
				d.lastLog = time.Now()
			}
			return frames, nil // not enough yet; d.buf still holds the length prefix, unconsumed
		}

		payload := make([]byte, n)
		copy(payload, d.buf[lengthPrefixSize:lengthPrefixSize+int(n)])
		d.buf = d.buf[lengthPrefixSize+int(n):]

		d.recordFrame(int(n))
		frames = append(frames, payload)
	}
}

func (d *Decoder) recordFrame(payloadLen int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.totalPackets++
	d.totalBytes += uint64(payloadLen)
	if payloadLen > largeFrameThreshold {
		d.largePackets++
	}
}

// Stats is a point-in-time snapshot of this decoder's counters.
type Stats struct {
	TotalPackets uint64
	LargePackets uint64
	TotalBytes   uint64
}

// Stats returns a snapshot of the decoder's per-connection counters.
func (d *Decoder) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{TotalPackets: d.totalPackets, LargePackets: d.largePackets, TotalBytes: d.totalBytes}
}
