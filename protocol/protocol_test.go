package protocol

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	body := []byte("hello world")
	var buf bytes.Buffer
	if err := Encode(&buf, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	dec := NewDecoder(DefaultServerLimits, nil)
	frames, err := dec.Feed(buf.Bytes())
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if !bytes.Equal(frames[0], body) {
		t.Errorf("body mismatch: got %q want %q", frames[0], body)
	}
}

func TestPartialReadByteByByte(t *testing.T) {
	dec := NewDecoder(DefaultServerLimits, nil)

	var whole bytes.Buffer
	for _, msg := range []string{"first frame", "second frame", "a longer third message"} {
		if err := Encode(&whole, []byte(msg)); err != nil {
			t.Fatal(err)
		}
	}

	var got [][]byte
	stream := whole.Bytes()
	for i := 0; i < len(stream); i++ {
		frames, err := dec.Feed(stream[i : i+1])
		if err != nil {
			t.Fatalf("Feed failed at byte %d: %v", i, err)
		}
		got = append(got, frames...)
	}

	want := []string{"first frame", "second frame", "a longer third message"}
	if len(got) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(got))
	}
	for i, w := range want {
		if string(got[i]) != w {
			t.Errorf("frame %d: got %q want %q", i, got[i], w)
		}
	}
}

func TestPartialReadWholeStreamMatchesSplit(t *testing.T) {
	var whole bytes.Buffer
	messages := []string{"x", "a slightly longer message here", "z"}
	for _, msg := range messages {
		if err := Encode(&whole, []byte(msg)); err != nil {
			t.Fatal(err)
		}
	}
	stream := whole.Bytes()

	decWhole := NewDecoder(DefaultServerLimits, nil)
	wholeFrames, err := decWhole.Feed(stream)
	if err != nil {
		t.Fatal(err)
	}

	decSplit := NewDecoder(DefaultServerLimits, nil)
	var splitFrames [][]byte
	// split at an arbitrary odd boundary, including zero-length feeds
	splits := []int{0, 3, 0, 7, 1, len(stream)}
	offset := 0
	for _, n := range splits {
		if offset+n > len(stream) {
			n = len(stream) - offset
		}
		frames, err := decSplit.Feed(stream[offset : offset+n])
		if err != nil {
			t.Fatal(err)
		}
		splitFrames = append(splitFrames, frames...)
		offset += n
	}
	if offset < len(stream) {
		frames, err := decSplit.Feed(stream[offset:])
		if err != nil {
			t.Fatal(err)
		}
		splitFrames = append(splitFrames, frames...)
	}

	if len(wholeFrames) != len(splitFrames) {
		t.Fatalf("frame count mismatch: whole=%d split=%d", len(wholeFrames), len(splitFrames))
	}
	for i := range wholeFrames {
		if !bytes.Equal(wholeFrames[i], splitFrames[i]) {
			t.Errorf("frame %d mismatch: whole=%q split=%q", i, wholeFrames[i], splitFrames[i])
		}
	}
}

func TestOversizeRejectedBeforePayloadConsumed(t *testing.T) {
	dec := NewDecoder(Limits{MinValidPacket: 8, MaxPacketSize: 1024}, nil)

	lengthOnly := encodeLength(200 * 1024 * 1024)
	frames, err := dec.Feed(lengthOnly)
	if err == nil {
		t.Fatal("expected FrameTooLargeError, got nil")
	}
	var tooLarge *FrameTooLargeError
	if !asFrameTooLarge(err, &tooLarge) {
		t.Fatalf("expected *FrameTooLargeError, got %T: %v", err, err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected no frames, got %d", len(frames))
	}
}

func asFrameTooLarge(err error, target **FrameTooLargeError) bool {
	if e, ok := err.(*FrameTooLargeError); ok {
		*target = e
		return true
	}
	return false
}

func TestProbeToleranceNeverBlocksAndPreservesValidFrames(t *testing.T) {
	dec := NewDecoder(DefaultServerLimits, nil)

	var stream bytes.Buffer
	// one-byte garbage prefix interpreted as part of a length field is handled by
	// feeding true single bytes that don't align to 4-byte boundaries; here we
	// exercise the documented probe forms directly: a zero-length probe and a
	// small (<8 byte) probe, interleaved with valid frames.
	stream.Write(encodeLength(0)) // N == 0: garbage-tolerant, discarded
	if err := Encode(&stream, []byte("ok-frame-1")); err != nil {
		t.Fatal(err)
	}
	stream.Write(encodeLength(3)) // 0 < N < MinValidPacket(8): probe with 3 bytes to skip
	stream.Write([]byte{0xAA, 0xBB, 0xCC})
	if err := Encode(&stream, []byte("ok-frame-2")); err != nil {
		t.Fatal(err)
	}

	frames, err := dec.Feed(stream.Bytes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 valid frames, got %d", len(frames))
	}
	if string(frames[0]) != "ok-frame-1" || string(frames[1]) != "ok-frame-2" {
		t.Errorf("valid frames corrupted by probes: %q %q", frames[0], frames[1])
	}
}

func TestProbeAwaitingMoreBytesDoesNotBlock(t *testing.T) {
	dec := NewDecoder(DefaultServerLimits, nil)
	// Declare a 5-byte probe but supply only 2 bytes of it: Feed must return
	// immediately with no frames and no error, not block.
	frames, err := dec.Feed(append(encodeLength(5), []byte{0x01, 0x02}...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected no frames yet, got %d", len(frames))
	}
	// Now supply the remaining 3 bytes plus a valid frame.
	var tail bytes.Buffer
	tail.Write([]byte{0x03, 0x04, 0x05})
	if err := Encode(&tail, []byte("after-probe")); err != nil {
		t.Fatal(err)
	}
	frames, err = dec.Feed(tail.Bytes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 1 || string(frames[0]) != "after-probe" {
		t.Fatalf("expected [after-probe], got %v", frames)
	}
}

func TestLargePayloadRoundTrip(t *testing.T) {
	body := make([]byte, 1024*1024+17) // exceeds singleWriteThreshold, exercises chunked write
	for i := range body {
		body[i] = byte(i)
	}
	var buf bytes.Buffer
	if err := Encode(&buf, body); err != nil {
		t.Fatal(err)
	}
	dec := NewDecoder(DefaultServerLimits, nil)
	frames, err := dec.Feed(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 || !bytes.Equal(frames[0], body) {
		t.Fatal("large payload round trip mismatch")
	}
	stats := dec.Stats()
	if stats.LargePackets != 1 {
		t.Errorf("expected 1 large packet counted, got %d", stats.LargePackets)
	}
}
