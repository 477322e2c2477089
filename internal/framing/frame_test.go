package framing

import (
	"bytes"
	"errors"
	"testing"
)

func seedOf(b byte) [32]byte {
	var s [32]byte
	for i := range s {
		s[i] = b
	}
	return s
}

func TestBuildParse_RoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	seed := seedOf(0xAA)

	sender := NewSaltGenerator(seed)
	receiver := NewSaltGenerator(seed)

	frame, err := Build(sender, []byte("hello"), cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	payload, consumed, err := Parse(receiver, frame, cfg)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if consumed != len(frame) {
		t.Errorf("consumed = %d, want %d", consumed, len(frame))
	}
	if !bytes.Equal(payload, []byte("hello")) {
		t.Errorf("payload = %q, want hello", payload)
	}
	if sender.Sequence() != 1 || receiver.Sequence() != 1 {
		t.Errorf("sequences = %d/%d, want 1/1", sender.Sequence(), receiver.Sequence())
	}
}

func TestParse_IncompleteHeader(t *testing.T) {
	cfg := DefaultConfig()
	gen := NewSaltGenerator(seedOf(0x01))

	_, _, err := Parse(gen, []byte{0x00, 0x01}, cfg)
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("Parse() error = %v, want ErrIncomplete", err)
	}
	if gen.Sequence() != 0 {
		t.Errorf("sequence advanced on Incomplete header: %d", gen.Sequence())
	}
}

func TestParse_IncompleteBody(t *testing.T) {
	cfg := DefaultConfig()
	seed := seedOf(0x02)
	sender := NewSaltGenerator(seed)
	receiver := NewSaltGenerator(seed)

	frame, err := Build(sender, []byte("a longer payload than the header"), cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	truncated := frame[:len(frame)-2]
	_, _, err = Parse(receiver, truncated, cfg)
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("Parse() error = %v, want ErrIncomplete", err)
	}
	if receiver.Sequence() != 0 {
		t.Errorf("sequence advanced on Incomplete body: %d", receiver.Sequence())
	}

	// Full frame still parses once complete, proving no state was corrupted.
	payload, _, err := Parse(receiver, frame, cfg)
	if err != nil {
		t.Fatalf("Parse() on full frame error = %v", err)
	}
	if string(payload) != "a longer payload than the header" {
		t.Errorf("payload = %q", payload)
	}
}

func TestDesyncDetection_NoHint(t *testing.T) {
	cfg := Config{EnableSequenceHint: false, EnableDoubleRatchet: false, RatchetInterval: 1000}
	seed := seedOf(0x03)
	sender := NewSaltGenerator(seed)
	receiver := NewSaltGenerator(seed)

	if _, err := Build(sender, []byte("one"), cfg); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	frame2, err := Build(sender, []byte("two"), cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	// Receiver's sequence is still 0; frame2 was sealed at sequence 1.
	_, _, err = Parse(receiver, frame2, cfg)
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("Parse() error = %v, want ErrDecryptionFailed", err)
	}
}

func TestBoundedResync(t *testing.T) {
	cfg := Config{EnableSequenceHint: true, EnableDoubleRatchet: false, RatchetInterval: 1000}
	seed := seedOf(0x04)
	sender := NewSaltGenerator(seed)
	receiver := NewSaltGenerator(seed)

	for i := 0; i < 999; i++ {
		if _, err := Build(sender, []byte("frame"), cfg); err != nil {
			t.Fatalf("Build() error = %v", err)
		}
	}

	final, err := Build(sender, []byte("final"), cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	// Receiver only ever sees the final frame: 999 frames were dropped.
	payload, _, err := Parse(receiver, final, cfg)
	if err != nil {
		t.Fatalf("Parse() error = %v, want successful resync", err)
	}
	if string(payload) != "final" {
		t.Errorf("payload = %q, want final", payload)
	}
	if receiver.Sequence() != 1000 {
		t.Errorf("receiver sequence = %d, want 1000", receiver.Sequence())
	}
}

func TestBoundedResync_ExceedsWindow(t *testing.T) {
	cfg := Config{EnableSequenceHint: true, EnableDoubleRatchet: false, RatchetInterval: 1000}
	seed := seedOf(0x05)
	sender := NewSaltGenerator(seed)
	receiver := NewSaltGenerator(seed)

	var final []byte
	for i := 0; i < 1001; i++ {
		f, err := Build(sender, []byte("frame"), cfg)
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		final = f
	}

	_, _, err := Parse(receiver, final, cfg)
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("Parse() error = %v, want ErrDecryptionFailed beyond resync window", err)
	}
}

func TestRatchetSchedule(t *testing.T) {
	cfg := Config{EnableSequenceHint: true, EnableDoubleRatchet: true, RatchetInterval: 2}
	seed := seedOf(0x06)
	sender := NewSaltGenerator(seed)
	receiver := NewSaltGenerator(seed)

	var plainFrameLen, ratchetFrameLen int
	for i := 0; i < 5; i++ {
		frame, err := Build(sender, []byte("xxxxx"), cfg)
		if err != nil {
			t.Fatalf("Build() #%d error = %v", i, err)
		}

		payload, _, err := Parse(receiver, frame, cfg)
		if err != nil {
			t.Fatalf("Parse() #%d error = %v", i, err)
		}
		if string(payload) != "xxxxx" {
			t.Fatalf("payload #%d = %q", i, payload)
		}

		seq := uint64(i) // sequence the frame was built at
		if isRatchetFrame(cfg, seq) {
			ratchetFrameLen = len(frame)
		} else if plainFrameLen == 0 {
			plainFrameLen = len(frame)
		}
	}

	if ratchetFrameLen-plainFrameLen != entropySize {
		t.Errorf("ratchet frame grew by %d bytes, want %d", ratchetFrameLen-plainFrameLen, entropySize)
	}
	if sender.Seed() != receiver.Seed() {
		t.Error("sender and receiver seeds diverged after ratcheting")
	}
}

func TestParse_RejectsOversizedLength(t *testing.T) {
	cfg := DefaultConfig()
	seed := seedOf(0x07)
	gen := NewSaltGenerator(seed)

	salt := computeSalt(seed, 0)
	_, _, lenMask, hintMask := deriveKeys(salt)

	data := make([]byte, headerSize(cfg, false)+1)
	objLen := uint32(maxFrameSize+1) ^ lenMask
	data[0] = byte(objLen >> 24)
	data[1] = byte(objLen >> 16)
	data[2] = byte(objLen >> 8)
	data[3] = byte(objLen)
	hint := uint16(0) ^ hintMask
	data[4] = byte(hint >> 8)
	data[5] = byte(hint)

	_, _, err := Parse(gen, data, cfg)
	if !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("Parse() error = %v, want ErrInvalidLength", err)
	}
}
