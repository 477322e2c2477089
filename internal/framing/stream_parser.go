package framing

// StreamParser wraps Parse over an append-only receive buffer that may
// hold a partial frame, a full frame, or several frames back to back. It
// exclusively owns its generator and buffer.
type StreamParser struct {
	gen      *SaltGenerator
	cfg      Config
	buf      []byte
	capacity int
	desynced bool
}

// NewStreamParser creates a parser bounded to capacity bytes of buffered,
// unparsed input. A capacity of 0 uses the protocol default of 10 MiB.
func NewStreamParser(gen *SaltGenerator, cfg Config, capacity int) *StreamParser {
	if capacity <= 0 {
		capacity = maxFrameSize
	}
	return &StreamParser{gen: gen, cfg: cfg, capacity: capacity}
}

// Len returns the number of unparsed bytes currently buffered.
func (p *StreamParser) Len() int { return len(p.buf) }

// Capacity returns the parser's buffer cap.
func (p *StreamParser) Capacity() int { return p.capacity }

// Desynced reports whether a fatal error has cleared the buffer. Once
// desynced, the parser must not be reused; recovery is out of scope.
func (p *StreamParser) Desynced() bool { return p.desynced }

// Append adds newly received bytes to the buffer. It returns ErrBufferFull
// without mutating the buffer if capacity would be exceeded, so the caller
// can apply back-pressure instead of losing data.
func (p *StreamParser) Append(data []byte) error {
	if p.desynced {
		return ErrDecryptionFailed
	}
	if len(p.buf)+len(data) > p.capacity {
		return ErrBufferFull
	}
	p.buf = append(p.buf, data...)
	return nil
}

// TryParseNext extracts the next complete frame from the buffer, if any.
// It returns ErrIncomplete when the buffer holds no full frame yet, in
// which case the caller should Append more data and retry. Any other
// error is fatal: the buffer is cleared and the parser is marked desynced.
func (p *StreamParser) TryParseNext() ([]byte, error) {
	if p.desynced {
		return nil, ErrDecryptionFailed
	}

	payload, consumed, err := Parse(p.gen, p.buf, p.cfg)
	if err == ErrIncomplete {
		return nil, ErrIncomplete
	}
	if err != nil {
		p.buf = nil
		p.desynced = true
		return nil, err
	}

	remaining := make([]byte, len(p.buf)-consumed)
	copy(remaining, p.buf[consumed:])
	p.buf = remaining

	return payload, nil
}

// DrainAll repeatedly calls TryParseNext, returning every complete frame
// currently available. A nil error means the buffer was drained to the
// point of the next Incomplete; a non-nil error means a fatal parse error
// ended the drain early and the parser is now desynced.
func (p *StreamParser) DrainAll() ([][]byte, error) {
	var frames [][]byte
	for {
		payload, err := p.TryParseNext()
		if err == ErrIncomplete {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, payload)
	}
}
