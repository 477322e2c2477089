package framing

// Config mirrors the protocol's SilentConfig: the ratchet and resync knobs
// that Build and Parse need on every call. It carries no YAML tags on
// purpose — internal/config owns file-format concerns and converts into
// this struct before handing it to the framing engine.
type Config struct {
	// EnableSequenceHint adds a 2-byte obfuscated hint to each frame,
	// letting a receiver that dropped frames resynchronize its sequence
	// cursor by searching forward up to 999 positions: a frame that follows
	// up to 999 lost frames still parses, one after 1000 or more does not.
	EnableSequenceHint bool

	// EnableDoubleRatchet periodically embeds 32 bytes of fresh entropy
	// and mixes it into the seed, limiting exposure from a compromised salt.
	EnableDoubleRatchet bool

	// RatchetInterval is the number of frames between ratchet rotations.
	// Only consulted when EnableDoubleRatchet is true; must be positive.
	RatchetInterval uint64
}

// DefaultConfig returns the protocol's documented defaults.
func DefaultConfig() Config {
	return Config{
		EnableSequenceHint:  true,
		EnableDoubleRatchet: false,
		RatchetInterval:     1000,
	}
}

// isRatchetFrame reports whether the frame built or parsed at sequence s
// carries ratchet entropy.
func isRatchetFrame(cfg Config, s uint64) bool {
	return cfg.EnableDoubleRatchet && s > 0 && s%cfg.RatchetInterval == 0
}

func headerSize(cfg Config, ratchet bool) int {
	size := lengthFieldSize
	if cfg.EnableSequenceHint {
		size += hintFieldSize
	}
	if ratchet {
		size += entropySize
	}
	return size
}
