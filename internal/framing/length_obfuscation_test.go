package framing

import "testing"

// TestLengthObfuscation_Uniform builds many frames of the same plaintext
// length and checks that the observed obf_len bytes spread across the
// value space roughly evenly, rather than clustering (which would leak
// the true ciphertext length through a biased mask). This is a coarse
// bucket-counting check, not a rigorous statistical test.
func TestLengthObfuscation_Uniform(t *testing.T) {
	cfg := DefaultConfig()
	seed := seedOf(0x10)
	gen := NewSaltGenerator(seed)

	const (
		trials  = 10000
		buckets = 16
	)
	counts := make([]int, buckets)

	for i := 0; i < trials; i++ {
		frame, err := Build(gen, []byte("same length payload!!"), cfg)
		if err != nil {
			t.Fatalf("Build() #%d error = %v", i, err)
		}
		objLen := uint32(frame[0])<<24 | uint32(frame[1])<<16 | uint32(frame[2])<<8 | uint32(frame[3])
		bucket := int(objLen % buckets)
		counts[bucket]++
	}

	expected := float64(trials) / float64(buckets)
	var chiSquare float64
	for _, c := range counts {
		diff := float64(c) - expected
		chiSquare += (diff * diff) / expected
	}

	// With 15 degrees of freedom, a chi-square statistic comfortably below
	// 50 indicates no gross bias toward any bucket; a biased mask would
	// blow well past this.
	if chiSquare > 50 {
		t.Errorf("chi-square = %f across %d buckets, suspiciously non-uniform obf_len distribution", chiSquare, buckets)
	}
}

func TestLengthObfuscation_SamePayloadDifferentMasks(t *testing.T) {
	cfg := DefaultConfig()
	seed := seedOf(0x11)
	gen := NewSaltGenerator(seed)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}

	first, err := Build(gen, payload, cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	second, err := Build(gen, payload, cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("frame lengths differ: %d vs %d", len(first), len(second))
	}

	sameObfLen := first[0] == second[0] && first[1] == second[1] && first[2] == second[2] && first[3] == second[3]
	if sameObfLen {
		t.Error("obf_len identical across two builds of the same payload; mask is not varying per frame")
	}
}
