package core

// SkipPolicy interprets the hardware write counter reported with SOF.
//
// When a frame's done never arrived but the next SOF shows the hardware
// did not advance, the core asks the policy whether the hardware already
// wrote the frame out. If so the frame is completed now with a backdated
// timestamp; if not the frame waits one more SOF.
type SkipPolicy interface {
	// Written reports whether writeCount shows frame seq as written.
	Written(seq, writeCount uint32) bool
}

// WrapPolicy treats the write counter as the low bits of the frame
// sequence, wrapping at Modulus.
type WrapPolicy struct {
	Modulus uint32
}

// DefaultWrapModulus is the width of the co-processor's write counter.
const DefaultWrapModulus = 256

// Unwrap expands counter to the full sequence number closest to ref.
func (p WrapPolicy) Unwrap(ref, counter uint32) uint32 {
	m := int64(p.Modulus)
	if m <= 0 {
		return counter
	}
	r := int64(ref)
	cand := r - r%m + int64(counter)%m
	switch {
	case cand > r+m/2 && cand >= m:
		cand -= m
	case cand+m/2 < r:
		cand += m
	}
	return uint32(cand)
}

// Written implements SkipPolicy.
func (p WrapPolicy) Written(seq, writeCount uint32) bool {
	return p.Unwrap(seq, writeCount) >= seq
}
