package hashfs

// SlotState classifies a slot's 64-bit value at the moment it was read.
// The in-memory representation never carries a separate tag; SlotState
// is purely a view computed at the API boundary (see spec design notes
// on sentinel-in-value encoding).
type SlotState int

const (
	SlotEmpty SlotState = iota
	SlotTombstone
	SlotValid
)

// classify maps a raw slot value to its logical state.
func classify(v Key) SlotState {
	switch v {
	case EmptyKey:
		return SlotEmpty
	case TombstoneKey:
		return SlotTombstone
	default:
		return SlotValid
	}
}

// stepMode selects how the probe sequence advances between visits.
type stepMode int

const (
	// stepLinear advances by a constant 1 each visit: i0, i0+1, i0+2, ...
	stepLinear stepMode = iota
	// stepTriangular advances by the visit count: i0, i0+1, i0+3, i0+6, ...
	stepTriangular
)

// probeSequence yields successive slot indices for a key against a table
// of the given mod, starting from a hash-derived seed. It is a small
// stateful cursor rather than a precomputed slice because mod can be
// large (up to ndatablocks) and most probes terminate in a handful of
// steps. Callers read Index() for the current slot, then call Advance()
// to move to the next one; the sequence starts already positioned at its
// first slot.
type probeSequence struct {
	mod   uint32
	mode  stepMode
	index uint32
	step  uint32
}

func newProbeSequence(mode stepMode, mod uint32, seed uint32) *probeSequence {
	return &probeSequence{
		mod:   mod,
		mode:  mode,
		index: seed % mod,
		step:  1,
	}
}

// Index returns the slot index for the current visit.
func (p *probeSequence) Index() uint32 { return p.index }

// Advance moves the sequence to its next slot index and returns it.
func (p *probeSequence) Advance() uint32 {
	switch p.mode {
	case stepTriangular:
		p.index = (p.index + p.step) % p.mod
		p.step++
	default:
		p.index = (p.index + 1) % p.mod
	}
	return p.index
}
