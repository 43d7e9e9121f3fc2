package hashfs

import "math/bits"

// simdLookupLinear is the eight-wide batched lookup path described in
// the probe engine's design: it loads eight consecutive slots at once,
// compares all eight to the target key, and inspects the match/empty
// masks instead of branching slot-by-slot. It is only valid when the
// table uses linear stepping (step=1) — eight consecutive indices are
// exactly the next eight visits of the scalar linear probe sequence, so
// this path is guaranteed to return the same slot a scalar probe would.
// Triangular-step tables fall back to the scalar probe entirely (see the
// StepMode == stepLinear check in Index.Lookup); there is no
// contiguous-block equivalent for a non-unit step without producing a
// different visit order than the format it was written under.
//
// The scan is bounded to mod visits, matching the scalar probe's own
// bound: a full table with no Empty slot and an absent key must
// terminate rather than loop forever. A returned state other than
// SlotValid — including after the bound is hit — means "not found" to
// every caller.
func simdLookupLinear(loadSlot func(uint32) Key, mod uint32, seed uint32, target Key) (idx uint32, state SlotState) {
	base := seed % mod

	for visited := uint32(0); visited < mod; visited += 8 {
		var keys [8]Key
		for j := 0; j < 8; j++ {
			keys[j] = loadSlot((base + uint32(j)) % mod)
		}

		var matchMask, emptyMask uint8
		for j := 0; j < 8; j++ {
			switch classify(keys[j]) {
			case SlotEmpty:
				emptyMask |= 1 << uint(j)
			case SlotValid:
				if keys[j] == target {
					matchMask |= 1 << uint(j)
				}
			}
		}

		if matchMask != 0 {
			j := bits.TrailingZeros8(matchMask)
			return (base + uint32(j)) % mod, SlotValid
		}
		if emptyMask != 0 {
			j := bits.TrailingZeros8(emptyMask)
			return (base + uint32(j)) % mod, SlotEmpty
		}

		base = (base + 8) % mod
	}

	// Bound exhausted: a full table with no reachable Empty slot and no
	// match. SlotEmpty here does not mean slot 0 is empty — it is the
	// same "stop, not found" signal the scalar probe gives when it hits
	// an Empty slot, reused so every caller's single `== SlotValid`
	// check keeps working without a third return path.
	return 0, SlotEmpty
}
