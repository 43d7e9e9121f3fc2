package hashfs

// Key is the 64-bit composite key HashFS stores one per slot: a file
// identifier packed into the high 32 bits and a logical block number
// packed into the low 32 bits. A Key's own bit pattern also encodes the
// owning slot's state — see EmptyKey and TombstoneKey below.
type Key uint64

const (
	// EmptyKey marks a slot that has never been written since the table
	// was last formatted.
	EmptyKey Key = 0xFFFFFFFFFFFFFFFF

	// TombstoneKey marks a slot that held a key which has since been
	// removed. Tombstones are traversed on lookup and may be reclaimed
	// by a later insert.
	TombstoneKey Key = 0xFFFFFFFFFFFFFFFE
)

// EncodeKey packs a file identifier and logical block number into a
// composite Key. The caller must not pass inum == 0xFFFFFFFF with
// lblk in {0xFFFFFFFE, 0xFFFFFFFF} — that combination collides with the
// reserved sentinels; EncodeKey reports that case via ok == false rather
// than silently returning a sentinel value.
func EncodeKey(inum, lblk uint32) (k Key, ok bool) {
	k = Key(uint64(inum)<<32 | uint64(lblk))
	if k == EmptyKey || k == TombstoneKey {
		return 0, false
	}
	return k, true
}

// Decode splits a composite Key back into its file identifier and logical
// block number. Decoding a sentinel is meaningless; callers should check
// IsSentinel first.
func (k Key) Decode() (inum, lblk uint32) {
	return uint32(k >> 32), uint32(k)
}

// IsSentinel reports whether k is one of the two reserved slot-state
// values rather than a real composite key.
func (k Key) IsSentinel() bool {
	return k == EmptyKey || k == TombstoneKey
}
