// Package hashfs implements a persistent, open-addressing hash index
// mapping a composite (file id, logical block) key to a physical block
// number. See doc.go for the package-level overview.
package hashfs

import (
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"github.com/theflywheel/hashfs/internal/faults"
)

// primeMod mirrors the classic glib hash-table modulus table: for a
// table sized at 1<<shift slots, prime_mod[shift] is the largest prime
// not exceeding that size, used as the probing modulus so that a poor
// hash function still spreads reasonably across the table. Ported
// verbatim from the original source.
var primeMod = [32]uint32{
	1, 2, 3, 7, 13, 31, 61, 127, 251, 509,
	1021, 2039, 4093, 8191, 16381, 32749, 65521, 131071, 262139, 524287,
	1048573, 2097143, 4194301, 8388593, 16777213, 33554393, 67108859, 134217689, 268435399, 536870909,
	1073741789, 2147483647,
}

// hashTableMinShift is the smallest shift ever selected: 1<<3 == 8
// buckets, matching the original HASH_TABLE_MIN_SHIFT.
const hashTableMinShift = 3

// closestShift returns the number of bits needed to represent n (i.e.
// the smallest shift such that 1<<shift > n, so a power of two maps to
// the next power up), ported from
// pmem_nvm_hash_table_find_closest_shift.
func closestShift(n uint64) int {
	shift := 0
	for n != 0 {
		n >>= 1
		shift++
	}
	return shift
}

// shiftFromSize returns the table shift to use for a requested capacity,
// clamped to hashTableMinShift, ported from
// pmem_nvm_hash_table_set_shift_from_size.
func shiftFromSize(size uint64) int {
	shift := closestShift(size)
	if shift < hashTableMinShift {
		shift = hashTableMinShift
	}
	if shift >= len(primeMod) {
		shift = len(primeMod) - 1
	}
	return shift
}

// Index is HashFS's top-level handle: a persistent header plus a
// volatile view over the mapped entry table, and the insert / lookup /
// remove / update operations. It is safe for concurrent use by multiple
// goroutines; the hot path (Lookup, and the CAS segment of Insert) never
// takes a lock.
type Index struct {
	region  *Region
	meta    *MetaBlock
	entries []byte

	mod  uint32
	mask uint32
	size uint32

	opts Options

	poisoned atomic.Bool
	metrics  *metrics
}

// Open attaches to (or, if the meta block is not yet valid, formats) the
// persistent region at path. requestedCapacity sizes the table when it
// does not already exist: the table gets 1<<shiftFromSize(requestedCapacity)
// slots, i.e. the smallest power of two strictly greater than
// requestedCapacity, and at least 8. It is ignored when attaching to an
// already-valid table (the stored size wins), although the file may
// already have been enlarged to the requested size.
func Open(path string, requestedCapacity uint64, opts Options) (*Index, error) {
	opts = opts.withDefaults()

	shift := shiftFromSize(requestedCapacity)
	size := uint32(1) << uint(shift)
	mod := primeMod[shift]
	mask := size - 1

	entryBytes := int64(size) * 8
	totalSize := int64(BlockSize) + roundUpBlock(entryBytes)

	region, err := OpenRegion(path, totalSize, opts.Backing)
	if err != nil {
		return nil, faults.Wrap(err, faults.CodeIO, "open region")
	}

	meta := NewMetaBlock(region.Bytes()[:BlockSize])
	entries := region.Bytes()[BlockSize : BlockSize+int(entryBytes)]

	idx := &Index{
		region:  region,
		meta:    meta,
		entries: entries,
		opts:    opts,
		metrics: newMetrics(opts.Profile),
	}

	if meta.Valid() {
		if stored := meta.Size(); stored != size {
			// The stored size wins: remap so the entry table covers
			// exactly the slots the table was formatted with.
			region.Close()
			entryBytes = int64(stored) * 8
			region, err = OpenRegion(path, int64(BlockSize)+roundUpBlock(entryBytes), opts.Backing)
			if err != nil {
				return nil, faults.Wrap(err, faults.CodeIO, "open region")
			}
			idx.region = region
			idx.meta = NewMetaBlock(region.Bytes()[:BlockSize])
			idx.entries = region.Bytes()[BlockSize : BlockSize+int(entryBytes)]
		}
		idx.size = idx.meta.Size()
		idx.mod = idx.meta.Mod()
		idx.mask = idx.meta.Mask()
		idx.log().Debugw("hashfs: attached existing table", "mod", idx.mod, "size", idx.size)
		return idx, nil
	}

	idx.size = size
	idx.mod = mod
	idx.mask = mask

	if err := idx.format(); err != nil {
		region.Close()
		return nil, err
	}
	idx.log().Infow("hashfs: formatted new table", "mod", idx.mod, "size", idx.size)
	return idx, nil
}

func roundUpBlock(n int64) int64 {
	if rem := n % BlockSize; rem != 0 {
		n += BlockSize - rem
	}
	return n
}

// format writes every slot to Empty, then marks the meta block valid, in
// that order, per the table lifecycle invariant: meta.valid transitions
// false -> true exactly once, after every slot has been set Empty and
// flushed.
func (idx *Index) format() error {
	for i := range idx.entries {
		idx.entries[i] = 0xFF
	}
	if err := idx.region.Persist(BlockSize, len(idx.entries)); err != nil {
		return faults.Wrap(err, faults.CodeIO, "persist formatted entries")
	}

	idx.meta.SetIsPmem(idx.region.Backing() == BackingPMem)
	idx.meta.SetMetaSize(1)
	idx.meta.SetSize(idx.size)
	idx.meta.SetMod(idx.mod)
	idx.meta.SetMask(idx.mask)
	idx.meta.AddNNodes(0)
	idx.meta.AddNOccupied(0)
	idx.meta.SetEntriesBlk(1)
	idx.meta.SetNumEntries(uint64(idx.size))

	if err := idx.region.Persist(0, BlockSize); err != nil {
		return faults.Wrap(err, faults.CodeIO, "persist meta fields")
	}

	idx.meta.SetValid(true)
	if err := idx.region.Persist(offValid, 4); err != nil {
		return faults.Wrap(err, faults.CodeIO, "persist valid flag")
	}
	return nil
}

func (idx *Index) log() *zap.SugaredLogger {
	if idx.opts.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return idx.opts.Logger
}

func (idx *Index) poison(cause error) error {
	if idx.poisoned.CompareAndSwap(false, true) {
		idx.metrics.recordPoisonTrip()
		idx.log().Errorw("hashfs: storage poisoned", "cause", cause)
	}
	return faults.Wrap(cause, faults.CodeStoragePoisoned, "persist failed; index poisoned")
}

// physicalBlock implements the external contract's addressing formula
// exactly: entries_blk + meta_size + i. This is a conceptual physical
// block number in the enclosing file system's own device addressing,
// independent of the byte offset this slot actually lives at within
// Index's own mapped Region (the latter is BlockSize + 8*i, an
// implementation detail of this process's storage window).
func (idx *Index) physicalBlock(slot uint32) uint64 {
	return idx.meta.EntriesBlk() + uint64(idx.meta.MetaSize()) + uint64(slot)
}

func slotPtr(entries []byte, i uint32) *uint64 {
	return (*uint64)(unsafe.Pointer(&entries[uint64(i)*8]))
}

func (idx *Index) loadSlot(i uint32) Key {
	return Key(atomic.LoadUint64(slotPtr(idx.entries, i)))
}

func (idx *Index) casSlot(i uint32, old, new Key) bool {
	return atomic.CompareAndSwapUint64(slotPtr(idx.entries, i), uint64(old), uint64(new))
}

func (idx *Index) persistSlot(i uint32) error {
	return idx.region.Persist(BlockSize+int(i)*8, 8)
}

func (idx *Index) persistMetaCounters() error {
	return idx.region.Persist(offNNodes, 8) // nnodes and noccupied are adjacent
}

// Lookup performs the probe sequence for key and returns the physical
// block of the slot holding it. It never writes and is safe to call
// concurrently with Insert/Remove on other keys (and on the same key,
// subject to the ordering guarantees in the concurrency design).
func (idx *Index) Lookup(key Key) (uint64, bool, error) {
	if idx.poisoned.Load() {
		return 0, false, ErrStoragePoisoned
	}
	if key.IsSentinel() {
		return 0, false, ErrReservedKey
	}

	start := time.Now()
	defer idx.metrics.recordLookup(start)

	seed := idx.opts.Hash(key)

	if idx.opts.UseSIMD && idx.opts.StepMode == stepLinear {
		slot, state := simdLookupLinear(idx.loadSlot, idx.mod, seed, key)
		if state == SlotValid {
			return idx.physicalBlock(slot), true, nil
		}
		return 0, false, nil
	}

	seq := newProbeSequence(idx.opts.StepMode, idx.mod, seed)
	for visited := uint32(0); visited < idx.mod; visited++ {
		i := seq.Index()
		v := idx.loadSlot(i)
		switch classify(v) {
		case SlotEmpty:
			return 0, false, nil
		case SlotValid:
			if v == key {
				return idx.physicalBlock(i), true, nil
			}
		}
		seq.Advance()
	}
	return 0, false, nil
}

// Insert claims a slot for key and returns its physical block, or
// ErrKeyExists if the key is already present, or ErrTableFull if the
// probe sequence exhausts mod steps without reaching an Empty slot
// (a Tombstone seen along the way is not claimed in that case).
func (idx *Index) Insert(key Key) (uint64, error) {
	if idx.poisoned.Load() {
		return 0, ErrStoragePoisoned
	}
	if key.IsSentinel() {
		return 0, ErrReservedKey
	}

	seq := newProbeSequence(idx.opts.StepMode, idx.mod, idx.opts.Hash(key))

	var haveTombstone bool
	var tombSeq probeSequence

	var visited uint32
	for {
		i := seq.Index()
		v := idx.loadSlot(i)
		switch classify(v) {
		case SlotValid:
			if v == key {
				return 0, ErrKeyExists
			}
		case SlotTombstone:
			if !haveTombstone {
				haveTombstone = true
				tombSeq = *seq
			}
		case SlotEmpty:
			goto claim
		}
		visited++
		if visited >= idx.mod {
			idx.metrics.recordTableFull()
			return 0, ErrTableFull
		}
		seq.Advance()
	}

claim:
	claimSeq := seq
	if haveTombstone {
		claimSeq = &tombSeq
	}

	var claimVisited uint32
	for {
		i := claimSeq.Index()
		cur := idx.loadSlot(i)

		switch classify(cur) {
		case SlotValid:
			if cur == key {
				return 0, ErrKeyExists
			}
		case SlotEmpty:
			if idx.casSlot(i, EmptyKey, key) {
				return idx.finishInsert(i, true)
			}
			// Another writer changed slot i first; re-read it before
			// moving on, since it may now hold key.
			continue
		case SlotTombstone:
			if idx.casSlot(i, TombstoneKey, key) {
				return idx.finishInsert(i, false)
			}
			continue
		}

		claimVisited++
		if claimVisited >= idx.mod {
			idx.metrics.recordTableFull()
			return 0, ErrTableFull
		}
		claimSeq.Advance()
	}
}

func (idx *Index) finishInsert(slot uint32, wasEmpty bool) (uint64, error) {
	if err := idx.persistSlot(slot); err != nil {
		return 0, idx.poison(err)
	}
	idx.meta.AddNNodes(1)
	if wasEmpty {
		idx.meta.AddNOccupied(1)
	}
	if err := idx.persistMetaCounters(); err != nil {
		return 0, idx.poison(err)
	}
	idx.metrics.recordInsert()
	return idx.physicalBlock(slot), nil
}

// Remove erases key from the table by writing a Tombstone in its slot.
// It reports whether the key was present.
func (idx *Index) Remove(key Key) (uint64, bool, error) {
	if idx.poisoned.Load() {
		return 0, false, ErrStoragePoisoned
	}
	if key.IsSentinel() {
		return 0, false, ErrReservedKey
	}

	seq := newProbeSequence(idx.opts.StepMode, idx.mod, idx.opts.Hash(key))
	for visited := uint32(0); visited < idx.mod; visited++ {
		i := seq.Index()
		v := idx.loadSlot(i)
		switch classify(v) {
		case SlotEmpty:
			return 0, false, nil
		case SlotValid:
			if v == key {
				if !idx.casSlot(i, v, TombstoneKey) {
					// Lost the race (another remover beat us to this
					// exact slot); the key is gone either way.
					return 0, false, nil
				}
				if err := idx.persistSlot(i); err != nil {
					return 0, false, idx.poison(err)
				}
				idx.meta.AddNNodes(-1)
				if err := idx.persistMetaCounters(); err != nil {
					return 0, false, idx.poison(err)
				}
				idx.metrics.recordRemove()
				return idx.physicalBlock(i), true, nil
			}
		}
		seq.Advance()
	}
	return 0, false, nil
}

// Update is a legacy no-op kept for the range-mapping façade's
// uniformity: HashFS's slots carry no value field, so there is nothing
// to update once a key is in place. Range tracking lives entirely in
// the rangemap package.
func (idx *Index) Update(key Key, _ uint32) error {
	return nil
}

// Stats returns the advisory live/occupied slot counters. They are not
// required for correctness (see spec design notes) and may be
// rebuilt by a full scan after a crash if ever needed.
func (idx *Index) Stats() (nnodes, noccupied uint32) {
	return idx.meta.NNodes(), idx.meta.NOccupied()
}

// LatencyPercentile returns the p-th percentile observed lookup latency
// in nanoseconds, or 0 if profiling is disabled.
func (idx *Index) LatencyPercentile(p float64) int64 {
	return idx.metrics.LookupLatencyPercentile(p)
}

// Close releases the volatile mapping. The persistent region is left
// untouched and can be reattached with Open.
func (idx *Index) Close() error {
	return idx.region.Close()
}
