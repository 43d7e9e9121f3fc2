/*
Package hashfs provides a persistent, open-addressing hash index mapping
a composite (file identifier, logical block) key to a physical block
number, suitable as the block-mapping layer of a log-structured or
persistent-memory file system.

Basic usage:

	import "github.com/theflywheel/hashfs"

	idx, err := hashfs.Open("index.dat", 1<<20, hashfs.NewOptions())
	if err != nil {
		log.Fatal(err)
	}
	defer idx.Close()

	key, _ := hashfs.EncodeKey(inum, lblk)
	physical, err := idx.Insert(key)

	physical, found, err := idx.Lookup(key)
	if found {
		fmt.Println("block", lblk, "of inode", inum, "lives at", physical)
	}

Features:

  - Sentinel-in-value slot state: a slot's 64-bit value alone encodes
    whether it is empty, tombstoned, or holds a live key, with no
    separate tag byte
  - Lock-free Insert/Lookup/Remove via CAS on mapped memory, safe for
    concurrent use by multiple goroutines against a shared Index
  - Linear or triangular probing, selectable per Index
  - Pluggable hash functions (DirectHash, ComboHash, Mix, Murmur64,
    XXHash32), all reducing a composite Key to a 32-bit probe seed
  - An eight-wide batched lookup path on AVX2-capable hardware, with an
    identical scalar fallback everywhere else
  - A Backing abstraction distinguishing true persistent memory from an
    ordinary memory-mapped file for the Persist/durability protocol

Implementation Details:

The persistent region is a meta block (one BlockSize-sized block holding
the table's shift-derived modulus, mask, size, and advisory live/occupied
counters) followed by a flat array of 8-byte slots. A slot's raw value is
the composite key it stores, except for two reserved 64-bit values that
mark it Empty or Tombstone instead — there is no out-of-band state byte,
so every slot is exactly one atomically addressable machine word.

Insert and Remove probe the table following the configured step mode,
claiming a slot with a single compare-and-swap against its observed
state (EmptyKey or TombstoneKey) rather than taking any table-wide lock.
A found tombstone during the scan phase of Insert is remembered and
preferred over continuing to an Empty slot further down the chain, so
that repeated insert/remove/insert cycles on the same hash neighborhood
do not permanently lengthen lookup chains.

The companion undolog package gives a block allocator or an alternative,
non-self-atomic index structure crash-atomicity across multiple block
writes; HashFS's own single-CAS mutations never need it. The rangemap
package resolves a logical extent into physical runs by fanning out
per-block lookups against an Index and coalescing the results that are
both logically and physically contiguous.
*/
package hashfs
