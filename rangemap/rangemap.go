// Package rangemap implements GetBlocks: resolving a logical extent
// (an inode, a starting logical block, and a length) into the physical
// runs that back it, by fanning out per-block Index lookups and
// coalescing adjacent results. It depends only on the index's public
// Lookup/Insert/Remove surface — not on undolog — so composing it with
// crash-atomic writes is the caller's responsibility (see doc comment
// on Mapper.SetBlocks).
package rangemap

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/theflywheel/hashfs"
)

// MaxGetBlocksReturn bounds how many logical blocks a single GetBlocks
// call resolves, mirroring the original interface's own cap on how much
// one extent-mapping call is allowed to walk before returning partial
// results for the caller to continue.
const MaxGetBlocksReturn = 8

// Index is the subset of *hashfs.Index that rangemap depends on. It is
// declared locally (rather than imported as a concrete type) so tests
// can substitute a fake without standing up a real mapped region.
type Index interface {
	Lookup(key hashfs.Key) (physical uint64, found bool, err error)
	Insert(key hashfs.Key) (physical uint64, err error)
	Remove(key hashfs.Key) (physical uint64, found bool, err error)
}

// Run describes one maximal contiguous stretch of an extent: Length
// logical blocks starting at StartLblk, mapped to Length physical
// blocks starting at StartPhysical. A hole (a logical block with no
// mapping) ends the run that precedes it and is never itself returned
// as a Run.
type Run struct {
	StartLblk     uint32
	StartPhysical uint64
	Length        uint32
}

// endLblk is the logical block one past the run's last block, used to
// test whether a newly resolved block extends it.
func (r Run) endLblk() uint32 { return r.StartLblk + r.Length }

// endPhysical is the physical block one past the run's last block.
func (r Run) endPhysical() uint64 { return r.StartPhysical + uint64(r.Length) }

// Mapper resolves logical extents of a single inode against an
// underlying Index. It holds no state of its own beyond the Index
// handle: all persistence lives in the index's mapped region.
type Mapper struct {
	idx Index
}

// New returns a Mapper backed by idx.
func New(idx Index) *Mapper {
	return &Mapper{idx: idx}
}

var _ Index = (*hashfs.Index)(nil)

// GetBlocks resolves up to min(nblk, MaxGetBlocksReturn) logical blocks
// of inum starting at lblk into the list of contiguous Runs that back
// them, fanning the per-block lookups out across goroutines. Adjacent
// resolved blocks are coalesced into a single Run only when they are
// contiguous both logically (consecutive lblk) and physically
// (consecutive physical block number) — two logical neighbors that
// happen to land on non-adjacent physical blocks are reported as
// separate single-block runs, never silently merged.
func (m *Mapper) GetBlocks(ctx context.Context, inum uint32, lblk uint32, nblk uint32) ([]Run, error) {
	if nblk > MaxGetBlocksReturn {
		nblk = MaxGetBlocksReturn
	}

	type resolved struct {
		lblk     uint32
		physical uint64
		found    bool
	}
	results := make([]resolved, nblk)

	g, ctx := errgroup.WithContext(ctx)
	for i := uint32(0); i < nblk; i++ {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			l := lblk + i
			key, ok := hashfs.EncodeKey(inum, l)
			if !ok {
				return hashfs.ErrReservedKey
			}
			phys, found, err := m.idx.Lookup(key)
			if err != nil {
				return err
			}
			results[i] = resolved{lblk: l, physical: phys, found: found}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var runs []Run
	for _, r := range results {
		if !r.found {
			continue
		}
		if n := len(runs); n > 0 {
			last := &runs[n-1]
			if last.endLblk() == r.lblk && last.endPhysical() == r.physical {
				last.Length++
				continue
			}
		}
		runs = append(runs, Run{StartLblk: r.lblk, StartPhysical: r.physical, Length: 1})
	}
	return runs, nil
}

// SetBlocks installs a single-block mapping for (inum, lblk), returning
// the physical block HashFS assigned it. Multi-block allocation and
// crash-atomicity across several blocks are the caller's concern: wrap
// a sequence of SetBlocks calls in an undolog transaction (via
// undolog.Log.StartTx/CommitTx and LogIdx for each slot's pre-image) if
// the enclosing file system needs the whole extent to appear atomically
// on crash recovery. rangemap intentionally does not import undolog
// itself, to keep single-key and multi-key-transactional callers
// decoupled.
func (m *Mapper) SetBlocks(inum uint32, lblk uint32) (uint64, error) {
	key, ok := hashfs.EncodeKey(inum, lblk)
	if !ok {
		return 0, hashfs.ErrReservedKey
	}
	return m.idx.Insert(key)
}

// ClearBlocks removes the mapping for (inum, lblk), reporting whether
// one existed.
func (m *Mapper) ClearBlocks(inum uint32, lblk uint32) (uint64, bool, error) {
	key, ok := hashfs.EncodeKey(inum, lblk)
	if !ok {
		return 0, false, hashfs.ErrReservedKey
	}
	return m.idx.Remove(key)
}
