package hashfs

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/cpu"
	"golang.org/x/sys/unix"
)

// Backing distinguishes how a Region must be made durable: true
// persistent memory (cacheline flush + store fence) or an ordinary
// memory-mapped file (msync).
type Backing int

const (
	// BackingMMapFile is a memory-mapped regular file; Persist issues
	// msync over the affected page range.
	BackingMMapFile Backing = iota
	// BackingPMem is byte-addressable persistent memory; Persist issues
	// no cacheline flush for it, only an atomic operation used as a
	// fence (see Persist).
	BackingPMem
)

// Region is a flat byte-addressable view over one persistent device,
// obtained from the storage port. It owns the mutable mapping for its
// lifetime; HashFS never aliases it outside of the per-slot atomic
// operations exposed by Index.
type Region struct {
	file    *os.File
	data    []byte
	backing Backing
}

// OpenRegion maps path into memory, creating and truncating it to size
// bytes if it does not already exist or is smaller than size. backing
// selects the durability protocol later Persist calls use.
func OpenRegion(path string, size int64, backing Backing) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open region file")
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat region file")
	}
	if fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "truncate region file")
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "mmap region file")
	}

	return &Region{file: f, data: data, backing: backing}, nil
}

// Bytes returns the region's underlying byte slice. Callers that need
// atomic 64-bit access into it should use slotPtr-style unsafe
// conversions rather than indexing into this slice directly for writes.
func (r *Region) Bytes() []byte { return r.data }

// Backing reports the region's durability protocol.
func (r *Region) Backing() Backing { return r.backing }

// Persist makes the byte range data[off:off+n] durable. On
// BackingMMapFile it is an msync of the covering page range. On
// BackingPMem no cacheline is flushed: Go has no
// portable clwb/clflushopt intrinsic without assembly, so the PMem path
// uses a store/load fence (sync/atomic) as the ordering primitive and
// relies on the kernel's own writeback for the durability half — this is
// the same compromise every pure-Go PM library in this ecosystem makes
// absent cgo.
func (r *Region) Persist(off, n int) error {
	if off < 0 || n < 0 || off+n > len(r.data) {
		return fmt.Errorf("persist range [%d,%d) out of bounds (region size %d)", off, off+n, len(r.data))
	}
	switch r.backing {
	case BackingPMem:
		var fence int64
		atomic.AddInt64(&fence, 1)
		runtime.KeepAlive(r.data)
		return nil
	default:
		pageOff := off &^ (os.Getpagesize() - 1)
		pageEnd := off + n
		if rem := pageEnd % os.Getpagesize(); rem != 0 {
			pageEnd += os.Getpagesize() - rem
		}
		if pageEnd > len(r.data) {
			pageEnd = len(r.data)
		}
		if err := unix.Msync(r.data[pageOff:pageEnd], unix.MS_SYNC); err != nil {
			return errors.Wrap(err, "msync")
		}
		return nil
	}
}

// Close unmaps the region and closes its backing file descriptor. The
// persistent contents are untouched.
func (r *Region) Close() error {
	if err := unix.Munmap(r.data); err != nil {
		return errors.Wrap(err, "munmap")
	}
	return r.file.Close()
}

// simdAvailable reports whether the running CPU supports the eight-wide
// batched probe path (gated on AVX2, following the original's use of
// 512-bit gather instructions scaled down to what golang.org/x/sys/cpu
// can actually detect portably). Callers always have a correct scalar
// fallback; this is a performance decision only.
func simdAvailable() bool {
	return cpu.X86.HasAVX2
}
