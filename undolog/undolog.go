// Package undolog implements the physicalized undo log that makes
// multi-step, non-atomic changes to block-allocation bitmaps and
// tree-shaped index structures crash-atomic. HashFS itself never needs
// it (its own mutations are single-CAS and self-atomic), but shares the
// device and the write/recovery protocol with whatever allocator or
// alternative index structure the enclosing file system is running.
//
// The package is standalone: it has no dependency on the hashfs
// package. Anything exposing Bytes() []byte and Persist(off, n int)
// error — which *hashfs.Region does — satisfies the Region interface by
// structural typing.
package undolog

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/theflywheel/hashfs/internal/faults"
)

// EntryType identifies the kind of record at a given log offset. It is
// always the first byte of an entry.
type EntryType byte

const (
	LogUninitialized EntryType = iota
	LogStart
	LogCommit
	LogSkip
	LogBallocEntry
	LogIdxEntry
)

const (
	align = 64

	offField8  = 8  // 8-byte field: skip_bytes | start_block | dev_byte_offset
	offField4  = 16 // 4-byte field: nblk | nbytes
	offField1  = 20 // 1-byte field: orig_val (balloc only)
	offCheck   = 24 // 8-byte xxhash64 checksum (balloc/idx only)
	offPayload = 32 // idx entries' original-bytes payload begins here
)

func align64(n int) int { return (n + align - 1) &^ (align - 1) }

var (
	// ErrInconsistent is returned by Open when the scanned log violates
	// the recovery invariant (ncommit <= nstart, nstart-ncommit <= 1).
	// It signals a corrupt log rather than an ordinary crash and is
	// fatal: the caller should abort rather than attempt to proceed.
	ErrInconsistent = faults.New(faults.CodeUndoLogInconsist, "commit/start counts violate recovery invariant")

	// ErrTxActive is returned by StartTx when a transaction is already
	// in progress.
	ErrTxActive = faults.New(faults.CodeTxActive, "transaction already in progress")

	// ErrTxNotActive is returned by CommitTx, LogBalloc, and LogIdx when
	// no transaction is in progress.
	ErrTxNotActive = faults.New(faults.CodeTxNotActive, "no transaction in progress")

	// ErrCorrupt is returned when a scan encounters an entry type byte
	// that is not one of the known EntryType values, or when Recover
	// reads a balloc/idx entry whose stored checksum does not match.
	ErrCorrupt = faults.New(faults.CodeUndoLogInconsist, "corrupt entry encountered during scan")
)

// Region is the storage port this package needs: a flat byte window
// plus a way to make a byte range durable. *hashfs.Region satisfies
// this without either package importing the other.
type Region interface {
	Bytes() []byte
	Persist(off, n int) error
}

// BallocApplier reverses a LOG_BALLOC_ENTRY's effect during recovery by
// restoring the named block range's original allocation-bitmap byte.
type BallocApplier interface {
	ApplyBallocUndo(startBlock uint64, nblk uint32, origVal byte) error
}

// IdxApplier reverses a LOG_IDX_ENTRY's effect during recovery by
// writing the original bytes back to the named device byte offset.
type IdxApplier interface {
	ApplyIdxUndo(devByteOffset uint64, original []byte) error
}

// Log is a circular log of 64-byte-aligned entries occupying
// region.Bytes()[base : base+capacity]. capacity must be a multiple of
// 64 so that every wraparound boundary lands on an entry boundary.
type Log struct {
	region Region
	base   int
	cap    int

	mu   sync.Mutex
	tail int // next write offset, relative to base

	txInProgress atomic.Bool
	startOff     int // offset of the currently open LOG_START, if any

	recoveryPending bool
	recoveryFrom    int

	logger *zap.SugaredLogger
}

// Open scans the log region from its base for LOG_UNINITIALIZED,
// counting LOG_START and LOG_COMMIT entries along the way, and
// validates the recovery invariant. It does not itself perform
// recovery; call Recover afterward if PendingRecovery reports true.
func Open(region Region, base, capacity int, logger *zap.SugaredLogger) (*Log, error) {
	if capacity%align != 0 {
		return nil, errors.Errorf("undolog: capacity %d is not a multiple of %d", capacity, align)
	}

	buf := region.Bytes()
	nstart, ncommit := 0, 0
	lastStart := -1

	off := 0
scan:
	for off < capacity {
		t := EntryType(buf[base+off])
		switch t {
		case LogUninitialized:
			break scan
		case LogStart:
			nstart++
			lastStart = off
			off += align
		case LogCommit:
			ncommit++
			off += align
		case LogSkip:
			skip := binary.LittleEndian.Uint64(buf[base+off+offField8:])
			off += int(skip)
		case LogBallocEntry:
			off += align
		case LogIdxEntry:
			nbytes := binary.LittleEndian.Uint32(buf[base+off+offField4:])
			off += align64(offPayload + int(nbytes))
		default:
			return nil, ErrCorrupt
		}
	}

	if ncommit > nstart || nstart-ncommit > 1 {
		return nil, ErrInconsistent
	}

	l := &Log{
		region: region,
		base:   base,
		cap:    capacity,
		tail:   off,
		logger: logger,
	}
	if nstart-ncommit == 1 {
		l.recoveryPending = true
		l.recoveryFrom = lastStart
	}
	return l, nil
}

// PendingRecovery reports whether Open found an unclosed transaction
// that Recover must walk before the log is safe to append to again.
func (l *Log) PendingRecovery() bool { return l.recoveryPending }

// logEntry records one balloc/idx entry's offset and type, found during
// Recover's forward indexing pass and then applied in reverse.
type logEntry struct {
	kind EntryType
	off  int
}

// readBallocEntry reads a LOG_BALLOC_ENTRY at off and verifies its
// checksum, returning ErrCorrupt on mismatch.
func readBallocEntry(buf []byte, base, off int) (startBlock uint64, nblk uint32, origVal byte, err error) {
	b := base + off
	startBlock = binary.LittleEndian.Uint64(buf[b+offField8:])
	nblk = binary.LittleEndian.Uint32(buf[b+offField4:])
	origVal = buf[b+offField1]

	want := binary.LittleEndian.Uint64(buf[b+offCheck:])
	got := xxhash.Sum64(buf[b+offField8 : b+offField1+1])
	if got != want {
		return 0, 0, 0, ErrCorrupt
	}
	return startBlock, nblk, origVal, nil
}

// readIdxEntry reads a LOG_IDX_ENTRY at off and verifies its checksum,
// returning ErrCorrupt on mismatch.
func readIdxEntry(buf []byte, base, off int) (devByteOffset uint64, original []byte, err error) {
	b := base + off
	devByteOffset = binary.LittleEndian.Uint64(buf[b+offField8:])
	nbytes := binary.LittleEndian.Uint32(buf[b+offField4:])
	original = make([]byte, nbytes)
	copy(original, buf[b+offPayload:b+offPayload+int(nbytes)])

	want := binary.LittleEndian.Uint64(buf[b+offCheck:])
	got := idxEntryChecksum(buf[b+offField8:b+offCheck], buf[b+offPayload:b+offPayload+int(nbytes)])
	if got != want {
		return 0, nil, ErrCorrupt
	}
	return devByteOffset, original, nil
}

// idxEntryChecksum hashes a LOG_IDX_ENTRY's header fields and payload
// as two separate writes into one hasher, skipping the checksum field
// itself (which sits between them, at offCheck:offPayload) so the
// value being verified is never folded into its own input.
func idxEntryChecksum(header, payload []byte) uint64 {
	h := xxhash.New()
	h.Write(header)
	h.Write(payload)
	return h.Sum64()
}

// Recover walks the entries of the single unclosed transaction found by
// Open and applies each one's pre-image via balloc/idx in reverse log
// order, then writes a synthetic LOG_COMMIT to close it. It is a no-op
// if no recovery is pending. Unlike the source this package is grounded
// on — whose recovery routine is an intentional unimplemented stub —
// this implementation actually performs the rollback, since a port that
// never recovers cannot satisfy the crash-recovery testable properties.
//
// Reverse order is load-bearing: if the transaction logged two
// pre-images covering the same location (e.g. two balloc entries that
// touch the same bitmap byte), the second entry's orig_val already
// reflects the first entry's write, not the value from before the
// transaction started. Applying forward would leave that location at
// the second entry's pre-image instead of the true original; walking
// back from the end undoes the second write first, then the first,
// restoring the state the transaction actually started from.
func (l *Log) Recover(balloc BallocApplier, idx IdxApplier) error {
	if !l.recoveryPending {
		return nil
	}

	buf := l.region.Bytes()
	var entries []logEntry

	off := l.recoveryFrom + align // first entry after the unclosed LOG_START
	for off < l.tail {
		t := EntryType(buf[l.base+off])
		switch t {
		case LogSkip:
			skip := binary.LittleEndian.Uint64(buf[l.base+off+offField8:])
			off += int(skip)
		case LogBallocEntry:
			entries = append(entries, logEntry{LogBallocEntry, off})
			off += align
		case LogIdxEntry:
			entries = append(entries, logEntry{LogIdxEntry, off})
			nbytes := binary.LittleEndian.Uint32(buf[l.base+off+offField4:])
			off += align64(offPayload + int(nbytes))
		default:
			return ErrCorrupt
		}
	}

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		switch e.kind {
		case LogBallocEntry:
			startBlock, nblk, origVal, err := readBallocEntry(buf, l.base, e.off)
			if err != nil {
				return err
			}
			if err := balloc.ApplyBallocUndo(startBlock, nblk, origVal); err != nil {
				return errors.Wrap(err, "undolog: apply balloc undo")
			}
		case LogIdxEntry:
			devByteOffset, original, err := readIdxEntry(buf, l.base, e.off)
			if err != nil {
				return err
			}
			if err := idx.ApplyIdxUndo(devByteOffset, original); err != nil {
				return errors.Wrap(err, "undolog: apply idx undo")
			}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	commitOff := l.reserveLocked(align)
	if err := l.writeTypeLocked(commitOff, LogCommit); err != nil {
		return err
	}
	l.stampUninitializedLocked()
	l.recoveryPending = false

	l.log().Infow("undolog: recovered incomplete transaction", "startOffset", l.recoveryFrom, "entries", len(entries))
	return nil
}

func (l *Log) log() *zap.SugaredLogger {
	if l.logger == nil {
		return zap.NewNop().Sugar()
	}
	return l.logger
}

// reserveLocked claims size bytes at the tail, wrapping (and writing a
// LOG_SKIP entry covering the remainder) if size would overrun the log's
// capacity. size must be a multiple of align. Caller holds l.mu.
func (l *Log) reserveLocked(size int) int {
	if l.tail+size > l.cap {
		remain := l.cap - l.tail
		if remain > 0 {
			l.writeSkipLocked(remain)
		}
		l.tail = 0
	}
	off := l.tail
	l.tail += size
	return off
}

func (l *Log) writeSkipLocked(skipBytes int) {
	buf := l.region.Bytes()
	off := l.tail
	binary.LittleEndian.PutUint64(buf[l.base+off+offField8:], uint64(skipBytes))
	l.region.Persist(l.base+off+offField8, 8)
	buf[l.base+off] = byte(LogSkip)
	l.region.Persist(l.base+off, 1)
	l.tail += skipBytes
}

// stampUninitializedLocked writes a fresh LOG_UNINITIALIZED marker at
// the new tail so a recovery scan never runs past true end-of-log into
// stale bytes left by an earlier, larger transaction that wrapped
// through this same region.
func (l *Log) stampUninitializedLocked() {
	if l.tail >= l.cap {
		return
	}
	buf := l.region.Bytes()
	buf[l.base+l.tail] = byte(LogUninitialized)
	l.region.Persist(l.base+l.tail, 1)
}

func (l *Log) writeTypeLocked(off int, t EntryType) error {
	buf := l.region.Bytes()
	buf[l.base+off] = byte(t)
	return l.region.Persist(l.base+off, 1)
}

// StartTx begins a transaction. Exactly one transaction may be in
// progress per Log at a time.
func (l *Log) StartTx() error {
	if !l.txInProgress.CompareAndSwap(false, true) {
		return ErrTxActive
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	off := l.reserveLocked(align)
	if err := l.writeTypeLocked(off, LogStart); err != nil {
		return errors.Wrap(err, "undolog: persist LOG_START")
	}
	l.startOff = off
	l.stampUninitializedLocked()
	return nil
}

// CommitTx ends the current transaction. Entries between the matching
// LOG_START and this LOG_COMMIT may be reclaimed by the next wraparound.
func (l *Log) CommitTx() error {
	if !l.txInProgress.CompareAndSwap(true, false) {
		return ErrTxNotActive
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	off := l.reserveLocked(align)
	if err := l.writeTypeLocked(off, LogCommit); err != nil {
		return errors.Wrap(err, "undolog: persist LOG_COMMIT")
	}
	l.stampUninitializedLocked()
	return nil
}

// LogBalloc records the pre-image of a block-allocation-bitmap change:
// nblk blocks starting at startBlock held origVal before this
// transaction's write. Must be called between StartTx and CommitTx.
func (l *Log) LogBalloc(startBlock uint64, nblk uint32, origVal byte) error {
	if !l.txInProgress.Load() {
		return ErrTxNotActive
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	off := l.reserveLocked(align)
	buf := l.region.Bytes()
	base := l.base + off

	binary.LittleEndian.PutUint64(buf[base+offField8:], startBlock)
	binary.LittleEndian.PutUint32(buf[base+offField4:], nblk)
	buf[base+offField1] = origVal
	sum := xxhash.Sum64(buf[base+offField8 : base+offField1+1])
	binary.LittleEndian.PutUint64(buf[base+offCheck:], sum)

	if err := l.region.Persist(base+offField8, offCheck+8-offField8); err != nil {
		return errors.Wrap(err, "undolog: persist LOG_BALLOC_ENTRY payload")
	}
	if err := l.writeTypeLocked(off, LogBallocEntry); err != nil {
		return errors.Wrap(err, "undolog: persist LOG_BALLOC_ENTRY type")
	}
	l.stampUninitializedLocked()
	return nil
}

// LogIdx records the pre-image of nbytes at devByteOffset in a
// tree-shaped index region. HashFS's own in-place CAS protocol never
// calls this; it exists for the alternative index structures that share
// this log (spec's note on LOG_IDX_ENTRY).
func (l *Log) LogIdx(devByteOffset uint64, original []byte) error {
	if !l.txInProgress.Load() {
		return ErrTxNotActive
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	size := align64(offPayload + len(original))
	off := l.reserveLocked(size)
	buf := l.region.Bytes()
	base := l.base + off

	binary.LittleEndian.PutUint64(buf[base+offField8:], devByteOffset)
	binary.LittleEndian.PutUint32(buf[base+offField4:], uint32(len(original)))
	copy(buf[base+offPayload:], original)
	sum := idxEntryChecksum(buf[base+offField8:base+offCheck], buf[base+offPayload:base+offPayload+len(original)])
	binary.LittleEndian.PutUint64(buf[base+offCheck:], sum)

	if err := l.region.Persist(base+offField8, offPayload+len(original)-offField8); err != nil {
		return errors.Wrap(err, "undolog: persist LOG_IDX_ENTRY payload")
	}
	if err := l.writeTypeLocked(off, LogIdxEntry); err != nil {
		return errors.Wrap(err, "undolog: persist LOG_IDX_ENTRY type")
	}
	l.stampUninitializedLocked()
	return nil
}

// TxInProgress reports whether a transaction is currently open.
func (l *Log) TxInProgress() bool { return l.txInProgress.Load() }
