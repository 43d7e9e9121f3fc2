package hashfs

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Meta block field offsets, bit-exact per the external interface
// contract. The meta block occupies one BlockSize-byte block; bytes
// beyond metaLayoutSize are reserved and left zero-filled.
const (
	offIsPmem      = 0
	offValid       = 4
	offMetaSize    = 8
	offSize        = 12
	offMod         = 16
	offMask        = 20
	offNNodes      = 24
	offNOccupied   = 28
	offEntriesBlk  = 32
	offNumEntries  = 40
	metaLayoutSize = 48

	// validMagic is the nonzero value meta.valid holds once the table
	// has been fully formatted. Any other value means "uninitialized,
	// rebuild."
	validMagic uint32 = 0x68617368 // "hash"

	// BlockSize is the device block size assumed throughout (matches
	// the 4096-byte block the external layout is specified against).
	BlockSize = 4096
)

// MetaBlock is a typed view over the first BlockSize bytes of a Region.
// All reads/writes go straight through to the mapped bytes underneath;
// MetaBlock carries no separate copy of the data.
type MetaBlock struct {
	b []byte
}

// NewMetaBlock wraps the meta block's bytes. b must be at least
// BlockSize bytes.
func NewMetaBlock(b []byte) *MetaBlock {
	return &MetaBlock{b: b[:BlockSize]}
}

func (m *MetaBlock) IsPmem() bool { return binary.LittleEndian.Uint32(m.b[offIsPmem:]) != 0 }
func (m *MetaBlock) SetIsPmem(v bool) {
	var x uint32
	if v {
		x = 1
	}
	binary.LittleEndian.PutUint32(m.b[offIsPmem:], x)
}

func (m *MetaBlock) Valid() bool { return binary.LittleEndian.Uint32(m.b[offValid:]) == validMagic }
func (m *MetaBlock) SetValid(v bool) {
	var x uint32
	if v {
		x = validMagic
	}
	binary.LittleEndian.PutUint32(m.b[offValid:], x)
}

func (m *MetaBlock) MetaSize() uint32     { return binary.LittleEndian.Uint32(m.b[offMetaSize:]) }
func (m *MetaBlock) SetMetaSize(v uint32) { binary.LittleEndian.PutUint32(m.b[offMetaSize:], v) }

func (m *MetaBlock) Size() uint32     { return binary.LittleEndian.Uint32(m.b[offSize:]) }
func (m *MetaBlock) SetSize(v uint32) { binary.LittleEndian.PutUint32(m.b[offSize:], v) }

func (m *MetaBlock) Mod() uint32     { return binary.LittleEndian.Uint32(m.b[offMod:]) }
func (m *MetaBlock) SetMod(v uint32) { binary.LittleEndian.PutUint32(m.b[offMod:], v) }

func (m *MetaBlock) Mask() uint32     { return binary.LittleEndian.Uint32(m.b[offMask:]) }
func (m *MetaBlock) SetMask(v uint32) { binary.LittleEndian.PutUint32(m.b[offMask:], v) }

// NNodes and NOccupied are advisory counters (see spec design notes);
// they are updated with relaxed atomics since concurrent inserts/removes
// race on them harmlessly.
func (m *MetaBlock) NNodes() uint32 {
	p := (*uint32)(unsafe.Pointer(&m.b[offNNodes]))
	return atomic.LoadUint32(p)
}
func (m *MetaBlock) AddNNodes(delta int32) {
	p := (*uint32)(unsafe.Pointer(&m.b[offNNodes]))
	atomic.AddUint32(p, uint32(delta))
}

func (m *MetaBlock) NOccupied() uint32 {
	p := (*uint32)(unsafe.Pointer(&m.b[offNOccupied]))
	return atomic.LoadUint32(p)
}
func (m *MetaBlock) AddNOccupied(delta int32) {
	p := (*uint32)(unsafe.Pointer(&m.b[offNOccupied]))
	atomic.AddUint32(p, uint32(delta))
}

func (m *MetaBlock) EntriesBlk() uint64     { return binary.LittleEndian.Uint64(m.b[offEntriesBlk:]) }
func (m *MetaBlock) SetEntriesBlk(v uint64) { binary.LittleEndian.PutUint64(m.b[offEntriesBlk:], v) }

func (m *MetaBlock) NumEntries() uint64     { return binary.LittleEndian.Uint64(m.b[offNumEntries:]) }
func (m *MetaBlock) SetNumEntries(v uint64) { binary.LittleEndian.PutUint64(m.b[offNumEntries:], v) }
