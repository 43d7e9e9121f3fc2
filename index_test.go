package hashfs

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestIndex(t *testing.T, capacity uint64) *Index {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.dat")
	idx, err := Open(path, capacity, NewOptions())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestInsertThenLookupFindsKey(t *testing.T) {
	idx := openTestIndex(t, 64)

	k, ok := EncodeKey(10, 20)
	require.True(t, ok)

	phys, err := idx.Insert(k)
	require.NoError(t, err)

	gotPhys, found, err := idx.Lookup(k)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, phys, gotPhys)
}

func TestLookupMissingKeyReturnsNotFound(t *testing.T) {
	idx := openTestIndex(t, 64)

	k, _ := EncodeKey(1, 1)
	_, found, err := idx.Lookup(k)
	require.NoError(t, err)
	require.False(t, found)
}

func TestInsertDuplicateKeyFails(t *testing.T) {
	idx := openTestIndex(t, 64)

	k, _ := EncodeKey(1, 1)
	_, err := idx.Insert(k)
	require.NoError(t, err)

	_, err = idx.Insert(k)
	require.ErrorIs(t, err, ErrKeyExists)
}

func TestInsertRejectsSentinelKeys(t *testing.T) {
	idx := openTestIndex(t, 64)

	_, err := idx.Insert(EmptyKey)
	require.ErrorIs(t, err, ErrReservedKey)

	_, err = idx.Insert(TombstoneKey)
	require.ErrorIs(t, err, ErrReservedKey)
}

func TestRemoveThenLookupReturnsNotFoundRegardlessOfPriorPresence(t *testing.T) {
	idx := openTestIndex(t, 64)

	present, _ := EncodeKey(1, 1)
	absent, _ := EncodeKey(2, 2)

	_, err := idx.Insert(present)
	require.NoError(t, err)

	_, foundPresent, err := idx.Remove(present)
	require.NoError(t, err)
	require.True(t, foundPresent)

	_, foundAbsent, err := idx.Remove(absent)
	require.NoError(t, err)
	require.False(t, foundAbsent)

	_, found, err := idx.Lookup(present)
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = idx.Lookup(absent)
	require.NoError(t, err)
	require.False(t, found)
}

func TestRemovedSlotIsReusableByInsert(t *testing.T) {
	idx := openTestIndex(t, 64)

	a, _ := EncodeKey(1, 1)
	b, _ := EncodeKey(2, 1) // same DirectHash seed as a, so b's chain starts at a's slot

	physA, err := idx.Insert(a)
	require.NoError(t, err)
	_, _, err = idx.Remove(a)
	require.NoError(t, err)

	physB, err := idx.Insert(b)
	require.NoError(t, err)
	require.Equal(t, physA, physB, "b should reclaim a's tombstoned slot")

	_, found, err := idx.Lookup(b)
	require.NoError(t, err)
	require.True(t, found)
}

func TestSIMDLookupOfAbsentKeyOnFullTableTerminates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.dat")

	opts := NewOptions()
	opts.UseSIMD = true
	idx, err := Open(path, 1, opts) // mod=primeMod[3]=7
	require.NoError(t, err)
	defer idx.Close()

	for lblk := uint32(0); lblk < idx.mod; lblk++ {
		k, _ := EncodeKey(1, lblk)
		_, err := idx.Insert(k)
		require.NoError(t, err)
	}

	absent, _ := EncodeKey(2, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, found, err := idx.Lookup(absent)
		require.NoError(t, err)
		require.False(t, found)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("SIMD lookup of an absent key on a full table did not terminate")
	}
}

func TestTableFullOnceProbeSequenceExhausted(t *testing.T) {
	idx := openTestIndex(t, 1) // smallest table: shift clamps to hashTableMinShift, mod=primeMod[3]=7

	inserted := 0
	for lblk := uint32(0); lblk < idx.mod; lblk++ {
		k, ok := EncodeKey(1, lblk)
		if !ok {
			continue
		}
		if _, err := idx.Insert(k); err != nil {
			break
		}
		inserted++
	}
	require.Equal(t, int(idx.mod), inserted)

	overflow, _ := EncodeKey(2, 0)
	_, err := idx.Insert(overflow)
	require.ErrorIs(t, err, ErrTableFull)
}

func TestStatsReflectInsertsAndRemoves(t *testing.T) {
	idx := openTestIndex(t, 64)

	a, _ := EncodeKey(1, 1)
	b, _ := EncodeKey(2, 2)

	idx.Insert(a)
	idx.Insert(b)
	nnodes, noccupied := idx.Stats()
	require.Equal(t, uint32(2), nnodes)
	require.Equal(t, uint32(2), noccupied)

	idx.Remove(a)
	nnodes, noccupied = idx.Stats()
	require.Equal(t, uint32(1), nnodes)
	require.Equal(t, uint32(2), noccupied, "noccupied counts tombstoned-but-ever-touched slots")
}

func TestReopenAttachesExistingFormattedTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.dat")

	idx1, err := Open(path, 64, NewOptions())
	require.NoError(t, err)

	k, _ := EncodeKey(5, 5)
	phys, err := idx1.Insert(k)
	require.NoError(t, err)
	require.NoError(t, idx1.Close())

	idx2, err := Open(path, 999999, NewOptions()) // requestedCapacity ignored on attach
	require.NoError(t, err)
	defer idx2.Close()

	require.Equal(t, idx1.size, idx2.size)

	gotPhys, found, err := idx2.Lookup(k)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, phys, gotPhys)
}

func TestSIMDAndScalarLookupAgree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.dat")

	opts := NewOptions()
	opts.UseSIMD = false
	idxScalar, err := Open(path, 128, opts)
	require.NoError(t, err)
	defer idxScalar.Close()

	var keys []Key
	for lblk := uint32(0); lblk < 20; lblk++ {
		k, _ := EncodeKey(1, lblk)
		keys = append(keys, k)
		_, err := idxScalar.Insert(k)
		require.NoError(t, err)
	}

	simdOpts := opts
	simdOpts.UseSIMD = true
	idxSIMD := &Index{
		region:  idxScalar.region,
		meta:    idxScalar.meta,
		entries: idxScalar.entries,
		mod:     idxScalar.mod,
		mask:    idxScalar.mask,
		size:    idxScalar.size,
		opts:    simdOpts,
		metrics: newMetrics(false),
	}

	for _, k := range keys {
		physScalar, foundScalar, err := idxScalar.Lookup(k)
		require.NoError(t, err)
		physSIMD, foundSIMD, err := idxSIMD.Lookup(k)
		require.NoError(t, err)
		require.Equal(t, foundScalar, foundSIMD)
		require.Equal(t, physScalar, physSIMD)
	}
}
