package rangemap

import (
	"context"
	"testing"

	"github.com/theflywheel/hashfs"
)

// fakeIndex is an in-memory stand-in for *hashfs.Index that lets tests
// control exactly which (lblk -> physical) mappings exist without
// standing up a real mapped region.
type fakeIndex struct {
	byKey map[hashfs.Key]uint64
}

func newFakeIndex() *fakeIndex { return &fakeIndex{byKey: map[hashfs.Key]uint64{}} }

func (f *fakeIndex) Lookup(key hashfs.Key) (uint64, bool, error) {
	p, ok := f.byKey[key]
	return p, ok, nil
}

func (f *fakeIndex) Insert(key hashfs.Key) (uint64, error) {
	if _, exists := f.byKey[key]; exists {
		return 0, hashfs.ErrKeyExists
	}
	p := uint64(len(f.byKey) + 1000)
	f.byKey[key] = p
	return p, nil
}

func (f *fakeIndex) Remove(key hashfs.Key) (uint64, bool, error) {
	p, ok := f.byKey[key]
	if ok {
		delete(f.byKey, key)
	}
	return p, ok, nil
}

func keyFor(t *testing.T, inum, lblk uint32) hashfs.Key {
	t.Helper()
	k, ok := hashfs.EncodeKey(inum, lblk)
	if !ok {
		t.Fatalf("EncodeKey(%d, %d) unexpectedly not ok", inum, lblk)
	}
	return k
}

func TestGetBlocksCoalescesContiguousRun(t *testing.T) {
	idx := newFakeIndex()
	idx.byKey[keyFor(t, 1, 0)] = 500
	idx.byKey[keyFor(t, 1, 1)] = 501
	idx.byKey[keyFor(t, 1, 2)] = 502

	m := New(idx)
	runs, err := m.GetBlocks(context.Background(), 1, 0, 3)
	if err != nil {
		t.Fatalf("GetBlocks: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1: %+v", len(runs), runs)
	}
	want := Run{StartLblk: 0, StartPhysical: 500, Length: 3}
	if runs[0] != want {
		t.Errorf("run = %+v, want %+v", runs[0], want)
	}
}

func TestGetBlocksSplitsOnLogicalHole(t *testing.T) {
	idx := newFakeIndex()
	idx.byKey[keyFor(t, 1, 0)] = 500
	// lblk 1 is a hole.
	idx.byKey[keyFor(t, 1, 2)] = 502

	m := New(idx)
	runs, err := m.GetBlocks(context.Background(), 1, 0, 3)
	if err != nil {
		t.Fatalf("GetBlocks: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2: %+v", len(runs), runs)
	}
	if runs[0] != (Run{StartLblk: 0, StartPhysical: 500, Length: 1}) {
		t.Errorf("run[0] = %+v", runs[0])
	}
	if runs[1] != (Run{StartLblk: 2, StartPhysical: 502, Length: 1}) {
		t.Errorf("run[1] = %+v", runs[1])
	}
}

func TestGetBlocksSplitsWhenLogicallyContiguousButPhysicallyNot(t *testing.T) {
	idx := newFakeIndex()
	idx.byKey[keyFor(t, 1, 0)] = 500
	idx.byKey[keyFor(t, 1, 1)] = 900 // logically adjacent, physically not

	m := New(idx)
	runs, err := m.GetBlocks(context.Background(), 1, 0, 2)
	if err != nil {
		t.Fatalf("GetBlocks: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2 (no false physical coalescing): %+v", len(runs), runs)
	}
}

func TestGetBlocksCapsAtMaxGetBlocksReturn(t *testing.T) {
	idx := newFakeIndex()
	for lblk := uint32(0); lblk < 20; lblk++ {
		idx.byKey[keyFor(t, 1, lblk)] = uint64(1000 + lblk)
	}

	m := New(idx)
	runs, err := m.GetBlocks(context.Background(), 1, 0, 20)
	if err != nil {
		t.Fatalf("GetBlocks: %v", err)
	}
	var total uint32
	for _, r := range runs {
		total += r.Length
	}
	if total != MaxGetBlocksReturn {
		t.Errorf("resolved %d blocks, want %d (MaxGetBlocksReturn cap)", total, MaxGetBlocksReturn)
	}
}

func TestSetBlocksThenGetBlocksRoundTrips(t *testing.T) {
	idx := newFakeIndex()
	m := New(idx)

	phys, err := m.SetBlocks(7, 3)
	if err != nil {
		t.Fatalf("SetBlocks: %v", err)
	}

	runs, err := m.GetBlocks(context.Background(), 7, 3, 1)
	if err != nil {
		t.Fatalf("GetBlocks: %v", err)
	}
	if len(runs) != 1 || runs[0].StartPhysical != phys {
		t.Errorf("runs = %+v, want a single run at physical %d", runs, phys)
	}
}

func TestClearBlocksRemovesMapping(t *testing.T) {
	idx := newFakeIndex()
	m := New(idx)

	if _, err := m.SetBlocks(1, 1); err != nil {
		t.Fatalf("SetBlocks: %v", err)
	}
	_, found, err := m.ClearBlocks(1, 1)
	if err != nil {
		t.Fatalf("ClearBlocks: %v", err)
	}
	if !found {
		t.Error("ClearBlocks should report the mapping was found")
	}

	runs, err := m.GetBlocks(context.Background(), 1, 1, 1)
	if err != nil {
		t.Fatalf("GetBlocks: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("expected no runs after ClearBlocks, got %+v", runs)
	}
}
