package ledisasm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestRegions(regs ...Region) *regionMap {
	m := &regionMap{}
	for _, r := range regs {
		m.add(r)
	}
	return m
}

// checkPartition verifies that the map is a gap-free, overlap-free cover of
// [start, end) with no unmerged same-type neighbours.
func checkPartition(t *testing.T, m *regionMap, start, end uint32) {
	t.Helper()

	regs := m.all()
	if len(regs) == 0 {
		t.Fatal("no regions")
	}
	if regs[0].Address != start {
		t.Fatalf("partition starts at %#x, want %#x", regs[0].Address, start)
	}
	for i := 1; i < len(regs); i++ {
		if regs[i].Address != regs[i-1].End() {
			t.Fatalf("gap or overlap between %v and %v", regs[i-1], regs[i])
		}
		if regs[i].Type == regs[i-1].Type {
			t.Fatalf("unmerged same-type neighbours %v and %v", regs[i-1], regs[i])
		}
	}
	if last := regs[len(regs)-1]; last.End() != end {
		t.Fatalf("partition ends at %#x, want %#x", last.End(), end)
	}
}

func TestRegionAt(t *testing.T) {
	m := newTestRegions(Region{0x1000, 0x100, RegionUnknown})

	if _, ok := m.at(0xFFF); ok {
		t.Fatal("found region below the partition")
	}
	if r, ok := m.at(0x1000); !ok || r.Address != 0x1000 {
		t.Fatalf("at(0x1000) = %v, %v", r, ok)
	}
	if r, ok := m.at(0x10FF); !ok || r.Address != 0x1000 {
		t.Fatalf("at(0x10FF) = %v, %v", r, ok)
	}
	if _, ok := m.at(0x1100); ok {
		t.Fatal("found region past the partition end")
	}
}

func TestInsertSplitMiddle(t *testing.T) {
	m := newTestRegions(Region{0x1000, 0x100, RegionUnknown})

	if err := m.insert(Region{0x1040, 0x60, RegionCode}); err != nil {
		t.Fatal(err)
	}

	want := []Region{
		{0x1000, 0x40, RegionUnknown},
		{0x1040, 0x60, RegionCode},
		{0x10A0, 0x60, RegionUnknown},
	}
	if diff := cmp.Diff(want, m.all()); diff != "" {
		t.Fatalf("regions mismatch (-want +got):\n%s", diff)
	}
	checkPartition(t, m, 0x1000, 0x1100)
}

func TestInsertAtStart(t *testing.T) {
	m := newTestRegions(Region{0x1000, 0x100, RegionUnknown})

	if err := m.insert(Region{0x1000, 0x40, RegionCode}); err != nil {
		t.Fatal(err)
	}

	want := []Region{
		{0x1000, 0x40, RegionCode},
		{0x1040, 0xC0, RegionUnknown},
	}
	if diff := cmp.Diff(want, m.all()); diff != "" {
		t.Fatalf("regions mismatch (-want +got):\n%s", diff)
	}
}

func TestInsertAtEnd(t *testing.T) {
	m := newTestRegions(Region{0x1000, 0x100, RegionUnknown})

	if err := m.insert(Region{0x10C0, 0x40, RegionCode}); err != nil {
		t.Fatal(err)
	}

	want := []Region{
		{0x1000, 0xC0, RegionUnknown},
		{0x10C0, 0x40, RegionCode},
	}
	if diff := cmp.Diff(want, m.all()); diff != "" {
		t.Fatalf("regions mismatch (-want +got):\n%s", diff)
	}
}

func TestInsertExact(t *testing.T) {
	m := newTestRegions(Region{0x1000, 0x100, RegionUnknown})

	if err := m.insert(Region{0x1000, 0x100, RegionVTable}); err != nil {
		t.Fatal(err)
	}

	want := []Region{{0x1000, 0x100, RegionVTable}}
	if diff := cmp.Diff(want, m.all()); diff != "" {
		t.Fatalf("regions mismatch (-want +got):\n%s", diff)
	}
}

func TestInsertRejectsCrossParent(t *testing.T) {
	m := newTestRegions(
		Region{0x1000, 0x100, RegionUnknown},
		Region{0x1100, 0x100, RegionData},
	)

	if err := m.insert(Region{0x10C0, 0x80, RegionCode}); err == nil {
		t.Fatal("insert spanning two parents succeeded")
	}
	if err := m.insert(Region{0x2000, 0x10, RegionCode}); err == nil {
		t.Fatal("insert outside the partition succeeded")
	}
}

func TestInsertMergesSameTypeNeighbours(t *testing.T) {
	m := newTestRegions(Region{0x1000, 0x100, RegionUnknown})

	if err := m.insert(Region{0x1000, 0x10, RegionCode}); err != nil {
		t.Fatal(err)
	}
	if err := m.insert(Region{0x1020, 0x10, RegionCode}); err != nil {
		t.Fatal(err)
	}
	// Filling the hole merges all three code spans.
	if err := m.insert(Region{0x1010, 0x10, RegionCode}); err != nil {
		t.Fatal(err)
	}

	want := []Region{
		{0x1000, 0x30, RegionCode},
		{0x1030, 0xD0, RegionUnknown},
	}
	if diff := cmp.Diff(want, m.all()); diff != "" {
		t.Fatalf("regions mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeAdjacentPair(t *testing.T) {
	m := newTestRegions(
		Region{0x1000, 0x10, RegionCode},
		Region{0x1010, 0x20, RegionCode},
	)

	m.mergeAdjacent(0x1010)

	want := []Region{{0x1000, 0x30, RegionCode}}
	if diff := cmp.Diff(want, m.all()); diff != "" {
		t.Fatalf("regions mismatch (-want +got):\n%s", diff)
	}
}

func TestPrevNext(t *testing.T) {
	m := newTestRegions(
		Region{0x1000, 0x100, RegionUnknown},
		Region{0x1100, 0x100, RegionData},
	)

	if _, ok := m.prev(0x1000); ok {
		t.Fatal("prev of the first region exists")
	}
	if r, ok := m.prev(0x1100); !ok || r.Address != 0x1000 {
		t.Fatalf("prev(0x1100) = %v, %v", r, ok)
	}
	if r, ok := m.next(0x1000); !ok || r.Address != 0x1100 {
		t.Fatalf("next(0x1000) = %v, %v", r, ok)
	}
	if _, ok := m.next(0x1100); ok {
		t.Fatal("next of the last region exists")
	}
}

// TestPartitionInvariant drives a long pseudo-random split sequence and
// checks after each step that the partition stays tight and that unknown
// space only ever shrinks.
func TestPartitionInvariant(t *testing.T) {
	const (
		base = 0x10000
		size = 0x1000
	)
	m := newTestRegions(Region{base, size, RegionUnknown})

	unknownBytes := func() uint32 {
		var n uint32
		for _, r := range m.all() {
			if r.Type == RegionUnknown {
				n += r.Size
			}
		}
		return n
	}

	seed := uint32(0x2545F491)
	rnd := func(n uint32) uint32 {
		seed = seed*1664525 + 1013904223
		return (seed >> 8) % n
	}

	prevUnknown := unknownBytes()
	types := []RegionType{RegionCode, RegionData, RegionVTable}

	for i := 0; i < 200; i++ {
		var unknown []Region
		for _, r := range m.all() {
			if r.Type == RegionUnknown {
				unknown = append(unknown, r)
			}
		}
		if len(unknown) == 0 {
			break
		}

		parent := unknown[rnd(uint32(len(unknown)))]
		off := rnd(parent.Size)
		n := 1 + rnd(parent.Size-off)
		child := Region{parent.Address + off, n, types[rnd(3)]}

		if err := m.insert(child); err != nil {
			t.Fatalf("step %d: insert %v: %v", i, child, err)
		}

		checkPartition(t, m, base, base+size)
		if u := unknownBytes(); u > prevUnknown {
			t.Fatalf("step %d: unknown bytes grew from %#x to %#x", i, prevUnknown, u)
		} else {
			prevUnknown = u
		}
	}
}
