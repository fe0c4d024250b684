package ledisasm

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// RegionType classifies the content of a region.
type RegionType int

// Region content types. A region starts out UNKNOWN and is reclassified at
// most once; boundaries may still move through splits and merges.
const (
	RegionUnknown RegionType = iota
	RegionCode
	RegionData
	RegionVTable
)

func (t RegionType) String() string {
	switch t {
	case RegionUnknown:
		return "unknown"
	case RegionCode:
		return "code"
	case RegionData:
		return "data"
	case RegionVTable:
		return "vtable"
	}
	return "(unknown)"
}

// Region is a contiguous sub-range of an object classified by content type.
type Region struct {
	Address uint32
	Size    uint32
	Type    RegionType
}

// End returns the first address past the region.
func (r Region) End() uint32 {
	return r.Address + r.Size
}

// Contains reports whether addr falls inside the region.
func (r Region) Contains(addr uint32) bool {
	return r.Address <= addr && addr < r.Address+r.Size
}

func (r Region) String() string {
	return fmt.Sprintf("%v at %#x, size %#x", r.Type, r.Address, r.Size)
}

// regionMap maintains an ordered, gap-free, non-overlapping partition of the
// loaded objects' address ranges. Regions are kept sorted by start address;
// neighbours are addressed by key rather than by reference, so splits and
// merges never invalidate a caller's handle.
type regionMap struct {
	regions []Region
}

// search returns the index of the first region starting strictly above addr.
func (m *regionMap) search(addr uint32) int {
	return sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].Address > addr
	})
}

// at returns the region containing addr.
func (m *regionMap) at(addr uint32) (Region, bool) {
	i := m.search(addr)
	if i == 0 {
		return Region{}, false
	}
	r := m.regions[i-1]
	if !r.Contains(addr) {
		return Region{}, false
	}
	return r, true
}

// get returns the region starting exactly at addr.
func (m *regionMap) get(addr uint32) (Region, bool) {
	i := m.search(addr)
	if i == 0 || m.regions[i-1].Address != addr {
		return Region{}, false
	}
	return m.regions[i-1], true
}

// prev returns the region with the greatest start address strictly below addr.
func (m *regionMap) prev(addr uint32) (Region, bool) {
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].Address >= addr
	})
	if i == 0 {
		return Region{}, false
	}
	return m.regions[i-1], true
}

// next returns the region with the smallest start address strictly above addr.
func (m *regionMap) next(addr uint32) (Region, bool) {
	i := m.search(addr)
	if i == len(m.regions) {
		return Region{}, false
	}
	return m.regions[i], true
}

// add inserts r, replacing any region already keyed at r.Address.
func (m *regionMap) add(r Region) {
	i := m.search(r.Address)
	if i > 0 && m.regions[i-1].Address == r.Address {
		m.regions[i-1] = r
		return
	}
	m.regions = append(m.regions, Region{})
	copy(m.regions[i+1:], m.regions[i:])
	m.regions[i] = r
}

// remove deletes the region starting at addr, if present.
func (m *regionMap) remove(addr uint32) {
	i := m.search(addr)
	if i == 0 || m.regions[i-1].Address != addr {
		return
	}
	m.regions = append(m.regions[:i-1], m.regions[i:]...)
}

// insert splits the parent region around r: up to two pieces of the parent's
// type remain on either side of r. The parent must fully contain r. Adjacent
// regions of identical type are merged afterwards.
func (m *regionMap) insert(r Region) error {
	parent, ok := m.at(r.Address)
	if !ok || !parent.Contains(r.End() - 1) {
		return errors.Errorf("region %v does not fit inside a single parent", r)
	}

	if r.End() != parent.End() {
		m.add(Region{Address: r.End(), Size: parent.End() - r.End(), Type: parent.Type})
	}

	if r.Address != parent.Address {
		m.add(r)
		parent.Size = r.Address - parent.Address
		m.add(parent)
	} else {
		m.add(r)
	}

	m.mergeAdjacent(r.Address)
	return nil
}

// mergeAdjacent absorbs the region at addr into an abutting same-type
// predecessor, then absorbs an abutting same-type successor. Single pass:
// longer same-type chains cannot arise from splitting.
func (m *regionMap) mergeAdjacent(addr uint32) {
	reg, ok := m.get(addr)
	if !ok {
		return
	}

	if prev, ok := m.prev(reg.Address); ok && prev.Type == reg.Type && prev.End() == reg.Address {
		prev.Size += reg.Size
		m.remove(reg.Address)
		m.add(prev)
		reg = prev
	}

	if next, ok := m.next(reg.Address); ok && next.Type == reg.Type && reg.End() == next.Address {
		reg.Size += next.Size
		m.remove(next.Address)
		m.add(reg)
	}
}

// all returns the regions in address order.
func (m *regionMap) all() []Region {
	out := make([]Region, len(m.regions))
	copy(out, m.regions)
	return out
}

func (m *regionMap) len() int {
	return len(m.regions)
}
