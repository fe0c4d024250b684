package ledisasm

import (
	"fmt"
	"sort"
)

// LabelType classifies an address annotation.
type LabelType int

// Label types in increasing specificity as discovered by the analysis.
const (
	LabelUnknown LabelType = iota
	LabelJump
	LabelFunction
	LabelVTable
	LabelData
)

// Label is a named or typed address annotation used by the listing printer.
type Label struct {
	Address uint32
	Type    LabelType
	Name    string
}

// String returns the symbol as it appears in the listing: the explicit name
// if one was assigned, otherwise a type prefix with the hex address.
func (l Label) String() string {
	if l.Name != "" {
		return l.Name
	}

	var prefix string
	switch l.Type {
	case LabelFunction:
		prefix = "func"
	case LabelJump:
		prefix = "jump"
	case LabelData:
		prefix = "data"
	case LabelVTable:
		prefix = "vtable"
	default:
		prefix = "unknown"
	}
	return fmt.Sprintf("%s_%x", prefix, l.Address)
}

// labelMap stores at most one label per address, sorted by address.
type labelMap struct {
	labels []Label
}

// search returns the index of the first label at an address strictly above addr.
func (m *labelMap) search(addr uint32) int {
	return sort.Search(len(m.labels), func(i int) bool {
		return m.labels[i].Address > addr
	})
}

// get returns the label at exactly addr.
func (m *labelMap) get(addr uint32) (Label, bool) {
	i := m.search(addr)
	if i == 0 || m.labels[i-1].Address != addr {
		return Label{}, false
	}
	return m.labels[i-1], true
}

// set records l unless the existing label at the same address is a FUNCTION
// or carries an explicit name. Strong labels survive later sweeps.
func (m *labelMap) set(l Label) {
	i := m.search(l.Address)
	if i > 0 && m.labels[i-1].Address == l.Address {
		if old := m.labels[i-1]; old.Type == LabelFunction || old.Name != "" {
			return
		}
		m.labels[i-1] = l
		return
	}
	m.labels = append(m.labels, Label{})
	copy(m.labels[i+1:], m.labels[i:])
	m.labels[i] = l
}

// remove deletes the label at addr, if present.
func (m *labelMap) remove(addr uint32) {
	i := m.search(addr)
	if i == 0 || m.labels[i-1].Address != addr {
		return
	}
	m.labels = append(m.labels[:i-1], m.labels[i:]...)
}

// nextAfter returns the first label at an address strictly above addr.
func (m *labelMap) nextAfter(addr uint32) (Label, bool) {
	i := m.search(addr)
	if i == len(m.labels) {
		return Label{}, false
	}
	return m.labels[i], true
}

// all returns the labels in address order.
func (m *labelMap) all() []Label {
	out := make([]Label, len(m.labels))
	copy(out, m.labels)
	return out
}
