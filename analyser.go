package ledisasm

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Analyser drives the recursive disassembly: code reachable from the entry
// point, vtable discovery through fixups, and a final sweep over the
// remaining fixup targets. It owns the region and label maps; all mutations
// flow through it.
type Analyser struct {
	le    *LinearExecutable
	image *Image

	regions regionMap
	labels  labelMap
	queue   []uint32

	guesses int
}

// NewAnalyser partitions the image into its initial regions: one DATA region
// per non-executable object, one UNKNOWN region per executable one.
func NewAnalyser(le *LinearExecutable, image *Image) *Analyser {
	a := &Analyser{le: le, image: image}
	a.addInitialRegions()
	return a
}

func (a *Analyser) addInitialRegions() {
	for i := 0; i < a.le.ObjectCount(); i++ {
		oh := &a.le.Objects[i]

		typ := RegionUnknown
		if oh.Flags&ObjectExecutable == 0 {
			typ = RegionData
			a.labels.set(Label{Address: oh.BaseAddress, Type: LabelData})
		}

		a.regions.add(Region{Address: oh.BaseAddress, Size: oh.VirtualSize, Type: typ})
	}
}

// Run executes all analysis phases. On return the region map holds the final
// partition and the label map the final symbol set.
func (a *Analyser) Run() error {
	if a.image.ObjectCount() != a.le.ObjectCount() {
		return errors.Errorf("image has %d objects, executable declares %d",
			a.image.ObjectCount(), a.le.ObjectCount())
	}

	a.addEntryPoint()
	dbg.Println("Tracing code directly accessible from the entry point...")
	if err := a.traceCode(); err != nil {
		return err
	}

	dbg.Println("Tracing text relocs for vtables...")
	if err := a.traceVtables(); err != nil {
		return err
	}

	dbg.Println("Tracing remaining relocs for functions and data...")
	return a.traceRemainingRelocs()
}

func (a *Analyser) addEntryPoint() {
	eip := a.le.EntryAddress()
	a.enqueue(eip)
	a.labels.set(Label{Address: eip, Type: LabelFunction, Name: "_start"})
}

func (a *Analyser) enqueue(addr uint32) {
	a.queue = append(a.queue, addr)
}

// traceCode drains the work queue. Duplicate entries are harmless: tracing
// an already-CODE region is a no-op.
func (a *Analyser) traceCode() error {
	for len(a.queue) > 0 {
		addr := a.queue[0]
		a.queue = a.queue[1:]
		if err := a.traceCodeAt(addr); err != nil {
			return err
		}
	}
	return nil
}

// traceCodeAt walks instructions forward from start until an unconditional
// transfer, an undecodable byte or the region end, recording labels and
// queueing branch targets, then carves the walked span out as CODE.
func (a *Analyser) traceCodeAt(start uint32) error {
	reg, ok := a.regions.at(start)
	if !ok {
		dbg.Printf("Warning: Tried to trace code at an unmapped address: %#x.", start)
		return nil
	}
	if reg.Type == RegionCode { /* already traced */
		return nil
	}

	obj := a.image.ObjectAt(start)
	addr := start

walk:
	for addr < reg.End() {
		inst := DecodeInstruction(addr, obj.Data[addr-obj.BaseAddress:reg.End()-obj.BaseAddress])
		if inst.Size == 0 {
			dbg.Printf("Warning: Could not decode instruction at %#x.", addr)
			break
		}

		if inst.Target != 0 {
			switch inst.Type {
			case InstCall:
				a.labels.set(Label{Address: inst.Target, Type: LabelFunction})
				a.enqueue(inst.Target)
			case InstCondJump, InstJump:
				a.labels.set(Label{Address: inst.Target, Type: LabelJump})
				a.enqueue(inst.Target)
			}
		}

		addr += uint32(inst.Size)

		switch inst.Type {
		case InstJump, InstRet:
			break walk
		}
	}

	if addr == start {
		return nil
	}
	return a.regions.insert(Region{Address: start, Size: addr - start, Type: RegionCode})
}

// traceVtables scans every fixup target still inside UNKNOWN executable
// space for a run of 4-byte slots that are each either zero or covered by a
// fixup source. Such a run is claimed as a VTABLE, its entries become
// functions, and the work queue is drained immediately so later candidates
// observe the newly discovered code.
func (a *Analyser) traceVtables() error {
	for oi := 0; oi < a.le.ObjectCount(); oi++ {
		for _, fixup := range a.le.Fixups[oi] {
			target := fixup.Target

			reg, ok := a.regions.at(target)
			if !ok {
				dbg.Printf("Warning: Reloc pointing to unmapped memory at %#x.", target)
				continue
			}
			if reg.Type != RegionUnknown {
				continue
			}
			obj := a.image.ObjectAt(reg.Address)
			if !obj.Executable {
				continue
			}

			// Candidate extent: up to the region end or the next fixup
			// target, whichever comes first.
			size := reg.End() - target
			if next, ok := a.le.NextFixupTarget(target); ok && next-target < size {
				size = next - target
			}

			data := obj.DataAt(target)
			var count uint32
			for off := uint32(0); off+4 <= size; off += 4 {
				slot := binary.LittleEndian.Uint32(data[off:])
				if slot != 0 && !a.le.HasFixupSource(oi, target+off-obj.BaseAddress) {
					break
				}
				count++
				if slot != 0 {
					a.labels.set(Label{Address: slot, Type: LabelFunction})
					a.enqueue(slot)
				}
			}

			if count > 0 {
				err := a.regions.insert(Region{Address: target, Size: 4 * count, Type: RegionVTable})
				if err != nil {
					return err
				}
				a.labels.set(Label{Address: target, Type: LabelVTable})
				if err := a.traceCode(); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// traceRemainingRelocs sweeps the fixup targets one last time: targets in
// UNKNOWN space are guessed to be functions and traced; targets in DATA
// space get a data label.
func (a *Analyser) traceRemainingRelocs() error {
	a.guesses = 0

	for oi := 0; oi < a.image.ObjectCount(); oi++ {
		for _, fixup := range a.le.Fixups[oi] {
			target := fixup.Target

			reg, ok := a.regions.at(target)
			if !ok || (reg.Type != RegionUnknown && reg.Type != RegionData) {
				continue
			}

			if reg.Type == RegionUnknown {
				lab, ok := a.labels.get(target)
				if !ok || (lab.Type != LabelFunction && lab.Type != LabelJump) {
					dbg.Printf("Guessing that %#x is a function.", target)
					a.guesses++
					a.labels.set(Label{Address: target, Type: LabelFunction})
				}
				a.enqueue(target)
				if err := a.traceCode(); err != nil {
					return err
				}
			} else {
				a.labels.set(Label{Address: target, Type: LabelData})
			}
		}
	}

	dbg.Printf("%d guess(es) to investigate.", a.guesses)
	return nil
}

// Regions returns the final partition in address order.
func (a *Analyser) Regions() []Region {
	return a.regions.all()
}

// NextRegion returns the region starting strictly after addr.
func (a *Analyser) NextRegion(addr uint32) (Region, bool) {
	return a.regions.next(addr)
}

// Labels returns the discovered symbols in address order.
func (a *Analyser) Labels() []Label {
	return a.labels.all()
}

// Label returns the label at exactly addr.
func (a *Analyser) Label(addr uint32) (Label, bool) {
	return a.labels.get(addr)
}

// NextLabel returns the label at the smallest address strictly above addr.
func (a *Analyser) NextLabel(addr uint32) (Label, bool) {
	return a.labels.nextAfter(addr)
}

// SetLabel records l subject to the stickiness rule: an existing FUNCTION or
// named label at the same address is kept.
func (a *Analyser) SetLabel(l Label) {
	a.labels.set(l)
}

// RemoveLabel deletes the label at addr.
func (a *Analyser) RemoveLabel(addr uint32) {
	a.labels.remove(addr)
}

// GuessCount returns how many phase-three function guesses were emitted.
func (a *Analyser) GuessCount() int {
	return a.guesses
}
