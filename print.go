package ledisasm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// Printer writes an analysed program as a GNU-as listing suitable for
// reassembly. Code is rendered through the decoder's GNU syntax with label
// substitution; data regions are rendered with address, zero-fill and string
// detection.
type Printer struct {
	le    *LinearExecutable
	image *Image
	anal  *Analyser

	w *bufio.Writer
}

// NewPrinter returns a printer over the given analysis results.
func NewPrinter(le *LinearExecutable, image *Image, anal *Analyser) *Printer {
	return &Printer{le: le, image: image, anal: anal}
}

// Print writes the full listing to w.
func (p *Printer) Print(w io.Writer) error {
	p.w = bufio.NewWriter(w)

	regions := p.anal.Regions()
	dbg.Printf("Region count: %d", len(regions))

	const (
		secNone = iota
		secText
		secData
	)
	sec := secNone

	for _, reg := range regions {
		obj := p.image.ObjectAt(reg.Address)
		if obj == nil {
			return errors.Errorf("region %v outside any object", reg)
		}

		if reg.Type == RegionData {
			if sec != secData {
				p.w.WriteString(".data\n")
				sec = secData
			}
		} else {
			if sec != secText {
				p.w.WriteString(".text\n")
				sec = secText
			}
		}

		p.printRegion(reg, obj)

		// A label sitting exactly on the region's end address belongs to a
		// gap or the object end; emit it so the listing stays complete.
		if next, ok := p.anal.NextRegion(reg.Address); !ok || next.Address > reg.End() {
			if lab, ok := p.anal.Label(reg.End()); ok {
				p.printLabel(lab)
			}
		}
	}

	return errors.WithStack(p.w.Flush())
}

func (p *Printer) printRegion(reg Region, obj *Object) {
	switch reg.Type {
	case RegionCode:
		p.printCodeRegion(reg, obj)
	case RegionData:
		p.printDataRegion(reg, obj)
	case RegionVTable:
		p.printVTableRegion(reg, obj)
	}
}

func (p *Printer) printCodeRegion(reg Region, obj *Object) {
	addr := reg.Address
	for addr < reg.End() {
		if lab, ok := p.anal.Label(addr); ok {
			p.printLabel(lab)
		}

		inst := DecodeInstruction(addr, obj.Data[addr-obj.BaseAddress:reg.End()-obj.BaseAddress])
		if inst.Size == 0 {
			fmt.Fprintf(p.w, "\t\t/* undecodable bytes at %#x */\n", addr)
			break
		}

		p.w.WriteString("\t\t")
		p.w.WriteString(x86asm.GNUSyntax(inst.Inst, uint64(addr), p.symname))
		p.w.WriteByte('\n')

		addr += uint32(inst.Size)
	}
}

// symname substitutes discovered labels for absolute addresses in the
// instruction text.
func (p *Printer) symname(addr uint64) (string, uint64) {
	if lab, ok := p.anal.Label(uint32(addr)); ok {
		return lab.String(), addr
	}
	return "", 0
}

func (p *Printer) printDataRegion(reg Region, obj *Object) {
	fixups := p.le.Fixups[obj.Index]
	fi := 0
	bytesInLine := 0
	addr := reg.Address

	for addr < reg.End() {
		if lab, ok := p.anal.Label(addr); ok {
			bytesInLine = p.closeLine(bytesInLine)
			p.printLabel(lab)
		}

		length := reg.End() - addr
		if next, ok := p.anal.NextLabel(addr); ok && next.Address-addr < length {
			length = next.Address - addr
		}

		// Clip at the next fixup source so an address slot always starts a
		// fresh chunk.
		off := addr - obj.BaseAddress
		for fi < len(fixups) && fixups[fi].Offset <= off {
			fi++
		}
		if fi < len(fixups) && fixups[fi].Offset-off < length {
			length = fixups[fi].Offset - off
		}

		for length > 0 {
			data := obj.DataAt(addr)[:length]

			if length >= 4 && p.le.HasFixupSource(obj.Index, addr-obj.BaseAddress) {
				bytesInLine = p.closeLine(bytesInLine)
				p.printAddressSlot(data)
				addr += 4
				length -= 4
			} else if size, ok := dataAsZeros(data); ok {
				bytesInLine = p.closeLine(bytesInLine)
				fmt.Fprintf(p.w, "\t\t.fill   %#x\n", size)
				addr += size
				length -= size
			} else if size, zeroTerminated, ok := dataAsString(data); ok {
				bytesInLine = p.closeLine(bytesInLine)
				p.printString(data, size, zeroTerminated)
				if zeroTerminated {
					size++
				}
				addr += size
				length -= size
			} else {
				if bytesInLine == 0 {
					p.w.WriteString("\t\t.ascii  \"")
				}
				fmt.Fprintf(p.w, "\\x%02x", data[0])
				bytesInLine++
				if bytesInLine == 8 {
					bytesInLine = p.closeLine(bytesInLine)
				}
				addr++
				length--
			}
		}
	}

	p.closeLine(bytesInLine)
}

// closeLine terminates an open hex-escape .ascii line and resets the count.
func (p *Printer) closeLine(bytesInLine int) int {
	if bytesInLine > 0 {
		p.w.WriteString("\"\n")
	}
	return 0
}

// printAddressSlot emits a fixup-covered 32-bit slot as a .long directive,
// naming the target's label when one exists.
func (p *Printer) printAddressSlot(data []byte) {
	value := binary.LittleEndian.Uint32(data)
	if lab, ok := p.anal.Label(value); ok {
		fmt.Fprintf(p.w, "\t\t.long   %s\n", lab)
	} else {
		fmt.Fprintf(p.w, "\t\t.long   %#x\n", value)
	}
}

// dataAsZeros recognizes a run of at least four zero bytes.
func dataAsZeros(data []byte) (uint32, bool) {
	var x uint32
	for x = 0; x < uint32(len(data)); x++ {
		if data[x] != 0 {
			break
		}
	}
	if x < 4 {
		return 0, false
	}
	return x, true
}

// dataAsString recognizes a printable run of at least four bytes; the run is
// zero-terminated when the byte after it is NUL.
func dataAsString(data []byte) (size uint32, zeroTerminated, ok bool) {
	var x uint32
	for x = 0; x < uint32(len(data)); x++ {
		c := data[x]
		if (c < 0x20 || c >= 0x7f) && c != '\t' && c != '\n' && c != '\r' {
			break
		}
	}
	if x < 4 {
		return 0, false, false
	}
	return x, x < uint32(len(data)) && data[x] == 0, true
}

func (p *Printer) printString(data []byte, size uint32, zeroTerminated bool) {
	if zeroTerminated {
		p.w.WriteString("\t\t.string \"")
	} else {
		p.w.WriteString("\t\t.ascii   \"")
	}
	p.printEscapedString(data[:size])
	p.w.WriteString("\"\n")
}

func (p *Printer) printEscapedString(data []byte) {
	for _, c := range data {
		switch c {
		case '\t':
			p.w.WriteString("\\t")
		case '\r':
			p.w.WriteString("\\r")
		case '\n':
			p.w.WriteString("\\n")
		case '\\':
			p.w.WriteString("\\\\")
		case '"':
			p.w.WriteString("\\\"")
		default:
			p.w.WriteByte(c)
		}
	}
}

func (p *Printer) printVTableRegion(reg Region, obj *Object) {
	addr := reg.Address

	if lab, ok := p.anal.Label(addr); ok {
		p.printLabel(lab)
	}
	nextLabel, haveNext := p.anal.NextLabel(addr)

	for addr < reg.End() {
		if haveNext && addr == nextLabel.Address {
			p.printLabel(nextLabel)
			nextLabel, haveNext = p.anal.NextLabel(addr)
		}

		funcAddr := binary.LittleEndian.Uint32(obj.DataAt(addr))
		if funcAddr != 0 {
			if lab, ok := p.anal.Label(funcAddr); ok {
				fmt.Fprintf(p.w, "\t\t.long   %s\n", lab)
			} else {
				fmt.Fprintf(p.w, "\t\t.long   %#x\n", funcAddr)
			}
		} else {
			p.w.WriteString("\t\t.long   0\n")
		}

		addr += 4
	}
}

func (p *Printer) printLabel(lab Label) {
	indent := 0
	switch lab.Type {
	case LabelFunction:
		p.w.WriteString("\n\n")
		p.printSeparator()
	case LabelJump:
		indent = 1
	case LabelVTable:
		p.w.WriteByte('\n')
	}

	for ; indent > 0; indent-- {
		p.w.WriteByte('\t')
	}

	p.w.WriteString(lab.String())
	p.w.WriteByte(':')

	if lab.Name != "" {
		fmt.Fprintf(p.w, "\t/* %#x */", lab.Address)
	}
	p.w.WriteByte('\n')

	if lab.Type == LabelFunction {
		p.printSeparator()
	}
}

func (p *Printer) printSeparator() {
	p.w.WriteString("/*")
	p.w.WriteString(strings.Repeat("-", 64))
	p.w.WriteString("*/\n")
}
