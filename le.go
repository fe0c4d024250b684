package ledisasm

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// Header is the LE/LX module header. Offsets in the comments are relative to
// the "LE" signature. Object indices are normalized to zero-based at load.
type Header struct {
	ByteOrder                      uint8  /* 02h */
	WordOrder                      uint8  /* 03h */
	FormatVersion                  uint32 /* 04h */
	CPUType                        uint16 /* 08h */
	OSType                         uint16 /* 0Ah */
	ModuleVersion                  uint32 /* 0Ch */
	ModuleFlags                    uint32 /* 10h */
	PageCount                      uint32 /* 14h */
	EIPObjectIndex                 uint32 /* 18h */
	EIPOffset                      uint32 /* 1Ch */
	ESPObjectIndex                 uint32 /* 20h */
	ESPOffset                      uint32 /* 24h */
	PageSize                       uint32 /* 28h */
	LastPageSize                   uint32 /* 2Ch */
	FixupSectionSize               uint32 /* 30h */
	FixupSectionChecksum           uint32 /* 34h */
	LoaderSectionSize              uint32 /* 38h */
	LoaderSectionChecksum          uint32 /* 3Ch */
	ObjectTableOffset              uint32 /* 40h */
	ObjectCount                    uint32 /* 44h */
	ObjectPageTableOffset          uint32 /* 48h */
	ObjectIteratedPagesOffset      uint32 /* 4Ch */
	ResourceTableOffset            uint32 /* 50h */
	ResourceEntryCount             uint32 /* 54h */
	ResidentNameTableOffset        uint32 /* 58h */
	EntryTableOffset               uint32 /* 5Ch */
	ModuleDirectivesOffset         uint32 /* 60h */
	ModuleDirectivesCount          uint32 /* 64h */
	FixupPageTableOffset           uint32 /* 68h */
	FixupRecordTableOffset         uint32 /* 6Ch */
	ImportModuleNameTableOffset    uint32 /* 70h */
	ImportModuleNameEntryCount     uint32 /* 74h */
	ImportProcedureNameTableOffset uint32 /* 78h */
	PerPageChecksumTableOffset     uint32 /* 7Ch */
	DataPagesOffset                uint32 /* 80h */
	PreloadPagesCount              uint32 /* 84h */
	NonResidentNameTableOffset     uint32 /* 88h */
	NonResidentNameEntryCount      uint32 /* 8Ch */
	NonResidentNameTableChecksum   uint32 /* 90h */
	AutoDataSegmentObjectIndex     uint32 /* 94h */
	DebugInfoOffset                uint32 /* 98h */
	DebugInfoSize                  uint32 /* 9Ch */
	InstancePagesCount             uint32 /* A0h */
	InstancePagesDemandCount       uint32 /* A4h */
	HeapSize                       uint32 /* A8h */
}

// Object flag bits.
const (
	ObjectReadable uint32 = 1 << iota
	ObjectWritable
	ObjectExecutable
	ObjectResource
	ObjectDiscardable
	ObjectShared
	ObjectPreloaded
	ObjectInvalid
)

// ObjectHeader is one entry of the container's object table. FirstPageIndex
// is normalized to zero-based at load.
type ObjectHeader struct {
	VirtualSize    uint32
	BaseAddress    uint32
	Flags          uint32
	FirstPageIndex uint32
	PageCount      uint32
	Reserved       uint32
}

// PageType is the kind of an object page table entry.
type PageType uint8

// Object page types.
const (
	PageLegal PageType = iota
	PageIterated
	PageInvalid
	PageZeroFilled
	PageLast
)

// ObjectPageHeader is one entry of the object page table.
type ObjectPageHeader struct {
	FirstNumber  uint16
	SecondNumber uint8
	Type         PageType
}

// Fixup declares that the image contains, at source offset Offset within its
// object, an absolute 32-bit little-endian pointer to Target.
type Fixup struct {
	Offset uint32
	Target uint32
}

// LinearExecutable is a parsed LE/LX container: header, object and page
// tables, and the per-object fixup records. Immutable after load.
type LinearExecutable struct {
	Header  Header
	Objects []ObjectHeader
	Pages   []ObjectPageHeader
	Fixups  [][]Fixup // per object, sorted by source offset

	fixupTargets []uint32
}

// ObjectCount returns the number of objects in the container.
func (le *LinearExecutable) ObjectCount() int {
	return len(le.Objects)
}

// EntryAddress returns the absolute virtual address of the entry point.
func (le *LinearExecutable) EntryAddress() uint32 {
	return le.Objects[le.Header.EIPObjectIndex].BaseAddress + le.Header.EIPOffset
}

// FixupTargets returns the sorted set of all fixup target addresses.
func (le *LinearExecutable) FixupTargets() []uint32 {
	if le.fixupTargets == nil {
		seen := make(map[uint32]bool)
		for _, fixups := range le.Fixups {
			for _, f := range fixups {
				seen[f.Target] = true
			}
		}
		targets := make([]uint32, 0, len(seen))
		for t := range seen {
			targets = append(targets, t)
		}
		sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
		le.fixupTargets = targets
	}
	return le.fixupTargets
}

// NextFixupTarget returns the smallest fixup target strictly above addr.
func (le *LinearExecutable) NextFixupTarget(addr uint32) (uint32, bool) {
	targets := le.FixupTargets()
	i := sort.Search(len(targets), func(i int) bool { return targets[i] > addr })
	if i == len(targets) {
		return 0, false
	}
	return targets[i], true
}

// HasFixupSource reports whether object oi has a fixup whose source offset
// is exactly off.
func (le *LinearExecutable) HasFixupSource(oi int, off uint32) bool {
	fixups := le.Fixups[oi]
	i := sort.Search(len(fixups), func(i int) bool { return fixups[i].Offset >= off })
	return i < len(fixups) && fixups[i].Offset == off
}

// PageFileOffset returns the file offset of the given page's data.
func (le *LinearExecutable) PageFileOffset(index uint32) int64 {
	ph := &le.Pages[index]
	return (int64(ph.FirstNumber)+int64(ph.SecondNumber)-1)*int64(le.Header.PageSize) +
		int64(le.Header.DataPagesOffset)
}

// loader carries the state of one load: the stream, the resolved LE header
// file offset and the raw fixup page table.
type loader struct {
	r             io.ReadSeeker
	le            *LinearExecutable
	headerOffset  uint32
	recordOffsets []uint32
}

// LoadLinearExecutable parses an LE/LX container from r. The stream may be a
// bare LE/LX module, an MZ executable with a new-header pointer, or an MZ
// stub with an embedded DOS/4G extender followed by the LE module.
func LoadLinearExecutable(r io.ReadSeeker) (*LinearExecutable, error) {
	l := &loader{r: r, le: &LinearExecutable{}}

	if err := l.loadHeader(); err != nil {
		return nil, err
	}
	if err := l.loadObjectTable(); err != nil {
		return nil, err
	}
	if err := l.loadObjectPageTable(); err != nil {
		return nil, err
	}
	if err := l.loadFixupRecordOffsets(); err != nil {
		return nil, err
	}
	if err := l.loadFixupRecords(); err != nil {
		return nil, err
	}

	return l.le, nil
}

func (l *loader) readAt(off int64, buf []byte) error {
	if _, err := l.r.Seek(off, io.SeekStart); err != nil {
		return errors.WithStack(err)
	}
	if _, err := io.ReadFull(l.r, buf); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// loadHeaderOffset locates the LE/LX header within the file: at offset zero
// for a bare module, through the 0x3C new-header pointer of an MZ file, or
// by scanning for the LE signature behind an embedded DOS/4G stub.
func (l *loader) loadHeaderOffset() error {
	var id [2]byte
	if err := l.readAt(0, id[:]); err != nil {
		return err
	}

	if string(id[:]) == "LE" || string(id[:]) == "LX" {
		l.headerOffset = 0
		return nil
	}
	if string(id[:]) != "MZ" {
		return errors.New("invalid MZ signature")
	}

	// Relocation table offset; new executable formats push it to 0x40 or more.
	var buf [4]byte
	if err := l.readAt(0x18, buf[:2]); err != nil {
		return err
	}
	word := binary.LittleEndian.Uint16(buf[:2])

	if err := l.readAt(0x3c, buf[:4]); err != nil {
		return err
	}
	l.headerOffset = binary.LittleEndian.Uint32(buf[:4])

	if word < 0x40 {
		// No new-header pointer; the file may still carry an LE module behind
		// an embedded DOS/4G extender.
		ident := make([]byte, 0x100)
		if err := l.readAt(0x240, ident); err != nil {
			return err
		}
		if bytes.Contains(ident, []byte("DOS/4G  ")) {
			dbg.Println("Embedded DOS/4G identified")
			// The scan window may run past the end of a short file.
			window := make([]byte, 0x1000)
			if _, err := l.r.Seek(0x29000, io.SeekStart); err != nil {
				return errors.WithStack(err)
			}
			n, err := io.ReadFull(l.r, window)
			if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
				return errors.WithStack(err)
			}
			pos := bytes.Index(window[:n], []byte("LE\x00\x00\x00\x00"))
			if pos >= 0 && pos&3 == 0 {
				l.headerOffset = 0x29000 + uint32(pos)
				return nil
			}
			return errors.New("not an LE executable: no signature found at expected offset range")
		}
		return errors.Errorf("not an LE executable: at offset 0x18: expected 0x40 or more, got %#x", word)
	}

	if l.headerOffset == 0 {
		return errors.New("not an LE executable: new executable header offset is zero")
	}

	return nil
}

func (l *loader) loadHeader() error {
	if err := l.loadHeaderOffset(); err != nil {
		return err
	}

	var id [2]byte
	if err := l.readAt(int64(l.headerOffset), id[:]); err != nil {
		return err
	}
	if string(id[:]) != "LE" && string(id[:]) != "LX" {
		return errors.Errorf("invalid LE signature at offset %#x", l.headerOffset)
	}

	hdr := &l.le.Header
	if err := binary.Read(l.r, binary.LittleEndian, hdr); err != nil {
		return errors.WithStack(err)
	}

	if hdr.ByteOrder != 0 || hdr.WordOrder != 0 {
		return errors.New("unsupported LE byte or word endianness")
	}
	if hdr.FormatVersion > 0 {
		return errors.New("unknown LE format version")
	}
	if hdr.EIPObjectIndex == 0 || hdr.EIPObjectIndex > hdr.ObjectCount {
		return errors.Errorf("entry object index %d out of range", hdr.EIPObjectIndex)
	}

	// Object indices are one-based on disk.
	hdr.EIPObjectIndex--
	hdr.ESPObjectIndex--

	return nil
}

func (l *loader) loadObjectTable() error {
	hdr := &l.le.Header
	if _, err := l.r.Seek(int64(l.headerOffset)+int64(hdr.ObjectTableOffset), io.SeekStart); err != nil {
		return errors.WithStack(err)
	}

	l.le.Objects = make([]ObjectHeader, hdr.ObjectCount)
	for n := range l.le.Objects {
		oh := &l.le.Objects[n]
		if err := binary.Read(l.r, binary.LittleEndian, oh); err != nil {
			return errors.WithStack(err)
		}
		if oh.FirstPageIndex == 0 {
			return errors.Errorf("object %d has no pages", n)
		}
		oh.FirstPageIndex--
	}

	return nil
}

func (l *loader) loadObjectPageTable() error {
	hdr := &l.le.Header
	if _, err := l.r.Seek(int64(l.headerOffset)+int64(hdr.ObjectPageTableOffset), io.SeekStart); err != nil {
		return errors.WithStack(err)
	}

	l.le.Pages = make([]ObjectPageHeader, hdr.PageCount)
	buf := make([]byte, 4)
	for n := range l.le.Pages {
		if _, err := io.ReadFull(l.r, buf); err != nil {
			return errors.WithStack(err)
		}
		if buf[3] > uint8(PageLast) {
			return errors.Errorf("invalid type %d for page %d", buf[3], n)
		}
		l.le.Pages[n] = ObjectPageHeader{
			FirstNumber:  binary.LittleEndian.Uint16(buf[:2]),
			SecondNumber: buf[2],
			Type:         PageType(buf[3]),
		}
	}

	return nil
}

func (l *loader) loadFixupRecordOffsets() error {
	hdr := &l.le.Header
	if _, err := l.r.Seek(int64(l.headerOffset)+int64(hdr.FixupPageTableOffset), io.SeekStart); err != nil {
		return errors.WithStack(err)
	}

	// One extra entry marks the end of the fixup record table.
	l.recordOffsets = make([]uint32, hdr.PageCount+1)
	return errors.WithStack(binary.Read(l.r, binary.LittleEndian, l.recordOffsets))
}

func (l *loader) loadFixupRecords() error {
	l.le.Fixups = make([][]Fixup, len(l.le.Objects))
	for oi := range l.le.Objects {
		if err := l.loadFixupRecordPages(oi); err != nil {
			return errors.Wrapf(err, "fixups for object %d", oi)
		}
		fixups := l.le.Fixups[oi]
		sort.Slice(fixups, func(i, j int) bool { return fixups[i].Offset < fixups[j].Offset })
	}
	return nil
}

// loadFixupRecordPages parses the fixup records of every page belonging to
// object oi. Only 32-bit source offsets with internal references are
// supported, matching what DOS-extender era linkers emit.
func (l *loader) loadFixupRecordPages(oi int) error {
	obj := &l.le.Objects[oi]
	hdr := &l.le.Header

	for n := obj.FirstPageIndex; n < obj.FirstPageIndex+obj.PageCount; n++ {
		start := int64(l.headerOffset) + int64(hdr.FixupRecordTableOffset) + int64(l.recordOffsets[n])
		size := int64(l.recordOffsets[n+1]) - int64(l.recordOffsets[n])
		if size < 0 {
			return errors.Errorf("fixup record offsets for page %d are not increasing", n)
		}
		if size == 0 {
			continue
		}

		block := make([]byte, size)
		if err := l.readAt(start, block); err != nil {
			return err
		}

		for off := 0; off < len(block); {
			if len(block)-off < 5 {
				return errors.Errorf("truncated fixup record at page %d", n)
			}

			addrFlags := block[off]
			relocFlags := block[off+1]

			if addrFlags&0x20 != 0 {
				return errors.New("fixup lists not supported")
			}
			if addrFlags&0xf != 0x7 { /* 32-bit offset */
				return errors.Errorf("unsupported fixup type %#x", addrFlags&0xf)
			}
			if relocFlags&0x3 != 0x0 { /* internal ref */
				dbg.Printf("Warning: Unsupported reloc type %#x.", relocFlags&0x3)
			}
			if relocFlags&0x40 != 0 {
				dbg.Println("Warning: 16-bit object or module ordinal numbers are not supported.")
			}

			srcOff := int16(binary.LittleEndian.Uint16(block[off+2:]))
			objIndex := block[off+4]
			off += 5

			if objIndex < 1 || int(objIndex) > len(l.le.Objects) {
				return errors.Errorf("fixup target object %d out of range", objIndex)
			}
			objIndex--

			var dstOff uint32
			if relocFlags&0x10 != 0 { /* 32-bit target offset */
				if len(block)-off < 4 {
					return errors.Errorf("truncated fixup record at page %d", n)
				}
				dstOff = binary.LittleEndian.Uint32(block[off:])
				off += 4
			} else {
				if len(block)-off < 2 {
					return errors.Errorf("truncated fixup record at page %d", n)
				}
				dstOff = uint32(binary.LittleEndian.Uint16(block[off:]))
				off += 2
			}

			srcTotal := int64(n-obj.FirstPageIndex)*int64(hdr.PageSize) + int64(srcOff)
			if srcTotal < 0 {
				// Source spills before the object start; nothing to patch.
				continue
			}

			l.le.Fixups[oi] = append(l.le.Fixups[oi], Fixup{
				Offset: uint32(srcTotal),
				Target: l.le.Objects[objIndex].BaseAddress + dstOff,
			})
		}
	}

	return nil
}
