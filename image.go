package ledisasm

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Object is one contiguous, base-addressed virtual memory region loaded from
// the container, with all fixups already applied to its data. Objects are
// immutable after load and shared by read-only reference.
type Object struct {
	Index       int
	BaseAddress uint32
	Executable  bool
	Data        []byte
}

// End returns the first address past the object.
func (o *Object) End() uint32 {
	return o.BaseAddress + uint32(len(o.Data))
}

// Contains reports whether addr falls inside the object.
func (o *Object) Contains(addr uint32) bool {
	return o.BaseAddress <= addr && addr < o.End()
}

// DataAt returns the object's bytes from addr to the end of the object.
// addr must lie within the object.
func (o *Object) DataAt(addr uint32) []byte {
	return o.Data[addr-o.BaseAddress:]
}

// Image is the loaded, fixup-patched program image.
type Image struct {
	objects []*Object
}

// NewImage wraps the given objects. Objects must be pairwise disjoint in
// virtual address space.
func NewImage(objects []*Object) *Image {
	return &Image{objects: objects}
}

// ObjectCount returns the number of objects in the image.
func (img *Image) ObjectCount() int {
	return len(img.objects)
}

// Object returns the object with the given index.
func (img *Image) Object(i int) *Object {
	return img.objects[i]
}

// ObjectAt returns the object containing addr, or nil.
func (img *Image) ObjectAt(addr uint32) *Object {
	for _, obj := range img.objects {
		if obj.Contains(addr) {
			return obj
		}
	}
	return nil
}

// BuildImage assembles the in-memory image of le: each object's pages are
// read from r and the object's fixups are patched into the data.
func BuildImage(r io.ReadSeeker, le *LinearExecutable) (*Image, error) {
	objects := make([]*Object, le.ObjectCount())

	for oi := range objects {
		oh := &le.Objects[oi]
		data := make([]byte, oh.VirtualSize)

		dataOff := uint32(0)
		pageEnd := oh.FirstPageIndex + oh.PageCount
		if pageEnd > le.Header.PageCount {
			pageEnd = le.Header.PageCount
		}

		for pi := oh.FirstPageIndex; pi < pageEnd; pi++ {
			size := oh.VirtualSize - dataOff
			if pi+1 < le.Header.PageCount {
				if size > le.Header.PageSize {
					size = le.Header.PageSize
				}
			} else {
				if size > le.Header.LastPageSize {
					size = le.Header.LastPageSize
				}
			}

			if _, err := r.Seek(le.PageFileOffset(pi), io.SeekStart); err != nil {
				return nil, errors.WithStack(err)
			}
			if _, err := io.ReadFull(r, data[dataOff:dataOff+size]); err != nil {
				return nil, errors.Wrapf(err, "reading page %d of object %d", pi, oi)
			}

			dataOff += size
		}

		if err := applyFixups(le, oi, data); err != nil {
			return nil, err
		}

		objects[oi] = &Object{
			Index:       oi,
			BaseAddress: oh.BaseAddress,
			Executable:  oh.Flags&ObjectExecutable != 0,
			Data:        data,
		}
	}

	return NewImage(objects), nil
}

// applyFixups writes each fixup's 32-bit little-endian target address at its
// source offset within the object data.
func applyFixups(le *LinearExecutable, oi int, data []byte) error {
	for _, f := range le.Fixups[oi] {
		if int64(f.Offset)+4 > int64(len(data)) {
			return errors.Errorf("fixup at offset %#x outside object %d", f.Offset, oi)
		}
		binary.LittleEndian.PutUint32(data[f.Offset:], f.Target)
	}
	return nil
}
