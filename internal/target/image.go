package target

import (
	"fmt"
)

// Sym describes one global symbol inside an Image.
type Sym struct {
	Addr uint64
	Size uint64
}

// Image is a memory facade backed by a contiguous RAM capture. It serves
// replayed captures and test fixtures; a live debug transport is supplied by
// the host collaborator instead and is out of scope here.
//
// Image also acts as a Resolver when symbol and field-offset tables are
// attached. Field offsets are keyed "Struct.Field".
type Image struct {
	Base    uint64
	Data    []byte
	PtrSize int
	Syms    map[string]Sym
	Offsets map[string]uint64
}

// NewImage returns an image covering [base, base+len(data)).
func NewImage(base uint64, data []byte, ptrSize int) *Image {
	return &Image{
		Base:    base,
		Data:    data,
		PtrSize: ptrSize,
		Syms:    make(map[string]Sym),
		Offsets: make(map[string]uint64),
	}
}

// ReadBytes implements Memory. Cached and direct reads are identical for a
// capture; the mode only matters for live transports.
func (im *Image) ReadBytes(addr uint64, n int, _ Mode) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("target: negative read length %d", n)
	}
	if addr < im.Base || addr > im.Base+uint64(len(im.Data)) {
		return nil, fmt.Errorf("%w: 0x%x", ErrOutOfRange, addr)
	}
	off := addr - im.Base
	if off+uint64(n) > uint64(len(im.Data)) {
		return nil, fmt.Errorf("%w: 0x%x+%d past image end", ErrShortRead, addr, n)
	}
	out := make([]byte, n)
	copy(out, im.Data[off:off+uint64(n)])
	return out, nil
}

// SetWord writes a little-endian word into the image. Used when assembling
// captures and synthetic kernels.
func (im *Image) SetWord(addr uint64, width int, v uint64) {
	off := addr - im.Base
	for i := 0; i < width; i++ {
		im.Data[off+uint64(i)] = byte(v >> (8 * i))
	}
}

// SetBytes copies raw bytes into the image.
func (im *Image) SetBytes(addr uint64, b []byte) {
	copy(im.Data[addr-im.Base:], b)
}

// AddSym registers a global symbol.
func (im *Image) AddSym(name string, addr, size uint64) {
	im.Syms[name] = Sym{Addr: addr, Size: size}
}

// AddOffset registers a struct field offset.
func (im *Image) AddOffset(structName, fieldName string, off uint64) {
	im.Offsets[structName+"."+fieldName] = off
}

// FieldOffset implements Resolver.
func (im *Image) FieldOffset(structName, fieldName string) (uint64, bool) {
	off, ok := im.Offsets[structName+"."+fieldName]
	return off, ok
}

// Global implements Resolver.
func (im *Image) Global(name string) (addr, size uint64, err error) {
	s, ok := im.Syms[name]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrNoSymbol, name)
	}
	return s.Addr, s.Size, nil
}

// GlobalAt implements AddrResolver: finds the symbol whose extent covers addr.
func (im *Image) GlobalAt(addr uint64) (name string, base, size uint64, ok bool) {
	for n, s := range im.Syms {
		if s.Size > 0 && addr >= s.Addr && addr < s.Addr+s.Size {
			return n, s.Addr, s.Size, true
		}
	}
	return "", 0, 0, false
}
