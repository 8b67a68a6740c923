// Package target abstracts byte-level access to a running or captured
// RTOS target image, plus struct layout resolution from debug symbols.
package target

import "errors"

var (
	ErrShortRead        = errors.New("target: short read")
	ErrNoSymbol         = errors.New("target: symbol not found")
	ErrFieldUnavailable = errors.New("target: struct field unavailable")
	ErrOutOfRange       = errors.New("target: address outside image")
)

// Mode selects between a possibly-stale cached read and a forced fresh read.
type Mode int

const (
	Cached Mode = iota // transport may satisfy from an earlier fetch
	Direct             // transport must hit target memory
)

func (m Mode) String() string {
	if m == Direct {
		return "direct"
	}
	return "cached"
}

// Memory is the debug-connection facade. Implementations must return exactly
// n bytes or an error; callers decode fixed-size structures and cannot use
// partial data. No read is atomic with respect to target execution.
type Memory interface {
	ReadBytes(addr uint64, n int, mode Mode) ([]byte, error)
}

// Resolver supplies compile-time struct layouts and global symbol locations
// from the target's debug info.
type Resolver interface {
	// FieldOffset returns the byte offset of a field within a kernel struct.
	FieldOffset(structName, fieldName string) (offset uint64, ok bool)
	// Global returns the address and size of a global symbol.
	Global(name string) (addr, size uint64, err error)
}

// AddrResolver is an optional extension: reverse lookup of the statically
// sized symbol covering an address. Used to size statically allocated stacks.
type AddrResolver interface {
	GlobalAt(addr uint64) (name string, base, size uint64, ok bool)
}

// Word decodes a little-endian unsigned integer of the given byte width.
func Word(b []byte, width int) uint64 {
	var v uint64
	for i := 0; i < width && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// ReadWord reads one little-endian word of the given width.
func ReadWord(mem Memory, addr uint64, width int, mode Mode) (uint64, error) {
	b, err := mem.ReadBytes(addr, width, mode)
	if err != nil {
		return 0, err
	}
	if len(b) < width {
		return 0, ErrShortRead
	}
	return Word(b, width), nil
}
