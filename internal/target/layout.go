package target

import (
	"fmt"
	"sort"
)

// Field locates one member within a kernel struct.
type Field struct {
	Offset uint64
	Size   uint64
}

// FieldSpec names a field to resolve. Size 0 means pointer-sized.
type FieldSpec struct {
	Name string
	Size uint64
}

// StructLayout is the resolved (fieldName -> offset, size) set for one kernel
// struct. Immutable once resolved; owned by the discovery session.
type StructLayout struct {
	Name    string
	PtrSize int
	fields  map[string]Field
}

// ResolveLayout resolves every named field through r. A single missing field
// makes the whole layout unavailable, wrapped as ErrFieldUnavailable so the
// dependent feature can disable itself instead of guessing offsets.
func ResolveLayout(r Resolver, structName string, ptrSize int, specs []FieldSpec) (*StructLayout, error) {
	l := &StructLayout{Name: structName, PtrSize: ptrSize, fields: make(map[string]Field, len(specs))}
	for _, s := range specs {
		off, ok := r.FieldOffset(structName, s.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrFieldUnavailable, structName, s.Name)
		}
		size := s.Size
		if size == 0 {
			size = uint64(ptrSize)
		}
		l.fields[s.Name] = Field{Offset: off, Size: size}
	}
	return l, nil
}

// Field returns the resolved location of a field.
func (l *StructLayout) Field(name string) (Field, bool) {
	f, ok := l.fields[name]
	return f, ok
}

// MustField returns a field that ResolveLayout already proved present.
func (l *StructLayout) MustField(name string) Field {
	f, ok := l.fields[name]
	if !ok {
		panic(fmt.Sprintf("target: layout %s has no field %s", l.Name, name))
	}
	return f
}

// Span returns the byte range [min, max) covering all resolved fields,
// so one contiguous read can serve every field regardless of their order.
func (l *StructLayout) Span() (start, length uint64) {
	first := true
	var lo, hi uint64
	for _, f := range l.fields {
		if first || f.Offset < lo {
			lo = f.Offset
		}
		if first || f.Offset+f.Size > hi {
			hi = f.Offset + f.Size
		}
		first = false
	}
	return lo, hi - lo
}

// FieldNames returns the resolved field names, sorted.
func (l *StructLayout) FieldNames() []string {
	names := make([]string, 0, len(l.fields))
	for n := range l.fields {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get decodes a field from a buffer that starts at struct offset base.
func (l *StructLayout) Get(buf []byte, base uint64, name string) (uint64, bool) {
	f, ok := l.fields[name]
	if !ok {
		return 0, false
	}
	if f.Offset < base || f.Offset+f.Size > base+uint64(len(buf)) {
		return 0, false
	}
	return Word(buf[f.Offset-base:], int(f.Size)), true
}

// ReadField reads one field of the struct instance at addr.
func (l *StructLayout) ReadField(mem Memory, addr uint64, name string, mode Mode) (uint64, error) {
	f, ok := l.fields[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s.%s", ErrFieldUnavailable, l.Name, name)
	}
	return ReadWord(mem, addr+f.Offset, int(f.Size), mode)
}
