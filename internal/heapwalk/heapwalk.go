// Package heapwalk decodes a boundary-tagged heap region into block records.
//
// Each block header stores the block's own length with the allocated flag in
// a single high bit, so the whole heap reconstructs from one linear scan of a
// contiguous snapshot. No state is carried between refreshes; every parse
// starts from scratch.
package heapwalk

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"rtospect/internal/target"
)

var (
	// ErrTruncated marks a block chain that does not land exactly at the end
	// of the heap buffer: corruption, or an allocator variant this layout
	// does not describe. The blocks decoded before the fault are still
	// returned for diagnostic value.
	ErrTruncated = errors.New("heapwalk: block chain does not reach heap end")

	// ErrNotAllocated is returned when a block expected to be in use carries
	// no allocated flag.
	ErrNotAllocated = errors.New("heapwalk: block is not allocated")
)

// Layout describes the allocator's block header.
type Layout struct {
	HeaderSize uint64 // full header length, included in each block's stored size
	SizeOff    uint64 // offset of the size field within the header
	SizeWidth  int    // byte width of the size field
	AllocMask  uint64 // single high bit of the size field flagging "allocated"
}

// Block is one decoded heap block. Offset and Size describe the payload,
// header excluded.
type Block struct {
	Offset    uint64
	Size      uint64
	Allocated bool
}

// State is a full decode of the heap region plus aggregate statistics.
type State struct {
	Blocks     []Block
	UsedBlocks int
	FreeBlocks int
	TotalUsed  uint64
	TotalFree  uint64
	MaxUsed    uint64 // largest allocated payload
	MaxFree    uint64 // largest free payload, tracked independently of MaxUsed
	Err        error  // non-nil when the scan did not terminate cleanly
}

// Parse scans the heap snapshot from offset 0. A stored length of zero (the
// allocator's terminal sentinel) or below the header size stops the scan;
// the final position must then sit exactly one header short of the buffer
// end, where the end marker lives. Any other landing point taints the whole
// state with ErrTruncated while keeping the decoded prefix.
func Parse(buf []byte, lay Layout) *State {
	s := &State{}
	pos := uint64(0)
	end := uint64(len(buf))

	for pos+lay.HeaderSize <= end {
		if pos+lay.SizeOff+uint64(lay.SizeWidth) > end {
			break
		}
		raw := target.Word(buf[pos+lay.SizeOff:], lay.SizeWidth)
		allocated := raw&lay.AllocMask != 0
		length := raw &^ lay.AllocMask
		if length == 0 || length < lay.HeaderSize || pos+length > end {
			// Terminal sentinel, or a malformed length; the final-offset
			// check below decides whether this is the clean end marker.
			break
		}

		b := Block{
			Offset:    pos + lay.HeaderSize,
			Size:      length - lay.HeaderSize,
			Allocated: allocated,
		}
		s.Blocks = append(s.Blocks, b)
		if allocated {
			s.UsedBlocks++
			s.TotalUsed += b.Size
			if b.Size > s.MaxUsed {
				s.MaxUsed = b.Size
			}
		} else {
			s.FreeBlocks++
			s.TotalFree += b.Size
			if b.Size > s.MaxFree {
				s.MaxFree = b.Size
			}
		}
		pos += length
	}

	if pos != end-lay.HeaderSize {
		s.Err = fmt.Errorf("%w: scan stopped at 0x%x, want 0x%x", ErrTruncated, pos, end-lay.HeaderSize)
	}
	return s
}

// Summary renders the aggregate statistics for display.
func (s *State) Summary() string {
	out := fmt.Sprintf("%s used in %d blocks (largest %s), %s free in %d blocks (largest %s)",
		humanize.IBytes(s.TotalUsed), s.UsedBlocks, humanize.IBytes(s.MaxUsed),
		humanize.IBytes(s.TotalFree), s.FreeBlocks, humanize.IBytes(s.MaxFree))
	if s.Err != nil {
		out += " [incomplete: " + s.Err.Error() + "]"
	}
	return out
}

// AllocatedSize decodes the header of the block whose payload starts at
// payloadAddr and returns the payload size. Used to size dynamically
// allocated stacks from the block immediately preceding the stack base.
func AllocatedSize(mem target.Memory, payloadAddr uint64, lay Layout, mode target.Mode) (uint64, error) {
	raw, err := target.ReadWord(mem, payloadAddr-lay.HeaderSize+lay.SizeOff, lay.SizeWidth, mode)
	if err != nil {
		return 0, fmt.Errorf("heapwalk: read block header: %w", err)
	}
	if raw&lay.AllocMask == 0 {
		return 0, fmt.Errorf("%w: header at 0x%x", ErrNotAllocated, payloadAddr-lay.HeaderSize)
	}
	length := raw &^ lay.AllocMask
	if length < lay.HeaderSize {
		return 0, fmt.Errorf("heapwalk: implausible block length %d at 0x%x", length, payloadAddr-lay.HeaderSize)
	}
	return length - lay.HeaderSize, nil
}
