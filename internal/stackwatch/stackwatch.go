// Package stackwatch estimates stack usage and detects overflow from the
// kernel's unused-stack fill pattern.
//
// Ports that pre-fill fresh stacks with a known 32-bit word leave a
// high-water mark behind: the first word from the stack base that no longer
// reads as the pattern is the deepest point the stack ever reached. Stacks
// grow downward toward the base, so the border only ever moves toward it.
package stackwatch

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"rtospect/internal/target"
)

// Phase is the overflow detector's state.
type Phase int

const (
	PhaseUnknown           Phase = iota // never scanned
	PhaseScanning                       // full scan in progress or pending
	PhaseStable                         // border known; watch region in place
	PhaseOverflowSuspected              // border vanished after pattern was once seen
	PhaseOverflowConfirmed              // suspicion held on re-check
)

func (p Phase) String() string {
	switch p {
	case PhaseUnknown:
		return "unknown"
	case PhaseScanning:
		return "scanning"
	case PhaseStable:
		return "stable"
	case PhaseOverflowSuspected:
		return "overflow suspected"
	case PhaseOverflowConfirmed:
		return "overflow"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

const wordLen = 4 // fill pattern granularity

// Status is one observation of a watched stack.
type Status struct {
	Phase     Phase
	Border    uint64 // address of the first non-pattern word; 0 while unknown
	HighWater uint64 // historical maximum bytes used; 0 when size unknown
	Display   string
}

// Watcher tracks one task's stack region [base, base+size).
type Watcher struct {
	mem       target.Memory
	base      uint64
	size      uint64
	pattern   uint32
	maxWatch  uint64 // cap on the watch-region width
	suspended bool

	phase            Phase
	border           uint64
	patternEverFound bool
}

// New builds a watcher. size must cover the whole allocated region; pattern
// is the configured fill word; maxWatch bounds the cheap re-check window.
func New(mem target.Memory, base, size uint64, pattern uint32, maxWatch uint64) *Watcher {
	if maxWatch < wordLen {
		maxWatch = wordLen
	}
	return &Watcher{
		mem:      mem,
		base:     base,
		size:     size &^ (wordLen - 1),
		pattern:  pattern,
		maxWatch: maxWatch &^ (wordLen - 1),
		phase:    PhaseUnknown,
	}
}

// Suspend pauses background checks for a stack not currently displayed.
// Resuming keeps the learned border and phase.
func (w *Watcher) Suspend(v bool) { w.suspended = v }

// Suspended reports the suspend flag.
func (w *Watcher) Suspended() bool { return w.suspended }

// Check observes the stack once. While stable it reads only the small watch
// region below the border; a full re-scan runs only when that region stops
// reading as all-pattern, which means the boundary moved.
func (w *Watcher) Check(mode target.Mode) (Status, error) {
	if w.suspended && mode == target.Cached {
		return w.status(), nil
	}
	if w.size < wordLen {
		return w.status(), fmt.Errorf("stackwatch: region size %d too small", w.size)
	}

	if w.phase == PhaseStable || w.phase == PhaseOverflowSuspected || w.phase == PhaseOverflowConfirmed {
		moved, err := w.borderMoved(mode)
		if err != nil {
			return w.status(), err
		}
		if !moved && w.phase == PhaseStable {
			return w.status(), nil
		}
	}

	return w.scan(mode)
}

// borderMoved re-reads the watch region [border-width, border) and reports
// whether any word stopped matching the pattern.
func (w *Watcher) borderMoved(mode target.Mode) (bool, error) {
	if w.border <= w.base {
		return true, nil
	}
	width := w.border - w.base
	if width > w.maxWatch {
		width = w.maxWatch
	}
	start := w.border - width
	buf, err := w.mem.ReadBytes(start, int(width), mode)
	if err != nil {
		return false, fmt.Errorf("stackwatch: read watch region: %w", err)
	}
	for off := 0; off+wordLen <= len(buf); off += wordLen {
		if uint32(target.Word(buf[off:], wordLen)) != w.pattern {
			return true, nil
		}
	}
	return false, nil
}

// scan walks from the base in word steps until the fill pattern ends.
func (w *Watcher) scan(mode target.Mode) (Status, error) {
	w.phase = PhaseScanning

	const chunk = 256
	var off uint64
	matched := true
	for matched && off < w.size {
		n := w.size - off
		if n > chunk {
			n = chunk
		}
		buf, err := w.mem.ReadBytes(w.base+off, int(n), mode)
		if err != nil {
			return w.status(), fmt.Errorf("stackwatch: scan at 0x%x: %w", w.base+off, err)
		}
		for i := 0; i+wordLen <= len(buf); i += wordLen {
			if uint32(target.Word(buf[i:], wordLen)) != w.pattern {
				off += uint64(i)
				matched = false
				break
			}
		}
		if matched {
			off += n
		}
	}

	if off == 0 {
		// The very first word already fails. Without having seen the pattern
		// before, "never filled" and "already overflowed" are the same bytes;
		// only escalate once the pattern was observed on a prior scan.
		if !w.patternEverFound {
			w.phase = PhaseScanning
			w.border = 0
			return w.status(), nil
		}
		if w.phase == PhaseOverflowSuspected || w.phase == PhaseOverflowConfirmed {
			w.phase = PhaseOverflowConfirmed
		} else {
			w.phase = PhaseOverflowSuspected
		}
		w.border = w.base
		return w.status(), nil
	}

	w.patternEverFound = true
	w.border = w.base + off
	w.phase = PhaseStable
	return w.status(), nil
}

func (w *Watcher) status() Status {
	st := Status{Phase: w.phase, Border: w.border}
	switch w.phase {
	case PhaseStable:
		if w.size > 0 {
			st.HighWater = w.base + w.size - w.border
			st.Display = fmt.Sprintf("high water %s of %s",
				humanize.IBytes(st.HighWater), humanize.IBytes(w.size))
		} else {
			st.Display = fmt.Sprintf("high water border at 0x%x", w.border)
		}
	case PhaseOverflowSuspected, PhaseOverflowConfirmed:
		st.HighWater = w.size
		st.Display = st.Phase.String()
	case PhaseScanning:
		if !w.patternEverFound {
			st.Display = fmt.Sprintf("unused stack is not filled with pattern 0x%08X", w.pattern)
		} else {
			st.Display = "scanning"
		}
	default:
		st.Display = "unknown"
	}
	return st
}
