// Package regframe rebuilds a task's saved register frame from its stored
// stack pointer.
//
// What the context switch pushes differs per core variant, FPU configuration
// and kernel port, so layouts are data: an ordered list of register entries
// with conditional sub-blocks. The floating-point blocks are gated by a flag
// bit in the saved link register, and a status-register bit signals one
// alignment padding word before the pre-exception stack pointer.
package regframe

import (
	"fmt"

	"rtospect/internal/target"
)

// Cond gates an entry on state decoded earlier in the same frame.
type Cond int

const (
	CondAlways  Cond = iota
	CondFPActive     // link-register FP flag says an FP context was stacked
)

// Entry is one run of saved registers. Words > 1 expands to Reg0..RegN-1.
type Entry struct {
	Reg   string
	Words int
	Cond  Cond
}

// Layout names one stack-frame variant.
type Layout struct {
	Name     string
	WordSize int
	Entries  []Entry

	// FlagReg's value gates CondFPActive entries: the FP context was stacked
	// when the masked bit is clear (Inverted) or set.
	FlagReg      string
	FlagMask     uint64
	FlagInverted bool

	// PSRReg's PadMask bit signals one alignment padding word restored on
	// exception return, after the hardware frame.
	PSRReg  string
	PadMask uint64
}

// RegValue is one labeled word from the frame, in stacking order.
type RegValue struct {
	Name  string
	Value uint64
}

// Frame is a reconstructed register frame. FinalSP is the stack pointer the
// task resumes with, alignment padding included.
type Frame struct {
	Layout  string
	Regs    []RegValue
	FinalSP uint64
}

// Variants holds the known stack-frame layouts by name.
var Variants = map[string]Layout{
	// Thumb port without FP context saving: software-pushed callee-saved
	// block, then the hardware exception frame.
	"thumb": {
		Name:     "thumb",
		WordSize: 4,
		Entries: append(
			rng("R", 4, 12, CondAlways),
			Entry{Reg: "R0", Words: 1}, Entry{Reg: "R1", Words: 1},
			Entry{Reg: "R2", Words: 1}, Entry{Reg: "R3", Words: 1},
			Entry{Reg: "R12", Words: 1}, Entry{Reg: "LR", Words: 1},
			Entry{Reg: "PC", Words: 1}, Entry{Reg: "xPSR", Words: 1},
		),
		PSRReg:  "xPSR",
		PadMask: 1 << 9,
	},

	// Thumb port with lazy FP stacking: the saved EXC_RETURN decides whether
	// the S16-S31 block (software) and S0-S15 + FPSCR block (hardware) exist.
	"thumb-fp": {
		Name:     "thumb-fp",
		WordSize: 4,
		Entries: concat(
			[]Entry{{Reg: "EXC_RETURN", Words: 1}},
			rng("R", 4, 12, CondAlways),
			rng("S", 16, 32, CondFPActive),
			[]Entry{
				{Reg: "R0", Words: 1}, {Reg: "R1", Words: 1},
				{Reg: "R2", Words: 1}, {Reg: "R3", Words: 1},
				{Reg: "R12", Words: 1}, {Reg: "LR", Words: 1},
				{Reg: "PC", Words: 1}, {Reg: "xPSR", Words: 1},
			},
			rng("S", 0, 16, CondFPActive),
			[]Entry{
				{Reg: "FPSCR", Words: 1, Cond: CondFPActive},
				{Reg: "FP_RSVD", Words: 1, Cond: CondFPActive},
			},
		),
		FlagReg:      "EXC_RETURN",
		FlagMask:     1 << 4,
		FlagInverted: true, // bit clear means FP context stacked
		PSRReg:       "xPSR",
		PadMask:      1 << 9,
	},

	// 64-bit application-core port: general-purpose pairs pushed by the
	// context switch, exception state, no lazy FP gating.
	"aarch64": {
		Name:     "aarch64",
		WordSize: 8,
		Entries: concat(
			[]Entry{{Reg: "SPSR", Words: 1}, {Reg: "ELR", Words: 1}},
			rng("X", 19, 31, CondAlways), // X19..X30
		),
	},

	// 64-bit port with FP context saving enabled for every task.
	"aarch64-fp": {
		Name:     "aarch64-fp",
		WordSize: 8,
		Entries: concat(
			[]Entry{{Reg: "SPSR", Words: 1}, {Reg: "ELR", Words: 1}},
			rng("V", 8, 16, CondAlways),
			rng("X", 19, 31, CondAlways),
		),
	},
}

// rng builds single-word entries Prefix<lo>..Prefix<hi-1>.
func rng(prefix string, lo, hi int, cond Cond) []Entry {
	out := make([]Entry, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, Entry{Reg: fmt.Sprintf("%s%d", prefix, i), Words: 1, Cond: cond})
	}
	return out
}

func concat(groups ...[]Entry) []Entry {
	var out []Entry
	for _, g := range groups {
		for _, e := range g {
			if e.Words > 0 {
				out = append(out, e)
			}
		}
	}
	return out
}

// Reconstruct reads the frame stored at sp and labels each word per the
// layout. Conditional blocks are resolved as the read progresses, so the
// frame length is not known until the flag registers have been decoded.
func Reconstruct(mem target.Memory, sp uint64, lay Layout, mode target.Mode) (*Frame, error) {
	f := &Frame{Layout: lay.Name}
	pos := sp
	values := make(map[string]uint64)

	fpActive := false
	fpKnown := lay.FlagReg == ""

	for _, e := range lay.Entries {
		if e.Cond == CondFPActive {
			if !fpKnown {
				flag, ok := values[lay.FlagReg]
				if !ok {
					return nil, fmt.Errorf("regframe: %s: flag register %s not yet read", lay.Name, lay.FlagReg)
				}
				set := flag&lay.FlagMask != 0
				fpActive = set != lay.FlagInverted
				fpKnown = true
			}
			if !fpActive {
				continue
			}
		}
		for i := 0; i < e.Words; i++ {
			v, err := target.ReadWord(mem, pos, lay.WordSize, mode)
			if err != nil {
				return nil, fmt.Errorf("regframe: %s: read %s at 0x%x: %w", lay.Name, e.Reg, pos, err)
			}
			name := e.Reg
			if e.Words > 1 {
				name = fmt.Sprintf("%s+%d", e.Reg, i)
			}
			f.Regs = append(f.Regs, RegValue{Name: name, Value: v})
			values[name] = v
			pos += uint64(lay.WordSize)
		}
	}

	if lay.PSRReg != "" {
		if psr, ok := values[lay.PSRReg]; ok && psr&lay.PadMask != 0 {
			pos += uint64(lay.WordSize)
		}
	}
	f.FinalSP = pos
	return f, nil
}
