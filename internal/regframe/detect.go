package regframe

import (
	"bytes"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"

	"rtospect/internal/target"
)

// tstLRFP is the Thumb-2 encoding of "tst lr, #0x10", the test every
// FP-aware context-switch entry performs on EXC_RETURN before stacking
// S16-S31. Its presence in the handler marks an FP-saving port build.
var tstLRFP = []byte{0x1e, 0xf0, 0x10, 0x0f}

// DetectVariant decides which stack-frame layout a kernel build uses by
// inspecting the generated code of its context-switch entry. Detection runs
// once per session; the caller memoizes the result.
//
// 64-bit ports are disassembled and classified by whether the entry stores
// vector registers. Thumb ports are classified by the generated byte pattern
// of the lazy-FP test, which survives compiler and optimization changes
// better than code length does.
func DetectVariant(mem target.Memory, entryAddr uint64, entryLen int, wordSize int, mode target.Mode) (string, error) {
	if entryLen <= 0 {
		return "", fmt.Errorf("regframe: context-switch entry has no known length")
	}
	code, err := mem.ReadBytes(entryAddr, entryLen, mode)
	if err != nil {
		return "", fmt.Errorf("regframe: read context-switch entry: %w", err)
	}

	if wordSize == 8 {
		if storesVectors(code) {
			return "aarch64-fp", nil
		}
		return "aarch64", nil
	}

	if bytes.Contains(code, tstLRFP) {
		return "thumb-fp", nil
	}
	return "thumb", nil
}

// storesVectors reports whether any decodable instruction in code stores a
// SIMD/FP register.
func storesVectors(code []byte) bool {
	for off := 0; off+4 <= len(code); off += 4 {
		inst, err := arm64asm.Decode(code[off : off+4])
		if err != nil {
			continue
		}
		switch inst.Op {
		case arm64asm.STP, arm64asm.STR, arm64asm.STUR:
		default:
			continue
		}
		if len(inst.Args) == 0 {
			continue
		}
		if isVectorReg(fmt.Sprint(inst.Args[0])) {
			return true
		}
	}
	return false
}

// isVectorReg matches SIMD/FP register names like D8, Q4, S16, V3 but not SP.
func isVectorReg(name string) bool {
	if len(name) < 2 {
		return false
	}
	switch name[0] {
	case 'B', 'H', 'S', 'D', 'Q', 'V':
	default:
		return false
	}
	for _, c := range name[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
