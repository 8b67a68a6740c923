package regframe

import (
	"testing"

	"rtospect/internal/target"
)

// frameImage lays out consecutive 32-bit words starting at sp.
func frameImage(t *testing.T, sp uint64, words []uint64) *target.Image {
	t.Helper()
	im := target.NewImage(sp, make([]byte, len(words)*4+64), 4)
	for i, w := range words {
		im.SetWord(sp+uint64(i)*4, 4, w)
	}
	return im
}

func regValue(f *Frame, name string) (uint64, bool) {
	for _, r := range f.Regs {
		if r.Name == name {
			return r.Value, true
		}
	}
	return 0, false
}

func TestReconstructThumbBasicFrame(t *testing.T) {
	sp := uint64(0x2000_1000)
	words := make([]uint64, 16)
	for i := range words {
		words[i] = uint64(0x100 + i)
	}
	words[15] = 0x0100_0000 // xPSR, no alignment pad
	im := frameImage(t, sp, words)

	f, err := Reconstruct(im, sp, Variants["thumb"], target.Direct)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Regs) != 16 {
		t.Fatalf("decoded %d registers, want 16", len(f.Regs))
	}
	if f.Regs[0].Name != "R4" || f.Regs[8].Name != "R0" || f.Regs[14].Name != "PC" {
		t.Errorf("register order wrong: %v %v %v", f.Regs[0].Name, f.Regs[8].Name, f.Regs[14].Name)
	}
	if pc, _ := regValue(f, "PC"); pc != 0x10e {
		t.Errorf("PC = 0x%x", pc)
	}
	if f.FinalSP != sp+16*4 {
		t.Errorf("FinalSP = 0x%x, want 0x%x", f.FinalSP, sp+16*4)
	}
}

func TestReconstructThumbAlignmentPad(t *testing.T) {
	sp := uint64(0x2000_1000)
	words := make([]uint64, 16)
	words[15] = 1 << 9 // xPSR pad bit: one extra word on exception return
	im := frameImage(t, sp, words)

	f, err := Reconstruct(im, sp, Variants["thumb"], target.Direct)
	if err != nil {
		t.Fatal(err)
	}
	if f.FinalSP != sp+17*4 {
		t.Errorf("FinalSP = 0x%x, want pad included 0x%x", f.FinalSP, sp+17*4)
	}
}

func TestReconstructThumbFPInactive(t *testing.T) {
	sp := uint64(0x2000_1000)
	// EXC_RETURN with bit 4 set: no FP context stacked.
	words := append([]uint64{0xFFFF_FFFD}, make([]uint64, 16)...)
	im := frameImage(t, sp, words)

	f, err := Reconstruct(im, sp, Variants["thumb-fp"], target.Direct)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Regs) != 17 {
		t.Fatalf("decoded %d registers, want 17 (no S block)", len(f.Regs))
	}
	for _, r := range f.Regs {
		if r.Name[0] == 'S' && r.Name != "SP" {
			t.Errorf("FP register %s decoded despite inactive FP context", r.Name)
		}
	}
	if f.FinalSP != sp+17*4 {
		t.Errorf("FinalSP = 0x%x", f.FinalSP)
	}
}

func TestReconstructThumbFPActive(t *testing.T) {
	sp := uint64(0x2000_1000)
	// EXC_RETURN with bit 4 clear: S16-S31, hardware frame, S0-S15 + FPSCR.
	words := append([]uint64{0xFFFF_FFED}, make([]uint64, 50)...)
	im := frameImage(t, sp, words)

	f, err := Reconstruct(im, sp, Variants["thumb-fp"], target.Direct)
	if err != nil {
		t.Fatal(err)
	}
	// 1 EXC_RETURN + 8 R4-R11 + 16 S16-S31 + 8 hw + 16 S0-S15 + FPSCR + reserved.
	if len(f.Regs) != 51 {
		t.Fatalf("decoded %d registers, want 51", len(f.Regs))
	}
	if _, ok := regValue(f, "S16"); !ok {
		t.Error("S16 missing from active FP frame")
	}
	if _, ok := regValue(f, "FPSCR"); !ok {
		t.Error("FPSCR missing from active FP frame")
	}
	if f.FinalSP != sp+51*4 {
		t.Errorf("FinalSP = 0x%x, want 0x%x", f.FinalSP, sp+51*4)
	}
}

func TestReconstructAArch64(t *testing.T) {
	sp := uint64(0x4000_0000)
	words := make([]uint64, 14)
	im := target.NewImage(sp, make([]byte, len(words)*8+64), 8)
	for i := range words {
		im.SetWord(sp+uint64(i)*8, 8, uint64(0x1000+i))
	}

	f, err := Reconstruct(im, sp, Variants["aarch64"], target.Direct)
	if err != nil {
		t.Fatal(err)
	}
	// SPSR + ELR + X19..X30.
	if len(f.Regs) != 14 {
		t.Fatalf("decoded %d registers, want 14", len(f.Regs))
	}
	if elr, _ := regValue(f, "ELR"); elr != 0x1001 {
		t.Errorf("ELR = 0x%x", elr)
	}
	if f.FinalSP != sp+14*8 {
		t.Errorf("FinalSP = 0x%x", f.FinalSP)
	}
}

func TestDetectThumbVariants(t *testing.T) {
	base := uint64(0x0800_0000)

	plain := make([]byte, 32)
	im := target.NewImage(base, plain, 4)
	v, err := DetectVariant(im, base, len(plain), 4, target.Direct)
	if err != nil || v != "thumb" {
		t.Errorf("plain entry: %q, %v", v, err)
	}

	// Entry containing the lazy-FP test on EXC_RETURN.
	withTST := make([]byte, 32)
	copy(withTST[12:], tstLRFP)
	im = target.NewImage(base, withTST, 4)
	v, err = DetectVariant(im, base, len(withTST), 4, target.Direct)
	if err != nil || v != "thumb-fp" {
		t.Errorf("FP entry: %q, %v", v, err)
	}
}

func TestDetectAArch64(t *testing.T) {
	base := uint64(0x4000_0000)
	code := make([]byte, 16)
	// Four NOPs: no vector stores anywhere.
	for off := 0; off < 16; off += 4 {
		copy(code[off:], []byte{0x1f, 0x20, 0x03, 0xd5})
	}
	im := target.NewImage(base, code, 8)
	v, err := DetectVariant(im, base, len(code), 8, target.Direct)
	if err != nil || v != "aarch64" {
		t.Errorf("NOP entry: %q, %v", v, err)
	}

	// str d8, [sp]: a SIMD store marks the FP-saving build.
	copy(code[8:], []byte{0xe8, 0x03, 0x00, 0xfd})
	im = target.NewImage(base, code, 8)
	v, err = DetectVariant(im, base, len(code), 8, target.Direct)
	if err != nil || v != "aarch64-fp" {
		t.Errorf("FP entry: %q, %v", v, err)
	}
}

func TestDetectRejectsEmptyEntry(t *testing.T) {
	im := target.NewImage(0, make([]byte, 4), 4)
	if _, err := DetectVariant(im, 0, 0, 4, target.Direct); err == nil {
		t.Error("zero-length entry accepted")
	}
}

func TestVariantTablesAreConsistent(t *testing.T) {
	for name, lay := range Variants {
		if lay.Name != name {
			t.Errorf("variant %q names itself %q", name, lay.Name)
		}
		if lay.WordSize != 4 && lay.WordSize != 8 {
			t.Errorf("variant %q word size %d", name, lay.WordSize)
		}
		seen := make(map[string]bool)
		for _, e := range lay.Entries {
			if e.Words == 1 && seen[e.Reg] {
				t.Errorf("variant %q repeats register %s", name, e.Reg)
			}
			seen[e.Reg] = true
			if e.Cond == CondFPActive && lay.FlagReg == "" {
				t.Errorf("variant %q gates %s on a flag register it never names", name, e.Reg)
			}
		}
	}
}
