package stackwatch

import (
	"strings"
	"testing"

	"rtospect/internal/target"
)

const pattern = 0xA5A5A5A5

// fillStack builds a stack region of size bytes filled with the pattern from
// the base up to usedFrom, and junk beyond it.
func fillStack(t *testing.T, size, usedFrom uint64) *target.Image {
	t.Helper()
	im := target.NewImage(0x2000_0000, make([]byte, size), 4)
	for off := uint64(0); off < size; off += 4 {
		if off < usedFrom {
			im.SetWord(im.Base+off, 4, pattern)
		} else {
			im.SetWord(im.Base+off, 4, 0x11223344)
		}
	}
	return im
}

func TestBorderAtFinalWord(t *testing.T) {
	const size = 64
	im := fillStack(t, size, size-4)
	w := New(im, im.Base, size, pattern, 32)

	st, err := w.Check(target.Direct)
	if err != nil {
		t.Fatal(err)
	}
	if st.Phase != PhaseStable {
		t.Fatalf("Phase = %v", st.Phase)
	}
	if st.Border != im.Base+size-4 {
		t.Errorf("Border = 0x%x, want 0x%x", st.Border, im.Base+size-4)
	}
	if st.HighWater != 4 {
		t.Errorf("HighWater = %d, want 4", st.HighWater)
	}
}

func TestPatternNeverFoundIsNotOverflow(t *testing.T) {
	im := fillStack(t, 64, 0) // no pattern anywhere
	w := New(im, im.Base, 64, pattern, 32)

	st, err := w.Check(target.Direct)
	if err != nil {
		t.Fatal(err)
	}
	if st.Phase == PhaseOverflowSuspected || st.Phase == PhaseOverflowConfirmed {
		t.Fatalf("first observation reported overflow: %v", st.Phase)
	}
	if !strings.Contains(st.Display, "not filled with pattern 0xA5A5A5A5") {
		t.Errorf("Display = %q", st.Display)
	}
}

func TestOverflowAfterPatternOnceSeen(t *testing.T) {
	im := fillStack(t, 64, 32)
	w := New(im, im.Base, 64, pattern, 16)

	if st, err := w.Check(target.Direct); err != nil || st.Phase != PhaseStable {
		t.Fatalf("initial check: %v %v", st.Phase, err)
	}

	// The whole region gets clobbered: the stack ran past its base.
	for off := uint64(0); off < 64; off += 4 {
		im.SetWord(im.Base+off, 4, 0xdeadbeef)
	}

	st, err := w.Check(target.Direct)
	if err != nil {
		t.Fatal(err)
	}
	if st.Phase != PhaseOverflowSuspected {
		t.Fatalf("Phase = %v, want suspected first", st.Phase)
	}
	st, err = w.Check(target.Direct)
	if err != nil {
		t.Fatal(err)
	}
	if st.Phase != PhaseOverflowConfirmed {
		t.Errorf("Phase = %v, want confirmed on re-check", st.Phase)
	}
}

func TestWatchRegionTriggersRescan(t *testing.T) {
	im := fillStack(t, 128, 64)
	w := New(im, im.Base, 128, pattern, 16)

	st, err := w.Check(target.Direct)
	if err != nil || st.Border != im.Base+64 {
		t.Fatalf("initial border = 0x%x, err %v", st.Border, err)
	}

	// Stable border, untouched memory: the next check stays put.
	st, err = w.Check(target.Direct)
	if err != nil || st.Border != im.Base+64 {
		t.Fatalf("stable border moved: 0x%x, err %v", st.Border, err)
	}

	// The stack grows deeper: words just below the border stop matching.
	im.SetWord(im.Base+56, 4, 0xfeedface)
	im.SetWord(im.Base+60, 4, 0xfeedface)

	st, err = w.Check(target.Direct)
	if err != nil {
		t.Fatal(err)
	}
	if st.Phase != PhaseStable || st.Border != im.Base+56 {
		t.Errorf("after move: phase %v border 0x%x, want stable 0x%x", st.Phase, st.Border, im.Base+56)
	}
}

func TestSuspendedWatcherSkipsCachedChecks(t *testing.T) {
	im := fillStack(t, 64, 32)
	w := New(im, im.Base, 64, pattern, 16)
	if _, err := w.Check(target.Direct); err != nil {
		t.Fatal(err)
	}
	w.Suspend(true)

	im.SetWord(im.Base+16, 4, 0xdeadbeef)
	st, err := w.Check(target.Cached)
	if err != nil {
		t.Fatal(err)
	}
	if st.Border != im.Base+32 {
		t.Errorf("suspended cached check moved the border to 0x%x", st.Border)
	}

	// A direct check still works while suspended.
	st, err = w.Check(target.Direct)
	if err != nil {
		t.Fatal(err)
	}
	if st.Border != im.Base+16 {
		t.Errorf("direct check border = 0x%x, want 0x%x", st.Border, im.Base+16)
	}
}

func TestEstimate(t *testing.T) {
	u := Estimate(0x2000_00d0, 0x2000_0000, 0x100)
	if u.Used != 0x30 || u.Remaining != 0xd0 {
		t.Errorf("Used=%d Remaining=%d", u.Used, u.Remaining)
	}
	if u.Display != "48 B/256 B" {
		t.Errorf("Display = %q", u.Display)
	}

	u = Estimate(0x2000_0100, 0x2000_0000, 0)
	if u.Display != "(256 bytes remaining)" {
		t.Errorf("unknown size Display = %q", u.Display)
	}

	u = Estimate(0x1fff_0000, 0x2000_0000, 0x100)
	if !strings.Contains(u.Display, "below stack base") {
		t.Errorf("underflow Display = %q", u.Display)
	}
}
