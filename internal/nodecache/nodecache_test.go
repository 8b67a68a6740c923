package nodecache

import (
	"testing"

	"rtospect/internal/target"
)

// countingMem counts reads hitting the underlying image.
type countingMem struct {
	*target.Image
	reads int
}

func (m *countingMem) ReadBytes(addr uint64, n int, mode target.Mode) ([]byte, error) {
	m.reads++
	return m.Image.ReadBytes(addr, n, mode)
}

// node field offsets used throughout: next at +4, owner at +12 (owner after
// next, as on the target).
const (
	nextOff  = 4
	ownerOff = 12
)

func writeNode(im *target.Image, addr, owner, next uint64) {
	im.SetWord(addr+ownerOff, 4, owner)
	im.SetWord(addr+nextOff, 4, next)
}

func TestReadCoversBothFieldOrders(t *testing.T) {
	im := target.NewImage(0x1000, make([]byte, 256), 4)
	writeNode(im, 0x1020, 0xaaaa, 0xbbbb)

	for _, tc := range []struct {
		name         string
		owner, next  uint64
		wantO, wantN uint64
	}{
		{"owner high", ownerOff, nextOff, 0xaaaa, 0xbbbb},
		{"owner low", nextOff, ownerOff, 0xbbbb, 0xaaaa},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := New(im, tc.owner, tc.next, 4)
			h := c.Provide(0x1020)
			o, n, err := c.Read(h, target.Cached)
			if err != nil {
				t.Fatal(err)
			}
			if o != tc.wantO || n != tc.wantN {
				t.Errorf("Read = (0x%x, 0x%x), want (0x%x, 0x%x)", o, n, tc.wantO, tc.wantN)
			}
		})
	}
}

func TestProvideMemoizesAndReadCaches(t *testing.T) {
	im := target.NewImage(0x1000, make([]byte, 256), 4)
	writeNode(im, 0x1020, 0xaaaa, 0xbbbb)
	mem := &countingMem{Image: im}
	c := New(mem, ownerOff, nextOff, 4)

	h1 := c.Provide(0x1020)
	h2 := c.Provide(0x1020)
	if h1 != h2 {
		t.Fatal("Provide returned distinct handles for one address")
	}

	for i := 0; i < 5; i++ {
		if _, _, err := c.Read(h1, target.Cached); err != nil {
			t.Fatal(err)
		}
	}
	if mem.reads != 1 {
		t.Errorf("cached reads hit target %d times, want 1", mem.reads)
	}

	// Direct always refetches.
	if _, _, err := c.Read(h1, target.Direct); err != nil {
		t.Fatal(err)
	}
	if mem.reads != 2 {
		t.Errorf("direct read did not hit target (reads = %d)", mem.reads)
	}

	// A new generation refetches on first cached use.
	c.NextGeneration()
	if _, _, err := c.Read(h1, target.Cached); err != nil {
		t.Fatal(err)
	}
	if mem.reads != 3 {
		t.Errorf("new generation reused stale bytes (reads = %d)", mem.reads)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	im := target.NewImage(0x1000, make([]byte, 256), 4)
	writeNode(im, 0x1020, 0xaaaa, 0xbbbb)
	mem := &countingMem{Image: im}
	c := New(mem, ownerOff, nextOff, 4)

	h := c.Provide(0x1020)
	if _, _, err := c.Read(h, target.Cached); err != nil {
		t.Fatal(err)
	}

	writeNode(im, 0x1020, 0xcccc, 0xdddd)
	c.Invalidate(h)

	o, n, err := c.Read(h, target.Cached)
	if err != nil {
		t.Fatal(err)
	}
	if o != 0xcccc || n != 0xdddd {
		t.Errorf("after invalidate Read = (0x%x, 0x%x), want fresh values", o, n)
	}
	if mem.reads != 2 {
		t.Errorf("reads = %d, want 2", mem.reads)
	}
}

func TestSuspendedHandleSkipsBackgroundRefresh(t *testing.T) {
	im := target.NewImage(0x1000, make([]byte, 256), 4)
	writeNode(im, 0x1020, 0xaaaa, 0xbbbb)
	mem := &countingMem{Image: im}
	c := New(mem, ownerOff, nextOff, 4)

	h := c.Provide(0x1020)
	if _, _, err := c.Read(h, target.Cached); err != nil {
		t.Fatal(err)
	}
	c.Suspend(h, true)

	// Background polls cross generations; a suspended handle keeps serving
	// its cached identity without target traffic.
	c.NextGeneration()
	o, _, err := c.Read(h, target.Cached)
	if err != nil {
		t.Fatal(err)
	}
	if o != 0xaaaa {
		t.Errorf("suspended read = 0x%x, want cached 0xaaaa", o)
	}
	if mem.reads != 1 {
		t.Errorf("suspended handle hit target (reads = %d)", mem.reads)
	}

	// Resuming does not discard the identity.
	c.Suspend(h, false)
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}
