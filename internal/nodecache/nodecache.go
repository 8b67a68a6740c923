// Package nodecache batches and memoizes list-node reads keyed by address.
//
// One kernel list item carries an owner pointer and a next pointer. The cache
// fetches both with a single contiguous read sized to cover the two fields
// regardless of their relative order, and hands out one Handle per distinct
// node address so repeated walker passes touch the target once per node.
package nodecache

import (
	"sync"

	"rtospect/internal/target"
)

// Handle is the memoized view of one list node. Handles stay valid for the
// life of the cache; Invalidate only drops the cached bytes.
type Handle struct {
	addr      uint64
	valid     bool
	gen       uint64
	owner     uint64
	next      uint64
	suspended bool
}

// Addr returns the node address this handle tracks.
func (h *Handle) Addr() uint64 { return h.addr }

// Cache memoizes node reads for one list-item variant (task-state items and
// event items have different field offsets, so they get separate caches).
// The handle table is shared by several logical consumers; a single mutex
// guards it, per the session concurrency model.
type Cache struct {
	mu       sync.Mutex
	mem      target.Memory
	ownerOff uint64
	nextOff  uint64
	ptrSize  int

	spanOff uint64 // min(ownerOff, nextOff)
	spanLen int    // covers both fields in one read

	gen     uint64
	handles map[uint64]*Handle
}

// New builds a cache for nodes whose owner and next pointers sit at the given
// offsets within the list-item struct.
func New(mem target.Memory, ownerOff, nextOff uint64, ptrSize int) *Cache {
	lo, hi := ownerOff, nextOff
	if hi < lo {
		lo, hi = hi, lo
	}
	return &Cache{
		mem:      mem,
		ownerOff: ownerOff,
		nextOff:  nextOff,
		ptrSize:  ptrSize,
		spanOff:  lo,
		spanLen:  int(hi-lo) + ptrSize,
		gen:      1,
		handles:  make(map[uint64]*Handle),
	}
}

// Provide returns the handle for a node address, creating it on first use.
func (c *Cache) Provide(addr uint64) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[addr]
	if !ok {
		h = &Handle{addr: addr}
		c.handles[addr] = h
	}
	return h
}

// Read returns the node's owner and next pointers. Cached mode reuses bytes
// fetched earlier in the same generation; Direct always refetches. Suspended
// handles serve whatever they already hold and are not refreshed by Cached
// reads from background polls.
func (c *Cache) Read(h *Handle, mode target.Mode) (owner, next uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if mode == target.Cached && h.valid && (h.gen == c.gen || h.suspended) {
		return h.owner, h.next, nil
	}
	if h.suspended && mode == target.Cached {
		// No cached bytes yet; a suspended handle still answers, it just
		// will not be kept fresh afterwards.
		mode = target.Direct
	}

	buf, err := c.mem.ReadBytes(h.addr+c.spanOff, c.spanLen, mode)
	if err != nil {
		return 0, 0, err
	}
	h.owner = target.Word(buf[c.ownerOff-c.spanOff:], c.ptrSize)
	h.next = target.Word(buf[c.nextOff-c.spanOff:], c.ptrSize)
	h.valid = true
	h.gen = c.gen
	return h.owner, h.next, nil
}

// Invalidate drops the cached bytes so the next read refetches. Callers must
// invalidate on an owner mismatch: the bytes describe a freed or reused node
// and may not be trusted by a later pass.
func (c *Cache) Invalidate(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h.valid = false
}

// Suspend marks a handle as not currently displayed: background cached
// refreshes skip it, bounding read volume. Clearing the flag never discards
// the cached identity.
func (c *Cache) Suspend(h *Handle, suspended bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h.suspended = suspended
}

// NextGeneration starts a new discovery pass: cached entries from earlier
// generations are refetched on first use instead of reused.
func (c *Cache) NextGeneration() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
}

// Len reports how many distinct node addresses have been touched.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}
