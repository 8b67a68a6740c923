// Package syncobj classifies and decodes kernel synchronization primitives.
//
// Queues, semaphores and mutexes share one control block on the target, so
// the static type name only narrows the kind. The decoder settles Semaphore
// vs Mutex at refresh time from the holder field: the kernel parks a
// self-pointer there for plain counting semaphores, while a mutex holds the
// owning task's control block address (or null when free).
package syncobj

import (
	"fmt"
	"sort"

	"rtospect/internal/kerndiag"
	"rtospect/internal/listwalk"
	"rtospect/internal/nodecache"
	"rtospect/internal/target"
)

// Kind is the detected primitive kind.
type Kind int

const (
	KindQueue Kind = iota
	KindSemaphore
	KindBinarySemaphore
	KindMutex
)

func (k Kind) String() string {
	switch k {
	case KindQueue:
		return "Queue"
	case KindSemaphore:
		return "Semaphore"
	case KindBinarySemaphore:
		return "BinarySemaphore"
	case KindMutex:
		return "Mutex"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Declared is what the global symbol's static type promises: an expected
// kind, and whether the symbol itself is a pointer needing one indirection
// before the control block.
type Declared struct {
	Kind     Kind
	Indirect bool
}

// ClassifyTypeName maps a declared kernel type name to its expectation.
func ClassifyTypeName(typeName string) (Declared, bool) {
	switch typeName {
	case "QueueDefinition", "xQUEUE", "Queue_t":
		return Declared{Kind: KindQueue}, false
	case "QueueHandle_t":
		return Declared{Kind: KindQueue, Indirect: true}, true
	case "SemaphoreHandle_t":
		return Declared{Kind: KindSemaphore, Indirect: true}, true
	default:
		return Declared{}, false
	}
}

// Layout carries the resolved control-block offsets plus the geometry needed
// to walk the two per-queue wait lists.
type Layout struct {
	Waiting   target.Field // current message / token count
	Capacity  target.Field // queue length or semaphore ceiling
	Holder    target.Field // mutex holder / semaphore self-pointer
	Recursion target.Field // recursive take depth

	RecvListOff uint64 // offset of the waiting-to-receive list in the block
	SendListOff uint64 // offset of the waiting-to-send list in the block
	ListEndOff  uint64 // offset of the sentinel node within a list struct
}

// Record is one decoded primitive. Addr is the stable identity key.
type Record struct {
	Addr      uint64
	Kind      Kind
	Count     uint64
	Capacity  uint64
	Holder    uint64 // 0 when free or not a mutex
	Recursion uint64

	WaitingToRecv []uint64 // task addresses, ascending
	WaitingToSend []uint64

	Display string // display-ready state
	Plot    int64  // numeric series value for plotting
	Diags   []kerndiag.Diag
}

// Decoder renders primitives against one resolved layout. The wait lists are
// walked through a node cache dedicated to event list items, so watching
// queues does not evict task-state nodes.
type Decoder struct {
	mem        target.Memory
	lay        Layout
	events     *nodecache.Cache
	itemOffset uint64 // event list item offset within the task control block
	ptrSize    int
	maxWaiters int
	nameFn     func(addr uint64) string
}

// NewDecoder wires a decoder. nameFn resolves a holder address to a display
// name and may be nil. maxWaiters bounds each wait-list walk.
func NewDecoder(mem target.Memory, lay Layout, events *nodecache.Cache,
	eventItemOffset uint64, ptrSize, maxWaiters int, nameFn func(uint64) string) *Decoder {
	if maxWaiters <= 0 {
		maxWaiters = 4096
	}
	return &Decoder{
		mem:        mem,
		lay:        lay,
		events:     events,
		itemOffset: eventItemOffset,
		ptrSize:    ptrSize,
		maxWaiters: maxWaiters,
		nameFn:     nameFn,
	}
}

// Refresh decodes the primitive at addr. Wait lists are walked only when
// withWaiters is set; a plain state poll skips those extra reads.
func (d *Decoder) Refresh(addr uint64, declared Declared, mode target.Mode, withWaiters bool) (*Record, error) {
	var diags kerndiag.Diags

	obj := addr
	if declared.Indirect {
		p, err := target.ReadWord(d.mem, addr, d.ptrSize, mode)
		if err != nil {
			return nil, fmt.Errorf("syncobj: dereference handle at 0x%x: %w", addr, err)
		}
		if p == 0 {
			return nil, fmt.Errorf("syncobj: handle at 0x%x is null", addr)
		}
		obj = p
	}

	rec := &Record{Addr: obj, Kind: declared.Kind}

	var err error
	if rec.Count, err = d.readField(obj, d.lay.Waiting, mode); err != nil {
		return nil, fmt.Errorf("syncobj: read count of 0x%x: %w", obj, err)
	}
	if rec.Capacity, err = d.readField(obj, d.lay.Capacity, mode); err != nil {
		return nil, fmt.Errorf("syncobj: read capacity of 0x%x: %w", obj, err)
	}

	if declared.Kind != KindQueue {
		holder, err := d.readField(obj, d.lay.Holder, mode)
		if err != nil {
			diags.Addf(obj, kerndiag.DiagTruncated, "read holder: %v", err)
		} else if holder == obj {
			// Self-pointer convention: a semaphore, binary when its ceiling
			// is a single token.
			rec.Kind = KindSemaphore
			if rec.Capacity == 1 {
				rec.Kind = KindBinarySemaphore
			}
		} else {
			rec.Kind = KindMutex
			rec.Holder = holder
			if rec.Recursion, err = d.readField(obj, d.lay.Recursion, mode); err != nil {
				diags.Addf(obj, kerndiag.DiagTruncated, "read recursion depth: %v", err)
			}
		}
	}

	d.render(rec)

	if withWaiters {
		rec.WaitingToRecv = d.walkWaitList(obj+d.lay.RecvListOff, listwalk.EventRecv, mode, &diags)
		rec.WaitingToSend = d.walkWaitList(obj+d.lay.SendListOff, listwalk.EventSend, mode, &diags)
	}

	rec.Diags = diags.Items()
	return rec, nil
}

func (d *Decoder) readField(obj uint64, f target.Field, mode target.Mode) (uint64, error) {
	return target.ReadWord(d.mem, obj+f.Offset, int(f.Size), mode)
}

// render fills Display and Plot according to the detected kind.
func (d *Decoder) render(rec *Record) {
	switch rec.Kind {
	case KindMutex:
		switch {
		case rec.Count != 0:
			rec.Display = "free"
			rec.Plot = 0 // force 0 so held/free plots stay comparable
		case rec.Holder != 0:
			name := fmt.Sprintf("0x%x", rec.Holder)
			if d.nameFn != nil {
				name = d.nameFn(rec.Holder)
			}
			rec.Display = "taken by " + name
			if rec.Recursion >= 1 {
				rec.Display += fmt.Sprintf(" (recursion = %d)", rec.Recursion)
			}
			rec.Plot = int64(rec.Recursion) + 1
		default:
			rec.Display = "taken"
			rec.Plot = 1
		}
	default:
		rec.Display = fmt.Sprintf("%d/%d", rec.Count, rec.Capacity)
		rec.Plot = int64(rec.Count)
	}
}

// walkWaitList walks one wait list restricted to this primitive, reusing the
// shared discovery machinery against the event-item cache.
func (d *Decoder) walkWaitList(listAddr uint64, cat listwalk.Category, mode target.Mode, diags *kerndiag.Diags) []uint64 {
	desc := listwalk.Descriptor{
		Name:       string(cat),
		Sentinel:   listAddr + d.lay.ListEndOff,
		Category:   cat,
		ItemOffset: d.itemOffset,
	}
	found := make(map[uint64]listwalk.Category)
	visited := make(map[uint64]bool)
	listwalk.Walk(d.events, desc, desc.Sentinel, visited, d.maxWaiters, mode, found, diags)

	out := make([]uint64, 0, len(found))
	for addr := range found {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
