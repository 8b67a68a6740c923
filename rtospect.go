// Package rtospect reconstructs the live internal state of a preemptive
// embedded RTOS kernel — task lists, synchronization objects, heap allocator
// state, per-task stacks and register frames — by reading byte ranges out of
// a running target over a debug connection, using compile-time struct
// layouts resolved from the target's symbols.
//
// The engine never controls the target and cannot freeze it; consistency
// across reads comes from the discovery reconciliation protocol, not from
// locking. Every public entry point returns either a (possibly partial)
// result carrying diagnostics, or a clearly tagged unavailable state.
package rtospect

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"rtospect/internal/config"
	"rtospect/internal/discover"
	"rtospect/internal/heapwalk"
	"rtospect/internal/kerndiag"
	"rtospect/internal/listwalk"
	"rtospect/internal/nodecache"
	"rtospect/internal/regframe"
	"rtospect/internal/stackwatch"
	"rtospect/internal/syncobj"
	"rtospect/internal/target"
	"rtospect/internal/waitgraph"
)

// Well-known kernel symbol names.
const (
	SymReadyLists    = "pxReadyTasksLists"
	SymDelayed1      = "xDelayedTaskList1"
	SymDelayed2      = "xDelayedTaskList2"
	SymPendingReady  = "xPendingReadyList"
	SymSuspended     = "xSuspendedTaskList"
	SymTerminating   = "xTasksWaitingTermination"
	SymTaskCount     = "uxCurrentNumberOfTasks"
	SymCurrentTCB    = "pxCurrentTCB"
	SymHeap          = "ucHeap"
	SymSwitchContext = "xPortPendSVHandler"
)

// Kernel struct names as they appear in debug info.
const (
	structListItem = "ListItem_t"
	structList     = "List_t"
	structTCB      = "TCB_t"
	structQueue    = "Queue_t"
	structHeapHdr  = "BlockLink_t"
)

// taskNameCap bounds the bytes read for a task's display name.
const taskNameCap = 32

// ErrUnavailable tags a feature whose required symbols or struct fields
// could not be resolved. The feature is disabled instead of guessing.
var ErrUnavailable = errors.New("rtospect: feature unavailable")

// Features reports which subsystems resolved their layouts.
type Features struct {
	Tasks  bool
	Queues bool
	Heap   bool
	Stacks bool
	Frames bool
}

// Session owns all per-target state: resolved layouts, the two node caches,
// the thread registry and the memoized frame-layout variant. One session per
// debug connection; refreshes are independent and safe to abandon.
type Session struct {
	mem  target.Memory
	res  target.Resolver
	tun  config.Tunables
	opts kerndiag.Options

	ptrSize  int
	features Features
	missing  map[string]error // feature -> why it is unavailable

	// Task discovery.
	taskCache *nodecache.Cache
	registry  *discover.Registry
	src       discover.Source
	tcb       *target.StructLayout

	// Queue watching.
	eventCache *nodecache.Cache
	decoder    *syncobj.Decoder

	// Heap.
	heapLay  heapwalk.Layout
	heapBase uint64
	heapSize uint64

	// Frames.
	switchAddr uint64
	switchLen  int

	mu       sync.Mutex
	variant  string // memoized frame-layout variant
	stacks   map[uint64]*stackwatch.Watcher
	watchers map[uint64]*QueueWatcher
}

// New resolves every layout up front and records which features are
// available. A missing symbol disables only its own feature; New fails only
// when nothing at all can be resolved.
func New(mem target.Memory, res target.Resolver, tun config.Tunables, opts kerndiag.Options, ptrSize int) (*Session, error) {
	if ptrSize != 4 && ptrSize != 8 {
		return nil, fmt.Errorf("rtospect: unsupported pointer size %d", ptrSize)
	}
	if err := tun.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		mem:      mem,
		res:      res,
		tun:      tun,
		opts:     opts,
		ptrSize:  ptrSize,
		missing:  make(map[string]error),
		stacks:   make(map[uint64]*stackwatch.Watcher),
		watchers: make(map[uint64]*QueueWatcher),
	}

	s.features.Tasks = s.resolveTasks() == nil
	s.features.Queues = s.resolveQueues() == nil
	s.features.Heap = s.resolveHeap() == nil
	s.features.Stacks = s.features.Tasks // needs the TCB stack fields
	s.features.Frames = s.resolveFrames() == nil

	if !s.features.Tasks && !s.features.Queues && !s.features.Heap {
		return nil, fmt.Errorf("%w: no kernel structures resolved", ErrUnavailable)
	}
	return s, nil
}

// Features reports resolved subsystems.
func (s *Session) Features() Features { return s.features }

// Unavailable explains why a feature is disabled, if it is.
func (s *Session) Unavailable(feature string) error { return s.missing[feature] }

func (s *Session) resolveTasks() error {
	fail := func(err error) error {
		s.missing["tasks"] = err
		return err
	}

	item, err := target.ResolveLayout(s.res, structListItem, s.ptrSize, []target.FieldSpec{
		{Name: "pvOwner"}, {Name: "pxNext"},
	})
	if err != nil {
		return fail(err)
	}
	ownerOff := item.MustField("pvOwner").Offset
	nextOff := item.MustField("pxNext").Offset
	s.taskCache = nodecache.New(s.mem, ownerOff, nextOff, s.ptrSize)
	s.eventCache = nodecache.New(s.mem, ownerOff, nextOff, s.ptrSize)

	endOff, ok := s.res.FieldOffset(structList, "xListEnd")
	if !ok {
		return fail(fmt.Errorf("%w: %s.xListEnd", target.ErrFieldUnavailable, structList))
	}

	s.tcb, err = target.ResolveLayout(s.res, structTCB, s.ptrSize, []target.FieldSpec{
		{Name: "xStateListItem"},
		{Name: "xEventListItem"},
		{Name: "pcTaskName", Size: taskNameCap},
		{Name: "pxTopOfStack"},
		{Name: "pxStack"},
	})
	if err != nil {
		return fail(err)
	}
	stateOff := s.tcb.MustField("xStateListItem").Offset

	countAddr, countSize, err := s.res.Global(SymTaskCount)
	if err != nil {
		return fail(err)
	}
	if countSize == 0 || countSize > 8 {
		countSize = uint64(s.ptrSize)
	}

	// A single static List_t global gives the array stride for the
	// per-priority ready lists.
	delayed1, listStride, err := s.res.Global(SymDelayed1)
	if err != nil {
		return fail(err)
	}
	if listStride == 0 {
		return fail(fmt.Errorf("%w: %s has no size", target.ErrNoSymbol, SymDelayed1))
	}

	var lists []listwalk.Descriptor
	addList := func(name string, addr uint64, cat listwalk.Category) {
		lists = append(lists, listwalk.Descriptor{
			Name:       name,
			Sentinel:   addr + endOff,
			Category:   cat,
			ItemOffset: stateOff,
		})
	}

	readyBase, readySize, err := s.res.Global(SymReadyLists)
	if err != nil {
		return fail(err)
	}
	for i := uint64(0); i*listStride < readySize; i++ {
		addList(fmt.Sprintf("%s[%d]", SymReadyLists, i), readyBase+i*listStride, listwalk.Ready)
	}
	addList(SymDelayed1, delayed1, listwalk.Delayed)
	if addr, _, err := s.res.Global(SymDelayed2); err == nil {
		addList(SymDelayed2, addr, listwalk.Delayed)
	}
	if addr, _, err := s.res.Global(SymPendingReady); err == nil {
		addList(SymPendingReady, addr, listwalk.Pending)
	}
	// Present only in builds with suspension / deletion compiled in.
	if addr, _, err := s.res.Global(SymSuspended); err == nil {
		addList(SymSuspended, addr, listwalk.Suspended)
	}
	if addr, _, err := s.res.Global(SymTerminating); err == nil {
		addList(SymTerminating, addr, listwalk.Terminating)
	}

	runAddr, _, err := s.res.Global(SymCurrentTCB)
	if err != nil {
		runAddr = 0 // running override simply not folded in
	}

	s.src = discover.Source{
		Lists:     lists,
		CountAddr: countAddr,
		CountSize: int(countSize),
		RunAddr:   runAddr,
		PtrSize:   s.ptrSize,
	}
	s.registry = discover.NewRegistry(s.tun.GracePeriod(), s.taskName)
	return nil
}

func (s *Session) resolveQueues() error {
	fail := func(err error) error {
		s.missing["queues"] = err
		return err
	}
	if s.eventCache == nil || s.tcb == nil {
		return fail(fmt.Errorf("%w: queue watching needs the task layouts", ErrUnavailable))
	}

	q, err := target.ResolveLayout(s.res, structQueue, s.ptrSize, []target.FieldSpec{
		{Name: "uxMessagesWaiting"},
		{Name: "uxLength"},
		{Name: "pxMutexHolder"},
		{Name: "uxRecursiveCallCount"},
		{Name: "xTasksWaitingToReceive"},
		{Name: "xTasksWaitingToSend"},
	})
	if err != nil {
		return fail(err)
	}
	endOff, ok := s.res.FieldOffset(structList, "xListEnd")
	if !ok {
		return fail(fmt.Errorf("%w: %s.xListEnd", target.ErrFieldUnavailable, structList))
	}

	lay := syncobj.Layout{
		Waiting:     q.MustField("uxMessagesWaiting"),
		Capacity:    q.MustField("uxLength"),
		Holder:      q.MustField("pxMutexHolder"),
		Recursion:   q.MustField("uxRecursiveCallCount"),
		RecvListOff: q.MustField("xTasksWaitingToReceive").Offset,
		SendListOff: q.MustField("xTasksWaitingToSend").Offset,
		ListEndOff:  endOff,
	}
	s.decoder = syncobj.NewDecoder(s.mem, lay, s.eventCache,
		s.tcb.MustField("xEventListItem").Offset, s.ptrSize, s.tun.SanityMaxTasks, s.threadName)
	return nil
}

func (s *Session) resolveHeap() error {
	fail := func(err error) error {
		s.missing["heap"] = err
		return err
	}

	sizeOff, ok := s.res.FieldOffset(structHeapHdr, "xBlockSize")
	if !ok {
		return fail(fmt.Errorf("%w: %s.xBlockSize", target.ErrFieldUnavailable, structHeapHdr))
	}
	nextOff, ok := s.res.FieldOffset(structHeapHdr, "pxNextFreeBlock")
	if !ok {
		return fail(fmt.Errorf("%w: %s.pxNextFreeBlock", target.ErrFieldUnavailable, structHeapHdr))
	}

	sizeWidth := s.ptrSize
	// Header length is the struct extent rounded up to the port's byte
	// alignment, which the allocator also applies.
	const alignment = 8
	extent := sizeOff + uint64(sizeWidth)
	if n := nextOff + uint64(s.ptrSize); n > extent {
		extent = n
	}
	header := (extent + alignment - 1) &^ uint64(alignment-1)

	base, size, err := s.res.Global(SymHeap)
	if err != nil {
		return fail(err)
	}
	if size == 0 {
		return fail(fmt.Errorf("%w: %s has no size", target.ErrNoSymbol, SymHeap))
	}

	s.heapLay = heapwalk.Layout{
		HeaderSize: header,
		SizeOff:    sizeOff,
		SizeWidth:  sizeWidth,
		AllocMask:  1 << (uint(sizeWidth)*8 - 1),
	}
	s.heapBase = base
	s.heapSize = size
	return nil
}

func (s *Session) resolveFrames() error {
	addr, size, err := s.res.Global(SymSwitchContext)
	if err != nil {
		s.missing["frames"] = err
		return err
	}
	s.switchAddr = addr
	s.switchLen = int(size)
	return nil
}

// RefreshTasks runs one discovery pass sequence and folds the outcome into
// the thread registry. The returned records carry stable address keys for
// diffing; the Result reports pass count and consistency.
func (s *Session) RefreshTasks() ([]discover.ThreadRecord, *discover.Result, error) {
	if !s.features.Tasks {
		return nil, nil, fmt.Errorf("%w: tasks: %v", ErrUnavailable, s.missing["tasks"])
	}
	res, err := discover.Discover(s.mem, s.taskCache, s.src, discover.Options{
		MaxPasses: s.tun.DiscoveryPasses,
		SanityMax: s.tun.SanityMaxTasks,
	})
	if err != nil {
		return nil, nil, err
	}
	if s.opts.Mode == kerndiag.ModeStrict && len(res.Diags) > 0 {
		return nil, nil, fmt.Errorf("rtospect: discovery: %s", res.Diags[0])
	}
	records := s.registry.Update(res.Tasks, time.Now())
	return records, res, nil
}

// taskName reads a task's display name from its control block. Called once
// per task by the registry, then memoized.
func (s *Session) taskName(addr uint64) (string, error) {
	f := s.tcb.MustField("pcTaskName")
	buf, err := s.mem.ReadBytes(addr+f.Offset, int(f.Size), target.Direct)
	if err != nil {
		return "", err
	}
	for i, b := range buf {
		if b == 0 {
			buf = buf[:i]
			break
		}
	}
	if len(buf) == 0 {
		return "", fmt.Errorf("rtospect: empty task name at 0x%x", addr)
	}
	return string(buf), nil
}

// threadName maps a task address to its memoized display name, falling back
// to hex for addresses discovery has not seen.
func (s *Session) threadName(addr uint64) string {
	if s.registry == nil {
		return fmt.Sprintf("0x%x", addr)
	}
	return s.registry.Name(addr)
}

// Heap snapshots the heap region with one direct read and rebuilds the block
// chain from scratch. A corrupt chain taints State.Err but keeps the decoded
// prefix in best-effort mode, and becomes an error in strict mode; it never
// disturbs other subsystems.
func (s *Session) Heap() (*heapwalk.State, error) {
	if !s.features.Heap {
		return nil, fmt.Errorf("%w: heap: %v", ErrUnavailable, s.missing["heap"])
	}
	buf, err := s.mem.ReadBytes(s.heapBase, int(s.heapSize), target.Direct)
	if err != nil {
		return nil, fmt.Errorf("rtospect: snapshot heap: %w", err)
	}
	st := heapwalk.Parse(buf, s.heapLay)
	if s.opts.Mode == kerndiag.ModeStrict && st.Err != nil {
		return nil, fmt.Errorf("rtospect: heap: %w", st.Err)
	}
	return st, nil
}

// StackReport combines the live-pointer estimate with the high-water watch.
type StackReport struct {
	Usage     stackwatch.Usage
	HighWater stackwatch.Status
}

// StackUsage estimates current and historical stack usage for one task.
func (s *Session) StackUsage(taskAddr uint64) (*StackReport, error) {
	if !s.features.Stacks {
		return nil, fmt.Errorf("%w: stacks: %v", ErrUnavailable, s.missing["tasks"])
	}
	sp, err := s.tcb.ReadField(s.mem, taskAddr, "pxTopOfStack", target.Direct)
	if err != nil {
		return nil, fmt.Errorf("rtospect: read saved stack pointer: %w", err)
	}
	base, err := s.tcb.ReadField(s.mem, taskAddr, "pxStack", target.Direct)
	if err != nil {
		return nil, fmt.Errorf("rtospect: read stack base: %w", err)
	}

	size := s.allocatedStackSize(base)
	report := &StackReport{Usage: stackwatch.Estimate(sp, base, size)}

	if size > 0 {
		s.mu.Lock()
		w, ok := s.stacks[taskAddr]
		if !ok {
			w = stackwatch.New(s.mem, base, size, s.tun.FillPattern, s.tun.MaxWatchBytes)
			s.stacks[taskAddr] = w
		}
		s.mu.Unlock()
		st, err := w.Check(target.Direct)
		if err != nil {
			return report, err
		}
		report.HighWater = st
	}
	return report, nil
}

// allocatedStackSize estimates a stack's allocated extent: for dynamically
// created tasks from the heap block right below the base, otherwise from a
// statically sized global covering the base address.
func (s *Session) allocatedStackSize(base uint64) uint64 {
	if s.features.Heap && base > s.heapBase && base < s.heapBase+s.heapSize {
		if n, err := heapwalk.AllocatedSize(s.mem, base, s.heapLay, target.Cached); err == nil {
			return n
		}
	}
	if ar, ok := s.res.(target.AddrResolver); ok {
		if _, symBase, symSize, ok := ar.GlobalAt(base); ok {
			return symSize - (base - symBase)
		}
	}
	return 0
}

// Frame reconstructs the saved register frame of a non-running task from its
// stored stack pointer, using the frame-layout variant detected once per
// session from the kernel's context-switch entry code.
func (s *Session) Frame(taskAddr uint64) (*regframe.Frame, error) {
	if !s.features.Frames {
		return nil, fmt.Errorf("%w: frames: %v", ErrUnavailable, s.missing["frames"])
	}
	name, err := s.frameVariant()
	if err != nil {
		return nil, err
	}
	lay, ok := regframe.Variants[name]
	if !ok {
		return nil, fmt.Errorf("%w: no frame layout %q", ErrUnavailable, name)
	}
	sp, err := s.tcb.ReadField(s.mem, taskAddr, "pxTopOfStack", target.Direct)
	if err != nil {
		return nil, fmt.Errorf("rtospect: read saved stack pointer: %w", err)
	}
	return regframe.Reconstruct(s.mem, sp, lay, target.Direct)
}

func (s *Session) frameVariant() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.variant != "" {
		return s.variant, nil
	}
	v, err := regframe.DetectVariant(s.mem, s.switchAddr, s.switchLen, s.ptrSize, target.Direct)
	if err != nil {
		return "", err
	}
	s.variant = v
	return v, nil
}

// WaitGraphDOT renders the blocking relation across all open queue watchers
// from their most recent refreshes. Pure over already-decoded records.
func (s *Session) WaitGraphDOT(title string) string {
	// Snapshot the watcher set first. Records are then read through Last,
	// which takes each watcher's own lock; taking it while still holding
	// s.mu would invert Close's lock order.
	s.mu.Lock()
	watchers := make([]*QueueWatcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()

	var edges []waitgraph.Edge
	for _, w := range watchers {
		rec := w.Last()
		if rec == nil {
			continue
		}
		prim := fmt.Sprintf("%s %s", rec.Kind, w.name)
		for _, t := range rec.WaitingToRecv {
			edges = append(edges, waitgraph.Edge{Task: s.threadName(t), Primitive: prim, Relation: "recv"})
		}
		for _, t := range rec.WaitingToSend {
			edges = append(edges, waitgraph.Edge{Task: s.threadName(t), Primitive: prim, Relation: "send"})
		}
	}
	return waitgraph.DOT(edges, title)
}
