package discover

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"rtospect/internal/listwalk"
)

// ThreadRecord is the stable identity of one discovered task. The address is
// the identity key; consumers diff successive refreshes against it.
type ThreadRecord struct {
	Addr       uint64
	Name       string
	Category   listwalk.Category
	Generation uint64    // discovery generation that last saw the task
	LastSeen   time.Time // wall time of that observation
}

// NameFunc resolves a task's display name from its control block. Called at
// most once per address until it succeeds; the result is memoized.
type NameFunc func(addr uint64) (string, error)

// Registry tracks task identities across refreshes. A task absent from one
// sweep is not dropped immediately: list-walk races make single-sweep
// absence common, so records survive a grace period before removal.
// Session-scoped and mutex-guarded; several consumers may share it.
type Registry struct {
	mu     sync.Mutex
	grace  time.Duration
	nameFn NameFunc
	gen    uint64
	tasks  map[uint64]*ThreadRecord
}

// NewRegistry builds a registry with the given missing-task grace period.
func NewRegistry(grace time.Duration, nameFn NameFunc) *Registry {
	return &Registry{
		grace:  grace,
		nameFn: nameFn,
		tasks:  make(map[uint64]*ThreadRecord),
	}
}

// Update merges one discovery result into the registry and returns the live
// records sorted by address. Records unseen for longer than the grace period
// are pruned; transient absence keeps the record to avoid flicker.
func (r *Registry) Update(found map[uint64]listwalk.Category, now time.Time) []ThreadRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gen++
	for addr, cat := range found {
		rec, ok := r.tasks[addr]
		if !ok {
			rec = &ThreadRecord{Addr: addr}
			r.tasks[addr] = rec
		}
		if rec.Name == "" && r.nameFn != nil {
			if name, err := r.nameFn(addr); err == nil {
				rec.Name = name
			}
		}
		rec.Category = cat
		rec.Generation = r.gen
		rec.LastSeen = now
	}

	out := make([]ThreadRecord, 0, len(r.tasks))
	for addr, rec := range r.tasks {
		if now.Sub(rec.LastSeen) > r.grace {
			delete(r.tasks, addr)
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Lookup returns the current record for an address, if tracked.
func (r *Registry) Lookup(addr uint64) (ThreadRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[addr]
	if !ok {
		return ThreadRecord{}, false
	}
	return *rec, true
}

// Name returns the memoized display name for an address, or a hex fallback.
func (r *Registry) Name(addr uint64) string {
	if rec, ok := r.Lookup(addr); ok && rec.Name != "" {
		return rec.Name
	}
	return fmt.Sprintf("0x%x", addr)
}
