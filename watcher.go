package rtospect

import (
	"fmt"
	"sync"

	"rtospect/internal/syncobj"
	"rtospect/internal/target"
)

// QueueWatcher tracks one synchronization primitive across refreshes. It is
// also the entity's suspend scope: Close deterministically stops background
// polling for it without touching other watchers sharing the event cache.
type QueueWatcher struct {
	s        *Session
	name     string
	addr     uint64
	declared syncobj.Declared

	mu        sync.Mutex
	suspended bool
	closed    bool
	last      *syncobj.Record
}

// WatchQueue starts watching the primitive behind a global symbol. typeName
// is the symbol's declared kernel type, which fixes the expected kind and
// whether one indirection is needed before the control block.
func (s *Session) WatchQueue(symName, typeName string) (*QueueWatcher, error) {
	if !s.features.Queues {
		return nil, fmt.Errorf("%w: queues: %v", ErrUnavailable, s.missing["queues"])
	}
	declared, ok := syncobj.ClassifyTypeName(typeName)
	if !ok {
		return nil, fmt.Errorf("%w: unknown primitive type %q", ErrUnavailable, typeName)
	}
	addr, _, err := s.res.Global(symName)
	if err != nil {
		return nil, fmt.Errorf("rtospect: resolve %s: %w", symName, err)
	}

	w := &QueueWatcher{s: s, name: symName, addr: addr, declared: declared}
	s.mu.Lock()
	s.watchers[addr] = w
	s.mu.Unlock()
	return w, nil
}

// Refresh decodes the primitive's current state. Cached refreshes on a
// suspended watcher return the last record unchanged, keeping background
// polls free; Direct refreshes always hit the target.
func (w *QueueWatcher) Refresh(mode target.Mode, withWaiters bool) (*syncobj.Record, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, fmt.Errorf("rtospect: watcher for %s is closed", w.name)
	}
	if w.suspended && mode == target.Cached && w.last != nil {
		rec := w.last
		w.mu.Unlock()
		return rec, nil
	}
	w.mu.Unlock()

	rec, err := w.s.decoder.Refresh(w.addr, w.declared, mode, withWaiters)
	if err != nil {
		// The previous record stays valid for consumers; a failed refresh
		// must not corrupt later ones.
		return nil, err
	}

	w.mu.Lock()
	w.last = rec
	w.mu.Unlock()
	return rec, nil
}

// Last returns the most recent record, if any refresh has succeeded.
func (w *QueueWatcher) Last() *syncobj.Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Suspend pauses background polling for this primitive while it is not
// displayed. Resuming keeps all previously cached identities.
func (w *QueueWatcher) Suspend(v bool) {
	w.mu.Lock()
	w.suspended = v
	w.mu.Unlock()
}

// Close releases the watcher: polling stops and the session forgets it.
func (w *QueueWatcher) Close() {
	w.mu.Lock()
	w.closed = true
	w.suspended = true
	w.mu.Unlock()

	w.s.mu.Lock()
	delete(w.s.watchers, w.addr)
	w.s.mu.Unlock()
}
