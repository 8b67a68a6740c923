// Package listwalk traverses one intrusive kernel list from its sentinel node.
package listwalk

import (
	"rtospect/internal/kerndiag"
	"rtospect/internal/nodecache"
	"rtospect/internal/target"
)

// Category is the semantic state a list membership implies for its owner.
type Category string

const (
	Ready       Category = "ready"
	Delayed     Category = "delayed"
	Suspended   Category = "suspended"
	Pending     Category = "pending ready"
	Terminating Category = "terminating"
	Running     Category = "running"
	EventRecv   Category = "waiting to receive"
	EventSend   Category = "waiting to send"
)

// Descriptor identifies one intrusive list. Created once per kernel
// collection at session start and never mutated.
type Descriptor struct {
	Name       string   // for diagnostics
	Sentinel   uint64   // address of the fixed end node
	Category   Category // what membership means for the owning object
	ItemOffset uint64   // offset of the embedded list item within the owner
}

// Walk follows the chain starting at start (pass the sentinel address to walk
// the whole list) and records owner -> category into out. It returns the
// number of owners recorded.
//
// Every visited pointer is marked before processing, so a corrupted or cyclic
// chain terminates. The sentinel is hopped over without an owner check, which
// lets a walk started mid-list wrap around the circular chain. A node whose
// fetched owner does not back-reference the candidate object is stale: its
// cache entry is invalidated and this list's walk stops, because nothing past
// a reused node can be trusted. Read failures likewise stop only this list;
// whatever was accumulated stands.
func Walk(c *nodecache.Cache, d Descriptor, start uint64, visited map[uint64]bool,
	limit int, mode target.Mode, out map[uint64]Category, diags *kerndiag.Diags) int {

	added := 0
	ptr := start
	for {
		if ptr == 0 || visited[ptr] {
			return added
		}
		visited[ptr] = true

		if ptr == d.Sentinel {
			// End marker: not backed by an owning object. Follow its next
			// pointer to reach the head of the list.
			h := c.Provide(ptr)
			_, next, err := c.Read(h, mode)
			if err != nil {
				diags.Addf(ptr, kerndiag.DiagTruncated, "%s: read sentinel: %v", d.Name, err)
				return added
			}
			ptr = next
			continue
		}

		if added >= limit {
			diags.Addf(ptr, kerndiag.DiagInvalid, "%s: iteration limit %d reached", d.Name, limit)
			return added
		}

		candidate := ptr - d.ItemOffset
		h := c.Provide(ptr)
		owner, next, err := c.Read(h, mode)
		if err != nil {
			diags.Addf(ptr, kerndiag.DiagTruncated, "%s: read node: %v", d.Name, err)
			return added
		}
		if owner != candidate {
			// Freed or reused mid-walk. Do not advance into its next field.
			c.Invalidate(h)
			diags.Addf(ptr, kerndiag.DiagStale, "%s: owner 0x%x, expected 0x%x", d.Name, owner, candidate)
			return added
		}

		out[candidate] = d.Category
		added++
		ptr = next
	}
}
