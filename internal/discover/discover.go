// Package discover enumerates kernel tasks from an actively-mutating target.
//
// The target keeps executing while memory is sampled, so one sweep can catch
// a task mid-transfer between two lists, or miss it entirely. The reconciler
// repeats the sweep until the number of distinct tasks found agrees with the
// kernel's own task counter, read in the same pass.
package discover

import (
	"errors"
	"fmt"

	"rtospect/internal/kerndiag"
	"rtospect/internal/listwalk"
	"rtospect/internal/nodecache"
	"rtospect/internal/target"
)

// ErrInsaneCount flags an authoritative task count outside sanity bounds,
// which means the counter address is wrong or the read was corrupted.
var ErrInsaneCount = errors.New("discover: task count outside sanity bounds")

// Source describes where task state lives on the target. Built once per
// session from resolved symbols.
type Source struct {
	Lists     []listwalk.Descriptor
	CountAddr uint64 // authoritative current-task-count variable
	CountSize int    // byte width of the counter
	RunAddr   uint64 // pointer to the running task's control block; 0 if untracked
	PtrSize   int
}

// Options tunes the reconciliation protocol.
type Options struct {
	MaxPasses int // discovery iterations before giving up (empirical; tunable)
	SanityMax int // hard upper bound on a believable task count
}

// Result is one discovery outcome. Tasks maps object address to the category
// it was last observed in. Consistent reports whether the found set agreed
// with the authoritative count; when false the snapshot is best-effort.
type Result struct {
	Tasks      map[uint64]listwalk.Category
	Count      int // authoritative count from the agreeing (or last) pass
	Passes     int
	Consistent bool
	Diags      []kerndiag.Diag
}

// Discover runs up to opts.MaxPasses sweeps. Pass 0 uses cached reads, which
// are cheap; later passes force direct re-reads of the counter and every
// list. A pass whose found set matches the counter is returned unmodified —
// the common, stable case. Otherwise later observations are merged over
// earlier ones and the accumulated best effort is returned.
func Discover(mem target.Memory, cache *nodecache.Cache, src Source, opts Options) (*Result, error) {
	if opts.MaxPasses <= 0 {
		opts.MaxPasses = 3
	}

	var diags kerndiag.Diags
	acc := make(map[uint64]listwalk.Category)
	lastCount := 0

	cache.NextGeneration()

	for pass := 0; pass < opts.MaxPasses; pass++ {
		mode := target.Cached
		if pass > 0 {
			mode = target.Direct
		}

		raw, err := target.ReadWord(mem, src.CountAddr, src.CountSize, mode)
		if err != nil {
			diags.Addf(src.CountAddr, kerndiag.DiagTruncated, "pass %d: read task count: %v", pass, err)
			continue
		}
		count, err := sanityCount(raw, src.CountSize, opts.SanityMax)
		if err != nil {
			return nil, err
		}
		lastCount = count

		found := make(map[uint64]listwalk.Category)
		visited := make(map[uint64]bool)
		for _, d := range src.Lists {
			listwalk.Walk(cache, d, d.Sentinel, visited, count+1, mode, found, &diags)
		}

		// The running task is not parked on any waiting list; fold it in as
		// an explicit override after the walks.
		if src.RunAddr != 0 {
			tcb, err := target.ReadWord(mem, src.RunAddr, src.PtrSize, mode)
			if err != nil {
				diags.Addf(src.RunAddr, kerndiag.DiagTruncated, "pass %d: read running task: %v", pass, err)
			} else if tcb != 0 {
				found[tcb] = listwalk.Running
			}
		}

		for addr, cat := range found {
			acc[addr] = cat
		}

		if len(found) == count {
			return &Result{
				Tasks:      found,
				Count:      count,
				Passes:     pass + 1,
				Consistent: true,
				Diags:      diags.Items(),
			}, nil
		}
		diags.Addf(src.CountAddr, kerndiag.DiagInconsistent,
			"pass %d: found %d tasks, kernel reports %d", pass, len(found), count)
	}

	return &Result{
		Tasks:      acc,
		Count:      lastCount,
		Passes:     opts.MaxPasses,
		Consistent: false,
		Diags:      diags.Items(),
	}, nil
}

// sanityCount validates the raw counter word. The counter is unsigned on the
// target, so a sign-extended or clobbered read shows up as an absurd value.
func sanityCount(raw uint64, width, max int) (int, error) {
	if max <= 0 {
		max = 4096
	}
	// Interpret as signed at the counter's native width to catch 0xFFFF....
	signBit := uint64(1) << (uint(width)*8 - 1)
	if raw&signBit != 0 {
		return 0, fmt.Errorf("%w: counter reads as negative (0x%x)", ErrInsaneCount, raw)
	}
	if raw > uint64(max) {
		return 0, fmt.Errorf("%w: %d > %d", ErrInsaneCount, raw, max)
	}
	return int(raw), nil
}
