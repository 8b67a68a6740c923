// Package kerndiag provides shared diagnostics for kernel state decoding.
package kerndiag

import "fmt"

// Kind classifies a diagnostic message.
type Kind string

const (
	DiagTruncated    Kind = "truncated"     // read failed or returned short data
	DiagInvalid      Kind = "invalid"       // decoded value fails a structural check
	DiagStale        Kind = "stale_node"    // list node no longer back-references its owner
	DiagInconsistent Kind = "inconsistent"  // discovery never agreed with the authoritative count
	DiagUnavailable  Kind = "unavailable"   // required symbol or field could not be resolved
	DiagPattern      Kind = "fill_pattern"  // stack fill pattern missing or disturbed
)

// Diag records a non-fatal issue encountered while decoding target memory.
type Diag struct {
	Addr uint64 `json:"addr"`
	Kind Kind   `json:"kind"`
	Msg  string `json:"msg"`
}

func (d Diag) String() string {
	return fmt.Sprintf("[%s] 0x%x: %s", d.Kind, d.Addr, d.Msg)
}

// Diags accumulates diagnostics.
type Diags struct {
	items []Diag
}

func (d *Diags) Add(addr uint64, kind Kind, msg string) {
	d.items = append(d.items, Diag{Addr: addr, Kind: kind, Msg: msg})
}

func (d *Diags) Addf(addr uint64, kind Kind, format string, args ...any) {
	d.items = append(d.items, Diag{Addr: addr, Kind: kind, Msg: fmt.Sprintf(format, args...)})
}

func (d *Diags) Items() []Diag { return d.items }
func (d *Diags) Len() int      { return len(d.items) }

// Mode controls error handling behavior.
type Mode int

const (
	ModeStrict     Mode = iota // first structural error returns error
	ModeBestEffort             // keep partial results, accumulate diags
)

// Options controls decoding behavior across packages.
type Options struct {
	Mode Mode
}
