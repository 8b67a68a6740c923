package stackwatch

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Usage is a point-in-time stack usage estimate from the live stack pointer.
type Usage struct {
	Used      uint64 // bytes between the pointer and the top; 0 when size unknown
	Allocated uint64 // region size; 0 when it could not be determined
	Remaining uint64 // bytes between the pointer and the base
	Display   string
}

// Estimate computes current usage for a descending stack with its lowest
// address at base. When the allocated size is unknown only the remaining
// headroom can be reported.
func Estimate(sp, base, allocated uint64) Usage {
	u := Usage{Allocated: allocated}
	if sp < base {
		u.Display = fmt.Sprintf("stack pointer 0x%x below stack base 0x%x", sp, base)
		return u
	}
	u.Remaining = sp - base
	if allocated == 0 {
		u.Display = fmt.Sprintf("(%d bytes remaining)", u.Remaining)
		return u
	}
	if u.Remaining > allocated {
		u.Display = fmt.Sprintf("stack pointer 0x%x outside region of %s", sp, humanize.IBytes(allocated))
		return u
	}
	u.Used = allocated - u.Remaining
	u.Display = fmt.Sprintf("%s/%s", humanize.IBytes(u.Used), humanize.IBytes(allocated))
	return u
}
