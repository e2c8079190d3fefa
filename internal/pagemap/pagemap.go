// Package pagemap reserves, extends, and releases page-aligned anonymous
// memory regions on behalf of the metadata and data pools. It is the one
// place that talks to the operating system's virtual memory calls.
package pagemap

import (
	"os"

	"modernc.org/mathutil"
)

// PageSize is the platform's page size, as reported by the OS at
// startup. Every region this package hands out is a multiple of it.
var PageSize = os.Getpagesize()

// pageSizeLog is PageSize's base-2 logarithm, derived via mathutil.BitLen
// the way the teacher's Malloc derives a slot class from a requested
// size (BitLen(n-1) for a power-of-two n gives log2(n)). Every real
// platform's page size is a power of two, so this holds exactly.
var pageSizeLog = uint(mathutil.BitLen(PageSize - 1))

// RoundUp rounds n up to the next multiple of m. m must be a power of two.
func RoundUp(n, m int) int { return (n + m - 1) &^ (m - 1) }

// PagesFor reports how many whole pages are needed to cover n bytes,
// used by the Chunk Engine's tail-extend delta computation (spec §4.4
// step 3: "compute delta = ceil((size + W) / PageSize) * PageSize").
func PagesFor(n int) int {
	if n <= 0 {
		return 0
	}
	return 1 + (n-1)>>pageSizeLog
}

// DefaultHint is the fixed address hint the original implementation
// passed to its first mmap call (page_size * 1,500,000). spec.md leaves
// open whether the hint reduces collisions with the host heap or is
// merely historical; it is treated here as non-binding: Reserve accepts
// it but does not pass it to the OS mapping call.
var DefaultHint = uintptr(PageSize) * 1_500_000
