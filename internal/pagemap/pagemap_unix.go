//go:build unix

// Modifications (c) the secmalloc authors, adapted from the mmap/munmap
// split used throughout the pack's allocator-shaped repos.

package pagemap

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Reserve maps size bytes of zero-filled, page-aligned, read/write
// anonymous memory. hint is accepted but not passed on: unix.Mmap takes
// no address argument, so the kernel chooses the placement.
func Reserve(hint uintptr, size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("pagemap: mmap %d bytes: %w", size, err)
	}
	return b, nil
}

// Release unmaps a region previously returned by Reserve or Extend.
func Release(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}

// Extend grows a mapping to len(old)+delta bytes. POSIX mmap offers no
// portable remap-in-place across every target in the unix build tag, so
// Extend always maps a fresh region, copies the live bytes across, and
// releases the old one. Callers MUST NOT assume the returned slice
// shares a base address with old; every data_ptr derived from old must
// be recomputed against the new base (spec §5, "pool base is re-readable
// after every potential extension point").
func Extend(old []byte, delta int) ([]byte, error) {
	grown, err := Reserve(0, len(old)+delta)
	if err != nil {
		return nil, err
	}
	copy(grown, old)
	if err := Release(old); err != nil {
		return nil, fmt.Errorf("pagemap: release old mapping: %w", err)
	}
	return grown, nil
}
