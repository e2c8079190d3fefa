//go:build windows

// Modifications (c) the secmalloc authors, adapted from the
// CreateFileMapping / MapViewOfFile two-step mmap of the pack's Windows
// allocator shims.

package pagemap

import (
	"fmt"
	"sync"

	"golang.org/x/sys/windows"
)

var (
	handleMapMu sync.Mutex
	handleMap   = map[uintptr]windows.Handle{}
)

// Reserve maps size bytes of zero-filled, page-aligned, read/write
// anonymous memory via a page-file-backed file mapping.
func Reserve(hint uintptr, size int) ([]byte, error) {
	maxSizeHigh := uint32(uint64(size) >> 32)
	maxSizeLow := uint32(uint64(size) & 0xFFFFFFFF)
	h, err := windows.CreateFileMapping(windows.Handle(^uintptr(0)), nil, windows.PAGE_READWRITE, maxSizeHigh, maxSizeLow, nil)
	if err != nil {
		return nil, fmt.Errorf("pagemap: CreateFileMapping: %w", err)
	}

	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("pagemap: MapViewOfFile: %w", err)
	}

	handleMapMu.Lock()
	handleMap[addr] = h
	handleMapMu.Unlock()
	return unsafeSlice(addr, size), nil
}

// Release unmaps a region previously returned by Reserve or Extend.
func Release(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	addr := sliceAddr(b)
	if err := windows.UnmapViewOfFile(addr); err != nil {
		return fmt.Errorf("pagemap: UnmapViewOfFile: %w", err)
	}

	handleMapMu.Lock()
	h, ok := handleMap[addr]
	delete(handleMap, addr)
	handleMapMu.Unlock()
	if !ok {
		return fmt.Errorf("pagemap: unknown base address %x", addr)
	}
	return windows.CloseHandle(h)
}

// Extend grows a mapping to len(old)+delta bytes by mapping a fresh,
// larger view and copying the live bytes across; see the unix variant
// for why relocation is always assumed.
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
