package mempool

import (
	"sync"
	"unsafe"

	"github.com/msmalloc/secmalloc/internal/pagemap"
)

// DataPool is the growable byte region handed out to callers. It is the
// only region whose addresses (as offsets here, since Go slices are
// relocatable-safe) are ever exposed outside the allocator.
type DataPool struct {
	mu  sync.RWMutex
	buf []byte
}

// NewDataPool reserves one page, per spec §4.3's initial size.
func NewDataPool() (*DataPool, error) {
	b, err := pagemap.Reserve(pagemap.DefaultHint, pagemap.PageSize)
	if err != nil {
		return nil, err
	}
	return &DataPool{buf: b}, nil
}

// Len reports the pool's current size in bytes.
func (dp *DataPool) Len() int {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	return len(dp.buf)
}

// Extend grows the pool by delta bytes, returning the size it had before
// growing. The underlying mapping may relocate; every offset computed
// before the call remains valid (offsets are pool-relative, not raw
// pointers), but any raw pointer derived via PointerAt before the call
// must be treated as dangling afterwards (spec §5).
func (dp *DataPool) Extend(delta int) (oldSize int, err error) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	oldSize = len(dp.buf)
	grown, err := pagemap.Extend(dp.buf, delta)
	if err != nil {
		return oldSize, err
	}
	dp.buf = grown
	return oldSize, nil
}

// Read invokes fn with a read-only view of [offset, offset+length).
func (dp *DataPool) Read(offset, length int, fn func([]byte)) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	fn(dp.buf[offset : offset+length])
}

// Write invokes fn with a mutable view of [offset, offset+length).
func (dp *DataPool) Write(offset, length int, fn func([]byte)) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	fn(dp.buf[offset : offset+length])
}

// CopyRange copies length bytes from srcOffset to dstOffset within the
// pool, used by realloc's relocate-and-copy path.
func (dp *DataPool) CopyRange(dstOffset, srcOffset, length int) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	copy(dp.buf[dstOffset:dstOffset+length], dp.buf[srcOffset:srcOffset+length])
}

// Zero clears length bytes starting at offset, used when a chunk is
// freed (spec §4.4's clean(): "Zero the user bytes").
func (dp *DataPool) Zero(offset, length int) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	buf := dp.buf[offset : offset+length]
	for i := range buf {
		buf[i] = 0
	}
}

// PointerAt returns a raw pointer to the byte at offset, for the
// unsafe.Pointer-flavoured public API. It is only valid until the next
// Extend.
func (dp *DataPool) PointerAt(offset int) unsafe.Pointer {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	return unsafe.Pointer(&dp.buf[offset])
}

// Release unmaps the pool's backing region. Callers must not use the
// pool afterwards. This is only ever invoked at process shutdown
// (spec §4.1's release(base, size)); the background scanner is never
// joined, so a concurrent sweep racing a Release is a known limitation
// of explicit shutdown, not of normal operation.
func (dp *DataPool) Release() error {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.buf) == 0 {
		return nil
	}
	err := pagemap.Release(dp.buf)
	dp.buf = nil
	return err
}

// Base returns the pool's current base address, for diagnostics only.
func (dp *DataPool) Base() uintptr {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&dp.buf[0]))
}
