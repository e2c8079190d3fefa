// Package engine implements the allocator's placement policy: first-fit
// search, split, coalesce, and tail-extend over the metadata and data
// pools (spec §4.4). It is the only package that decides where a chunk
// lives; callers only ever see data-pool offsets.
package engine

import (
	"fmt"

	"github.com/msmalloc/secmalloc/internal/auditlog"
	"github.com/msmalloc/secmalloc/internal/fault"
	"github.com/msmalloc/secmalloc/internal/mempool"
	"github.com/msmalloc/secmalloc/internal/pagemap"
	"github.com/msmalloc/secmalloc/internal/sentinel"
)

// Engine owns the metadata pool, the data pool, and the Security
// Sentinel, and exposes the allocator's four placement operations.
type Engine struct {
	pool *mempool.Pool
	data *mempool.DataPool
	sent *sentinel.Sentinel
	log  *auditlog.Logger
	root int
}

// New bootstraps a fresh Engine: one page of metadata descriptors, one
// page of data, a single FREE descriptor covering it, and a Sentinel
// seeded with the process-wide canary (spec §3's lifecycle).
func New(log *auditlog.Logger) (*Engine, error) {
	pool := mempool.NewPool()
	data, err := mempool.NewDataPool()
	if err != nil {
		return nil, err
	}
	root := pool.Bootstrap(0, data.Len()-sentinel.Width)
	sent := sentinel.New(pool, data, log)
	e := &Engine{pool: pool, data: data, sent: sent, log: log, root: root}
	sent.WriteCanary(0, data.Len()-sentinel.Width)
	return e, nil
}

// Sentinel exposes the engine's Security Sentinel so the public API can
// lazily start the background scanner on first call.
func (e *Engine) Sentinel() *sentinel.Sentinel { return e.sent }

func (e *Engine) fatalPlatform(err error) {
	fault.Terminate(e.log, fault.New(fault.PlatformFault, err.Error()))
}

// Alloc implements spec §4.4's allocation algorithm: first-fit search,
// tail-extend on miss, split, and canary placement. size must be > 0;
// the zero-size case is rejected by the public API layer.
func (e *Engine) Alloc(size int) (int, error) {
	token := mempool.NextToken()

	idx, d, ok := e.pool.WalkLinked(e.root, token, func(d *mempool.Descriptor) bool {
		return d.Status == mempool.Free && d.Size >= size
	})

	if !ok {
		idx, d, ok = e.extendForAlloc(size, token)
		if !ok {
			return mempool.Absent, fault.New(fault.PlatformFault, "unable to extend data pool")
		}
	}

	e.allocSplit(idx, d, size, token)
	d.Status = mempool.Busy
	ptr := d.DataPtr
	e.sent.WriteCanary(ptr, size)
	d.Unlock(token)

	return ptr, nil
}

// extendForAlloc locates the tail descriptor, growing the data pool by
// enough pages to satisfy size, and returns it locked and FREE. It
// implements spec §4.4 step 3: "If no match: locate tail descriptor;
// compute delta...; extend the data pool by delta; absorb the new bytes
// into the tail descriptor."
func (e *Engine) extendForAlloc(size int, token int64) (int, *mempool.Descriptor, bool) {
	w := sentinel.Width
	tailIdx, tail, ok := e.pool.WalkLinked(e.root, token, func(d *mempool.Descriptor) bool {
		return d.Next == mempool.Absent
	})
	if !ok {
		return mempool.Absent, nil, false
	}

	// A BUSY tail owns no spare room of its own: splice in a fresh
	// descriptor right after it to become the new tail. Its canary has
	// never been written, so the bytes the extend adds must cover both
	// its data and that canary (freshSplice == true below).
	freshSplice := false
	if tail.Status == mempool.Busy {
		newIdx, newD := e.pool.ClaimUnused(tailIdx, token)
		newD.DataPtr = tail.End(w)
		tail.Unlock(token)
		tailIdx, tail = newIdx, newD
		freshSplice = true
	}

	delta := pagemap.PagesFor(size+w) * pagemap.PageSize
	if _, err := e.data.Extend(delta); err != nil {
		tail.Unlock(token)
		e.fatalPlatform(err)
		return mempool.Absent, nil, false
	}
	if freshSplice {
		tail.Size += delta - w
	} else {
		tail.Size += delta
	}
	e.sent.WriteCanary(tail.DataPtr, tail.Size)
	return tailIdx, tail, true
}

// allocSplit applies the Split policy of spec §4.4 to a chosen
// descriptor d (locked, FREE, Size >= want).
func (e *Engine) allocSplit(idx int, d *mempool.Descriptor, want int, token int64) {
	w := sentinel.Width
	if d.Size > want+w {
		e.splitOff(idx, d, want, token)
		return
	}

	if d.Next == mempool.Absent {
		if _, err := e.data.Extend(pagemap.PageSize); err != nil {
			e.fatalPlatform(err)
			return
		}
		d.Size += pagemap.PageSize
		e.sent.WriteCanary(d.DataPtr, d.Size)
		e.splitOff(idx, d, want, token)
		return
	}

	// Not enough room to split and not extensible: leave as-is, wasting
	// up to w bytes of internal fragmentation, per spec §4.4.
}

// splitOff carves want bytes off the front of d (locked; FREE when called
// from allocation, BUSY when called from realloc), claiming a new FREE
// descriptor for the remainder. If there isn't
// room for at least one byte of successor payload plus a canary, it is a
// no-op (the caller already established whether splitting is possible).
func (e *Engine) splitOff(idx int, d *mempool.Descriptor, want int, token int64) {
	w := sentinel.Width
	have := d.Size
	if have <= want+w {
		return
	}

	var next *mempool.Descriptor
	if d.Next != mempool.Absent {
		next = e.pool.At(d.Next)
		next.Lock(token)
	}

	_, rem := e.pool.ClaimUnused(idx, token)
	rem.DataPtr = d.DataPtr + want + w
	rem.Size = have - want - w
	d.Size = want
	e.sent.WriteCanary(rem.DataPtr, rem.Size)
	rem.Unlock(token)

	if next != nil {
		next.Unlock(token)
	}
}

// Free implements spec §4.4's clean(ptr): locate, verify, zero, mark
// free, coalesce forward, then run the global merge sweep.
func (e *Engine) Free(ptr int) error {
	token := mempool.NextToken()

	idx, d, ok := e.pool.WalkLinked(e.root, token, func(d *mempool.Descriptor) bool {
		return d.DataPtr == ptr
	})
	if !ok {
		e.sent.ReportMisuse("invalid_pointer: free(%#x)", ptr)
		return fault.New(fault.InvalidPointer, fmt.Sprintf("free of unknown pointer %#x", ptr))
	}

	if d.Status != mempool.Busy {
		d.Unlock(token)
		e.sent.ReportMisuse("double_free: free(%#x)", ptr)
		return fault.New(fault.DoubleFree, fmt.Sprintf("double free of %#x", ptr))
	}

	e.sent.VerifyOrFatal(idx, d)

	e.data.Zero(d.DataPtr, d.Size)
	d.Status = mempool.Free
	e.coalesceForward(idx, d, token)
	d.Unlock(token)

	e.mergeIfFree(mempool.NextToken())
	return nil
}

// coalesceForward absorbs every FREE successor of d (locked, FREE) into
// d, rewriting the trailing canary after each absorption. Up to three
// consecutive descriptors (current, next, next-next) are held
// simultaneously, acquired in list order, per spec §5.
func (e *Engine) coalesceForward(idx int, d *mempool.Descriptor, token int64) {
	w := sentinel.Width
	for d.Next != mempool.Absent {
		nextIdx := d.Next
		next := e.pool.At(nextIdx)
		next.Lock(token)
		if next.Status != mempool.Free {
			next.Unlock(token)
			return
		}

		var grand *mempool.Descriptor
		grandIdx := next.Next
		if grandIdx != mempool.Absent {
			grand = e.pool.At(grandIdx)
			grand.Lock(token)
		}

		d.Size += w + next.Size
		d.Next = grandIdx
		if grand != nil {
			grand.Prev = idx
		}
		e.sent.WriteCanary(d.DataPtr, d.Size)
		e.pool.Release(nextIdx, token)

		next.Unlock(token)
		if grand != nil {
			grand.Unlock(token)
		}
	}
}

// mergeIfFree walks the whole spatial list once, running coalesceForward
// from every FREE descriptor it finds. spec.md's Open Questions note
// that the per-free forward coalesce above and this global sweep are
// redundant on some paths; both are kept so behaviour matches spec §4.4
// exactly, including scenarios that only a full sweep would catch (e.g.
// a free whose left neighbour became free earlier without triggering a
// sweep of its own).
func (e *Engine) mergeIfFree(token int64) {
	idx := e.root
	for idx != mempool.Absent {
		d := e.pool.At(idx)
		d.Lock(token)
		if d.Status == mempool.Free {
			e.coalesceForward(idx, d, token)
		}
		next := d.Next
		d.Unlock(token)
		idx = next
	}
}

// Realloc implements the decision table of spec §4.4.
func (e *Engine) Realloc(ptr int, size int) (int, error) {
	if ptr == mempool.Absent {
		return e.Alloc(size)
	}
	if size == 0 {
		if err := e.Free(ptr); err != nil {
			return mempool.Absent, err
		}
		return mempool.Absent, nil
	}

	token := mempool.NextToken()
	idx, d, ok := e.pool.WalkLinked(e.root, token, func(d *mempool.Descriptor) bool {
		return d.DataPtr == ptr && d.Status == mempool.Busy
	})
	if !ok {
		e.sent.ReportMisuse("invalid_pointer: realloc(%#x)", ptr)
		return mempool.Absent, fault.New(fault.InvalidPointer, fmt.Sprintf("realloc of unknown pointer %#x", ptr))
	}

	e.sent.VerifyOrFatal(idx, d)

	switch {
	case size == d.Size:
		d.Unlock(token)
		return ptr, nil
	case size < d.Size:
		return e.reallocShrink(idx, d, size, token)
	default:
		return e.reallocGrow(idx, d, size, token)
	}
}

func (e *Engine) reallocShrink(idx int, d *mempool.Descriptor, size int, token int64) (int, error) {
	w := sentinel.Width
	have := d.Size
	ptr := d.DataPtr

	if have > size+w {
		e.splitOff(idx, d, size, token)
		e.sent.WriteCanary(d.DataPtr, d.Size)
		d.Unlock(token)
		e.mergeIfFree(mempool.NextToken())
		return ptr, nil
	}

	if d.Next != mempool.Absent {
		next := e.pool.At(d.Next)
		next.Lock(token)
		if next.Status == mempool.Free {
			shrinkBy := have - size
			next.DataPtr -= shrinkBy
			next.Size += shrinkBy
			d.Size = size
			e.sent.WriteCanary(d.DataPtr, d.Size)
			next.Unlock(token)
			d.Unlock(token)
			return ptr, nil
		}
		next.Unlock(token)
	}

	// Neither a split nor a boundary shift is possible: keep the chunk
	// at its current capacity rather than leaving a dangling canary.
	d.Unlock(token)
	return ptr, nil
}

func (e *Engine) reallocGrow(idx int, d *mempool.Descriptor, size int, token int64) (int, error) {
	w := sentinel.Width
	have := d.Size

	if d.Next != mempool.Absent {
		next := e.pool.At(d.Next)
		next.Lock(token)
		if next.Status == mempool.Free && have+w+next.Size >= size {
			var grand *mempool.Descriptor
			grandIdx := next.Next
			if grandIdx != mempool.Absent {
				grand = e.pool.At(grandIdx)
				grand.Lock(token)
			}

			merged := have + w + next.Size
			nextIdx := d.Next
			d.Next = grandIdx
			if grand != nil {
				grand.Prev = idx
			}
			e.pool.Release(nextIdx, token)
			d.Size = merged

			next.Unlock(token)
			if grand != nil {
				grand.Unlock(token)
			}

			e.splitOff(idx, d, size, token)
			e.sent.WriteCanary(d.DataPtr, d.Size)
			ptr := d.DataPtr
			d.Unlock(token)
			return ptr, nil
		}
		next.Unlock(token)
	}

	// Snapshot the old pointer and size before allocating a fresh region:
	// the new allocation may extend and coalesce the very range backing
	// ptr, so the copy must read from a pointer taken before any of that
	// happens (spec §4.4).
	oldPtr := d.DataPtr
	oldSize := have
	d.Unlock(token)

	newPtr, err := e.Alloc(size)
	if err != nil {
		return mempool.Absent, err
	}

	n := oldSize
	if size < n {
		n = size
	}
	e.data.CopyRange(newPtr, oldPtr, n)

	if err := e.Free(oldPtr); err != nil {
		return mempool.Absent, err
	}
	return newPtr, nil
}

// Size reports the usable size of the BUSY chunk at ptr, if any.
func (e *Engine) Size(ptr int) (int, bool) {
	token := mempool.NextToken()
	_, d, ok := e.pool.WalkLinked(e.root, token, func(d *mempool.Descriptor) bool {
		return d.DataPtr == ptr && d.Status == mempool.Busy
	})
	if !ok {
		return 0, false
	}
	size := d.Size
	d.Unlock(token)
	return size, true
}

// DataPool exposes the engine's data pool for the public API's
// pointer-returning entry points.
func (e *Engine) DataPool() *mempool.DataPool { return e.data }

// Close releases the data pool's backing mapping. Per spec §9 there is
// no cross-process sharing and no compaction to undo; Close exists only
// for hosts that want to release the mapping before process exit.
func (e *Engine) Close() error { return e.data.Release() }
