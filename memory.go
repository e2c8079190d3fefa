// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memory implements a hardened drop-in replacement for the
// standard heap allocator. Unlike a throughput-oriented allocator, every
// chunk carries a trailing canary that is checked synchronously on free
// and realloc and swept asynchronously once a second by a background
// scanner goroutine; overflow, double-free, and invalid-pointer misuse
// are reported through a structured log stream (internal/auditlog) and
// the platform's fault-signalling channel (internal/sentinel) instead of
// being silently tolerated.
//
// There is exactly one heap per process: all Allocator values share the
// same metadata pool, data pool, and Security Sentinel. The Allocator
// type exists only to keep the call surface (Malloc/Free/Calloc/Realloc
// plus their unsafe.Pointer-flavoured twins) shaped like a conventional
// Go allocator package; its zero value is ready for use.
package memory

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/msmalloc/secmalloc/internal/auditlog"
	"github.com/msmalloc/secmalloc/internal/engine"
	"github.com/msmalloc/secmalloc/internal/fault"
	"github.com/msmalloc/secmalloc/internal/mempool"
)

// trace enables debug tracing of every entry point to stderr. It is
// separate from internal/auditlog's structured misuse/overflow records:
// this is call-by-call development noise, off by default.
const trace = false

func traceCall(format string, args ...interface{}) {
	if !trace {
		return
	}
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

// ctx is the process-wide allocator context: the two pools, the
// Security Sentinel, and the audit logger, lazily built on first use
// (spec §9, "Global state... Model them as a single lazily-initialised
// context carried implicitly through the allocator entry points; never
// expose them to callers").
type ctx struct {
	once sync.Once
	eng  *engine.Engine
}

var global ctx

// engineOrFatal returns the process-wide Engine, building it on first
// call. A failure to stand up the pools is a platform fault (spec §7):
// log and exit, there is no recovery path.
func (c *ctx) engineOrFatal() *engine.Engine {
	c.once.Do(func() {
		log := auditlog.Get()
		e, err := engine.New(log)
		if err != nil {
			fault.Terminate(log, fault.New(fault.PlatformFault, err.Error()))
		}
		c.eng = e
	})
	c.eng.Sentinel().StartScanner()
	return c.eng
}

// offsetOf locates p within the data pool's current backing region,
// returning its offset. Every raw pointer this package hands out is a
// data-pool offset recomputed against the pool's current base (spec §5):
// offsetOf is the inverse of that, recomputed fresh on every call rather
// than cached, since an intervening Extend may have relocated the pool.
func offsetOf(e *engine.Engine, p unsafe.Pointer) (int, bool) {
	base := e.DataPool().Base()
	if base == 0 {
		return 0, false
	}
	addr := uintptr(p)
	if addr < base {
		return 0, false
	}
	off := int(addr - base)
	if off >= e.DataPool().Len() {
		return 0, false
	}
	return off, true
}

func sliceAt(e *engine.Engine, offset, length int) []byte {
	if offset == mempool.Absent {
		return nil
	}
	return unsafe.Slice((*byte)(e.DataPool().PointerAt(offset)), length)
}

// Allocator allocates and frees memory. Its zero value is ready for use.
// Every Allocator value in a process shares the same underlying heap
// (spec.md's Non-goals rule out thread-local caches or per-instance
// arenas: "this is a single global heap optimised for auditability").
type Allocator struct{}

// Calloc is like Malloc except the allocated memory is zeroed.
func (a *Allocator) Calloc(size int) (r []byte, err error) {
	traceCall("Calloc(%#x)", size)
	b, err := a.Malloc(size)
	if err != nil {
		return nil, err
	}

	for i := range b {
		b[i] = 0
	}
	return b, nil
}

// Close releases the OS resources backing the process-wide heap. It is
// not necessary to Close the Allocator when exiting a process, and
// Close must not race concurrent Malloc/Free/Realloc calls: the
// background scanner goroutine is never joined (spec §5), so a sweep in
// flight against a released data pool is undefined.
func (a *Allocator) Close() error {
	if global.eng == nil {
		return nil
	}
	err := global.eng.Close()
	global = ctx{}
	return err
}

// Free deallocates memory (as in C.free). The argument of Free must have
// been acquired from Calloc or Malloc or Realloc. Freeing a pointer that
// does not name a currently BUSY chunk is invalid-pointer misuse (spec
// §7): it is reported and the user-defined signal is raised, but it does
// not panic or corrupt the heap.
func (a *Allocator) Free(b []byte) (err error) {
	b = b[:cap(b)]
	traceCall("Free(%p)", dataAddr(b))
	if len(b) == 0 {
		return nil
	}

	e := global.engineOrFatal()
	off, ok := offsetOf(e, unsafe.Pointer(&b[0]))
	if !ok {
		e.Sentinel().ReportMisuse("invalid_pointer: free(%p)", dataAddr(b))
		return fault.New(fault.InvalidPointer, "free of pointer outside the data pool")
	}
	return e.Free(off)
}

// Malloc allocates size bytes and returns a byte slice of the allocated
// memory. The memory is not initialized. Malloc panics for size < 0 and
// returns (nil, nil) for zero size (spec §4.4, "Reject size == 0 at the
// API layer").
//
// It's ok to reslice the returned slice but the result of appending to
// it cannot be passed to Free or Realloc, as it may refer to a different
// backing array afterwards.
func (a *Allocator) Malloc(size int) (r []byte, err error) {
	traceCall("Malloc(%#x)", size)
	if size < 0 {
		panic("invalid malloc size")
	}
	if size == 0 {
		return nil, nil
	}

	e := global.engineOrFatal()
	off, err := e.Alloc(size)
	if err != nil {
		return nil, err
	}
	n, _ := e.Size(off)
	return sliceAt(e, off, n)[:size], nil
}

// Realloc changes the size of the backing array of b to size bytes or
// returns an error, if any. The contents are unchanged in the range from
// the start of the region up to the minimum of the old and new sizes. If
// the new size is larger than the old size, the added memory is not
// initialized. If b's backing array is of zero size, the call is
// equivalent to Malloc(size), for all values of size; if size is zero
// and b's backing array is not of zero size, the call is equivalent to
// Free(b). Unless b's backing array is of zero size, it must have been
// returned by an earlier call to Malloc, Calloc or Realloc. If the area
// pointed to was moved, a Free(b) is done (spec §4.4's decision table).
func (a *Allocator) Realloc(b []byte, size int) (r []byte, err error) {
	traceCall("Realloc(%p, %#x)", dataAddr(b), size)
	switch {
	case cap(b) == 0:
		return a.Malloc(size)
	case size == 0:
		return nil, a.Free(b)
	}

	e := global.engineOrFatal()
	off, ok := offsetOf(e, unsafe.Pointer(&b[0]))
	if !ok {
		e.Sentinel().ReportMisuse("invalid_pointer: realloc(%p)", dataAddr(b))
		return nil, fault.New(fault.InvalidPointer, "realloc of pointer outside the data pool")
	}

	newOff, err := e.Realloc(off, size)
	if err != nil {
		return nil, err
	}
	n, _ := e.Size(newOff)
	return sliceAt(e, newOff, n)[:size], nil
}

// UnsafeCalloc is like Calloc except it returns an unsafe.Pointer.
func (a *Allocator) UnsafeCalloc(size int) (r unsafe.Pointer, err error) {
	traceCall("UnsafeCalloc(%#x)", size)
	r, err = a.UnsafeMalloc(size)
	if r == nil || err != nil {
		return nil, err
	}

	e := global.engineOrFatal()
	off, _ := offsetOf(e, r)
	n, _ := e.Size(off)
	b := sliceAt(e, off, n)
	for i := range b {
		b[i] = 0
	}
	return r, nil
}

// UnsafeFree is like Free except its argument is an unsafe.Pointer,
// which must have been acquired from UnsafeCalloc, UnsafeMalloc or
// UnsafeRealloc.
func (a *Allocator) UnsafeFree(p unsafe.Pointer) (err error) {
	traceCall("UnsafeFree(%p)", p)
	if p == nil {
		return nil
	}

	e := global.engineOrFatal()
	off, ok := offsetOf(e, p)
	if !ok {
		e.Sentinel().ReportMisuse("invalid_pointer: free(%p)", p)
		return fault.New(fault.InvalidPointer, "free of pointer outside the data pool")
	}
	return e.Free(off)
}

// UnsafeMalloc is like Malloc except it returns an unsafe.Pointer.
func (a *Allocator) UnsafeMalloc(size int) (r unsafe.Pointer, err error) {
	traceCall("UnsafeMalloc(%#x)", size)
	if size < 0 {
		panic("invalid malloc size")
	}
	if size == 0 {
		return nil, nil
	}

	e := global.engineOrFatal()
	off, err := e.Alloc(size)
	if err != nil {
		return nil, err
	}
	return e.DataPool().PointerAt(off), nil
}

// UnsafeRealloc is like Realloc except its first argument is an
// unsafe.Pointer, which must have been returned from UnsafeCalloc,
// UnsafeMalloc or UnsafeRealloc.
func (a *Allocator) UnsafeRealloc(p unsafe.Pointer, size int) (r unsafe.Pointer, err error) {
	traceCall("UnsafeRealloc(%p, %#x)", p, size)
	switch {
	case p == nil:
		return a.UnsafeMalloc(size)
	case size == 0:
		return nil, a.UnsafeFree(p)
	}

	e := global.engineOrFatal()
	off, ok := offsetOf(e, p)
	if !ok {
		e.Sentinel().ReportMisuse("invalid_pointer: realloc(%p)", p)
		return nil, fault.New(fault.InvalidPointer, "realloc of pointer outside the data pool")
	}

	newOff, err := e.Realloc(off, size)
	if err != nil {
		return nil, err
	}
	return e.DataPool().PointerAt(newOff), nil
}

// UnsafeUsableSize reports the usable size of the chunk at p, which must
// point to the first byte of a region returned from UnsafeCalloc,
// UnsafeMalloc or UnsafeRealloc. The usable size can exceed the size
// originally requested: the split policy of spec §4.4 leaves up to one
// canary width of internal fragmentation rather than split a chunk too
// small to hold a successor.
func UnsafeUsableSize(p unsafe.Pointer) (r int) {
	traceCall("UnsafeUsableSize(%p)", p)
	if p == nil {
		return 0
	}

	e := global.engineOrFatal()
	off, ok := offsetOf(e, p)
	if !ok {
		return 0
	}
	n, _ := e.Size(off)
	return n
}

// UsableSize reports the size of the memory block allocated at p, which
// must point to the first byte of a slice returned from Calloc, Malloc
// or Realloc.
func UsableSize(p *byte) (r int) { return UnsafeUsableSize(unsafe.Pointer(p)) }

func dataAddr(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}
