package engine

import (
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/msmalloc/secmalloc/internal/auditlog"
	"github.com/msmalloc/secmalloc/internal/fault"
	"github.com/msmalloc/secmalloc/internal/mempool"
	"github.com/msmalloc/secmalloc/internal/sentinel"
)

// fresh builds an isolated Engine: its own metadata pool, data pool, and
// Sentinel, independent of the process-wide singleton the public memory
// package exposes. Unlike that singleton, an Engine built this way gives
// each test a pristine one-page heap, so the exact-offset scenarios of
// spec.md §8 are deterministic.
func fresh(t *testing.T) *Engine {
	t.Helper()
	e, err := New(auditlog.Get())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

// tailSize walks the spatial list to the descriptor with no successor
// and returns its size, used to compute scenario-exact expectations
// without hard-coding the page size.
func (e *Engine) tailSize(t *testing.T) int {
	t.Helper()
	token := mempool.NextToken()
	idx, d, ok := e.pool.WalkLinked(e.root, token, func(d *mempool.Descriptor) bool {
		return d.Next == mempool.Absent
	})
	if !ok {
		t.Fatal("no tail descriptor found")
	}
	size := d.Size
	d.Unlock(token)
	_ = idx
	return size
}

// descriptorAt locates the (locked, then immediately unlocked) snapshot
// of the descriptor whose DataPtr equals ptr, for assertions on Status,
// Size, Next and Prev.
func (e *Engine) descriptorAt(t *testing.T, ptr int) mempool.Descriptor {
	t.Helper()
	token := mempool.NextToken()
	_, d, ok := e.pool.WalkLinked(e.root, token, func(d *mempool.Descriptor) bool {
		return d.DataPtr == ptr
	})
	if !ok {
		t.Fatalf("no descriptor with data_ptr %#x", ptr)
	}
	snap := *d
	d.Unlock(token)
	return snap
}

// checkSpatialList walks the whole list once and asserts invariants (2)
// and (5) of spec §3: sorted, no gaps between spatial neighbours, and no
// overlap between BUSY ranges (implied by the no-gap rule holding for
// every consecutive pair, since FREE neighbours also satisfy it here).
func (e *Engine) checkSpatialList(t *testing.T) {
	t.Helper()
	w := sentinel.Width
	token := mempool.NextToken()
	idx := e.root
	var prevEnd int = -1
	for idx != mempool.Absent {
		d := e.pool.At(idx)
		d.Lock(token)
		if prevEnd != -1 && d.DataPtr != prevEnd {
			d.Unlock(token)
			t.Fatalf("gap in spatial list: prev end %#x, next data_ptr %#x", prevEnd, d.DataPtr)
		}
		prevEnd = d.End(w)
		next := d.Next
		d.Unlock(token)
		idx = next
	}
}

func TestContiguity(t *testing.T) {
	e := fresh(t)
	w := sentinel.Width

	p1, err := e.Alloc(12)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := e.Alloc(25)
	if err != nil {
		t.Fatal(err)
	}
	p3, err := e.Alloc(55)
	if err != nil {
		t.Fatal(err)
	}

	if p2 != p1+12+w {
		t.Fatalf("p2 = %#x, want %#x", p2, p1+12+w)
	}
	if p3 != p2+25+w {
		t.Fatalf("p3 = %#x, want %#x", p3, p2+25+w)
	}
	e.checkSpatialList(t)
}

func TestForwardCoalesceIsTailAfterBothFrees(t *testing.T) {
	e := fresh(t)
	w := sentinel.Width

	p1, err := e.Alloc(12)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := e.Alloc(25)
	if err != nil {
		t.Fatal(err)
	}
	p3, err := e.Alloc(55)
	if err != nil {
		t.Fatal(err)
	}
	tailRemainder := e.tailSize(t)

	if err := e.Free(p2); err != nil {
		t.Fatal(err)
	}
	// p2's descriptor hasn't merged with p3's yet: its right neighbour
	// is still BUSY.
	d2 := e.descriptorAt(t, p2)
	if d2.Status != mempool.Free || d2.Size != 25 {
		t.Fatalf("after free(p2): status=%v size=%d, want FREE size=25", d2.Status, d2.Size)
	}

	if err := e.Free(p3); err != nil {
		t.Fatal(err)
	}

	d2 = e.descriptorAt(t, p2)
	want := 25 + w + 55 + w + tailRemainder
	if d2.Status != mempool.Free {
		t.Fatalf("descriptor formerly owning p2: status=%v, want FREE", d2.Status)
	}
	if d2.Next != mempool.Absent {
		t.Fatalf("descriptor formerly owning p2 is not the tail (next=%d)", d2.Next)
	}
	if d2.Size != want {
		t.Fatalf("descriptor formerly owning p2: size=%d, want %d", d2.Size, want)
	}

	_ = p1
	e.checkSpatialList(t)
}

func TestReuseAfterFree(t *testing.T) {
	e := fresh(t)

	_, err := e.Alloc(12)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := e.Alloc(28)
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Alloc(55)
	if err != nil {
		t.Fatal(err)
	}

	if err := e.Free(p2); err != nil {
		t.Fatal(err)
	}

	p4, err := e.Alloc(10)
	if err != nil {
		t.Fatal(err)
	}
	if p4 != p2 {
		t.Fatalf("p4 = %#x, want reuse of p2 = %#x", p4, p2)
	}
	e.checkSpatialList(t)
}

func TestDoubleFree(t *testing.T) {
	e := fresh(t)

	p, err := e.Alloc(12)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Free(p); err != nil {
		t.Fatal(err)
	}

	err = e.Free(p)
	if err == nil {
		t.Fatal("second free: want error, got nil")
	}
	fe, ok := err.(*fault.Error)
	if !ok || fe.Kind != fault.DoubleFree {
		t.Fatalf("second free: got %v, want a DoubleFree fault", err)
	}
}

func TestInvalidPointerFree(t *testing.T) {
	e := fresh(t)

	// Pick an offset nothing could ever occupy: plainly outside any
	// allocated range on a fresh one-page heap.
	err := e.Free(1 << 30)
	if err == nil {
		t.Fatal("free of bogus pointer: want error, got nil")
	}
	fe, ok := err.(*fault.Error)
	if !ok || fe.Kind != fault.InvalidPointer {
		t.Fatalf("free of bogus pointer: got %v, want InvalidPointer fault", err)
	}
}

func TestInvalidPointerRealloc(t *testing.T) {
	e := fresh(t)

	_, err := e.Realloc(1<<30, 8)
	if err == nil {
		t.Fatal("realloc of bogus pointer: want error, got nil")
	}
	fe, ok := err.(*fault.Error)
	if !ok || fe.Kind != fault.InvalidPointer {
		t.Fatalf("realloc of bogus pointer: got %v, want InvalidPointer fault", err)
	}
}

func TestReallocSameSizeReturnsSamePointer(t *testing.T) {
	e := fresh(t)
	p, err := e.Alloc(40)
	if err != nil {
		t.Fatal(err)
	}
	q, err := e.Realloc(p, 40)
	if err != nil {
		t.Fatal(err)
	}
	if q != p {
		t.Fatalf("realloc same size: got %#x, want %#x", q, p)
	}
}

func TestReallocShrinkSplits(t *testing.T) {
	e := fresh(t)
	p, err := e.Alloc(200)
	if err != nil {
		t.Fatal(err)
	}
	q, err := e.Realloc(p, 40)
	if err != nil {
		t.Fatal(err)
	}
	if q != p {
		t.Fatalf("realloc shrink: pointer moved, got %#x want %#x", q, p)
	}
	n, ok := e.Size(q)
	if !ok || n != 40 {
		t.Fatalf("realloc shrink: size=%d ok=%v, want 40/true", n, ok)
	}
}

func TestReallocGrowIntoFreeNeighbourMerges(t *testing.T) {
	e := fresh(t)
	p1, err := e.Alloc(20)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := e.Alloc(20)
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Alloc(20)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Free(p2); err != nil {
		t.Fatal(err)
	}

	q, err := e.Realloc(p1, 30)
	if err != nil {
		t.Fatal(err)
	}
	if q != p1 {
		t.Fatalf("realloc grow into free neighbour: pointer moved, got %#x want %#x", q, p1)
	}
	n, ok := e.Size(q)
	if !ok || n != 30 {
		t.Fatalf("realloc grow into free neighbour: size=%d ok=%v, want 30/true", n, ok)
	}
}

func TestReallocGrowBeyondNeighbourRelocatesAndCopies(t *testing.T) {
	e := fresh(t)
	p, err := e.Alloc(16)
	if err != nil {
		t.Fatal(err)
	}
	e.data.Write(p, 16, func(b []byte) {
		for i := range b {
			b[i] = byte(i + 1)
		}
	})

	q, err := e.Realloc(p, 16*1024)
	if err != nil {
		t.Fatal(err)
	}
	var got [16]byte
	e.data.Read(q, 16, func(b []byte) { copy(got[:], b) })
	for i := range got {
		if got[i] != byte(i+1) {
			t.Fatalf("realloc grow: byte %d = %#x, want %#x", i, got[i], i+1)
		}
	}
	n, ok := e.Size(q)
	if !ok || n != 16*1024 {
		t.Fatalf("realloc grow: size=%d ok=%v, want %d/true", n, ok, 16*1024)
	}
}

func TestReallocZeroSizeFrees(t *testing.T) {
	e := fresh(t)
	p, err := e.Alloc(16)
	if err != nil {
		t.Fatal(err)
	}
	q, err := e.Realloc(p, 0)
	if err != nil {
		t.Fatal(err)
	}
	if q != mempool.Absent {
		t.Fatalf("realloc to zero: got %#x, want Absent", q)
	}
	if err := e.Free(p); err == nil {
		t.Fatal("free after realloc-to-zero: want error (already freed), got nil")
	}
}

func TestReallocAbsentPointerAllocates(t *testing.T) {
	e := fresh(t)
	p, err := e.Realloc(mempool.Absent, 32)
	if err != nil {
		t.Fatal(err)
	}
	n, ok := e.Size(p)
	if !ok || n < 32 {
		t.Fatalf("realloc(Absent, 32): size=%d ok=%v", n, ok)
	}
}

func TestCanaryDetectsOverflow(t *testing.T) {
	e := fresh(t)
	p, err := e.Alloc(12)
	if err != nil {
		t.Fatal(err)
	}
	if !e.sent.CheckCanary(p, 12) {
		t.Fatal("canary should be intact right after allocation")
	}

	e.data.Write(p, 13, func(b []byte) { b[12] = 't' })
	if e.sent.CheckCanary(p, 12) {
		t.Fatal("canary should be broken after an out-of-bounds write")
	}
}

func TestMultithreadAllocationDistinctAndValid(t *testing.T) {
	e := fresh(t)
	const n = 4

	var ptrs [n]int
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			p, err := e.Alloc(12)
			if err != nil {
				return fmt.Errorf("goroutine %d: %w", i, err)
			}
			ptrs[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	seen := map[int]bool{}
	for _, p := range ptrs {
		if seen[p] {
			t.Fatalf("duplicate pointer %#x among concurrent allocations", p)
		}
		seen[p] = true

		n, ok := e.Size(p)
		if !ok || n < 12 {
			t.Fatalf("pointer %#x: size=%d ok=%v, want >=12/true", p, n, ok)
		}
		if !e.sent.CheckCanary(p, n) {
			t.Fatalf("pointer %#x: canary invalid", p)
		}
	}
	e.checkSpatialList(t)
}
