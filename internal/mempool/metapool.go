package mempool

import (
	"sync"

	"github.com/msmalloc/secmalloc/internal/pagemap"
)

// descriptorStride approximates the original's fixed-size meta_information
// record for the purpose of sizing page-by-page growth; the Go side
// stores descriptors as heap objects (a raw mmap'd sync.Mutex is not
// legal in Go), but growth is still metered in page-sized batches so the
// pool's capacity curve matches spec §3 ("single page holding
// PageSize/DescriptorSize UNUSED descriptors").
const descriptorStride = 64

// Pool is the flat, growable array of chunk descriptors. Descriptors are
// addressed by index, which stays valid for the process lifetime — the
// backing slice only ever grows by appending, it is never compacted or
// relocated element-wise, so indices double as the non-owning references
// spec.md's Design Notes call for in place of raw pointers.
type Pool struct {
	mu    sync.RWMutex
	descs []*Descriptor
}

// NewPool allocates one page's worth of UNUSED descriptors.
func NewPool() *Pool {
	p := &Pool{}
	p.growPageLocked()
	return p
}

func (p *Pool) growPageLocked() {
	n := pagemap.PageSize / descriptorStride
	if n == 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		p.descs = append(p.descs, &Descriptor{Status: Unused, DataPtr: Absent, Prev: Absent, Next: Absent})
	}
}

// Len reports the current descriptor capacity.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.descs)
}

// At returns the descriptor at index i. The pointer is stable for the
// process lifetime; callers still must take the descriptor's own lock
// before reading or mutating its fields.
func (p *Pool) At(i int) *Descriptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.descs[i]
}

// Bootstrap claims descriptor 0 as the sole initial FREE chunk covering
// the whole data pool, per spec §3's lifecycle description. It must be
// called exactly once, before any other pool operation is visible to
// other goroutines.
func (p *Pool) Bootstrap(dataPtr, size int) int {
	d := p.At(0)
	d.Status = Free
	d.DataPtr = dataPtr
	d.Size = size
	d.Prev = Absent
	d.Next = Absent
	return 0
}

// FindFirst scans the descriptor array from start, non-blockingly
// trylocking each slot and evaluating pred under the lock. It returns
// the first matching descriptor still locked (the caller must Unlock
// it), or ok=false if the array was exhausted. Contended descriptors are
// skipped rather than waited on (spec §5: array scans use trylock).
func (p *Pool) FindFirst(start int, token int64, pred func(*Descriptor) bool) (idx int, d *Descriptor, ok bool) {
	n := p.Len()
	for i := start; i < n; i++ {
		cand := p.At(i)
		if !cand.TryLock(token) {
			continue
		}
		if pred(cand) {
			return i, cand, true
		}
		cand.Unlock(token)
	}
	return Absent, nil, false
}

// WalkLinked traverses the spatial list from rootIdx using hand-over-hand
// blocking locks: it holds the current descriptor and its successor
// simultaneously, releasing the current one only once the successor is
// locked. It returns the first descriptor for which pred holds, still
// locked, or ok=false if the list was exhausted. This is the only
// traversal primitive that respects address order and must be used
// whenever neighbours are inspected or mutated (spec §4.2, §5).
func (p *Pool) WalkLinked(rootIdx int, token int64, pred func(*Descriptor) bool) (idx int, d *Descriptor, ok bool) {
	if rootIdx == Absent {
		return Absent, nil, false
	}

	curIdx := rootIdx
	cur := p.At(curIdx)
	cur.Lock(token)
	for {
		if pred(cur) {
			return curIdx, cur, true
		}
		nextIdx := cur.Next
		if nextIdx == Absent {
			cur.Unlock(token)
			return Absent, nil, false
		}
		next := p.At(nextIdx)
		next.Lock(token)
		cur.Unlock(token)
		curIdx, cur = nextIdx, next
	}
}

// ClaimUnused finds (or creates, by growing the pool one page) an UNUSED
// descriptor and splices it into the spatial list immediately after
// prevIdx. The caller must already hold prevIdx's lock (and, if prevIdx
// has a successor, that successor's lock too) under token — ClaimUnused
// mutates those links directly rather than re-acquiring them, preserving
// the lock-order contract of spec §5.
//
// The UNUSED scan uses FindFirst's own trylock discipline: a candidate is
// locked before its Status is trusted, and stays locked straight through
// the splice below, exactly as the original's metadata_array_map /
// get_empty_meta_information_struct never unlocks the slot it returns
// (unlock_mutex_before_return == 0). Dropping to a pool-wide lock in
// between the Status check and the descriptor's own Lock, as an earlier
// version of this function did, let two concurrent callers both see the
// same slot as Unused and both splice it — this discipline rules that
// out, since the second caller's TryLock either fails outright or, once
// it succeeds, finds Status no longer Unused.
func (p *Pool) ClaimUnused(prevIdx int, token int64) (int, *Descriptor) {
	for {
		idx, d, ok := p.FindFirst(0, token, func(d *Descriptor) bool { return d.Status == Unused })
		if ok {
			return p.spliceClaimed(idx, d, prevIdx, token)
		}
		p.growPage()
	}
}

// growPage appends one more page's worth of UNUSED descriptors under the
// pool's write lock. Called only when a full scan finds no UNUSED slot to
// claim; a concurrent grower racing the same condition merely adds an
// extra page, which FindFirst's next pass simply finds unclaimed.
func (p *Pool) growPage() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.growPageLocked()
}

// spliceClaimed finishes claiming d (already locked by the caller under
// token, with Status confirmed Unused), splicing it into the spatial
// list immediately after prevIdx.
func (p *Pool) spliceClaimed(idx int, d *Descriptor, prevIdx int, token int64) (int, *Descriptor) {
	d.Status = Free
	d.DataPtr = Absent
	d.Size = 0
	d.Prev = prevIdx

	if prevIdx == Absent {
		d.Next = Absent
		return idx, d
	}

	prev := p.At(prevIdx)
	d.Next = prev.Next
	if prev.Next != Absent {
		p.At(prev.Next).Prev = idx
	}
	prev.Next = idx
	return idx, d
}

// Release transitions a descriptor back to UNUSED after it has already
// been unspliced from the spatial list by the caller (who must hold its
// lock under token). Descriptors are never destroyed individually; this
// is the only path back to UNUSED (spec §3's lifecycle).
func (p *Pool) Release(idx int, token int64) {
	d := p.At(idx)
	d.Status = Unused
	d.DataPtr = Absent
	d.Size = 0
	d.Prev = Absent
	d.Next = Absent
}
