// Package mempool implements the two pools of the allocator: a flat,
// growable array of fixed-shape chunk descriptors (the metadata pool)
// and the growable byte region handed out to callers (the data pool).
package mempool

// Status is a descriptor's place in the chunk lifecycle.
type Status int32

const (
	// Unused marks a vacant descriptor slot, never on the spatial list.
	Unused Status = iota
	// Free marks a descriptor that names a real, unowned chunk.
	Free
	// Busy marks a descriptor currently owned by a caller.
	Busy
)

func (s Status) String() string {
	switch s {
	case Unused:
		return "UNUSED"
	case Free:
		return "FREE"
	case Busy:
		return "BUSY"
	default:
		return "INVALID"
	}
}

// Absent is the sentinel for "no such index/offset", used for data_ptr,
// prev, and next wherever spec.md says a field is absent.
const Absent = -1

// Descriptor is one fixed-shape record of the metadata pool, describing
// either a live chunk (FREE or BUSY) or a vacant slot (UNUSED).
type Descriptor struct {
	mu rmutex

	Status  Status
	DataPtr int // offset into the data pool, Absent if UNUSED
	Size    int // user bytes, excluding the trailing canary

	Prev int // index of the spatial-list predecessor, Absent if none
	Next int // index of the spatial-list successor, Absent if none
}

// Lock acquires the descriptor's reentrant lock for token, blocking.
func (d *Descriptor) Lock(token int64) { d.mu.Lock(token) }

// TryLock attempts a non-blocking acquisition for token.
func (d *Descriptor) TryLock(token int64) bool { return d.mu.TryLock(token) }

// Unlock releases one level of the descriptor's reentrant lock for token.
func (d *Descriptor) Unlock(token int64) { d.mu.Unlock(token) }

// End returns the offset one past this descriptor's canary, i.e. where a
// spatially-adjacent successor's DataPtr must begin (invariant 2).
func (d *Descriptor) End(canaryWidth int) int { return d.DataPtr + d.Size + canaryWidth }
