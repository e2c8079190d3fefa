package mempool

import (
	"sync"
	"sync/atomic"
)

// tokens hands out the call-scoped identifiers used by rmutex. A single
// top-level allocator call (alloc/clean/realloc) mints one token and
// threads it through every descriptor lock it takes, so the same call
// can safely re-enter a descriptor it already owns — mirroring the
// original's PTHREAD_MUTEX_RECURSIVE descriptor mutex.
var tokens int64

// NextToken mints a new call-scoped lock token.
func NextToken() int64 { return atomic.AddInt64(&tokens, 1) }

// rmutex is a reentrant mutex keyed by an explicit caller-supplied token
// rather than a goroutine id (Go exposes no stable goroutine id). The
// same token may Lock/TryLock the same rmutex any number of times; only
// the outermost Unlock releases it.
type rmutex struct {
	mu    sync.Mutex
	owner int64
	depth int
}

func (m *rmutex) Lock(token int64) {
	if atomic.LoadInt64(&m.owner) == token && token != 0 {
		m.depth++
		return
	}
	m.mu.Lock()
	atomic.StoreInt64(&m.owner, token)
	m.depth = 1
}

// TryLock attempts a non-blocking acquisition, as used by the array
// scans of §5 (trylock semantics: a contended descriptor is skipped).
func (m *rmutex) TryLock(token int64) bool {
	if atomic.LoadInt64(&m.owner) == token && token != 0 {
		m.depth++
		return true
	}
	if m.mu.TryLock() {
		atomic.StoreInt64(&m.owner, token)
		m.depth = 1
		return true
	}
	return false
}

func (m *rmutex) Unlock(token int64) {
	if atomic.LoadInt64(&m.owner) != token {
		panic("mempool: unlock of rmutex not held by token")
	}
	m.depth--
	if m.depth == 0 {
		atomic.StoreInt64(&m.owner, 0)
		m.mu.Unlock()
	}
}
