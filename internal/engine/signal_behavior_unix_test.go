//go:build unix

package engine

import (
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"
)

// TestDoubleFreeRaisesUserSignal exercises spec.md §8 scenario 5 end to
// end: a double free must raise the platform's user-defined signal at
// the calling process, not just return an error.
func TestDoubleFreeRaisesUserSignal(t *testing.T) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	defer signal.Stop(ch)

	e := fresh(t)
	p, err := e.Alloc(12)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Free(p); err != nil {
		t.Fatal(err)
	}

	// Drain whatever arrived from unrelated concurrent tests before the
	// signal we're about to provoke.
	drain(ch)

	if err := e.Free(p); err == nil {
		t.Fatal("second free: want error, got nil")
	}

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("double free did not raise SIGUSR1 within 2s")
	}
}

func drain(ch chan os.Signal) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
