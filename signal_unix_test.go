//go:build unix

package memory

import (
	"os"
	"os/signal"
	"syscall"
)

// Misuse paths (double free, invalid pointer) raise SIGUSR1 at the
// current process (spec §6). Its default disposition terminates the
// process, which would otherwise kill the test binary the moment a
// misuse test exercises that path; registering a no-op handler via
// signal.Notify makes the Go runtime swallow it instead.
func init() {
	signal.Notify(make(chan os.Signal, 16), syscall.SIGUSR1)
}
