//go:build unix

package sentinel

import (
	"os"
	"syscall"
)

// raiseMisuseSignal delivers the platform's first user-defined signal to
// the current process id, per spec §6's fault-signalling contract.
func raiseMisuseSignal() {
	syscall.Kill(os.Getpid(), syscall.SIGUSR1)
}
