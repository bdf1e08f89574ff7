//go:build !windows

package jobs

import (
	"os/exec"
	"syscall"
)

// terminateProcess asks the subprocess to stop gracefully. The forced kill
// after WaitDelay is handled by os/exec.
func terminateProcess(cmd *exec.Cmd) error {
	if cmd.Process != nil {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	return nil
}
