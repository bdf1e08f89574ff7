//go:build windows

package jobs

import (
	"os/exec"
)

// terminateProcess stops the subprocess. Windows has no SIGTERM, so the
// process is killed outright.
func terminateProcess(cmd *exec.Cmd) error {
	if cmd.Process != nil {
		return cmd.Process.Kill()
	}
	return nil
}
