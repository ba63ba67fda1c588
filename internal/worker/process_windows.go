//go:build windows

package worker

import "os/exec"

func setProcAttrs(cmd *exec.Cmd) {}

// terminate has no graceful signal on Windows; fall through to Kill and let
// the supervisor's escalation path observe the exit.
func terminate(cmd *exec.Cmd) error {
	return kill(cmd)
}

func kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
