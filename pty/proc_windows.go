//go:build windows

package pty

import "os/exec"

// setProcAttr is a no-op on Windows: ConPTY children are killed outright
// rather than signalled by process group.
func setProcAttr(cmd *exec.Cmd) {}

func terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	cmd.Process.Kill()
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	cmd.Process.Kill()
}
