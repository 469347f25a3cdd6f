//go:build !windows

package pty

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcAttr puts the child in its own session/process group so a
// polite-then-forceful stop can reach any subprocesses the CLI tool spawns
// (e.g. a coding agent shelling out to a linter), not just the direct
// child.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// terminate sends SIGTERM to the child's whole process group. Setsid makes
// the child's pid its own process group id, so signalling -pid reaches
// everything it spawned.
func terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGTERM); err != nil {
		cmd.Process.Signal(syscall.SIGTERM)
	}
}

// killGroup forcefully kills the child's whole process group.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil {
		cmd.Process.Kill()
	}
}
