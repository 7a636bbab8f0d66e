//go:build !windows

package orchestrator

import "syscall"

// setpgid puts command_execute's child in its own process group so
// terminateProcessGroup can SIGTERM/SIGKILL the whole subtree (shell +
// any children it spawned) rather than just the "sh" process.
func setpgid() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
