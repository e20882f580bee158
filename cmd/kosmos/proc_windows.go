//go:build windows

package main

import (
	"os/exec"
	"syscall"
)

// configureDaemonProc detaches the daemon from the parent console.
func configureDaemonProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: 0x00000008} // DETACHED_PROCESS
}
