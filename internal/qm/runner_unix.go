//go:build unix

package qm

import (
	"os/exec"
	"syscall"
)

// detach puts the child in its own process group so a terminal interrupt
// reaches pvebatch only and a qm call in flight can finish.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
