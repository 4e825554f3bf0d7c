package engine

import (
	"os/exec"
	"syscall"
)

// setProcAttrs makes the kernel kill the engine if the service dies without cleaning up.
func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
