//go:build !windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// setDaemonAttrs puts the background API server in its own session so it
// survives the terminal that ran 'tsr serve start'.
func setDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// shutdownSignals are the signals that stop 'tsr serve' and 'tsr mcp'.
func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// sigTERM asks a background server to drain and exit.
func sigTERM() syscall.Signal { return syscall.SIGTERM }

// sigKILL ends a background server that ignored sigTERM.
func sigKILL() syscall.Signal { return syscall.SIGKILL }
