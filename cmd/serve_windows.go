//go:build windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// setDaemonAttrs is a no-op on Windows (no Setsid equivalent).
func setDaemonAttrs(_ *exec.Cmd) {}

// shutdownSignals are the signals that stop 'tsr serve' and 'tsr mcp'.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// sigTERM asks a background server to exit. Windows delivers it as a kill.
func sigTERM() syscall.Signal { return syscall.SIGTERM }

// sigKILL ends a background server that ignored sigTERM.
func sigKILL() syscall.Signal { return syscall.SIGKILL }
