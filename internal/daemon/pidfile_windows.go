//go:build windows

package daemon

import (
	"fmt"
	"os"
	"syscall"
)

// IsRunning reports the recorded PID and whether that process is alive.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil || pid <= 0 {
		return pid, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	// FindProcess opens a handle even for exited processes.
	return pid, proc.Signal(syscall.Signal(0)) == nil
}

// Signal delivers sig to the recorded process. Anything other than a kill
// terminates the process outright on Windows.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	pid, err := p.Read()
	if err != nil {
		return fmt.Errorf("read pid file: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if sig != syscall.SIGKILL {
		return proc.Kill()
	}
	return proc.Signal(sig)
}
