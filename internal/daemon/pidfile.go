// Package daemon tracks the background API server through a PID file.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrAlreadyRunning is returned by Acquire when the recorded process is alive.
	ErrAlreadyRunning = errors.New("already running")
	// ErrNotRunning is returned by Stop when no live process is recorded.
	ErrNotRunning = errors.New("not running")
)

// pollInterval is how often Stop checks whether the process has exited.
const pollInterval = 100 * time.Millisecond

// PIDFile manages a PID file for daemon process tracking.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Write writes the current process's PID to the file.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID writes the given PID to the file.
func (p *PIDFile) WritePID(pid int) error {
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read reads the PID from the file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// Remove deletes the PID file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}

// Acquire records pid as the running server. A file left behind by a dead
// process is replaced; a live one yields ErrAlreadyRunning.
func (p *PIDFile) Acquire(pid int) error {
	if old, running := p.IsRunning(); running {
		return fmt.Errorf("server %w (pid %d)", ErrAlreadyRunning, old)
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	return p.WritePID(pid)
}

// Stop sends term to the recorded process and waits for it to exit. If the
// process is still alive when ctx is done it is sent kill. The PID file is
// removed in every case, including when it only held a stale PID.
func (p *PIDFile) Stop(ctx context.Context, term, kill syscall.Signal) (int, error) {
	pid, running := p.IsRunning()
	if !running {
		_ = p.Remove()
		return pid, ErrNotRunning
	}
	defer func() { _ = p.Remove() }()

	if err := p.Signal(term); err != nil {
		return pid, fmt.Errorf("signal pid %d: %w", pid, err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if _, alive := p.IsRunning(); !alive {
			return pid, nil
		}
		select {
		case <-ctx.Done():
			if err := p.Signal(kill); err != nil {
				return pid, fmt.Errorf("kill pid %d: %w", pid, err)
			}
			return pid, ctx.Err()
		case <-ticker.C:
		}
	}
}
