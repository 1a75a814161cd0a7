// Package daemon tracks the crew daemon process through its pid file.
// "crew serve" writes the file on startup and refuses to run while another
// live daemon holds it; stale files left by crashed daemons are detected by
// probing the recorded pid and never block a restart.
package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PIDFile is the on-disk record of the running crew daemon.
type PIDFile struct {
	Path string
}

// NewPIDFile wraps the pid file at path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Write records the current process as the live daemon.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID records an arbitrary pid.
func (p *PIDFile) WritePID(pid int) error {
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read returns the recorded pid without checking whether it is alive.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", p.Path, err)
	}
	return pid, nil
}

// IsRunning reports the recorded pid and whether that process is still
// alive. A missing or garbled file reads as "not running".
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	return pid, alive(pid)
}

// Stop asks the recorded daemon process to shut down.
func (p *PIDFile) Stop() error {
	pid, err := p.Read()
	if err != nil {
		return fmt.Errorf("read pid file: %w", err)
	}
	return terminate(pid)
}

// Remove deletes the pid file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}
