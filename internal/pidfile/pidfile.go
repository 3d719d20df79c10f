// Package pidfile keeps a single memoscribe daemon per user.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrRunning is returned by Acquire while another live process holds the file.
var ErrRunning = errors.New("pidfile: another instance is running")

// Lock is a held PID file.
type Lock struct {
	path string
	pid  int
}

// Path returns the PID file path of a daemon named name.
func Path(name string) string {
	return filepath.Join(os.Getenv("HOME"), ".cache", "memoscribe", name+".pid")
}

// Acquire creates path holding the current PID. A file left by a process
// that is gone is replaced; one held by a live process yields ErrRunning.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create pid directory: %w", err)
	}

	pid := os.Getpid()
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", pid)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("write pid file: %w", errors.Join(werr, cerr))
			}
			return &Lock{path: path, pid: pid}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create pid file: %w", err)
		}

		holder, err := Read(path)
		if err == nil && holder != pid && alive(holder) {
			return nil, fmt.Errorf("%w (PID %d)", ErrRunning, holder)
		}
		// stale or unreadable: take it over
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale pid file: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: pid file %s keeps reappearing", ErrRunning, path)
}

// Read returns the PID recorded in path.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file %s: %w", path, err)
	}
	return pid, nil
}

// Release removes the file if it still holds this process's PID.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if pid, err := Read(l.path); err != nil || pid != l.pid {
		return nil
	}
	return os.Remove(l.path)
}

// alive reports whether a process with pid exists. EPERM means it exists
// but belongs to another user.
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
