package diaglog

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// DefaultMaxBytes caps one diagnostic log file when Options leaves it unset.
const DefaultMaxBytes int64 = 10 * 1024 * 1024

// Options sizes the rolling diagnostic log.
type Options struct {
	MaxBytes int64 // per file; <= 0 uses DefaultMaxBytes
	Backups  int   // rotated files kept as path.1 (newest) .. path.N
}

func (o Options) withDefaults() Options {
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.Backups < 0 {
		o.Backups = 0
	}
	return o
}

// backupPath names the i-th rotated file of path.
func backupPath(path string, i int) string {
	return fmt.Sprintf("%s.%d", path, i)
}

// LogFiles lists the diagnostic log at path and its rotated backups that
// exist on disk, oldest first.
func LogFiles(path string) []string {
	var backups []string
	for i := 1; ; i++ {
		p := backupPath(path, i)
		if _, err := os.Stat(p); err != nil {
			break
		}
		backups = append(backups, p)
	}
	files := make([]string, 0, len(backups)+1)
	for i := len(backups) - 1; i >= 0; i-- {
		files = append(files, backups[i])
	}
	if _, err := os.Stat(path); err == nil {
		files = append(files, path)
	}
	return files
}

// rollingWriter appends NDJSON lines to path. When the next write would
// exceed maxSize the file is shifted into the backup chain, or truncated when
// no backups are kept. A single line is never split across files.
type rollingWriter struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	backups int
	f       *os.File
	size    int64
}

func newRollingWriter(path string, opts Options) (*rollingWriter, error) {
	opts = opts.withDefaults()
	rw := &rollingWriter{path: path, maxSize: opts.MaxBytes, backups: opts.Backups}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *rollingWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	rw.f, rw.size = f, info.Size()
	return nil
}

func (rw *rollingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.size > 0 && rw.size+int64(len(p)) > rw.maxSize {
		if err := rw.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := rw.f.Write(p)
	rw.size += int64(n)
	if err != nil {
		return n, err
	}
	_ = rw.f.Sync()
	return n, nil
}

// rotate must be called with mu held.
func (rw *rollingWriter) rotate() error {
	if rw.backups == 0 {
		if err := rw.f.Truncate(0); err != nil {
			return err
		}
		if _, err := rw.f.Seek(0, 0); err != nil {
			return err
		}
		rw.size = 0
		return nil
	}

	if err := rw.f.Close(); err != nil {
		return err
	}
	if err := os.Remove(backupPath(rw.path, rw.backups)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for i := rw.backups - 1; i >= 1; i-- {
		if err := os.Rename(backupPath(rw.path, i), backupPath(rw.path, i+1)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := os.Rename(rw.path, backupPath(rw.path, 1)); err != nil {
		return err
	}
	return rw.open()
}

func (rw *rollingWriter) close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	_ = rw.f.Sync()
	return rw.f.Close()
}
