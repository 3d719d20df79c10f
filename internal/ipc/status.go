// Package ipc publishes the daemon state as a status file for local clients
// that do not speak HTTP, such as a menu bar item or a shell prompt.
package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tiroq/memoscribe/internal/fileutil"
	"github.com/tiroq/memoscribe/internal/pipeline"
)

// StatusFile is the file name inside the daemon's cache directory.
const StatusFile = "status.json"

// Status is the system state at a point in time.
type Status struct {
	PID        int                 `json:"pid"`
	Version    string              `json:"version"`
	Addr       string              `json:"addr"`
	InboxDir   string              `json:"inbox_dir,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	Timestamp  time.Time           `json:"timestamp"`
	ActiveRuns int                 `json:"active_runs"`
	Runs       []pipeline.Progress `json:"runs"`
	LastError  string              `json:"last_error,omitempty"`
	Stopping   bool                `json:"stopping,omitempty"`
}

// DefaultDir is ~/.cache/memoscribe.
func DefaultDir() string {
	return filepath.Join(os.Getenv("HOME"), ".cache", "memoscribe")
}

// WriteStatus atomically replaces dir/status.json with s.
func WriteStatus(dir string, s *Status) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return fileutil.AtomicWrite(filepath.Join(dir, StatusFile), append(data, '\n'), true)
}

// ReadStatus loads dir/status.json.
func ReadStatus(dir string) (*Status, error) {
	data, err := os.ReadFile(filepath.Join(dir, StatusFile))
	if err != nil {
		return nil, err
	}
	var s Status
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &s, nil
}

// Stale reports whether s was written longer than maxAge before now, which
// means the daemon stopped without saying so.
func (s *Status) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.Timestamp) > maxAge
}
