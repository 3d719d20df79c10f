package diaglog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Version is injected at link time from the main package; defaults to "dev".
var Version = "dev"

// maxLineBytes bounds one NDJSON entry read back during export.
const maxLineBytes = 4 * 1024 * 1024

// Snapshot is the daemon state captured next to the log. Status and Config
// are any JSON-encodable values; both are redacted before they are written.
type Snapshot struct {
	ActiveRuns []string
	Status     interface{}
	Config     interface{}
}

// DiagBundle is the first line written to the export file (valid NDJSON).
type DiagBundle struct {
	ExportedAt string         `json:"exported_at"`
	AppVersion string         `json:"app_version"`
	GoVersion  string         `json:"go_version"`
	OS         string         `json:"os"`
	Arch       string         `json:"arch"`
	LogFiles   []string       `json:"log_files"`
	EntryCount int            `json:"entry_count"`
	Events     map[string]int `json:"events,omitempty"`
	SessionIDs []string       `json:"session_ids,omitempty"` // first-seen order
	ActiveRuns []string       `json:"active_runs,omitempty"`
	Status     interface{}    `json:"status,omitempty"`
	Config     interface{}    `json:"config,omitempty"`
}

// Export writes dest/memoscribe-diag-<ts>.ndjson: a DiagBundle line followed
// by every entry of the log at logPath and its rotated backups, oldest first.
// It returns the written path and the number of log lines included.
func Export(logPath, dest string, snap Snapshot) (path string, lines int, err error) {
	files := LogFiles(logPath)
	if len(files) == 0 {
		return "", 0, fmt.Errorf("log file not found at %s: %w", logPath, os.ErrNotExist)
	}

	bundle := DiagBundle{
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		AppVersion: Version,
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		LogFiles:   files,
		Events:     make(map[string]int),
		ActiveRuns: snap.ActiveRuns,
	}
	if bundle.Status, err = redactValue(snap.Status); err != nil {
		return "", 0, fmt.Errorf("encode status: %w", err)
	}
	if bundle.Config, err = redactValue(snap.Config); err != nil {
		return "", 0, fmt.Errorf("encode config: %w", err)
	}

	seen := make(map[string]bool)
	for _, f := range files {
		err := eachLine(f, func(line []byte) error {
			bundle.EntryCount++
			var head struct {
				Event     string `json:"event"`
				SessionID string `json:"session_id"`
			}
			if json.Unmarshal(line, &head) != nil {
				return nil
			}
			if head.Event != "" {
				bundle.Events[head.Event]++
			}
			if head.SessionID != "" && !seen[head.SessionID] {
				seen[head.SessionID] = true
				bundle.SessionIDs = append(bundle.SessionIDs, head.SessionID)
			}
			return nil
		})
		if err != nil {
			return "", 0, err
		}
	}

	tstamp := time.Now().UTC().Format("20060102T150405")
	outPath := filepath.Join(dest, "memoscribe-diag-"+tstamp+".ndjson")
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", 0, fmt.Errorf("output file could not be created: %w", err)
	}
	defer func() { _ = out.Close() }()

	w := bufio.NewWriter(out)
	header, err := json.Marshal(bundle)
	if err != nil {
		return "", 0, err
	}
	if _, err := w.Write(append(header, '\n')); err != nil {
		return "", 0, err
	}
	for _, f := range files {
		err := eachLine(f, func(line []byte) error {
			if _, err := w.Write(line); err != nil {
				return err
			}
			return w.WriteByte('\n')
		})
		if err != nil {
			return "", 0, err
		}
	}
	if err := w.Flush(); err != nil {
		return "", 0, err
	}
	return outPath, bundle.EntryCount, nil
}

// eachLine calls fn for every non-empty line of the file at path.
func eachLine(path string, fn func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("log file not found at %s: %w", path, os.ErrNotExist)
		}
		return fmt.Errorf("log file unreadable: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		if err := fn(scanner.Bytes()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("log file unreadable: %w", err)
	}
	return nil
}

// redactValue round-trips v through JSON so struct fields are redacted by
// their wire names.
func redactValue(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var tree interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return Redact(tree), nil
}
