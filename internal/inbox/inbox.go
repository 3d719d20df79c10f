// Package inbox watches a recordings directory and reports audio artifacts
// once they have finished being written.
package inbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tiroq/memoscribe/internal/diaglog"
)

// DefaultExtensions are the artifact types picked up when Config.Extensions
// is empty.
var DefaultExtensions = []string{".wav", ".m4a", ".mp3", ".mp4", ".mov", ".flac", ".ogg"}

// Config describes the watched directory.
type Config struct {
	Dir             string
	Extensions      []string
	PollInterval    time.Duration // fallback scan and settle check, default 1s
	SettleDelay     time.Duration // unchanged this long counts as finished, default 2s
	ProcessExisting bool          // report files already present at startup
	PollOnly        bool          // skip fsnotify
}

type fileState struct {
	size    int64
	modTime time.Time
	since   time.Time // when size/modTime last changed
}

func (s fileState) same(o fileState) bool {
	return s.size == o.size && s.modTime.Equal(o.modTime)
}

// Watcher reports finished artifacts to a handler. The handler runs on the
// watcher goroutine and should hand off long work.
type Watcher struct {
	cfg    Config
	handle func(path string)
	now    func() time.Time

	pending    map[string]fileState
	dispatched map[string]fileState

	log diaglog.Scope
}

// New creates a watcher for cfg that calls handle for every finished file.
func New(cfg Config, handle func(path string)) *Watcher {
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultExtensions
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 2 * time.Second
	}
	w := &Watcher{
		cfg:        cfg,
		handle:     handle,
		now:        time.Now,
		pending:    make(map[string]fileState),
		dispatched: make(map[string]fileState),
	}
	w.log.Component = diaglog.ComponentInbox
	return w
}

// SetLogger injects a diaglog.Logger.
func (w *Watcher) SetLogger(l *diaglog.Logger) { w.log.Set(l) }

// Run watches until ctx is done. It uses fsnotify when available and keeps
// polling alongside it; if fsnotify cannot start or its channels close, it
// continues by polling alone.
func (w *Watcher) Run(ctx context.Context) error {
	info, err := os.Stat(w.cfg.Dir)
	if err != nil {
		return fmt.Errorf("inbox: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("inbox: %s is not a directory", w.cfg.Dir)
	}

	w.scan(!w.cfg.ProcessExisting)

	var events chan fsnotify.Event
	var errs chan error
	if !w.cfg.PollOnly {
		watcher, err := fsnotify.NewWatcher()
		if err == nil {
			defer watcher.Close()
			if err = watcher.Add(w.cfg.Dir); err == nil {
				events, errs = watcher.Events, watcher.Errors
			}
		}
		if err != nil {
			w.log.Log(diaglog.LogEntry{
				Event:  diaglog.EventWatchError,
				Reason: "fsnotify unavailable, polling: " + err.Error(),
			})
		}
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.touch(event.Name)
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				delete(w.pending, event.Name)
				delete(w.dispatched, event.Name)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.log.Log(diaglog.LogEntry{Event: diaglog.EventWatchError, Reason: err.Error()})
		case <-ticker.C:
			w.scan(false)
			w.settle()
		}
	}
}

// scan stats every candidate file in the directory. With baseline set the
// files found are recorded as already dispatched.
func (w *Watcher) scan(baseline bool) {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(w.cfg.Dir, e.Name())
		if !w.accepts(path) {
			continue
		}
		if baseline {
			if st, ok := w.stat(path); ok {
				w.dispatched[path] = st
			}
			continue
		}
		w.touch(path)
	}
}

// touch records the current size and modification time of path.
func (w *Watcher) touch(path string) {
	if !w.accepts(path) {
		return
	}
	st, ok := w.stat(path)
	if !ok {
		return
	}
	if d, ok := w.dispatched[path]; ok && d.same(st) {
		return
	}
	if p, ok := w.pending[path]; ok && p.same(st) {
		return
	}
	w.pending[path] = st
}

// settle dispatches pending files unchanged for the settle delay.
func (w *Watcher) settle() {
	now := w.now()
	for path, p := range w.pending {
		st, ok := w.stat(path)
		if !ok {
			delete(w.pending, path)
			continue
		}
		if !st.same(p) {
			w.pending[path] = st
			continue
		}
		if st.size == 0 || now.Sub(p.since) < w.cfg.SettleDelay {
			continue
		}
		delete(w.pending, path)
		w.dispatched[path] = p

		w.log.Log(diaglog.LogEntry{
			Event:   diaglog.EventArtifactDetected,
			Payload: map[string]interface{}{"path": path, "size": st.size},
		})
		w.handle(path)
	}
}

func (w *Watcher) stat(path string) (fileState, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return fileState{}, false
	}
	return fileState{size: info.Size(), modTime: info.ModTime(), since: w.now()}, true
}

func (w *Watcher) accepts(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range w.cfg.Extensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}
