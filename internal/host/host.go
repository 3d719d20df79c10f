// Package host is the Pipeline Host: it starts and cancels pipeline runs,
// keeps a registry of them by run id, and writes each finished transcript
// next to its artifact (or into an output directory) with a metadata sidecar.
package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tiroq/memoscribe/internal/artifact"
	"github.com/tiroq/memoscribe/internal/diaglog"
	"github.com/tiroq/memoscribe/internal/fileutil"
	"github.com/tiroq/memoscribe/internal/pipeline"
	"github.com/tiroq/memoscribe/internal/transcript"
)

// ErrUnknownRun is returned for a run id the host does not know.
var ErrUnknownRun = errors.New("host: unknown run")

// keepFinished bounds how many finished runs stay queryable.
const keepFinished = 100

// Config controls where results go.
type Config struct {
	OutputDir     string        // empty writes next to the artifact
	Formats       []string      // transcript formats, see transcript.Formats
	Language      string        // default language hint
	WriteMetadata bool          // write <name>.meta.json
	RunTimeout    time.Duration // 0 means no deadline
	Version       string        // recorded in the sidecar
}

// Cache looks up finished transcripts by artifact hash. *store.Store
// implements it.
type Cache interface {
	Transcript(ctx context.Context, artifactHash string) (*pipeline.GeneratedTranscript, error)
}

// Host owns the pipeline runs of one process.
type Host struct {
	runner *pipeline.Runner
	cfg    Config
	cache  Cache
	loader pipeline.Loader
	now    func() time.Time

	mu       sync.Mutex
	runs     map[string]*pipeline.Run
	finished []string // run ids in finish order

	wg  sync.WaitGroup
	log diaglog.Scope
}

// New creates a host around runner.
func New(runner *pipeline.Runner, cfg Config) *Host {
	h := &Host{
		runner: runner,
		cfg:    cfg,
		loader: artifact.Loader{},
		now:    time.Now,
		runs:   make(map[string]*pipeline.Run),
	}
	h.log.Component = diaglog.ComponentHost
	return h
}

// SetLogger injects a diaglog.Logger.
func (h *Host) SetLogger(l *diaglog.Logger) { h.log.Set(l) }

// SetCache enables Lookup and Submit's skip of already transcribed artifacts.
func (h *Host) SetCache(c Cache) { h.cache = c }

// SetLoader replaces the artifact loader used for cache lookups.
func (h *Host) SetLoader(l pipeline.Loader) { h.loader = l }

// Start begins a run for path. An empty language uses the configured
// default. The run is not tied to ctx beyond its start; use Cancel.
func (h *Host) Start(ctx context.Context, path, language string) (*pipeline.Run, error) {
	if language == "" {
		language = h.cfg.Language
	}

	runCtx := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if h.cfg.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, h.cfg.RunTimeout)
	}

	run, err := h.runner.Start(runCtx, path, language)
	if err != nil {
		cancel()
		return nil, err
	}

	h.mu.Lock()
	h.runs[run.ID] = run
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cancel()
		h.follow(run, language)
	}()
	return run, nil
}

// Submit starts a run for path unless the cache already holds its
// transcript. It reports whether a run was started.
func (h *Host) Submit(ctx context.Context, path string) (bool, error) {
	if t, err := h.Lookup(ctx, path); err == nil && t != nil {
		h.log.Log(diaglog.LogEntry{
			Event:   diaglog.EventCacheHit,
			Payload: map[string]interface{}{"path": path},
		})
		return false, nil
	}
	if _, err := h.Start(ctx, path, ""); err != nil {
		return false, err
	}
	return true, nil
}

// Lookup returns the cached transcript of the artifact at path, or nil when
// there is none.
func (h *Host) Lookup(ctx context.Context, path string) (*pipeline.GeneratedTranscript, error) {
	if h.cache == nil {
		return nil, nil
	}
	art, err := h.loader.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	t, err := h.cache.Transcript(ctx, art.Hash)
	if err != nil {
		// a miss and a broken cache look the same to callers
		return nil, nil
	}
	return t, nil
}

// Run returns the run with id.
func (h *Host) Run(id string) (*pipeline.Run, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	run, ok := h.runs[id]
	return run, ok
}

// Cancel cancels the run with id. Cancelling a finished run is a no-op.
func (h *Host) Cancel(id string) error {
	run, ok := h.Run(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	run.Cancel()
	return nil
}

// Runs returns the latest progress of every known run, oldest first.
func (h *Host) Runs() []pipeline.Progress {
	h.mu.Lock()
	runs := make([]*pipeline.Run, 0, len(h.runs))
	for _, r := range h.runs {
		runs = append(runs, r)
	}
	h.mu.Unlock()

	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.Before(runs[j].StartedAt)
		}
		return runs[i].ID < runs[j].ID
	})
	out := make([]pipeline.Progress, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Latest())
	}
	return out
}

// Shutdown cancels every active run and waits for result writing to finish
// or ctx to end.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for _, r := range h.runs {
		r.Cancel()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// follow waits for run to finish and writes its outputs.
func (h *Host) follow(run *pipeline.Run, language string) {
	result, err := run.Wait(context.Background())

	outcome := "complete"
	switch {
	case errors.Is(err, pipeline.ErrTimedOut):
		outcome = "failed"
		err = fmt.Errorf("%w after %s", err, h.cfg.RunTimeout)
	case errors.Is(err, pipeline.ErrCancelled):
		outcome = "cancelled"
	case err != nil:
		outcome = "failed"
	}

	base := h.outputBase(run.Path)
	meta := &fileutil.ArtifactMetadata{
		Version:       h.cfg.Version,
		RunID:         run.ID,
		ArtifactPath:  run.Path,
		ArtifactHash:  run.Hash(),
		Language:      language,
		Outcome:       outcome,
		TranscribedAt: h.now().UTC(),
	}
	if err != nil {
		meta.Error = err.Error()
	}

	if result != nil {
		written, werr := h.writeOutputs(base, result)
		d := time.Duration(result.Duration * float64(time.Second))
		meta.Duration = d.Round(time.Millisecond).String()
		meta.DurationMs = d.Milliseconds()
		meta.Language = result.Language
		meta.ASR = &fileutil.ASRMeta{
			Backend:   result.Backend,
			Model:     h.runner.Model(),
			WordCount: result.WordCount,
			Segments:  len(result.Segments),
			Formats:   h.formats(),
			Outputs:   written,
			Degraded:  result.Degraded,
		}
		if werr != nil {
			meta.Error = werr.Error()
		}
	}

	if h.cfg.WriteMetadata && outcome != "cancelled" {
		if err := fileutil.WriteMetadata(base+filepath.Ext(run.Path), meta); err != nil {
			h.log.Log(diaglog.LogEntry{
				Event:   diaglog.EventOutputFailed,
				Reason:  err.Error(),
				Payload: map[string]interface{}{"run_id": run.ID, "kind": "metadata"},
			})
		}
	}

	h.retire(run.ID)
}

func (h *Host) writeOutputs(base string, t *pipeline.GeneratedTranscript) ([]string, error) {
	if err := os.MkdirAll(filepath.Dir(base), 0755); err != nil {
		h.log.Log(diaglog.LogEntry{Event: diaglog.EventOutputFailed, Reason: err.Error()})
		return nil, err
	}
	written, err := transcript.WriteAll(base, t, h.formats())
	if err != nil {
		h.log.Log(diaglog.LogEntry{
			Event:   diaglog.EventOutputFailed,
			Reason:  err.Error(),
			Payload: map[string]interface{}{"base": base},
		})
	}
	if len(written) > 0 {
		h.log.Log(diaglog.LogEntry{
			Event:   diaglog.EventOutputWritten,
			Payload: map[string]interface{}{"files": written},
		})
	}
	return written, err
}

// outputBase is the output path without extension for an artifact.
func (h *Host) outputBase(path string) string {
	if h.cfg.OutputDir == "" {
		return fileutil.BasePath(path)
	}
	return filepath.Join(h.cfg.OutputDir, fileutil.BasePath(filepath.Base(path)))
}

func (h *Host) formats() []string {
	if len(h.cfg.Formats) == 0 {
		return []string{"txt"}
	}
	return h.cfg.Formats
}

// retire keeps a finished run queryable until keepFinished newer runs have
// finished.
func (h *Host) retire(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = append(h.finished, id)
	for len(h.finished) > keepFinished {
		delete(h.runs, h.finished[0])
		h.finished = h.finished[1:]
	}
}
