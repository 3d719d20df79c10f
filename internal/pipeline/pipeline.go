// Package pipeline turns a recorded audio artifact into a GeneratedTranscript.
//
// A run moves through preparing, transcribing, processingAI and finalizing
// to complete, or stops at failed or cancelled. Progress is published on
// per-subscriber channels; a slow subscriber never holds the run back.
// Only transcription failures are fatal: correction and storage failures
// degrade to local fallbacks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tiroq/memoscribe/internal/artifact"
	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/correct"
	"github.com/tiroq/memoscribe/internal/diaglog"
	"github.com/tiroq/memoscribe/internal/metrics"
)

var (
	// ErrCancelled is the outcome of a run stopped by Cancel.
	ErrCancelled = errors.New("pipeline: run cancelled")
	// ErrTimedOut ends a run whose context deadline passed. It is a failure,
	// not a cancellation.
	ErrTimedOut = errors.New("pipeline: run timed out")
	// ErrRunActive is returned when the artifact already has a run in flight.
	ErrRunActive = errors.New("pipeline: a run is already active for this artifact")
)

// TimedText is one time-stamped span of the transcript, in seconds.
type TimedText struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// GeneratedTranscript is the finished output of a run.
type GeneratedTranscript struct {
	RawText       string      `json:"rawText"`
	ProcessedText string      `json:"processedText"`
	Summary       string      `json:"summary"`
	Segments      []TimedText `json:"segments"`
	WordCount     int         `json:"wordCount"`
	Duration      float64     `json:"duration"`
	Language      string      `json:"language,omitempty"`
	Backend       string      `json:"backend,omitempty"`
	Degraded      []string    `json:"degraded,omitempty"`
}

// Transcriber runs batch speech recognition. *asr.Registry and every
// asr.Backend satisfy it.
type Transcriber interface {
	TranscribeFile(ctx context.Context, filePath string, opts asr.TranscribeOptions) (*asr.Transcript, error)
}

// Loader opens and measures an artifact. artifact.Loader satisfies it.
type Loader interface {
	Open(ctx context.Context, path string) (*artifact.Artifact, error)
}

// Sink stores finished transcripts. Its failure never fails a run.
type Sink interface {
	SaveTranscript(ctx context.Context, artifactHash string, t *GeneratedTranscript) error
}

// Config tunes a Runner.
type Config struct {
	Weights Weights
	Model   string // passed to the transcriber
}

// Runner starts runs and enforces one active run per artifact.
type Runner struct {
	transcriber Transcriber
	loader      Loader
	external    correct.Processor
	local       *correct.Local
	sink        Sink
	weights     Weights
	model       string
	now         func() time.Time

	mu     sync.Mutex
	byPath map[string]*Run
	byHash map[string]*Run

	log diaglog.Scope
}

// NewRunner creates a Runner that transcribes with t.
func NewRunner(t Transcriber, cfg Config) *Runner {
	r := &Runner{
		transcriber: t,
		loader:      artifact.Loader{},
		local:       correct.NewLocal(),
		weights:     cfg.Weights.Normalized(),
		model:       cfg.Model,
		now:         time.Now,
		byPath:      make(map[string]*Run),
		byHash:      make(map[string]*Run),
	}
	r.log.Component = diaglog.ComponentPipeline
	return r
}

// SetLoader replaces the artifact loader.
func (r *Runner) SetLoader(l Loader) { r.loader = l }

// SetCorrector configures processingAI. external may be nil; a nil local
// keeps the default rules.
func (r *Runner) SetCorrector(external correct.Processor, local *correct.Local) {
	r.external = external
	if local != nil {
		r.local = local
	}
}

// SetSink stores every finished transcript in s.
func (r *Runner) SetSink(s Sink) { r.sink = s }

// SetLogger injects a diaglog.Logger.
func (r *Runner) SetLogger(l *diaglog.Logger) { r.log.Set(l) }

// Model is the model name passed to the transcriber.
func (r *Runner) Model() string { return r.model }

// Start begins a run for the artifact at path. The run ends cancelled if ctx
// is cancelled and failed with ErrTimedOut if its deadline passes. It returns
// ErrRunActive while another run for the same path is in flight.
func (r *Runner) Start(ctx context.Context, path, language string) (*Run, error) {
	key, err := filepath.Abs(path)
	if err != nil {
		key = filepath.Clean(path)
	}

	r.mu.Lock()
	if other, ok := r.byPath[key]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: run %s", ErrRunActive, other.ID)
	}
	run := newRun(uuid.NewString(), key, r.weights, r.now, &r.log)
	run.release = r.release
	r.byPath[key] = run
	r.mu.Unlock()

	metrics.RunsActive.Inc()
	r.log.Log(diaglog.LogEntry{
		Event:     diaglog.EventRunStart,
		SessionID: run.ID,
		Payload:   map[string]interface{}{"path": key, "language": language},
	})

	run.mu.Lock()
	run.publishLocked("Loading audio")
	run.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	run.cancel = cancel
	context.AfterFunc(runCtx, func() { run.abort(runCtx) })

	go r.execute(runCtx, run, language)
	return run, nil
}

// Active returns the latest progress of every run in flight.
func (r *Runner) Active() []Progress {
	r.mu.Lock()
	runs := make([]*Run, 0, len(r.byPath))
	for _, run := range r.byPath {
		runs = append(runs, run)
	}
	r.mu.Unlock()

	out := make([]Progress, 0, len(runs))
	for _, run := range runs {
		out = append(out, run.Latest())
	}
	return out
}

func (r *Runner) execute(ctx context.Context, run *Run, language string) {
	art, err := r.loader.Open(ctx, run.Path)
	if err != nil {
		run.fail(ctx, err)
		return
	}
	if err := r.claim(run, art.Hash); err != nil {
		run.fail(ctx, err)
		return
	}

	if !run.enter(StageTranscribing, "Transcribing audio") {
		return
	}
	opts := asr.TranscribeOptions{
		Language:   language,
		Model:      r.model,
		Timestamps: true,
		Duration:   art.Duration,
		OnProgress: func(f float64) {
			run.advance(f, fmt.Sprintf("Transcribing audio (%d%%)", int(f*100)))
		},
	}
	tr, err := r.transcriber.TranscribeFile(ctx, run.Path, opts)
	if err == nil && tr == nil {
		err = fmt.Errorf("%w: transcriber returned no transcript", asr.ErrRecognitionUnavailable)
	}
	if err != nil {
		run.fail(ctx, err)
		return
	}
	run.advance(1, "Transcription complete")

	if !run.enter(StageProcessingAI, "Correcting transcript") {
		return
	}
	var degraded []string
	raw := tr.Text()
	res, err := correct.Process(ctx, r.external, r.local, raw, language)
	if err != nil {
		if ctx.Err() != nil {
			run.abort(ctx)
			return
		}
		degraded = append(degraded, "correction")
		metrics.Degradations.WithLabelValues("correction").Inc()
		r.log.Log(diaglog.LogEntry{
			Event:     diaglog.EventCorrectionDegraded,
			SessionID: run.ID,
			Reason:    err.Error(),
		})
	}
	run.advance(1, "Correction complete")

	if !run.enter(StageFinalizing, "Finalizing transcript") {
		return
	}
	t := buildTranscript(tr, art, raw, res, language)
	t.Degraded = degraded
	if r.sink != nil {
		if err := r.sink.SaveTranscript(ctx, art.Hash, t); err != nil {
			metrics.Degradations.WithLabelValues("cache").Inc()
			r.log.Log(diaglog.LogEntry{
				Event:     diaglog.EventCacheWriteFailed,
				SessionID: run.ID,
				Reason:    err.Error(),
			})
		}
	}
	run.complete(t)
}

// claim registers the artifact hash so that a copy of the same recording
// under another path cannot run concurrently.
func (r *Runner) claim(run *Run, hash string) error {
	run.setHash(hash)
	r.mu.Lock()
	defer r.mu.Unlock()
	if run.released {
		return ErrCancelled
	}
	if other, ok := r.byHash[hash]; ok && other != run {
		return fmt.Errorf("%w: run %s has the same content", ErrRunActive, other.ID)
	}
	r.byHash[hash] = run
	return nil
}

func (r *Runner) release(run *Run, outcome Stage) {
	r.mu.Lock()
	run.released = true
	if r.byPath[run.Path] == run {
		delete(r.byPath, run.Path)
	}
	if h := run.Hash(); h != "" && r.byHash[h] == run {
		delete(r.byHash, h)
	}
	r.mu.Unlock()

	metrics.RunsActive.Dec()
	metrics.RunsTotal.WithLabelValues(string(outcome)).Inc()

	entry := diaglog.LogEntry{SessionID: run.ID}
	switch outcome {
	case StageComplete:
		entry.Event = diaglog.EventRunComplete
	case StageCancelled:
		entry.Event = diaglog.EventRunCancelled
	default:
		entry.Event = diaglog.EventRunFailed
		run.mu.Lock()
		if run.err != nil {
			entry.Reason = run.err.Error()
		}
		run.mu.Unlock()
	}
	r.log.Log(entry)
}

func buildTranscript(tr *asr.Transcript, art *artifact.Artifact, raw string, res correct.Result, language string) *GeneratedTranscript {
	t := &GeneratedTranscript{
		RawText:       raw,
		ProcessedText: res.Text,
		Summary:       res.Summary,
		Segments:      make([]TimedText, 0, len(tr.Segments)),
		WordCount:     len(strings.Fields(res.Text)),
		Language:      tr.Language,
		Backend:       tr.Backend,
	}
	if t.Language == "" {
		t.Language = language
	}
	for _, s := range tr.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		t.Segments = append(t.Segments, TimedText{Start: s.Start.Seconds(), End: s.End.Seconds(), Text: text})
	}
	switch {
	case art.Duration > 0:
		t.Duration = art.Duration.Seconds()
	case tr.Duration > 0:
		t.Duration = tr.Duration.Seconds()
	case len(t.Segments) > 0:
		t.Duration = t.Segments[len(t.Segments)-1].End
	}
	return t
}
