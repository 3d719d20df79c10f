package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tiroq/memoscribe/internal/diaglog"
	"github.com/tiroq/memoscribe/internal/metrics"
)

// subscriberBuffer is the queue length of each Subscribe channel.
const subscriberBuffer = 32

// Progress is one observation of a run.
type Progress struct {
	RunID           string  `json:"runId"`
	Stage           Stage   `json:"stage"`
	StageProgress   float64 `json:"stageProgress"`
	OverallProgress float64 `json:"overallProgress"`
	StatusMessage   string  `json:"statusMessage"`

	// EstimatedTimeRemaining is in seconds; nil until a rate is known.
	EstimatedTimeRemaining *float64 `json:"estimatedTimeRemaining,omitempty"`

	Result *GeneratedTranscript `json:"result,omitempty"` // complete only
	Error  string               `json:"error,omitempty"`  // failed only
}

// Run is one pipeline invocation. All methods are safe for concurrent use.
type Run struct {
	ID        string
	Path      string
	StartedAt time.Time

	mu      sync.Mutex
	machine *StageMachine
	eta     etaEstimator
	now     func() time.Time
	latest  Progress
	subs    []chan Progress
	hash    string
	result  *GeneratedTranscript
	err     error

	done     chan struct{}
	cancel   context.CancelFunc
	release  func(*Run, Stage)
	released bool // guarded by the Runner's mutex
	log      *diaglog.Scope
}

func newRun(id, path string, weights Weights, now func() time.Time, log *diaglog.Scope) *Run {
	r := &Run{
		ID:        id,
		Path:      path,
		StartedAt: now(),
		machine:   NewStageMachine(weights),
		now:     now,
		done:    make(chan struct{}),
		log:     log,
	}
	r.machine.now = now
	r.machine.entered = now()
	return r
}

// Cancel ends the run as cancelled unless it already finished. No progress
// is published after Cancel returns. In-flight work is abandoned.
func (r *Run) Cancel() {
	r.finish(StageCancelled, "Cancelled", nil, ErrCancelled)
}

// Subscribe returns a channel that first receives the latest progress and
// then every later update. When the reader falls behind the oldest queued
// update is dropped. The terminal update is always delivered, after which
// the channel is closed.
func (r *Run) Subscribe() <-chan Progress {
	ch := make(chan Progress, subscriberBuffer)
	r.mu.Lock()
	defer r.mu.Unlock()
	ch <- r.latest
	if r.machine.Stage().Terminal() {
		close(ch)
		return ch
	}
	r.subs = append(r.subs, ch)
	return ch
}

// Latest returns the most recent progress.
func (r *Run) Latest() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest
}

// Hash returns the artifact content hash once preparing has finished.
func (r *Run) Hash() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hash
}

// Done is closed once the run reaches a terminal stage.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes or ctx is done. A cancelled run returns
// ErrCancelled.
func (r *Run) Wait(ctx context.Context) (*GeneratedTranscript, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

func (r *Run) setHash(h string) {
	r.mu.Lock()
	r.hash = h
	r.mu.Unlock()
}

// enter moves to a working stage. It returns false once the run is terminal.
func (r *Run) enter(stage Stage, msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.machine.Stage().Terminal() {
		return false
	}
	left := r.machine.Stage()
	elapsed, err := r.machine.Enter(stage)
	if err != nil {
		return false
	}
	metrics.StageDuration.WithLabelValues(string(left)).Observe(elapsed.Seconds())
	r.log.Log(diaglog.LogEntry{
		Event:     diaglog.EventStageEnter,
		SessionID: r.ID,
		Payload:   map[string]interface{}{"stage": string(stage), "overall": r.machine.Overall()},
	})
	r.publishLocked(msg)
	return true
}

// advance reports progress within the current stage.
func (r *Run) advance(p float64, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.machine.Advance(p) != nil {
		return
	}
	r.publishLocked(msg)
}

// fail ends the run as failed. An error caused by ctx ending is left to
// abort, so only a cancelled ctx reads as a cancellation.
func (r *Run) fail(ctx context.Context, err error) {
	if ctx.Err() != nil && (errors.Is(err, ctx.Err()) || errors.Is(err, ErrCancelled)) {
		r.abort(ctx)
		return
	}
	r.finish(StageFailed, "Failed: "+err.Error(), nil, err)
}

// abort ends the run once ctx is done: failed when its deadline passed,
// cancelled otherwise.
func (r *Run) abort(ctx context.Context) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.finish(StageFailed, "Failed: run timed out", nil, ErrTimedOut)
		return
	}
	r.Cancel()
}

func (r *Run) complete(t *GeneratedTranscript) {
	r.finish(StageComplete, "Transcript ready", t, nil)
}

// finish publishes the terminal update exactly once, closes every
// subscriber and releases the run.
func (r *Run) finish(stage Stage, msg string, result *GeneratedTranscript, err error) {
	r.mu.Lock()
	if r.machine.Stage().Terminal() {
		r.mu.Unlock()
		return
	}
	left := r.machine.Stage()
	elapsed, _ := r.machine.Enter(stage)
	metrics.StageDuration.WithLabelValues(string(left)).Observe(elapsed.Seconds())
	r.result, r.err = result, err
	r.publishLocked(msg)
	for _, ch := range r.subs {
		close(ch)
	}
	r.subs = nil
	r.mu.Unlock()

	if r.release != nil {
		r.release(r, stage)
	}
	close(r.done)
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Run) publishLocked(msg string) {
	stage := r.machine.Stage()
	p := Progress{
		RunID:           r.ID,
		Stage:           stage,
		StageProgress:   r.machine.StageProgress(),
		OverallProgress: r.machine.Overall(),
		StatusMessage:   msg,
	}
	switch stage {
	case StageComplete:
		p.Result = r.result
	case StageFailed:
		p.Error = r.err.Error()
	case StageCancelled:
	default:
		p.EstimatedTimeRemaining = r.eta.observe(r.now(), p.OverallProgress)
	}
	r.latest = p
	for _, ch := range r.subs {
		offer(ch, p)
	}
}

// offer queues p on ch, discarding the oldest queued updates until it fits.
func offer(ch chan Progress, p Progress) {
	for {
		select {
		case ch <- p:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
