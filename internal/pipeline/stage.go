package pipeline

import (
	"fmt"
	"math"
	"time"
)

// Stage is one state of a transcript generation run.
type Stage string

const (
	StagePreparing    Stage = "preparing"
	StageTranscribing Stage = "transcribing"
	StageProcessingAI Stage = "processingAI"
	StageFinalizing   Stage = "finalizing"
	StageComplete     Stage = "complete"
	StageFailed       Stage = "failed"
	StageCancelled    Stage = "cancelled"
)

// stageOrder ranks the forward stages; failed and cancelled have no rank.
var stageOrder = map[Stage]int{
	StagePreparing:    0,
	StageTranscribing: 1,
	StageProcessingAI: 2,
	StageFinalizing:   3,
	StageComplete:     4,
}

// Terminal reports whether no further transition can follow s.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailed || s == StageCancelled
}

// Weights is the share of overall progress each working stage accounts for.
type Weights struct {
	Preparing    float64 `json:"preparing"`
	Transcribing float64 `json:"transcribing"`
	ProcessingAI float64 `json:"processingAI"`
	Finalizing   float64 `json:"finalizing"`
}

// DefaultWeights makes transcription the dominant stage.
func DefaultWeights() Weights {
	return Weights{Preparing: 0.02, Transcribing: 0.80, ProcessingAI: 0.13, Finalizing: 0.05}
}

// Normalized scales w to sum to 1. Negative or all-zero weights yield the
// defaults.
func (w Weights) Normalized() Weights {
	if w.Preparing < 0 || w.Transcribing < 0 || w.ProcessingAI < 0 || w.Finalizing < 0 {
		return DefaultWeights()
	}
	sum := w.Preparing + w.Transcribing + w.ProcessingAI + w.Finalizing
	if sum <= 0 {
		return DefaultWeights()
	}
	return Weights{
		Preparing:    w.Preparing / sum,
		Transcribing: w.Transcribing / sum,
		ProcessingAI: w.ProcessingAI / sum,
		Finalizing:   w.Finalizing / sum,
	}
}

func (w Weights) of(s Stage) float64 {
	switch s {
	case StagePreparing:
		return w.Preparing
	case StageTranscribing:
		return w.Transcribing
	case StageProcessingAI:
		return w.ProcessingAI
	case StageFinalizing:
		return w.Finalizing
	}
	return 0
}

// before sums the weights of every stage ahead of s.
func (w Weights) before(s Stage) float64 {
	sum := 0.0
	for _, st := range []Stage{StagePreparing, StageTranscribing, StageProcessingAI, StageFinalizing} {
		if st == s {
			break
		}
		sum += w.of(st)
	}
	return sum
}

// belowComplete is the largest overall progress a non-complete run reports.
var belowComplete = math.Nextafter(1, 0)

// StageMachine tracks the stage and progress of one run. Stages only move
// forward, or to failed or cancelled; a terminal stage is final.
// StageMachine is not safe for concurrent use.
type StageMachine struct {
	weights       Weights
	stage         Stage
	stageProgress float64
	overall       float64
	entered       time.Time
	now           func() time.Time
}

// NewStageMachine starts in the preparing stage.
func NewStageMachine(w Weights) *StageMachine {
	m := &StageMachine{weights: w.Normalized(), stage: StagePreparing, now: time.Now}
	m.entered = m.now()
	return m
}

// Enter moves to next and returns how long the previous stage lasted.
func (m *StageMachine) Enter(next Stage) (time.Duration, error) {
	if m.stage.Terminal() {
		return 0, fmt.Errorf("run already %s, cannot enter %s", m.stage, next)
	}

	switch next {
	case StageFailed, StageCancelled:
		// progress stays where the run stopped
	case StageComplete:
		m.stageProgress = 1
		m.overall = 1
	default:
		rank, ok := stageOrder[next]
		if !ok {
			return 0, fmt.Errorf("unknown stage %q", next)
		}
		if rank <= stageOrder[m.stage] {
			return 0, fmt.Errorf("cannot move from %s back to %s", m.stage, next)
		}
		m.stageProgress = 0
		m.overall = math.Min(math.Max(m.overall, m.weights.before(next)), belowComplete)
	}

	now := m.now()
	elapsed := now.Sub(m.entered)
	m.stage = next
	m.entered = now
	return elapsed, nil
}

// Advance records progress p (clamped to [0, 1]) within the current stage.
// Progress within a stage never decreases.
func (m *StageMachine) Advance(p float64) error {
	if m.stage.Terminal() {
		return fmt.Errorf("run already %s", m.stage)
	}
	p = math.Min(math.Max(p, 0), 1)
	if p <= m.stageProgress {
		return nil
	}
	m.stageProgress = p
	overall := m.weights.before(m.stage) + m.weights.of(m.stage)*p
	m.overall = math.Min(math.Max(m.overall, overall), belowComplete)
	return nil
}

// Stage returns the current stage.
func (m *StageMachine) Stage() Stage { return m.stage }

// StageProgress returns progress within the current stage.
func (m *StageMachine) StageProgress() float64 { return m.stageProgress }

// Overall returns the stage-weighted progress of the whole run.
func (m *StageMachine) Overall() float64 { return m.overall }

// etaEstimator projects the remaining time from the average rate of overall
// progress since the first sample.
type etaEstimator struct {
	first        time.Time
	firstOverall float64
	samples      int
}

// observe records a sample and returns the estimated seconds remaining, or
// nil while the rate is unknown.
func (e *etaEstimator) observe(now time.Time, overall float64) *float64 {
	if e.samples == 0 {
		e.first, e.firstOverall = now, overall
		e.samples = 1
		return nil
	}
	e.samples++

	elapsed := now.Sub(e.first).Seconds()
	gained := overall - e.firstOverall
	if elapsed <= 0 || gained <= 0 {
		return nil
	}
	remaining := (1 - overall) / (gained / elapsed)
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}
