package pipeline

import (
	"math"
	"testing"
	"time"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestWeights_Normalized(t *testing.T) {
	tests := []struct {
		name string
		in   Weights
		want Weights
	}{
		{"defaults kept", DefaultWeights(), DefaultWeights()},
		{"scaled", Weights{1, 6, 2, 1}, Weights{0.1, 0.6, 0.2, 0.1}},
		{"zero falls back", Weights{}, DefaultWeights()},
		{"negative falls back", Weights{-1, 2, 0, 0}, DefaultWeights()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Normalized()
			if !approx(got.Preparing, tt.want.Preparing) || !approx(got.Transcribing, tt.want.Transcribing) ||
				!approx(got.ProcessingAI, tt.want.ProcessingAI) || !approx(got.Finalizing, tt.want.Finalizing) {
				t.Errorf("Normalized() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestStageMachine_ForwardOnly(t *testing.T) {
	m := NewStageMachine(DefaultWeights())
	if m.Stage() != StagePreparing {
		t.Fatalf("initial stage = %s", m.Stage())
	}
	if _, err := m.Enter(StageTranscribing); err != nil {
		t.Fatalf("Enter(transcribing): %v", err)
	}
	if _, err := m.Enter(StagePreparing); err == nil {
		t.Fatal("moving backward should fail")
	}
	if _, err := m.Enter(StageTranscribing); err == nil {
		t.Fatal("re-entering the same stage should fail")
	}
	if _, err := m.Enter(StageFailed); err != nil {
		t.Fatalf("Enter(failed): %v", err)
	}
	for _, s := range []Stage{StageComplete, StageFinalizing, StageCancelled} {
		if _, err := m.Enter(s); err == nil {
			t.Errorf("Enter(%s) after failed should fail", s)
		}
	}
	if err := m.Advance(0.5); err == nil {
		t.Error("Advance after a terminal stage should fail")
	}
}

func TestStageMachine_ZeroFinalizingWeightStaysBelowOne(t *testing.T) {
	m := NewStageMachine(Weights{Preparing: 0.1, Transcribing: 0.8, ProcessingAI: 0.1, Finalizing: 0})
	for _, s := range []Stage{StageTranscribing, StageProcessingAI} {
		if _, err := m.Enter(s); err != nil {
			t.Fatalf("Enter(%s): %v", s, err)
		}
		if err := m.Advance(1); err != nil {
			t.Fatalf("Advance in %s: %v", s, err)
		}
	}
	if _, err := m.Enter(StageFinalizing); err != nil {
		t.Fatalf("Enter(finalizing): %v", err)
	}
	if m.Overall() >= 1 {
		t.Fatalf("overall = %v in finalizing, want below 1", m.Overall())
	}
	if !approx(m.Overall(), 1) {
		t.Fatalf("overall = %v, want just below 1", m.Overall())
	}
	if _, err := m.Enter(StageComplete); err != nil {
		t.Fatalf("Enter(complete): %v", err)
	}
	if m.Overall() != 1 {
		t.Fatalf("overall = %v after complete, want 1", m.Overall())
	}
}

func TestStageMachine_WeightedProgress(t *testing.T) {
	m := NewStageMachine(DefaultWeights())
	steps := []struct {
		enter   Stage
		advance float64
		want    float64
	}{
		{"", 1, 0.02},
		{StageTranscribing, 0, 0.02},
		{"", 0.5, 0.42},
		{"", 0.25, 0.42}, // never backwards
		{"", 1, 0.82},
		{StageProcessingAI, 1, 0.95},
		{StageFinalizing, 1, belowComplete},
		{StageComplete, -1, 1},
	}
	for i, st := range steps {
		if st.enter != "" {
			if _, err := m.Enter(st.enter); err != nil {
				t.Fatalf("step %d: Enter(%s): %v", i, st.enter, err)
			}
		}
		if st.advance >= 0 {
			if err := m.Advance(st.advance); err != nil {
				t.Fatalf("step %d: Advance: %v", i, err)
			}
		}
		if !approx(m.Overall(), st.want) {
			t.Errorf("step %d: overall = %v, want %v", i, m.Overall(), st.want)
		}
	}
	if m.Overall() != 1 || m.StageProgress() != 1 {
		t.Errorf("complete should report exactly 1, got %v/%v", m.Overall(), m.StageProgress())
	}
}

func TestStageMachine_FailKeepsProgress(t *testing.T) {
	m := NewStageMachine(DefaultWeights())
	m.Enter(StageTranscribing)
	m.Advance(0.5)
	m.Enter(StageCancelled)
	if !approx(m.Overall(), 0.42) || !approx(m.StageProgress(), 0.5) {
		t.Errorf("cancelled run should keep its progress, got %v/%v", m.Overall(), m.StageProgress())
	}
}

func TestStageMachine_Elapsed(t *testing.T) {
	now := time.Unix(100, 0)
	m := NewStageMachine(DefaultWeights())
	m.now = func() time.Time { return now }
	m.entered = now

	now = now.Add(3 * time.Second)
	elapsed, err := m.Enter(StageTranscribing)
	if err != nil || elapsed != 3*time.Second {
		t.Fatalf("elapsed = %v, %v", elapsed, err)
	}
}

func TestETA(t *testing.T) {
	var e etaEstimator
	start := time.Unix(0, 0)

	if got := e.observe(start, 0); got != nil {
		t.Fatalf("first sample should have no estimate, got %v", *got)
	}
	if got := e.observe(start, 0); got != nil {
		t.Fatalf("no elapsed time should have no estimate, got %v", *got)
	}
	// 0.25 in 10s: 0.75 remaining at 0.025/s
	got := e.observe(start.Add(10*time.Second), 0.25)
	if got == nil || !approx(*got, 30) {
		t.Fatalf("estimate = %v, want 30", got)
	}
	got = e.observe(start.Add(20*time.Second), 0.8)
	if got == nil || !approx(*got, 5) {
		t.Fatalf("estimate = %v, want 5", got)
	}
}

func TestETA_NoAdvance(t *testing.T) {
	var e etaEstimator
	start := time.Unix(0, 0)
	e.observe(start, 0.3)
	if got := e.observe(start.Add(time.Minute), 0.3); got != nil {
		t.Fatalf("stalled progress should have no estimate, got %v", *got)
	}
}
