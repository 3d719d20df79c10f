// Package asr holds the speech-recognition vocabulary shared by the live and
// batch paths: recognizer segments, batch transcripts, and the Backend
// interface every batch provider implements.
package asr

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrRecognitionUnavailable is returned when a provider could not be reached
// or refused the input.
var ErrRecognitionUnavailable = errors.New("asr: recognition unavailable")

// SpeakerID identifies a diarized speaker within one session.
type SpeakerID int

// RecognizedSegment is one unit of live recognizer output. Partial segments
// are superseded by later ones; final segments never change once emitted.
type RecognizedSegment struct {
	SpeakerID        *SpeakerID `json:"speakerId,omitempty"` // nil before diarization
	Text             string     `json:"text"`
	TimestampSeconds float64    `json:"timestampSeconds"`
	IsFinal          bool       `json:"isFinal"`
}

// Segment represents a single transcribed segment with timing.
type Segment struct {
	Start    time.Duration
	End      time.Duration
	Text     string
	Language string
	Score    float64 // confidence 0.0–1.0
}

// Transcript represents a complete transcription result.
type Transcript struct {
	Segments []Segment
	Language string
	Duration time.Duration
	Model    string
	Backend  string
}

// ProgressFunc receives the fraction (0.0–1.0) of audio processed so far.
type ProgressFunc func(fraction float64)

// TranscribeOptions configures a transcription request.
type TranscribeOptions struct {
	Language   string // "" = auto-detect
	Model      string // backend-specific model name
	Timestamps bool

	// Duration is the measured artifact length; backends use it to turn
	// segment end times into progress fractions.
	Duration   time.Duration
	OnProgress ProgressFunc
}

// Report forwards fraction to OnProgress when one is set.
func (o TranscribeOptions) Report(fraction float64) {
	if o.OnProgress == nil {
		return
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	o.OnProgress(fraction)
}

// ReportPosition reports the fraction of Duration reached by pos.
func (o TranscribeOptions) ReportPosition(pos time.Duration) {
	if o.Duration <= 0 {
		return
	}
	o.Report(float64(pos) / float64(o.Duration))
}

// HealthStatus reports backend health.
type HealthStatus struct {
	OK      bool
	Backend string
	Message string
	Latency time.Duration
}

// Backend is the interface that batch ASR backends must implement.
// TranscribeFile must return promptly once ctx is cancelled.
type Backend interface {
	Name() string
	TranscribeFile(ctx context.Context, filePath string, opts TranscribeOptions) (*Transcript, error)
	HealthCheck(ctx context.Context) (*HealthStatus, error)
}

// Text joins all segment texts with single spaces.
func (t *Transcript) Text() string {
	if t == nil {
		return ""
	}
	var b strings.Builder
	for _, s := range t.Segments {
		txt := strings.TrimSpace(s.Text)
		if txt == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(txt)
	}
	return b.String()
}
