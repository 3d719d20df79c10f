package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/assembler"
	"github.com/tiroq/memoscribe/internal/pcm"
)

// AssertBlock checks every field of a transcript block.
func AssertBlock(t *testing.T, got assembler.Block, speaker asr.SpeakerID, text string, start, end float64, active bool) {
	t.Helper()
	want := assembler.Block{SpeakerID: speaker, Text: text, StartTime: start, EndTime: end, IsActive: active}
	if got != want {
		t.Fatalf("block mismatch:\n got  %+v\n want %+v", got, want)
	}
}

// AssertProgressMonotonic fails if overall progress ever decreases or leaves
// the [0, 1] range.
func AssertProgressMonotonic(t *testing.T, overall []float64) {
	t.Helper()
	prev := 0.0
	for i, p := range overall {
		if p < 0 || p > 1 {
			t.Fatalf("progress[%d] = %v out of range", i, p)
		}
		if p < prev {
			t.Fatalf("progress decreased at %d: %v -> %v", i, prev, p)
		}
		prev = p
	}
}

// Final builds a final recognizer segment.
func Final(text string, ts float64) asr.RecognizedSegment {
	return asr.RecognizedSegment{Text: text, TimestampSeconds: ts, IsFinal: true}
}

// Partial builds a partial recognizer segment.
func Partial(text string, ts float64) asr.RecognizedSegment {
	return asr.RecognizedSegment{Text: text, TimestampSeconds: ts}
}

// WriteWAV writes d of a 16 kHz mono test tone to dir/name and returns the path.
func WriteWAV(t *testing.T, dir, name string, d time.Duration) string {
	t.Helper()
	const sampleRate = 16000
	n := int(d.Seconds() * sampleRate)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, pcm.WAV(pcm.Tone(300, 0.3, sampleRate, n), sampleRate), 0644); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return path
}
