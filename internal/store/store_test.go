package store

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/assembler"
	"github.com/tiroq/memoscribe/internal/diarize"
	"github.com/tiroq/memoscribe/internal/pipeline"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTranscript() *pipeline.GeneratedTranscript {
	return &pipeline.GeneratedTranscript{
		RawText:       "so dont worry. i think it works",
		ProcessedText: "So don't worry. I think it works",
		Summary:       "So don't worry.",
		Segments: []pipeline.TimedText{
			{Start: 0, End: 0.8, Text: "so dont worry."},
			{Start: 0.8, End: 1.5, Text: "i think it works 100%"},
		},
		WordCount: 7,
		Duration:  2.25,
		Language:  "en",
		Backend:   "remote-whisper",
		Degraded:  []string{"correction"},
	}
}

func TestTranscript_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	want := sampleTranscript()

	if err := s.SaveTranscript(ctx, "abc123", want); err != nil {
		t.Fatalf("SaveTranscript: %v", err)
	}
	got, err := s.Transcript(ctx, "abc123")
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, want)
	}
}

func TestTranscript_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Transcript(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveTranscript_Replaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	first := sampleTranscript()
	if err := s.SaveTranscript(ctx, "h", first); err != nil {
		t.Fatal(err)
	}

	second := sampleTranscript()
	second.Segments = second.Segments[:1]
	second.WordCount = 3
	if err := s.SaveTranscript(ctx, "h", second); err != nil {
		t.Fatalf("second save: %v", err)
	}

	entries, err := s.Transcripts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].WordCount != 3 || entries[0].Duration != 2.25 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	matches, err := s.FindSegments(ctx, "works")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Fatalf("stale segments survived: %+v", matches)
	}
}

func TestTranscripts_NewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	for _, h := range []string{"old", "new"} {
		if err := s.SaveTranscript(ctx, h, sampleTranscript()); err != nil {
			t.Fatal(err)
		}
		now = now.Add(time.Hour)
	}

	entries, err := s.Transcripts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].ArtifactHash != "new" || entries[1].ArtifactHash != "old" {
		t.Fatalf("unexpected order: %+v", entries)
	}
	if !entries[1].CreatedAt.Equal(time.Unix(1_700_000_000, 0)) {
		t.Errorf("created at = %v", entries[1].CreatedAt)
	}
}

func TestFindSegments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.SaveTranscript(ctx, "h1", sampleTranscript()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		query string
		want  int
	}{
		{"WORRY", 1},
		{"o", 2},
		{"100%", 1},
		{"%", 1},
		{"_", 0},
		{"absent", 0},
	}
	for _, tt := range tests {
		matches, err := s.FindSegments(ctx, tt.query)
		if err != nil {
			t.Fatalf("FindSegments(%q): %v", tt.query, err)
		}
		if len(matches) != tt.want {
			t.Errorf("FindSegments(%q) = %d matches, want %d", tt.query, len(matches), tt.want)
		}
	}

	matches, _ := s.FindSegments(ctx, "works")
	if matches[0].ArtifactHash != "h1" || matches[0].Start != 0.8 || matches[0].End != 1.5 {
		t.Errorf("unexpected match: %+v", matches[0])
	}
}

func TestSession_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	target := asr.SpeakerID(0)
	profiles := diarize.Snapshot{Profiles: []diarize.ProfileRecord{
		{
			VoiceProfile: diarize.VoiceProfile{ID: 0, DisplayLabel: "Alice", ColorTag: "#4E79A7", SampleCount: 12, TotalDuration: 6, Confidence: 0.8},
			Centroid:     []float64{0.1, -0.2, 0.3},
		},
		{
			VoiceProfile: diarize.VoiceProfile{ID: 1, DisplayLabel: "Speaker 2", ColorTag: "#F28E2B", SampleCount: 3, TotalDuration: 1.5, Confidence: 0.5},
			AliasOf:      &target,
		},
	}}
	blocks := []assembler.Block{
		{SpeakerID: 0, Text: "Hello there, how are you", StartTime: 1, EndTime: 2},
		{SpeakerID: 1, Text: "I'm good", StartTime: 3, EndTime: 3},
	}

	if err := s.SaveSession(ctx, "sess-1", profiles, blocks); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	got, err := s.Session(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if !reflect.DeepEqual(got.Profiles, profiles) {
		t.Errorf("profiles mismatch:\n got  %+v\n want %+v", got.Profiles, profiles)
	}
	if !reflect.DeepEqual(got.Blocks, blocks) {
		t.Errorf("blocks mismatch: %+v", got.Blocks)
	}
	if err := got.Profiles.Validate(); err != nil {
		t.Errorf("restored snapshot invalid: %v", err)
	}

	// overwrite with no blocks
	if err := s.SaveSession(ctx, "sess-1", profiles, nil); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Session(ctx, "sess-1")
	if len(got.Blocks) != 0 {
		t.Errorf("expected blocks to be replaced, got %+v", got.Blocks)
	}

	if _, err := s.Session(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
