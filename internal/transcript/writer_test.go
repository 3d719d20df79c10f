package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/assembler"
	"github.com/tiroq/memoscribe/internal/pipeline"
)

func sampleTranscript() *pipeline.GeneratedTranscript {
	return &pipeline.GeneratedTranscript{
		RawText:       "hello, welcome to the meeting. lets discuss the agenda.",
		ProcessedText: "Hello, welcome to the meeting.\n\nLet's discuss the agenda.",
		Summary:       "Hello, welcome to the meeting.",
		Segments: []pipeline.TimedText{
			{Start: 0, End: 5.23, Text: "Hello, welcome to the meeting."},
			{Start: 5.5, End: 10.1, Text: "Let's discuss the agenda."},
		},
		WordCount: 9,
		Duration:  10.1,
		Language:  "en",
		Backend:   "remote-whisper",
	}
}

func tmpPath(t *testing.T, ext string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "transcript"+ext)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return string(data)
}

func TestWriteText(t *testing.T) {
	path := tmpPath(t, ".txt")
	if err := WriteText(path, sampleTranscript()); err != nil {
		t.Fatalf("WriteText: %v", err)
	}

	want := "[00:00:00] Hello, welcome to the meeting.\n[00:00:05] Let's discuss the agenda.\n"
	if got := readFile(t, path); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestWriteMarkdown(t *testing.T) {
	path := tmpPath(t, ".md")
	if err := WriteMarkdown(path, sampleTranscript()); err != nil {
		t.Fatalf("WriteMarkdown: %v", err)
	}
	got := readFile(t, path)
	if !strings.HasPrefix(got, "## Summary\n\nHello, welcome to the meeting.\n\n## Transcript\n\n") {
		t.Errorf("unexpected header:\n%s", got)
	}
	if !strings.Contains(got, "meeting.\n\nLet's discuss") {
		t.Errorf("paragraph break lost:\n%s", got)
	}

	noSummary := sampleTranscript()
	noSummary.Summary = ""
	if err := WriteMarkdown(path, noSummary); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, path); strings.Contains(got, "## Summary") {
		t.Errorf("empty summary rendered:\n%s", got)
	}
}

func TestWriteSRT(t *testing.T) {
	path := tmpPath(t, ".srt")
	if err := WriteSRT(path, sampleTranscript()); err != nil {
		t.Fatalf("WriteSRT: %v", err)
	}

	want := "1\n00:00:00,000 --> 00:00:05,230\nHello, welcome to the meeting.\n" +
		"\n2\n00:00:05,500 --> 00:00:10,100\nLet's discuss the agenda.\n"
	if got := readFile(t, path); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestWriteVTT(t *testing.T) {
	path := tmpPath(t, ".vtt")
	if err := WriteVTT(path, sampleTranscript()); err != nil {
		t.Fatalf("WriteVTT: %v", err)
	}
	got := readFile(t, path)
	if !strings.HasPrefix(got, "WEBVTT\n") {
		t.Errorf("VTT should start with WEBVTT header; got:\n%s", got)
	}
	if !strings.Contains(got, "00:00:05.500 --> 00:00:10.100\nLet's discuss the agenda.") {
		t.Errorf("missing second cue; got:\n%s", got)
	}
}

func TestWriteAll(t *testing.T) {
	base := filepath.Join(t.TempDir(), "meeting")
	written, err := WriteAll(base, sampleTranscript(), Formats)
	if err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if len(written) != len(Formats) {
		t.Fatalf("written = %v", written)
	}
	for _, ext := range Formats {
		if _, err := os.Stat(base + "." + ext); err != nil {
			t.Errorf("missing %s: %v", ext, err)
		}
	}
}

func TestWriteAll_DefaultTxt(t *testing.T) {
	base := filepath.Join(t.TempDir(), "meeting")
	written, err := WriteAll(base, sampleTranscript(), nil)
	if err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if len(written) != 1 || written[0] != base+".txt" {
		t.Errorf("written = %v", written)
	}
}

func TestWriteAll_UnknownFormat(t *testing.T) {
	base := filepath.Join(t.TempDir(), "meeting")
	written, err := WriteAll(base, sampleTranscript(), []string{"txt", "docx"})
	if err == nil || !strings.Contains(err.Error(), `unknown format "docx"`) {
		t.Fatalf("expected unknown format error, got %v", err)
	}
	if len(written) != 1 {
		t.Errorf("valid formats should still be written: %v", written)
	}
}

func TestWrite_EmptyTranscript(t *testing.T) {
	empty := &pipeline.GeneratedTranscript{}
	tests := []struct {
		name  string
		write func(string, *pipeline.GeneratedTranscript) error
		want  string
	}{
		{"txt", WriteText, ""},
		{"srt", WriteSRT, ""},
		{"vtt", WriteVTT, "WEBVTT\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tmpPath(t, "."+tt.name)
			if err := tt.write(path, empty); err != nil {
				t.Fatal(err)
			}
			if got := readFile(t, path); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteSRT_Unicode(t *testing.T) {
	path := tmpPath(t, ".srt")
	tr := &pipeline.GeneratedTranscript{Segments: []pipeline.TimedText{
		{Start: 0, End: 2, Text: "こんにちは、会議へようこそ。"},
		{Start: 2, End: 4, Text: "Ñoño café résumé naïve"},
		{Start: 4, End: 6, Text: "Привет мир 🌍"},
	}}
	if err := WriteSRT(path, tr); err != nil {
		t.Fatalf("WriteSRT: %v", err)
	}
	got := readFile(t, path)
	for _, seg := range tr.Segments {
		if !strings.Contains(got, seg.Text) {
			t.Errorf("missing Unicode text %q in output", seg.Text)
		}
	}
}

func TestWriteBlocks(t *testing.T) {
	path := tmpPath(t, ".txt")
	blocks := []assembler.Block{
		{SpeakerID: 0, Text: "Hello there, how are you", StartTime: 1, EndTime: 2},
		{SpeakerID: 1, Text: "I'm good", StartTime: 63.4, EndTime: 64},
	}

	if err := WriteBlocks(path, blocks, nil); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	want := "[00:00:01] Speaker 1: Hello there, how are you\n[00:01:03] Speaker 2: I'm good\n"
	if got := readFile(t, path); got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	labels := map[asr.SpeakerID]string{0: "Alice", 1: "Bob"}
	if err := WriteBlocks(path, blocks, func(id asr.SpeakerID) string { return labels[id] }); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, path); !strings.Contains(got, "Bob: I'm good") {
		t.Errorf("custom label not used: %q", got)
	}
}

func TestFormatTimestamps(t *testing.T) {
	tests := []struct {
		name    string
		seconds float64
		srt     string
		vtt     string
		text    string
	}{
		{"zero", 0, "00:00:00,000", "00:00:00.000", "00:00:00"},
		{"one_minute", 60, "00:01:00,000", "00:01:00.000", "00:01:00"},
		{"one_hour", 3600, "01:00:00,000", "01:00:00.000", "01:00:00"},
		{"mixed", 5025.678, "01:23:45,678", "01:23:45.678", "01:23:45"},
		{"millis_only", 0.999, "00:00:00,999", "00:00:00.999", "00:00:00"},
		{"long", 9000, "02:30:00,000", "02:30:00.000", "02:30:00"},
		{"negative", -3, "00:00:00,000", "00:00:00.000", "00:00:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatSRTTimestamp(tt.seconds); got != tt.srt {
				t.Errorf("srt = %q, want %q", got, tt.srt)
			}
			if got := formatVTTTimestamp(tt.seconds); got != tt.vtt {
				t.Errorf("vtt = %q, want %q", got, tt.vtt)
			}
			if got := formatTextTimestamp(tt.seconds); got != tt.text {
				t.Errorf("text = %q, want %q", got, tt.text)
			}
		})
	}
}

func TestWriteText_CreatesParentDir(t *testing.T) {
	nested := filepath.Join(t.TempDir(), "sub", "dir", "transcript.txt")
	if err := WriteText(nested, sampleTranscript()); err != nil {
		t.Fatalf("WriteText to nested path: %v", err)
	}
	if _, err := os.Stat(nested); err != nil {
		t.Errorf("expected nested file to exist: %v", err)
	}
}
