package remotewhisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tiroq/memoscribe/internal/asr"
)

// createTempAudio creates a temporary file with dummy audio data for testing.
func createTempAudio(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "test-audio-*.wav")
	if err != nil {
		t.Fatalf("create temp audio: %v", err)
	}
	_, _ = f.WriteString("fake-audio-data")
	f.Close()
	return f.Name()
}

// validTranscribeResponse returns a valid JSON response body.
func validTranscribeResponse() string {
	return `{
		"segments": [
			{"start": 0.0, "end": 5.2, "text": "Hello world", "language": "en", "score": 0.95},
			{"start": 5.2, "end": 10.001, "text": "How are you", "language": "en", "score": 0.88}
		],
		"language": "en",
		"duration": 120.5,
		"model": "small"
	}`
}

func TestTranscribeFile_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/v1/transcribe" {
			t.Errorf("expected /v1/transcribe, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("expected bearer token, got %q", got)
		}
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		for field, want := range map[string]string{"model": "small", "language": "en", "timestamps": "true", "stream": "true"} {
			if got := r.FormValue(field); got != want {
				t.Errorf("expected %s=%s, got %q", field, want, got)
			}
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("expected file field: %v", err)
			return
		}
		defer file.Close()
		if header.Filename == "" {
			t.Error("expected non-empty filename")
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, validTranscribeResponse())
	}))
	defer ts.Close()

	c := NewClient(Config{BaseURL: ts.URL + "/", Token: "secret"})

	var last float64
	result, err := c.TranscribeFile(context.Background(), createTempAudio(t), asr.TranscribeOptions{
		Language:   "en",
		Timestamps: true,
		OnProgress: func(f float64) { last = f },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Backend != "remote_whisper_api" {
		t.Errorf("expected backend %q, got %q", "remote_whisper_api", result.Backend)
	}
	if result.Language != "en" || result.Model != "small" {
		t.Errorf("unexpected language/model: %q/%q", result.Language, result.Model)
	}
	if len(result.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(result.Segments))
	}
	if result.Segments[0].End != 5200*time.Millisecond {
		t.Errorf("expected end 5.2s, got %v", result.Segments[0].End)
	}
	if result.Segments[1].End != 10001*time.Millisecond {
		t.Errorf("expected exact end 10.001s, got %v", result.Segments[1].End)
	}
	if result.Duration != 120500*time.Millisecond {
		t.Errorf("expected duration 120.5s, got %v", result.Duration)
	}
	if last != 1 {
		t.Errorf("expected final progress 1, got %v", last)
	}
}

func TestTranscribeFile_StreamReportsProgress(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"start": 0, "end": 2.5, "text": "first"}`)
		fmt.Fprintln(w, `{"start": 2.5, "end": 5, "text": "second"}`)
		fmt.Fprintln(w, `{"start": 5, "end": 7.5, "text": "third"}`)
		fmt.Fprintln(w, `{"done": true, "language": "en", "duration": 10, "model": "base"}`)
	}))
	defer ts.Close()

	var reports []float64
	c := NewClient(Config{BaseURL: ts.URL})
	result, err := c.TranscribeFile(context.Background(), createTempAudio(t), asr.TranscribeOptions{
		Duration:   10 * time.Second,
		OnProgress: func(f float64) { reports = append(reports, f) },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Segments) != 3 || result.Model != "base" || result.Duration != 10*time.Second {
		t.Fatalf("unexpected transcript: %+v", result)
	}

	want := []float64{0.25, 0.5, 0.75, 1}
	if len(reports) != len(want) {
		t.Fatalf("reports = %v, want %v", reports, want)
	}
	for i := range want {
		if reports[i] != want[i] {
			t.Errorf("report %d = %v, want %v", i, reports[i], want[i])
		}
	}
}

func TestTranscribeFile_StreamWithoutDoneFails(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"start": 0, "end": 1, "text": "cut"}`)
	}))
	defer ts.Close()

	_, err := NewClient(Config{BaseURL: ts.URL}).TranscribeFile(context.Background(), createTempAudio(t), asr.TranscribeOptions{})
	if !errors.Is(err, asr.ErrRecognitionUnavailable) {
		t.Fatalf("expected ErrRecognitionUnavailable, got %v", err)
	}
}

func TestTranscribeFile_ServerErrorIsNotRetried(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error": "overloaded"}`)
	}))
	defer ts.Close()

	_, err := NewClient(Config{BaseURL: ts.URL}).TranscribeFile(context.Background(), createTempAudio(t), asr.TranscribeOptions{})
	if !errors.Is(err, asr.ErrRecognitionUnavailable) {
		t.Fatalf("expected ErrRecognitionUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("expected status in error, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected exactly 1 call, got %d", n)
	}
}

func TestTranscribeFile_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := NewClient(Config{BaseURL: ts.URL}).TranscribeFile(ctx, createTempAudio(t), asr.TranscribeOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("cancelled call did not return promptly")
	}
}

func TestTranscribeFile_MissingFile(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	_, err := c.TranscribeFile(context.Background(), "/nonexistent/audio.wav", asr.TranscribeOptions{})
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if errors.Is(err, asr.ErrRecognitionUnavailable) {
		t.Error("a local open failure is not a provider outage")
	}
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantOK  bool
		wantMsg string
	}{
		{"healthy", http.StatusOK, `{"ok": true}`, true, "healthy"},
		{"not ok", http.StatusOK, `{"ok": false}`, false, "not ok"},
		{"http error", http.StatusBadGateway, `bad`, false, "502"},
		{"invalid json", http.StatusOK, `nope`, false, "invalid health response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/health" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer ts.Close()

			hs, err := NewClient(Config{BaseURL: ts.URL}).HealthCheck(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if hs.OK != tt.wantOK {
				t.Errorf("OK = %v, want %v", hs.OK, tt.wantOK)
			}
			if !strings.Contains(hs.Message, tt.wantMsg) {
				t.Errorf("message %q should contain %q", hs.Message, tt.wantMsg)
			}
		})
	}
}

func TestHealthCheck_Unreachable(t *testing.T) {
	hs, err := NewClient(Config{BaseURL: "http://127.0.0.1:1"}).HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hs.OK {
		t.Error("expected unhealthy status")
	}
}
