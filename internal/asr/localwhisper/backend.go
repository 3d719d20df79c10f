// Package localwhisper shells out to a whisper.cpp-compatible CLI binary.
//
// The binary is asked for JSON on stdout and for progress lines on stderr
// ("... progress = 42%"), which are forwarded to the caller's progress
// callback while the subprocess runs.
package localwhisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/tiroq/memoscribe/internal/asr"
)

// Config configures the local whisper CLI backend.
type Config struct {
	BinaryPath string // path to whisper-cpp or faster-whisper CLI
	ModelPath  string // path to .bin model file
	Model      string // model name (e.g., "small", "base")
	Threads    int    // CPU threads (0 = auto)
}

// Backend shells out to a whisper CLI binary for local transcription.
type Backend struct {
	cfg Config
}

var _ asr.Backend = (*Backend)(nil)

// NewBackend creates a new local whisper backend with the given config.
func NewBackend(cfg Config) *Backend {
	return &Backend{cfg: cfg}
}

// Name returns the backend identifier.
func (b *Backend) Name() string {
	return "local_whisper"
}

// whisperSegment represents a single segment in whisper CLI JSON output.
type whisperSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// whisperOutput represents the JSON output from whisper CLI.
type whisperOutput struct {
	Segments []whisperSegment `json:"segments"`
	Language string           `json:"language"`
}

// TranscribeFile invokes the whisper CLI subprocess to transcribe an audio
// file. Cancelling ctx kills the whole process group.
func (b *Backend) TranscribeFile(ctx context.Context, filePath string, opts asr.TranscribeOptions) (*asr.Transcript, error) {
	if _, err := os.Stat(b.cfg.BinaryPath); err != nil {
		return nil, fmt.Errorf("%w: localwhisper: binary not found at %q: %w", asr.ErrRecognitionUnavailable, b.cfg.BinaryPath, err)
	}

	cmd := exec.CommandContext(ctx, b.cfg.BinaryPath, b.buildArgs(filePath, opts)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &progressWriter{report: opts.Report}

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: localwhisper: subprocess exited with code %d", asr.ErrRecognitionUnavailable, exitErr.ExitCode())
		}
		return nil, fmt.Errorf("%w: localwhisper: subprocess failed: %w", asr.ErrRecognitionUnavailable, err)
	}

	var output whisperOutput
	if err := json.Unmarshal(stdout.Bytes(), &output); err != nil {
		return nil, fmt.Errorf("localwhisper: failed to parse JSON output: %w", err)
	}

	transcript := &asr.Transcript{
		Language: output.Language,
		Model:    b.resolveModel(opts),
		Backend:  b.Name(),
	}
	for _, seg := range output.Segments {
		transcript.Segments = append(transcript.Segments, asr.Segment{
			Start:    floatToDuration(seg.Start),
			End:      floatToDuration(seg.End),
			Text:     seg.Text,
			Language: output.Language,
			Score:    seg.Score,
		})
	}

	// The CLI does not report total length; the measured artifact duration
	// wins over the last segment end.
	transcript.Duration = opts.Duration
	if n := len(transcript.Segments); transcript.Duration == 0 && n > 0 {
		transcript.Duration = transcript.Segments[n-1].End
	}

	opts.Report(1)
	return transcript, nil
}

// HealthCheck verifies the whisper binary exists, is executable, and responds.
func (b *Backend) HealthCheck(ctx context.Context) (*asr.HealthStatus, error) {
	status := &asr.HealthStatus{
		Backend: b.Name(),
	}

	info, err := os.Stat(b.cfg.BinaryPath)
	if err != nil {
		status.Message = fmt.Sprintf("binary not found at %q: %v", b.cfg.BinaryPath, err)
		return status, nil
	}
	if info.Mode()&0111 == 0 {
		status.Message = fmt.Sprintf("binary at %q is not executable", b.cfg.BinaryPath)
		return status, nil
	}

	if b.cfg.ModelPath != "" {
		if _, err := os.Stat(b.cfg.ModelPath); err != nil {
			status.Message = fmt.Sprintf("model not found at %q: %v", b.cfg.ModelPath, err)
			return status, nil
		}
	}

	start := time.Now()
	err = exec.CommandContext(ctx, b.cfg.BinaryPath, "--help").Run()
	status.Latency = time.Since(start)

	// --help may exit non-zero on some binaries; we just need it to execute
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		status.Message = fmt.Sprintf("binary failed to execute: %v", err)
		return status, nil
	}

	status.OK = true
	status.Message = "binary is available and executable"
	return status, nil
}

// buildArgs constructs the CLI arguments for the whisper binary.
func (b *Backend) buildArgs(filePath string, opts asr.TranscribeOptions) []string {
	var args []string

	if b.cfg.ModelPath != "" {
		args = append(args, "--model", b.cfg.ModelPath)
	}

	args = append(args, "--output-json", "--print-progress")

	if opts.Language != "" {
		args = append(args, "--language", opts.Language)
	}

	if b.cfg.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(b.cfg.Threads))
	}

	args = append(args, filePath)
	return args
}

// resolveModel returns the model name, preferring opts over config.
func (b *Backend) resolveModel(opts asr.TranscribeOptions) string {
	if opts.Model != "" {
		return opts.Model
	}
	return b.cfg.Model
}

// floatToDuration converts seconds (float64) to time.Duration.
func floatToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

var progressRE = regexp.MustCompile(`progress\s*=\s*(\d{1,3})%`)

// progressWriter scans stderr line by line for progress percentages.
type progressWriter struct {
	mu     sync.Mutex
	buf    []byte
	report func(float64)
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.scan(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	// Keep a bounded tail in case the binary never prints a newline.
	if len(w.buf) > 4096 {
		w.scan(w.buf)
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

func (w *progressWriter) scan(line []byte) {
	m := progressRE.FindSubmatch(line)
	if m == nil {
		return
	}
	pct, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return
	}
	w.report(float64(pct) / 100)
}
