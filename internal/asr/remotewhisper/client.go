// Package remotewhisper is an asr.Backend that calls a remote Whisper HTTP API.
//
// The server may answer with a single JSON document or, when it honours the
// stream=true form field, with NDJSON: one segment object per line followed by
// a terminating {"done": true, ...} line. Streamed segments drive progress.
package remotewhisper

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/diaglog"
)

// Config configures the remote Whisper API client.
type Config struct {
	BaseURL string
	Token   string // optional auth token, sent as Bearer
	Model   string // default "small"
}

// Client is an asr.Backend that calls a remote Whisper HTTP API. It performs
// exactly one request per call; retry policy belongs to the caller's network
// layer and deadlines to the caller's context.
type Client struct {
	cfg    Config
	client *http.Client
	log    diaglog.Scope
}

var _ asr.Backend = (*Client)(nil)

// NewClient creates a new remote Whisper API client.
func NewClient(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = "small"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &Client{
		cfg:    cfg,
		client: &http.Client{},
	}
	c.log.Component = diaglog.ComponentASR
	return c
}

// SetLogger injects a diaglog.Logger for debug logging.
func (c *Client) SetLogger(l *diaglog.Logger) { c.log.Set(l) }

// Name returns the backend identifier.
func (c *Client) Name() string {
	return "remote_whisper_api"
}

// wireSegment mirrors one segment in the API response. Timestamps decode
// through decimal so that millisecond boundaries survive exactly.
type wireSegment struct {
	Start    decimal.Decimal `json:"start"`
	End      decimal.Decimal `json:"end"`
	Text     string          `json:"text"`
	Language string          `json:"language"`
	Score    float64         `json:"score"`
}

// transcribeResponse mirrors the JSON shape returned by the remote API.
type transcribeResponse struct {
	Segments []wireSegment   `json:"segments"`
	Language string          `json:"language"`
	Duration decimal.Decimal `json:"duration"`
	Model    string          `json:"model"`
}

// streamLine is one NDJSON line: either a segment or the final summary.
type streamLine struct {
	wireSegment
	Done     bool            `json:"done"`
	Duration decimal.Decimal `json:"duration"`
	Model    string          `json:"model"`
	Error    string          `json:"error"`
}

// TranscribeFile sends the audio file to the remote Whisper API and returns
// a parsed Transcript.
func (c *Client) TranscribeFile(ctx context.Context, filePath string, opts asr.TranscribeOptions) (*asr.Transcript, error) {
	model := opts.Model
	if model == "" {
		model = c.cfg.Model
	}

	c.log.Log(diaglog.LogEntry{
		Event:   diaglog.EventTranscribeRequest,
		Payload: map[string]interface{}{"file": filepath.Base(filePath), "model": model, "language": opts.Language},
	})

	t, err := c.doTranscribe(ctx, filePath, model, opts)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("transcribe %s: %w", filepath.Base(filePath), err)
	}
	return t, nil
}

// doTranscribe performs a single multipart POST to the transcription endpoint.
func (c *Client) doTranscribe(ctx context.Context, filePath, model string, opts asr.TranscribeOptions) (*asr.Transcript, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	// Write multipart in a goroutine so the pipe feeds the request body.
	errCh := make(chan error, 1)
	go func() {
		defer pw.Close()

		part, err := writer.CreateFormFile("file", filepath.Base(filePath))
		if err != nil {
			errCh <- fmt.Errorf("create form file: %w", err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			errCh <- fmt.Errorf("copy audio data: %w", err)
			return
		}
		_ = writer.WriteField("model", model)
		_ = writer.WriteField("language", opts.Language)
		_ = writer.WriteField("timestamps", fmt.Sprintf("%t", opts.Timestamps))
		_ = writer.WriteField("stream", "true")

		errCh <- writer.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/transcribe", pr)
	if err != nil {
		_ = pr.Close()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/x-ndjson, application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: http request: %w", asr.ErrRecognitionUnavailable, err)
	}
	defer resp.Body.Close()

	if writeErr := <-errCh; writeErr != nil {
		return nil, fmt.Errorf("multipart write: %w", writeErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: http %d: %s", asr.ErrRecognitionUnavailable, resp.StatusCode, truncate(body, 200))
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/x-ndjson") {
		return c.decodeStream(resp.Body, opts)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %w", asr.ErrRecognitionUnavailable, err)
	}
	var parsed transcribeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	t := &asr.Transcript{
		Segments: make([]asr.Segment, 0, len(parsed.Segments)),
		Language: parsed.Language,
		Duration: toDuration(parsed.Duration),
		Model:    parsed.Model,
		Backend:  c.Name(),
	}
	for _, s := range parsed.Segments {
		t.Segments = append(t.Segments, s.segment())
	}
	opts.Report(1)
	return t, nil
}

// decodeStream consumes an NDJSON body, reporting progress per segment.
func (c *Client) decodeStream(body io.Reader, opts asr.TranscribeOptions) (*asr.Transcript, error) {
	t := &asr.Transcript{Backend: c.Name()}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	done := false
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var sl streamLine
		if err := json.Unmarshal(line, &sl); err != nil {
			return nil, fmt.Errorf("decode stream line: %w", err)
		}
		if sl.Error != "" {
			return nil, fmt.Errorf("%w: server: %s", asr.ErrRecognitionUnavailable, sl.Error)
		}
		if sl.Done {
			t.Language = sl.Language
			t.Duration = toDuration(sl.Duration)
			t.Model = sl.Model
			done = true
			break
		}
		seg := sl.segment()
		t.Segments = append(t.Segments, seg)
		opts.ReportPosition(seg.End)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read stream: %w", asr.ErrRecognitionUnavailable, err)
	}
	if !done {
		return nil, fmt.Errorf("%w: stream ended without completion marker", asr.ErrRecognitionUnavailable)
	}
	opts.Report(1)
	return t, nil
}

// HealthCheck queries the remote API health endpoint.
func (c *Client) HealthCheck(ctx context.Context) (*asr.HealthStatus, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/health", nil)
	if err != nil {
		return nil, fmt.Errorf("create health request: %w", err)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	status := &asr.HealthStatus{Backend: c.Name()}
	resp, err := c.client.Do(req)
	status.Latency = time.Since(start)
	if err != nil {
		status.Message = fmt.Sprintf("health check failed: %v", err)
		return status, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		status.Message = fmt.Sprintf("unhealthy: http %d: %s", resp.StatusCode, truncate(body, 200))
		return status, nil
	}

	var parsed struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		status.Message = fmt.Sprintf("invalid health response: %v", err)
		return status, nil
	}

	status.OK = parsed.OK
	status.Message = "healthy"
	if !parsed.OK {
		status.Message = "service reports not ok"
	}
	return status, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

func (s wireSegment) segment() asr.Segment {
	return asr.Segment{
		Start:    toDuration(s.Start),
		End:      toDuration(s.End),
		Text:     s.Text,
		Language: s.Language,
		Score:    s.Score,
	}
}

var nanosPerSecond = decimal.NewFromInt(int64(time.Second))

// toDuration converts decimal seconds to time.Duration without float rounding.
func toDuration(sec decimal.Decimal) time.Duration {
	return time.Duration(sec.Mul(nanosPerSecond).IntPart())
}

// truncate returns the first n bytes of body as a string.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
