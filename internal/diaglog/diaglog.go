// Package diaglog provides structured NDJSON diagnostic logging for memoscribe.
// Activated by MEMOSCRIBE_DEBUG=true. When the env var is absent, all Log
// calls are no-ops and no file is created.
package diaglog

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// ── Component labels ─────────────────────────────────────────────────────────

const (
	ComponentDiarizer      = "diarizer"
	ComponentAssembler     = "assembler"
	ComponentSession       = "live-session"
	ComponentSegmentSource = "segment-source"
	ComponentPipeline      = "pipeline"
	ComponentCorrector     = "corrector"
	ComponentASR           = "asr"
	ComponentInbox         = "inbox"
	ComponentAPI           = "api"
	ComponentDiagExport    = "diag-export"
	ComponentCore          = "scribe-core"
	ComponentHost          = "host"
)

// ── Event names ──────────────────────────────────────────────────────────────

const (
	EventSpeakerCreated     = "speaker_created"
	EventSpeakerRenamed     = "speaker_renamed"
	EventSpeakerMerged      = "speaker_merged"
	EventBlockClosed        = "block_closed"
	EventSourceConnect      = "source_connect"
	EventSourceError        = "source_error"
	EventSourceClosed       = "source_closed"
	EventSessionStart       = "session_start"
	EventSessionStop        = "session_stop"
	EventStageEnter         = "stage_enter"
	EventRunStart           = "run_start"
	EventRunComplete        = "run_complete"
	EventRunFailed          = "run_failed"
	EventRunCancelled       = "run_cancelled"
	EventCorrectionDegraded = "correction_degraded"
	EventSummaryDegraded    = "summary_degraded"
	EventCacheWriteFailed   = "cache_write_failed"
	EventASRHealthCheck     = "asr_health_check"
	EventTranscribeRequest  = "transcribe_request"
	EventArtifactDetected   = "artifact_detected"
	EventCorrectionRequest  = "correction_request"
	EventWatchError         = "watch_error"
	EventOutputWritten      = "output_written"
	EventOutputFailed       = "output_failed"
	EventCacheHit           = "cache_hit"
	EventRequestFailed      = "request_failed"
	EventStreamOpen         = "stream_open"
	EventStreamClosed       = "stream_closed"
)

// ── LogEntry ─────────────────────────────────────────────────────────────────

// LogEntry is one structured event record written as a single JSON line.
type LogEntry struct {
	Timestamp string      `json:"ts"`                   // RFC3339Nano
	Component string      `json:"component"`            // see Component* constants
	Event     string      `json:"event"`                // see Event* constants
	SessionID string      `json:"session_id,omitempty"` // live session or pipeline run id
	Reason    string      `json:"reason,omitempty"`
	Payload   interface{} `json:"payload,omitempty"` // redacted before write
}

// ── Logger ───────────────────────────────────────────────────────────────────

// Logger writes LogEntry values to a rolling NDJSON file. When debug mode is
// disabled every Log call is a no-op.
type Logger struct {
	rw      *rollingWriter
	mu      sync.Mutex
	enabled bool
}

// New opens (or creates) the NDJSON log file at path, rolling it as opts
// describes. If debug mode is disabled, path is ignored and a no-op logger is
// returned.
func New(path string, opts Options) (*Logger, error) {
	if !IsDebugEnabled() {
		return &Logger{enabled: false}, nil
	}
	rw, err := newRollingWriter(path, opts)
	if err != nil {
		return nil, err
	}
	return &Logger{rw: rw, enabled: true}, nil
}

// Log serialises entry to JSON, appends a newline, and writes to the rolling
// file. Sensitive payload fields are redacted before serialisation.
func (l *Logger) Log(entry LogEntry) {
	if l == nil || !l.enabled {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.Payload != nil {
		entry.Payload = Redact(entry.Payload)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.rw.Write(data)
}

// Close flushes and closes the underlying file. Safe on nil/disabled logger.
func (l *Logger) Close() error {
	if l == nil || !l.enabled || l.rw == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rw.close()
}

// IsDebugEnabled reports whether MEMOSCRIBE_DEBUG is set to "true".
func IsDebugEnabled() bool {
	return os.Getenv("MEMOSCRIBE_DEBUG") == "true"
}

// NewNoOp returns a logger where every Log call is a no-op. Use as a safe
// fallback when New fails (e.g., disk full, permissions error).
func NewNoOp() *Logger {
	return &Logger{enabled: false}
}

// ── Scope ────────────────────────────────────────────────────────────────────

// Scope is an injectable logger slot for library types. The zero value logs
// nothing; entries without a component get the scope's default.
type Scope struct {
	Component string

	mu     sync.RWMutex
	logger *Logger
}

// Set injects l. Passing nil disables logging.
func (s *Scope) Set(l *Logger) {
	s.mu.Lock()
	s.logger = l
	s.mu.Unlock()
}

// Log writes entry through the injected logger, if any.
func (s *Scope) Log(entry LogEntry) {
	s.mu.RLock()
	l := s.logger
	s.mu.RUnlock()
	if l == nil {
		return
	}
	if entry.Component == "" {
		entry.Component = s.Component
	}
	l.Log(entry)
}
