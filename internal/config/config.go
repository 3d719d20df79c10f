// Package config loads the daemon configuration: a JSON file in the user's
// config directory (falling back to the bundled default), then environment
// overrides, optionally seeded from a .env file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/tiroq/memoscribe/internal/diaglog"
	"github.com/tiroq/memoscribe/internal/diarize"
	"github.com/tiroq/memoscribe/internal/pipeline"
)

// DefaultPath is the bundled configuration used when the user has none.
const DefaultPath = "configs/default-config.json"

// Config is the full daemon configuration.
type Config struct {
	Addr      string `json:"addr"`
	Language  string `json:"language"`
	CachePath string `json:"cache_path"`
	LogPath   string `json:"log_path,omitempty"`

	Inbox       InboxConfig       `json:"inbox"`
	Output      OutputConfig      `json:"output"`
	ASR         ASRConfig         `json:"asr"`
	Recognizer  RecognizerConfig  `json:"recognizer"`
	Correction  CorrectionConfig  `json:"correction"`
	Diarization diarize.Config    `json:"diarization"`
	Session     SessionConfig     `json:"session"`
	Pipeline    PipelineConfig    `json:"pipeline"`
	Diagnostics DiagnosticsConfig `json:"diagnostics"`
}

// InboxConfig describes the watched recordings directory. An empty Dir
// disables the watcher.
type InboxConfig struct {
	Dir             string   `json:"dir"`
	Extensions      []string `json:"extensions,omitempty"`
	PollIntervalMs  int      `json:"poll_interval_ms"`
	SettleSeconds   float64  `json:"settle_seconds"`
	ProcessExisting bool     `json:"process_existing"`
}

// OutputConfig controls transcript files.
type OutputConfig struct {
	Dir           string   `json:"dir"` // empty writes next to the artifact
	Formats       []string `json:"formats"`
	WriteMetadata bool     `json:"write_metadata"`
}

// ASRConfig selects and configures the batch recognition backends.
type ASRConfig struct {
	Primary           string              `json:"primary"`  // remote_whisper or local_whisper
	Fallback          string              `json:"fallback"` // optional
	Model             string              `json:"model"`
	RunTimeoutSeconds int                 `json:"run_timeout_seconds"` // 0 means no deadline
	RemoteWhisper     RemoteWhisperConfig `json:"remote_whisper"`
	LocalWhisper      LocalWhisperConfig  `json:"local_whisper"`
	FFprobePath       string              `json:"ffprobe_path,omitempty"`
}

// RemoteWhisperConfig configures the HTTP Whisper backend.
type RemoteWhisperConfig struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// LocalWhisperConfig configures the whisper.cpp backend.
type LocalWhisperConfig struct {
	BinaryPath string `json:"binary_path"`
	ModelPath  string `json:"model_path"`
	Threads    int    `json:"threads"`
}

// RecognizerConfig points at the live streaming recognizer. An empty URL
// means live segments are pushed by the client.
type RecognizerConfig struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// CorrectionConfig tunes processingAI.
type CorrectionConfig struct {
	OpenAIKey        string `json:"openai_api_key,omitempty"`
	OpenAIModel      string `json:"openai_model"`
	OpenAIBaseURL    string `json:"openai_base_url,omitempty"`
	ParagraphWords   int    `json:"paragraph_words"`
	SummarySentences int    `json:"summary_sentences"`
}

// SessionConfig controls framing of live audio.
type SessionConfig struct {
	SampleRate   int     `json:"sample_rate"`
	FrameSeconds float64 `json:"frame_seconds"`
}

// DiagnosticsConfig sizes the MEMOSCRIBE_DEBUG log at LogPath.
type DiagnosticsConfig struct {
	MaxSizeMB int `json:"max_size_mb"`
	Backups   int `json:"backups"`
}

// PipelineConfig holds the stage weights.
type PipelineConfig struct {
	Weights pipeline.Weights `json:"weights"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:      "127.0.0.1:8787",
		Language:  "auto",
		CachePath: filepath.Join(userCacheDir(), "cache.db"),
		Inbox: InboxConfig{
			PollIntervalMs: 1000,
			SettleSeconds:  2,
		},
		Output: OutputConfig{
			Formats:       []string{"txt", "md"},
			WriteMetadata: true,
		},
		ASR: ASRConfig{
			Primary: "remote_whisper",
			Model:   "small",
			RemoteWhisper: RemoteWhisperConfig{
				URL: "http://localhost:9000",
			},
		},
		Correction: CorrectionConfig{
			OpenAIModel:      "gpt-4o-mini",
			ParagraphWords:   60,
			SummarySentences: 3,
		},
		Diarization: diarize.DefaultConfig(),
		Session: SessionConfig{
			SampleRate:   16000,
			FrameSeconds: 0.5,
		},
		Pipeline:    PipelineConfig{Weights: pipeline.DefaultWeights()},
		Diagnostics: DiagnosticsConfig{MaxSizeMB: 10, Backups: 2},
	}
}

// UserPath returns ~/.config/memoscribe/config.json.
func UserPath() string {
	return filepath.Join(os.Getenv("HOME"), ".config", "memoscribe", "config.json")
}

func userCacheDir() string {
	return filepath.Join(os.Getenv("HOME"), ".cache", "memoscribe")
}

// Load reads the user config, falling back to DefaultPath and then to the
// built-in defaults, applies environment overrides and validates.
func Load() (*Config, error) {
	for _, path := range []string{UserPath(), DefaultPath} {
		cfg, err := LoadFrom(path)
		if err == nil {
			return cfg, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg := Default()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFrom reads path over the defaults, applies environment overrides and
// validates. A missing file returns an error satisfying os.IsNotExist.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads a .env file into the environment without overriding
// variables that are already set. A missing file is not an error.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// ApplyEnv overrides fields from MEMOSCRIBE_* variables and OPENAI_API_KEY.
func (c *Config) ApplyEnv() {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("OPENAI_API_KEY", &c.Correction.OpenAIKey)
	str("MEMOSCRIBE_OPENAI_MODEL", &c.Correction.OpenAIModel)
	str("MEMOSCRIBE_OPENAI_BASE_URL", &c.Correction.OpenAIBaseURL)
	str("MEMOSCRIBE_WHISPER_URL", &c.ASR.RemoteWhisper.URL)
	str("MEMOSCRIBE_WHISPER_TOKEN", &c.ASR.RemoteWhisper.Token)
	str("MEMOSCRIBE_RECOGNIZER_URL", &c.Recognizer.URL)
	str("MEMOSCRIBE_RECOGNIZER_TOKEN", &c.Recognizer.Token)
	str("MEMOSCRIBE_ADDR", &c.Addr)
	str("MEMOSCRIBE_INBOX", &c.Inbox.Dir)
	str("MEMOSCRIBE_OUTPUT", &c.Output.Dir)
	str("MEMOSCRIBE_CACHE", &c.CachePath)
	str("MEMOSCRIBE_LOG_PATH", &c.LogPath)
	str("MEMOSCRIBE_LANGUAGE", &c.Language)
}

// Save validates and writes c to the user config path.
func (c *Config) Save() error {
	return c.SaveTo(UserPath())
}

// SaveTo validates and writes c to path with indentation. Secrets are not
// written.
func (c *Config) SaveTo(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	out := *c
	out.Correction.OpenAIKey = ""
	out.ASR.RemoteWhisper.Token = ""
	out.Recognizer.Token = ""
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

var knownBackends = map[string]bool{"remote_whisper": true, "local_whisper": true}

// Validate checks ranges and cross-field rules.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if !knownBackends[c.ASR.Primary] {
		return fmt.Errorf("asr.primary must be remote_whisper or local_whisper, got %q", c.ASR.Primary)
	}
	if c.ASR.Fallback != "" {
		if !knownBackends[c.ASR.Fallback] {
			return fmt.Errorf("asr.fallback must be remote_whisper or local_whisper, got %q", c.ASR.Fallback)
		}
		if c.ASR.Fallback == c.ASR.Primary {
			return fmt.Errorf("asr.fallback must differ from asr.primary")
		}
	}
	for _, name := range []string{c.ASR.Primary, c.ASR.Fallback} {
		switch name {
		case "remote_whisper":
			if c.ASR.RemoteWhisper.URL == "" {
				return fmt.Errorf("asr.remote_whisper.url is required")
			}
		case "local_whisper":
			if c.ASR.LocalWhisper.BinaryPath == "" || c.ASR.LocalWhisper.ModelPath == "" {
				return fmt.Errorf("asr.local_whisper.binary_path and model_path are required")
			}
		}
	}
	if c.ASR.RunTimeoutSeconds < 0 {
		return fmt.Errorf("asr.run_timeout_seconds must not be negative, got %d", c.ASR.RunTimeoutSeconds)
	}
	if c.Recognizer.URL != "" && !strings.HasPrefix(c.Recognizer.URL, "ws://") && !strings.HasPrefix(c.Recognizer.URL, "wss://") {
		return fmt.Errorf("recognizer.url must be a ws:// or wss:// URL, got %q", c.Recognizer.URL)
	}

	if c.Inbox.PollIntervalMs < 50 || c.Inbox.PollIntervalMs > 60000 {
		return fmt.Errorf("inbox.poll_interval_ms must be between 50 and 60000, got %d", c.Inbox.PollIntervalMs)
	}
	if c.Inbox.SettleSeconds < 0 {
		return fmt.Errorf("inbox.settle_seconds must not be negative, got %v", c.Inbox.SettleSeconds)
	}
	for _, f := range c.Output.Formats {
		switch f {
		case "txt", "md", "srt", "vtt":
		default:
			return fmt.Errorf("output.formats: unknown format %q", f)
		}
	}

	if c.Correction.ParagraphWords < 1 {
		return fmt.Errorf("correction.paragraph_words must be at least 1, got %d", c.Correction.ParagraphWords)
	}
	if c.Correction.SummarySentences < 1 || c.Correction.SummarySentences > 20 {
		return fmt.Errorf("correction.summary_sentences must be between 1 and 20, got %d", c.Correction.SummarySentences)
	}

	d := c.Diarization
	if d.SimilarityThreshold <= 0 || d.SimilarityThreshold >= 1 {
		return fmt.Errorf("diarization.similarity_threshold must be in (0, 1), got %v", d.SimilarityThreshold)
	}
	if d.AmbiguityMargin < 0 || d.AmbiguityMargin >= 1 {
		return fmt.Errorf("diarization.ambiguity_margin must be in [0, 1), got %v", d.AmbiguityMargin)
	}
	if d.ConfidenceGrowth <= 0 || d.ConfidenceGrowth > 1 || d.ConfidenceDecay <= 0 || d.ConfidenceDecay > 1 {
		return fmt.Errorf("diarization confidence rates must be in (0, 1]")
	}

	if c.Session.SampleRate < 8000 || c.Session.SampleRate > 48000 {
		return fmt.Errorf("session.sample_rate must be between 8000 and 48000, got %d", c.Session.SampleRate)
	}
	if c.Session.FrameSeconds < 0.05 || c.Session.FrameSeconds > 5 {
		return fmt.Errorf("session.frame_seconds must be between 0.05 and 5, got %v", c.Session.FrameSeconds)
	}

	w := c.Pipeline.Weights
	if w.Preparing < 0 || w.Transcribing < 0 || w.ProcessingAI < 0 || w.Finalizing < 0 {
		return fmt.Errorf("pipeline.weights must not be negative")
	}
	if w.Preparing+w.Transcribing+w.ProcessingAI+w.Finalizing == 0 {
		return fmt.Errorf("pipeline.weights must not all be zero")
	}

	if c.Diagnostics.MaxSizeMB < 1 || c.Diagnostics.MaxSizeMB > 512 {
		return fmt.Errorf("diagnostics.max_size_mb must be between 1 and 512, got %d", c.Diagnostics.MaxSizeMB)
	}
	if c.Diagnostics.Backups < 0 || c.Diagnostics.Backups > 10 {
		return fmt.Errorf("diagnostics.backups must be between 0 and 10, got %d", c.Diagnostics.Backups)
	}
	return nil
}

// PollInterval is the inbox poll interval as a duration.
func (i InboxConfig) PollInterval() time.Duration {
	return time.Duration(i.PollIntervalMs) * time.Millisecond
}

// SettleDelay is the inbox settle delay as a duration.
func (i InboxConfig) SettleDelay() time.Duration {
	return time.Duration(i.SettleSeconds * float64(time.Second))
}

// LogOptions converts the configured sizes for diaglog.New.
func (d DiagnosticsConfig) LogOptions() diaglog.Options {
	return diaglog.Options{MaxBytes: int64(d.MaxSizeMB) * 1024 * 1024, Backups: d.Backups}
}

// RunTimeout is the pipeline run deadline; 0 means none.
func (a ASRConfig) RunTimeout() time.Duration {
	return time.Duration(a.RunTimeoutSeconds) * time.Second
}
