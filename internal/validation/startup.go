// Package validation checks the environment the daemon starts in and turns
// problems into suggested fixes for the startup log.
package validation

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/config"
)

// Result is the outcome of a group of checks. OK is false when any issue
// was found; warnings never clear it.
type Result struct {
	OK       bool
	Message  string
	Issues   []string
	Warnings []string
	Fixes    []string
	Backends []BackendHealth
}

// BackendHealth is the health check outcome of one ASR backend.
type BackendHealth struct {
	Name    string
	OK      bool
	Message string
	Latency time.Duration
	Err     error
}

func (r *Result) issue(msg, fix string) {
	r.OK = false
	r.Issues = append(r.Issues, msg)
	if fix != "" {
		r.Fixes = append(r.Fixes, fix)
	}
}

func (r *Result) summarize(what string) {
	switch {
	case !r.OK:
		r.Message = fmt.Sprintf("%s: %d issue(s)", what, len(r.Issues))
	case len(r.Warnings) > 0:
		r.Message = fmt.Sprintf("%s: ok with %d warning(s)", what, len(r.Warnings))
	default:
		r.Message = what + ": ok"
	}
}

// CheckEnvironment checks the files and directories cfg refers to.
func CheckEnvironment(cfg *config.Config) *Result {
	r := &Result{OK: true}

	for _, name := range []string{cfg.ASR.Primary, cfg.ASR.Fallback} {
		if name != "local_whisper" {
			continue
		}
		lw := cfg.ASR.LocalWhisper
		if info, err := os.Stat(lw.BinaryPath); err != nil {
			r.issue(fmt.Sprintf("whisper binary %s not found", lw.BinaryPath),
				"Build whisper.cpp and set asr.local_whisper.binary_path to whisper-cli")
		} else if info.Mode()&0111 == 0 {
			r.issue(fmt.Sprintf("whisper binary %s is not executable", lw.BinaryPath),
				"chmod +x "+lw.BinaryPath)
		}
		if _, err := os.Stat(lw.ModelPath); err != nil {
			r.issue(fmt.Sprintf("whisper model %s not found", lw.ModelPath),
				"Download a ggml model, e.g. models/download-ggml-model.sh small")
		}
	}

	if cfg.ASR.FFprobePath != "" {
		if _, err := exec.LookPath(cfg.ASR.FFprobePath); err != nil {
			r.issue(fmt.Sprintf("ffprobe %s not found", cfg.ASR.FFprobePath),
				"Install ffmpeg or clear asr.ffprobe_path")
		}
	} else {
		r.Warnings = append(r.Warnings, "asr.ffprobe_path is not set: only WAV durations are measured")
	}

	if cfg.Inbox.Dir != "" {
		if info, err := os.Stat(cfg.Inbox.Dir); err != nil || !info.IsDir() {
			r.issue(fmt.Sprintf("inbox %s is not a directory", cfg.Inbox.Dir), "mkdir -p "+cfg.Inbox.Dir)
		}
	}
	if cfg.Output.Dir != "" {
		if err := writable(cfg.Output.Dir); err != nil {
			r.issue(fmt.Sprintf("output directory %s is not writable: %v", cfg.Output.Dir, err),
				"Check the permissions of "+cfg.Output.Dir)
		}
	}
	if err := writable(filepath.Dir(cfg.CachePath)); err != nil {
		r.issue(fmt.Sprintf("cache directory %s is not writable: %v", filepath.Dir(cfg.CachePath), err),
			"Set cache_path or MEMOSCRIBE_CACHE to a writable location")
	}

	if cfg.Correction.OpenAIKey == "" {
		r.Warnings = append(r.Warnings, "OPENAI_API_KEY is not set: transcripts use local correction only")
	}

	r.summarize("environment")
	return r
}

// writable creates dir if needed and checks it with a temp file.
func writable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".writecheck-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// CheckBackends runs the health check of every registered backend. A failing
// fallback is a warning; a failing primary is an issue.
func CheckBackends(ctx context.Context, reg *asr.Registry, primary string) *Result {
	r := &Result{OK: true}

	for _, name := range reg.Backends() {
		b, _ := reg.Get(name)
		h := BackendHealth{Name: name}

		hs, err := b.HealthCheck(ctx)
		switch {
		case err != nil:
			h.Err = err
			h.Message = err.Error()
		case hs == nil:
			h.Message = "no health status"
		default:
			h.OK = hs.OK
			h.Message = hs.Message
			h.Latency = hs.Latency
		}
		r.Backends = append(r.Backends, h)

		if h.OK {
			continue
		}
		msg := fmt.Sprintf("ASR backend %s unhealthy: %s", name, h.Message)
		if name != primary {
			r.Warnings = append(r.Warnings, msg)
			continue
		}
		r.issue(msg, backendFix(name))
	}

	r.summarize("asr backends")
	return r
}

func backendFix(name string) string {
	switch {
	case strings.HasPrefix(name, "remote"):
		return "Check that the Whisper server at asr.remote_whisper.url (or MEMOSCRIBE_WHISPER_URL) is running"
	case strings.HasPrefix(name, "local"):
		return "Run the whisper binary by hand with the configured model to see its error"
	default:
		return ""
	}
}
