package validation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/config"
	"github.com/tiroq/memoscribe/testutil"
)

type fakeBackend struct {
	name   string
	status *asr.HealthStatus
	err    error
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) TranscribeFile(context.Context, string, asr.TranscribeOptions) (*asr.Transcript, error) {
	return nil, errors.New("not used")
}

func (f *fakeBackend) HealthCheck(context.Context) (*asr.HealthStatus, error) {
	return f.status, f.err
}

func baseConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.CachePath = filepath.Join(t.TempDir(), "cache", "cache.db")
	cfg.Correction.OpenAIKey = "sk-test"
	cfg.ASR.FFprobePath = ""
	return cfg
}

func TestCheckEnvironment_OK(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Inbox.Dir = t.TempDir()
	cfg.Output.Dir = filepath.Join(t.TempDir(), "out")

	r := CheckEnvironment(cfg)
	testutil.AssertTrue(t, r.OK, "environment ok")
	testutil.AssertEqual(t, 0, len(r.Issues), "issues")
	testutil.AssertEqual(t, 1, len(r.Warnings), "ffprobe warning only")
	testutil.AssertStringContains(t, r.Message, "warning", "message")
}

func TestCheckEnvironment_Issues(t *testing.T) {
	dir := t.TempDir()
	notExec := filepath.Join(dir, "whisper-cli")
	if err := os.WriteFile(notExec, []byte("#!/bin/sh\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := baseConfig(t)
	cfg.Correction.OpenAIKey = ""
	cfg.ASR.Fallback = "local_whisper"
	cfg.ASR.LocalWhisper.BinaryPath = notExec
	cfg.ASR.LocalWhisper.ModelPath = filepath.Join(dir, "ggml-small.bin")
	cfg.Inbox.Dir = filepath.Join(dir, "absent")

	r := CheckEnvironment(cfg)
	testutil.AssertFalse(t, r.OK, "issues found")
	testutil.AssertEqual(t, 3, len(r.Issues), "binary, model, inbox")
	testutil.AssertEqual(t, 3, len(r.Fixes), "one fix per issue")
	testutil.AssertStringContains(t, r.Issues[0], "not executable", "binary issue")
	testutil.AssertEqual(t, 2, len(r.Warnings), "ffprobe and openai warnings")
	testutil.AssertStringContains(t, r.Message, "3 issue(s)", "message")
}

func TestCheckBackends(t *testing.T) {
	reg := asr.NewRegistry()
	reg.Register("remote_whisper", &fakeBackend{name: "remote_whisper", status: &asr.HealthStatus{OK: true, Latency: 12 * time.Millisecond}})
	reg.Register("local_whisper", &fakeBackend{name: "local_whisper", err: errors.New("model missing")})

	r := CheckBackends(context.Background(), reg, "remote_whisper")
	testutil.AssertTrue(t, r.OK, "failing fallback is only a warning")
	testutil.AssertEqual(t, 2, len(r.Backends), "both checked")
	testutil.AssertEqual(t, 1, len(r.Warnings), "warning")

	r = CheckBackends(context.Background(), reg, "local_whisper")
	testutil.AssertFalse(t, r.OK, "failing primary is an issue")
	testutil.AssertStringContains(t, r.Issues[0], "model missing", "issue")
	testutil.AssertEqual(t, 1, len(r.Fixes), "fix")
}
