package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tiroq/memoscribe/internal/api"
	"github.com/tiroq/memoscribe/internal/artifact"
	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/asr/localwhisper"
	"github.com/tiroq/memoscribe/internal/asr/remotewhisper"
	"github.com/tiroq/memoscribe/internal/config"
	"github.com/tiroq/memoscribe/internal/correct"
	"github.com/tiroq/memoscribe/internal/diaglog"
	"github.com/tiroq/memoscribe/internal/host"
	"github.com/tiroq/memoscribe/internal/inbox"
	"github.com/tiroq/memoscribe/internal/ipc"
	"github.com/tiroq/memoscribe/internal/pidfile"
	"github.com/tiroq/memoscribe/internal/pipeline"
	"github.com/tiroq/memoscribe/internal/segsource"
	"github.com/tiroq/memoscribe/internal/session"
	"github.com/tiroq/memoscribe/internal/store"
	"github.com/tiroq/memoscribe/internal/validation"
)

const (
	logPrefix      = "[memoscribe-core]"
	defaultLogPath = "/tmp/memoscribe-debug.log"
	statusInterval = 2 * time.Second
)

var (
	// Version is set at build time via -ldflags "-X main.Version=..."
	Version = "dev"

	outLog *log.Logger
	errLog *log.Logger
)

func main() {
	if len(os.Args) > 1 {
		os.Exit(runSubcommand(os.Args[1]))
	}

	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "PANIC in memoscribe-core: %v\n", r)
			if errLog != nil {
				errLog.Printf("PANIC: %v", r)
			}
			os.Exit(1)
		}
	}()

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	if err := run(); err != nil {
		errLog.Printf("[FATAL] %v", err)
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// runSubcommand handles the one-shot flags and returns the exit code.
func runSubcommand(arg string) int {
	switch arg {
	case "--version":
		fmt.Println("memoscribe-core " + Version)
		return 0

	case "--export-diag":
		_ = config.LoadEnv()
		return exportDiag(os.Stdout, os.Stderr, ipc.DefaultDir(), ".")

	case "--status":
		return printStatus(os.Stdout, pidfile.Path("memoscribe-core"), ipc.DefaultDir(), time.Now())

	case "--init-config":
		if _, err := os.Stat(config.UserPath()); err == nil {
			fmt.Fprintf(os.Stderr, "error: %s already exists\n", config.UserPath())
			return 1
		}
		if err := config.Default().Save(); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
		fmt.Printf("Wrote: %s\n", config.UserPath())
		return 0

	default:
		fmt.Fprintf(os.Stderr, "usage: memoscribe-core [--version | --status | --export-diag | --init-config]\n")
		return 2
	}
}

func run() error {
	startedAt := time.Now()
	outLog.Println("===========================================")
	outLog.Println("Starting Memoscribe Core v" + Version + "...")
	outLog.Printf("PID: %d", os.Getpid())
	outLog.Printf("Timestamp: %s", startedAt.Format(time.RFC3339))
	outLog.Println("===========================================")

	pidPath := pidfile.Path("memoscribe-core")
	lock, err := pidfile.Acquire(pidPath)
	if err != nil {
		errLog.Printf("If you're sure no other instance is running, remove: %s", pidPath)
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			errLog.Printf("Warning: failed to remove PID file: %v", err)
		}
	}()
	outLog.Printf("[STARTUP] PID file created: %s", pidPath)

	if err := config.LoadEnv(); err != nil {
		errLog.Printf("[STARTUP] Failed to load .env: %v (continuing)", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	outLog.Printf("[STARTUP] Config loaded: addr=%s asr=%s/%s language=%s inbox=%q",
		cfg.Addr, cfg.ASR.Primary, cfg.ASR.Fallback, cfg.Language, cfg.Inbox.Dir)

	logPath := cfg.LogPath
	if logPath == "" {
		logPath = defaultLogPath
	}
	diagLogger, diagErr := diaglog.New(logPath, cfg.Diagnostics.LogOptions())
	if diagErr != nil {
		errLog.Printf("[STARTUP] WARNING: could not open diagnostic log at %s: %v (continuing)", logPath, diagErr)
		diagLogger = diaglog.NewNoOp()
	}
	defer func() { _ = diagLogger.Close() }()
	diaglog.Version = Version
	if diaglog.IsDebugEnabled() {
		outLog.Printf("[STARTUP] Diagnostic log: %s (max %d MB, %d backups)", logPath, cfg.Diagnostics.MaxSizeMB, cfg.Diagnostics.Backups)
	}

	env := validation.CheckEnvironment(cfg)
	reportValidation(env)

	registry := buildRegistry(cfg, diagLogger)
	checkCtx, cancelCheck := context.WithTimeout(context.Background(), 10*time.Second)
	backends := validation.CheckBackends(checkCtx, registry, cfg.ASR.Primary)
	cancelCheck()
	for _, b := range backends.Backends {
		payload := map[string]interface{}{"backend": b.Name, "ok": b.OK}
		if b.OK {
			outLog.Printf("[STARTUP] ASR backend %s healthy (latency=%s)", b.Name, b.Latency)
			payload["latency"] = b.Latency.String()
		} else {
			payload["message"] = b.Message
		}
		diagLogger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentASR,
			Event:     diaglog.EventASRHealthCheck,
			Payload:   payload,
		})
	}
	reportValidation(backends)

	outLog.Printf("[STARTUP] Opening cache at %s...", cfg.CachePath)
	if err := os.MkdirAll(filepath.Dir(cfg.CachePath), 0755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	cache, err := store.Open(cfg.CachePath)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer cache.Close()

	runner := buildRunner(cfg, registry, cache, diagLogger)
	h := host.New(runner, host.Config{
		OutputDir:     cfg.Output.Dir,
		Formats:       cfg.Output.Formats,
		Language:      cfg.Language,
		WriteMetadata: cfg.Output.WriteMetadata,
		RunTimeout:    cfg.ASR.RunTimeout(),
		Version:       Version,
	})
	h.SetLogger(diagLogger)
	h.SetCache(cache)
	h.SetLoader(artifact.Loader{FFprobePath: cfg.ASR.FFprobePath})

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := api.New(h, api.Config{
		Addr: cfg.Addr,
		Session: session.Config{
			SampleRate:   cfg.Session.SampleRate,
			FrameSeconds: cfg.Session.FrameSeconds,
			Diarize:      cfg.Diarization,
		},
		TranscriptDir: sessionsDir(cfg),
	})
	srv.SetLogger(diagLogger)
	srv.SetLibrary(cache)
	srv.SetSaver(cache)
	if cfg.Recognizer.URL != "" {
		srv.SetSourceFactory(recognizerSource(cfg, diagLogger))
		outLog.Printf("[STARTUP] Live sessions stream to %s", cfg.Recognizer.URL)
	} else {
		outLog.Println("[STARTUP] No recognizer configured: live sessions take segments from their clients")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	outLog.Println("[STARTUP] Signal handlers registered (SIGINT, SIGTERM)")

	errc := make(chan error, 2)
	if cfg.Inbox.Dir != "" {
		w := inbox.New(inbox.Config{
			Dir:             cfg.Inbox.Dir,
			Extensions:      cfg.Inbox.Extensions,
			PollInterval:    cfg.Inbox.PollInterval(),
			SettleDelay:     cfg.Inbox.SettleDelay(),
			ProcessExisting: cfg.Inbox.ProcessExisting,
		}, func(path string) { submit(ctx, h, path) })
		w.SetLogger(diagLogger)
		go func() {
			if err := w.Run(ctx); err != nil {
				errc <- fmt.Errorf("inbox: %w", err)
			}
		}()
		outLog.Printf("[STARTUP] Watching %s for recordings", cfg.Inbox.Dir)
	}

	go func() { errc <- srv.ListenAndServe(ctx) }()
	go publishStatus(ctx, h, cfg, startedAt)

	diagLogger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentCore,
		Event:     diaglog.EventSessionStart,
		Payload:   map[string]interface{}{"version": Version, "addr": cfg.Addr},
	})
	outLog.Printf("[STARTUP] API listening on %s", cfg.Addr)
	outLog.Println("===========================================")
	outLog.Println("[RUNNING] Memoscribe Core is running")

	var runErr error
	select {
	case <-ctx.Done():
		outLog.Println("===========================================")
		outLog.Printf("[SHUTDOWN] Received shutdown signal at %s", time.Now().Format(time.RFC3339))
	case runErr = <-errc:
		errLog.Printf("[SHUTDOWN] %v", runErr)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errLog.Printf("[SHUTDOWN] API shutdown: %v", err)
	}
	if err := h.Shutdown(shutdownCtx); err != nil {
		errLog.Printf("[SHUTDOWN] Runs did not finish writing: %v", err)
	}
	writeStatus(h, cfg, startedAt, true)

	diagLogger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentCore,
		Event:     diaglog.EventSessionStop,
		Reason:    reasonOf(runErr),
	})
	outLog.Println("[SHUTDOWN] Shutting down gracefully")
	outLog.Println("===========================================")
	return runErr
}

func buildRegistry(cfg *config.Config, l *diaglog.Logger) *asr.Registry {
	reg := asr.NewRegistry()
	for _, name := range []string{cfg.ASR.Primary, cfg.ASR.Fallback} {
		switch name {
		case "remote_whisper":
			c := remotewhisper.NewClient(remotewhisper.Config{
				BaseURL: cfg.ASR.RemoteWhisper.URL,
				Token:   cfg.ASR.RemoteWhisper.Token,
				Model:   cfg.ASR.Model,
			})
			c.SetLogger(l)
			reg.Register(name, c)
		case "local_whisper":
			reg.Register(name, localwhisper.NewBackend(localwhisper.Config{
				BinaryPath: cfg.ASR.LocalWhisper.BinaryPath,
				ModelPath:  cfg.ASR.LocalWhisper.ModelPath,
				Model:      cfg.ASR.Model,
				Threads:    cfg.ASR.LocalWhisper.Threads,
			}))
		}
	}
	reg.SetPrimary(cfg.ASR.Primary)
	if cfg.ASR.Fallback != "" {
		reg.SetFallback(cfg.ASR.Fallback)
	}
	outLog.Printf("[STARTUP] ASR backends: %v (primary=%s)", reg.Backends(), cfg.ASR.Primary)
	return reg
}

func buildRunner(cfg *config.Config, t pipeline.Transcriber, sink pipeline.Sink, l *diaglog.Logger) *pipeline.Runner {
	runner := pipeline.NewRunner(t, pipeline.Config{
		Weights: cfg.Pipeline.Weights,
		Model:   cfg.ASR.Model,
	})
	runner.SetLoader(artifact.Loader{FFprobePath: cfg.ASR.FFprobePath})
	runner.SetSink(sink)
	runner.SetLogger(l)

	local := correct.NewLocal()
	local.ParagraphWords = cfg.Correction.ParagraphWords
	local.SummarySentences = cfg.Correction.SummarySentences

	var external correct.Processor
	if cfg.Correction.OpenAIKey != "" {
		o := correct.NewOpenAI(cfg.Correction.OpenAIKey, cfg.Correction.OpenAIModel, cfg.Correction.OpenAIBaseURL)
		o.SetLogger(l)
		external = o
		outLog.Printf("[STARTUP] Correction: OpenAI %s with local fallback", cfg.Correction.OpenAIModel)
	} else {
		outLog.Println("[STARTUP] Correction: local only")
	}
	runner.SetCorrector(external, local)
	return runner
}

func recognizerSource(cfg *config.Config, l *diaglog.Logger) api.SourceFactory {
	return func(ctx context.Context, language string) (session.Source, error) {
		if language == "" {
			language = cfg.Language
		}
		c, err := segsource.Dial(ctx, segsource.Config{
			URL:        cfg.Recognizer.URL,
			Token:      cfg.Recognizer.Token,
			Language:   language,
			SampleRate: cfg.Session.SampleRate,
			Logger:     l,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// sessionsDir is where stopped live sessions leave their transcript.
func sessionsDir(cfg *config.Config) string {
	if cfg.Output.Dir != "" {
		return filepath.Join(cfg.Output.Dir, "sessions")
	}
	return filepath.Join(filepath.Dir(cfg.CachePath), "sessions")
}

// submit starts a run for a recording found in the inbox.
func submit(ctx context.Context, h *host.Host, path string) {
	started, err := h.Submit(ctx, path)
	switch {
	case errors.Is(err, pipeline.ErrRunActive):
		outLog.Printf("[INBOX] %s already has a run in flight", filepath.Base(path))
	case err != nil:
		errLog.Printf("[INBOX] Failed to start run for %s: %v", path, err)
	case !started:
		outLog.Printf("[INBOX] %s is already transcribed, skipping", filepath.Base(path))
	default:
		outLog.Printf("[INBOX] Transcribing %s", filepath.Base(path))
	}
}

func reportValidation(r *validation.Result) {
	outLog.Printf("[STARTUP] %s", r.Message)
	for _, w := range r.Warnings {
		outLog.Printf("[STARTUP]   warning: %s", w)
	}
	if r.OK {
		return
	}
	errLog.Println("[STARTUP] WARNING: startup checks found issues:")
	for _, issue := range r.Issues {
		errLog.Printf("  - %s", issue)
	}
	if len(r.Fixes) > 0 {
		errLog.Println("Suggested fixes:")
		for _, fix := range r.Fixes {
			errLog.Printf("  - %s", fix)
		}
	}
	errLog.Println("Continuing anyway, but transcription may fail.")
}

// printStatus reports the running daemon from its pid and status files and
// returns 1 when no live daemon is found.
func printStatus(w io.Writer, pidPath, dir string, now time.Time) int {
	pid, err := pidfile.Read(pidPath)
	if err != nil {
		fmt.Fprintln(w, "memoscribe-core is not running")
		return 1
	}
	st, err := ipc.ReadStatus(dir)
	if err != nil {
		fmt.Fprintf(w, "memoscribe-core pid %d: no status (%v)\n", pid, err)
		return 1
	}
	if st.PID != pid || st.Stale(now, 3*statusInterval) {
		fmt.Fprintf(w, "memoscribe-core pid %d: status is stale (last update %s)\n", pid, st.Timestamp.Format(time.RFC3339))
		return 1
	}

	state := "running"
	if st.Stopping {
		state = "stopping"
	}
	fmt.Fprintf(w, "memoscribe-core %s (pid %d, version %s) on %s\n", state, st.PID, st.Version, st.Addr)
	if st.InboxDir != "" {
		fmt.Fprintf(w, "  inbox: %s\n", st.InboxDir)
	}
	fmt.Fprintf(w, "  active runs: %d\n", st.ActiveRuns)
	for _, p := range st.Runs {
		if p.Stage.Terminal() {
			continue
		}
		fmt.Fprintf(w, "  - %s %s %.0f%%\n", p.RunID, p.Stage, p.OverallProgress*100)
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "  last error: %s\n", st.LastError)
	}
	return 0
}

// exportDiag writes a diagnostic bundle of the debug log, the current
// configuration and the daemon status found in statusDir to dest.
func exportDiag(stdout, stderr io.Writer, statusDir, dest string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, "warning: config not included:", err)
		cfg = nil
	}
	logPath := os.Getenv("MEMOSCRIBE_LOG_PATH")
	if cfg != nil && cfg.LogPath != "" {
		logPath = cfg.LogPath
	}
	if logPath == "" {
		logPath = defaultLogPath
	}
	st, err := ipc.ReadStatus(statusDir)
	if err != nil {
		st = nil
	}

	diaglog.Version = Version
	path, n, err := diaglog.Export(logPath, dest, diagSnapshot(cfg, st))
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(stderr, "hint: run with MEMOSCRIBE_DEBUG=true to enable logging")
			return 1
		}
		return 2
	}
	fmt.Fprintf(stdout, "Wrote: %s (%d lines)\n", path, n)
	return 0
}

// diagSnapshot collects the state bundled by --export-diag. Finished run
// results are dropped so transcripts stay out of the bundle.
func diagSnapshot(cfg *config.Config, st *ipc.Status) diaglog.Snapshot {
	var snap diaglog.Snapshot
	if cfg != nil {
		snap.Config = cfg
	}
	if st == nil {
		return snap
	}
	trimmed := *st
	trimmed.Runs = make([]pipeline.Progress, len(st.Runs))
	for i, p := range st.Runs {
		p.Result = nil
		trimmed.Runs[i] = p
		if !p.Stage.Terminal() {
			snap.ActiveRuns = append(snap.ActiveRuns, p.RunID)
		}
	}
	snap.Status = &trimmed
	return snap
}

// publishStatus rewrites the status file until ctx is done.
func publishStatus(ctx context.Context, h *host.Host, cfg *config.Config, startedAt time.Time) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		writeStatus(h, cfg, startedAt, false)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func writeStatus(h *host.Host, cfg *config.Config, startedAt time.Time, stopping bool) {
	runs := h.Runs()
	lastErr := ""
	active := 0
	for _, p := range runs {
		if !p.Stage.Terminal() {
			active++
		}
		if p.Stage == pipeline.StageFailed {
			lastErr = p.Error
		}
	}
	status := &ipc.Status{
		PID:        os.Getpid(),
		Version:    Version,
		Addr:       cfg.Addr,
		InboxDir:   cfg.Inbox.Dir,
		StartedAt:  startedAt,
		Timestamp:  time.Now(),
		ActiveRuns: active,
		Runs:       runs,
		LastError:  lastErr,
		Stopping:   stopping,
	}
	if err := ipc.WriteStatus(ipc.DefaultDir(), status); err != nil {
		errLog.Printf("Failed to write status: %v", err)
	}
}

func reasonOf(err error) string {
	if err == nil {
		return "signal"
	}
	return err.Error()
}

func initLogging() error {
	logDir := "/tmp"

	outLogPath := filepath.Join(logDir, "memoscribe-core.out.log")
	errLogPath := filepath.Join(logDir, "memoscribe-core.err.log")

	if err := rotateLogIfNeeded(outLogPath, 10*1024*1024); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to rotate out log: %v\n", err)
	}
	if err := rotateLogIfNeeded(errLogPath, 10*1024*1024); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to rotate err log: %v\n", err)
	}

	outFile, err := os.OpenFile(outLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	errFile, err := os.OpenFile(errLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	outLog = log.New(outFile, logPrefix+" ", log.LstdFlags)
	errLog = log.New(errFile, logPrefix+" ERROR: ", log.LstdFlags)
	return nil
}

// rotateLogIfNeeded renames logPath to logPath.old once it exceeds maxSize.
func rotateLogIfNeeded(logPath string, maxSize int64) error {
	info, err := os.Stat(logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() < maxSize {
		return nil
	}

	oldPath := logPath + ".old"
	if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove old log: %w", err)
	}
	return os.Rename(logPath, oldPath)
}
