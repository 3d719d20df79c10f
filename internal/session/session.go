// Package session runs one live capture: audio frames feed the diarization
// engine while the recognizer's segments are attributed and fed, one at a
// time, into the transcript assembler.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/assembler"
	"github.com/tiroq/memoscribe/internal/diaglog"
	"github.com/tiroq/memoscribe/internal/diarize"
)

// ErrStopped is returned by PushAudio once the session has stopped.
var ErrStopped = errors.New("session: stopped")

// Source is a live speech segment source. *segsource.Client implements it.
type Source interface {
	Segments() <-chan asr.RecognizedSegment
	Err() error
	SendAudio(samples []float32) error
	Finish() error
	Close() error
}

// Saver persists the session state when it stops. *store.Store implements it.
type Saver interface {
	SaveSession(ctx context.Context, id string, profiles diarize.Snapshot, blocks []assembler.Block) error
}

// Config controls framing of live audio.
type Config struct {
	SampleRate   int            `json:"sample_rate"`   // default 16000
	FrameSeconds float64        `json:"frame_seconds"` // diarization frame length, default 0.5
	Diarize      diarize.Config `json:"diarize"`
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.FrameSeconds <= 0 {
		c.FrameSeconds = 0.5
	}
	return c
}

// Session owns the engine and assembler of one live capture.
type Session struct {
	ID        string
	Engine    *diarize.Engine
	Assembler *assembler.Assembler

	cfg   Config
	audio chan []float32
	stop  chan struct{}
	once  sync.Once
	saver Saver

	// framer state, owned by the audio goroutine
	pending []float32
	samples int

	log diaglog.Scope
}

// New creates a session with a fresh id.
func New(cfg Config) *Session {
	cfg = cfg.withDefaults()
	engine := diarize.NewEngine(cfg.Diarize)
	s := &Session{
		ID:        uuid.NewString(),
		Engine:    engine,
		Assembler: assembler.New(engine),
		cfg:       cfg,
		audio:     make(chan []float32, 64),
		stop:      make(chan struct{}),
	}
	s.log.Component = diaglog.ComponentSession
	return s
}

// SetLogger injects a diaglog.Logger into the session and its engine and
// assembler.
func (s *Session) SetLogger(l *diaglog.Logger) {
	s.log.Set(l)
	s.Engine.SetLogger(l, s.ID)
	s.Assembler.SetLogger(l, s.ID)
}

// SetSaver sets where the session state goes when Run returns.
func (s *Session) SetSaver(sv Saver) { s.saver = sv }

// PushAudio queues live samples for diarization and the recognizer. It
// blocks while the queue is full.
func (s *Session) PushAudio(samples []float32) error {
	select {
	case <-s.stop:
		return ErrStopped
	default:
	}
	select {
	case s.audio <- samples:
		return nil
	case <-s.stop:
		return ErrStopped
	}
}

// Stop ends audio input. Queued audio is still processed, the recognizer is
// told to finish and Run returns once its last segment is assembled.
func (s *Session) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// Run drives the session until Stop is called and the source has ended, or
// ctx is cancelled. Source failures are logged and absorbed: the assembled
// history survives and only the live block stops updating. The returned
// error is nil unless the final save fails.
func (s *Session) Run(ctx context.Context, src Source) error {
	s.log.Log(diaglog.LogEntry{
		Event:     diaglog.EventSessionStart,
		SessionID: s.ID,
		Payload:   map[string]interface{}{"sample_rate": s.cfg.SampleRate, "frame_seconds": s.cfg.FrameSeconds},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readAudio(gctx, src) })
	g.Go(func() error { return s.readSegments(gctx, src) })
	err := g.Wait()

	_ = src.Close()
	s.Assembler.Close()

	snap := s.Assembler.Snapshot()
	s.log.Log(diaglog.LogEntry{
		Event:     diaglog.EventSessionStop,
		SessionID: s.ID,
		Reason:    reason(err),
		Payload:   map[string]interface{}{"blocks": len(snap.Closed), "speakers": len(s.Engine.Speakers())},
	})

	if s.saver != nil {
		saveCtx := context.WithoutCancel(ctx)
		if err := s.saver.SaveSession(saveCtx, s.ID, s.Engine.Export(), snap.Closed); err != nil {
			s.log.Log(diaglog.LogEntry{
				Event:     diaglog.EventCacheWriteFailed,
				SessionID: s.ID,
				Reason:    err.Error(),
			})
			return err
		}
	}
	return nil
}

// readAudio frames queued samples for the engine and forwards them to the
// source. A failed send stops forwarding; diarization continues.
func (s *Session) readAudio(ctx context.Context, src Source) error {
	forward := true
	handle := func(samples []float32) {
		s.frame(samples)
		if !forward {
			return
		}
		if err := src.SendAudio(samples); err != nil {
			forward = false
			s.log.Log(diaglog.LogEntry{
				Event:     diaglog.EventSourceError,
				SessionID: s.ID,
				Reason:    err.Error(),
			})
		}
	}

	for {
		select {
		case samples := <-s.audio:
			handle(samples)
		case <-s.stop:
		drain:
			for {
				select {
				case samples := <-s.audio:
					handle(samples)
				default:
					break drain
				}
			}
			s.flush()
			if forward {
				if err := src.Finish(); err != nil {
					// nothing more will arrive
					_ = src.Close()
				}
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// readSegments attributes each segment and feeds the assembler. It is the
// only caller of Ingest.
func (s *Session) readSegments(ctx context.Context, src Source) error {
	var lastFinal float64
	for {
		select {
		case seg, ok := <-src.Segments():
			if !ok {
				if err := src.Err(); err != nil {
					s.log.Log(diaglog.LogEntry{
						Event:     diaglog.EventSourceError,
						SessionID: s.ID,
						Reason:    err.Error(),
					})
				}
				return nil
			}
			start, end := lastFinal, seg.TimestampSeconds
			if end <= start {
				start = end - s.cfg.FrameSeconds
			}
			speaker, _ := s.Engine.Attribute(start, end)
			s.Assembler.Ingest(seg, speaker)
			if seg.IsFinal {
				lastFinal = seg.TimestampSeconds
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// frame cuts samples into fixed-length frames for the engine.
func (s *Session) frame(samples []float32) {
	size := int(s.cfg.FrameSeconds * float64(s.cfg.SampleRate))
	s.pending = append(s.pending, samples...)
	for len(s.pending) >= size {
		s.observe(s.pending[:size])
		s.pending = s.pending[size:]
	}
}

// flush observes a trailing partial frame.
func (s *Session) flush() {
	if len(s.pending) > 0 {
		s.observe(s.pending)
		s.pending = nil
	}
}

func (s *Session) observe(buf []float32) {
	rate := float64(s.cfg.SampleRate)
	start := float64(s.samples) / rate
	s.samples += len(buf)
	s.Engine.Observe(diarize.Frame{
		Start:      start,
		End:        float64(s.samples) / rate,
		Samples:    append([]float32(nil), buf...),
		SampleRate: s.cfg.SampleRate,
	})
}

func reason(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return err.Error()
}
