// Package api is the control surface of the daemon: a gin HTTP API to start
// and cancel transcript runs and to drive live sessions, plus websocket
// streams that push run progress and transcript snapshots to clients.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tiroq/memoscribe/internal/diaglog"
	"github.com/tiroq/memoscribe/internal/host"
	"github.com/tiroq/memoscribe/internal/metrics"
	"github.com/tiroq/memoscribe/internal/session"
	"github.com/tiroq/memoscribe/internal/store"
)

// Library is the read side of the local cache. *store.Store implements it.
type Library interface {
	Transcripts(ctx context.Context) ([]store.Entry, error)
	FindSegments(ctx context.Context, query string) ([]store.SegmentMatch, error)
	Session(ctx context.Context, id string) (*store.Session, error)
}

// SourceFactory opens the live segment source of a new session. A nil
// factory gives every session a ManualSource fed through its stream.
type SourceFactory func(ctx context.Context, language string) (session.Source, error)

// Config controls the server.
type Config struct {
	Addr          string
	Session       session.Config
	StopTimeout   time.Duration // how long a stop request waits for the session, default 10s
	TranscriptDir string        // where stopped sessions write their transcript, "" to skip
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server serves the HTTP API.
type Server struct {
	cfg       Config
	host      *host.Host
	library   Library
	newSource SourceFactory
	saver     session.Saver
	logger    *diaglog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*liveSession

	engine *gin.Engine
	http   *http.Server
	log    diaglog.Scope
}

// New creates a server around h. Routes are registered immediately.
func New(h *host.Host, cfg Config) *Server {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		host:     h,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*liveSession),
		engine:   gin.New(),
	}
	s.log.Component = diaglog.ComponentAPI
	s.engine.Use(gin.Recovery(), s.instrument())
	s.registerRoutes()
	return s
}

// SetLogger injects a diaglog.Logger, also handed to new sessions.
func (s *Server) SetLogger(l *diaglog.Logger) {
	s.logger = l
	s.log.Set(l)
}

// SetLibrary enables the transcript and saved session routes.
func (s *Server) SetLibrary(l Library) { s.library = l }

// SetSourceFactory sets how live sessions reach the recognizer.
func (s *Server) SetSourceFactory(f SourceFactory) { s.newSource = f }

// SetSaver sets where stopped sessions are saved.
func (s *Server) SetSaver(sv session.Saver) { s.saver = sv }

// Handler returns the gin engine.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) registerRoutes() {
	r := s.engine
	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/runs", s.startRun)
		v1.GET("/runs", s.listRuns)
		v1.GET("/runs/:id", s.getRun)
		v1.POST("/runs/:id/cancel", s.cancelRun)
		v1.GET("/runs/:id/events", s.streamRun)

		v1.GET("/transcripts", s.listTranscripts)
		v1.GET("/transcripts/lookup", s.lookupTranscript)

		v1.POST("/sessions", s.startSession)
		v1.GET("/sessions", s.listSessions)
		v1.GET("/sessions/:id", s.getSession)
		v1.POST("/sessions/:id/stop", s.stopSession)
		v1.GET("/sessions/:id/speakers", s.listSpeakers)
		v1.PUT("/sessions/:id/speakers/:speaker", s.renameSpeaker)
		v1.POST("/sessions/:id/merge", s.mergeSpeakers)
		v1.GET("/sessions/:id/stream", s.streamSession)
		v1.GET("/sessions/:id/saved", s.savedSession)
	}
}

// ListenAndServe serves on cfg.Addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- s.http.ListenAndServe() }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops every live session and the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	live := make([]*liveSession, 0, len(s.sessions))
	for _, ls := range s.sessions {
		live = append(live, ls)
	}
	s.mu.Unlock()

	for _, ls := range live {
		ls.sess.Stop()
	}
	for _, ls := range live {
		select {
		case <-ls.done:
		case <-ctx.Done():
			s.cancel()
		}
	}
	s.cancel()

	if s.http != nil {
		return s.http.Shutdown(ctx)
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	s.mu.Lock()
	n := 0
	for _, ls := range s.sessions {
		if !ls.stopped() {
			n++
		}
	}
	s.mu.Unlock()

	success(c, http.StatusOK, gin.H{
		"status":   "ok",
		"service":  "memoscribe",
		"runs":     len(s.host.Runs()),
		"sessions": n,
	})
}

// instrument counts requests by route template and status.
func (s *Server) instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.APIRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		if status >= http.StatusInternalServerError {
			s.log.Log(diaglog.LogEntry{
				Event:   diaglog.EventRequestFailed,
				Reason:  c.Errors.String(),
				Payload: map[string]interface{}{"method": c.Request.Method, "route": route, "status": status},
			})
		}
	}
}
