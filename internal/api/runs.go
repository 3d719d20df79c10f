package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tiroq/memoscribe/internal/artifact"
	"github.com/tiroq/memoscribe/internal/diaglog"
	"github.com/tiroq/memoscribe/internal/host"
	"github.com/tiroq/memoscribe/internal/metrics"
	"github.com/tiroq/memoscribe/internal/pipeline"
)

type startRunRequest struct {
	Path     string `json:"path" binding:"required"`
	Language string `json:"language"`
}

// event is one websocket frame pushed to clients.
type event struct {
	Type     string             `json:"type"` // progress, snapshot, error, end
	Progress *pipeline.Progress `json:"progress,omitempty"`
	Snapshot *liveSnapshot      `json:"snapshot,omitempty"`
	Error    string             `json:"error,omitempty"`
}

func (s *Server) startRun(c *gin.Context) {
	var req startRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "path is required")
		return
	}

	run, err := s.host.Start(c.Request.Context(), req.Path, req.Language)
	switch {
	case errors.Is(err, pipeline.ErrRunActive):
		fail(c, http.StatusConflict, err.Error())
		return
	case err != nil:
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	success(c, http.StatusAccepted, run.Latest())
}

func (s *Server) listRuns(c *gin.Context) {
	success(c, http.StatusOK, s.host.Runs())
}

func (s *Server) getRun(c *gin.Context) {
	run, ok := s.host.Run(c.Param("id"))
	if !ok {
		fail(c, http.StatusNotFound, "run not found")
		return
	}
	success(c, http.StatusOK, run.Latest())
}

func (s *Server) cancelRun(c *gin.Context) {
	id := c.Param("id")
	if err := s.host.Cancel(id); errors.Is(err, host.ErrUnknownRun) {
		fail(c, http.StatusNotFound, "run not found")
		return
	}
	run, _ := s.host.Run(id)
	success(c, http.StatusOK, run.Latest())
}

// streamRun pushes every progress update of a run until it ends.
func (s *Server) streamRun(c *gin.Context) {
	run, ok := s.host.Run(c.Param("id"))
	if !ok {
		fail(c, http.StatusNotFound, "run not found")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	metrics.StreamClients.WithLabelValues("run").Inc()
	defer metrics.StreamClients.WithLabelValues("run").Dec()
	s.logStream(diaglog.EventStreamOpen, "run", run.ID)
	defer s.logStream(diaglog.EventStreamClosed, "run", run.ID)

	gone := watchClose(conn)
	updates := run.Subscribe()
	for {
		select {
		case p, ok := <-updates:
			if !ok {
				_ = conn.WriteJSON(event{Type: "end"})
				closeNormal(conn)
				return
			}
			if err := conn.WriteJSON(event{Type: "progress", Progress: &p}); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func (s *Server) listTranscripts(c *gin.Context) {
	if s.library == nil {
		fail(c, http.StatusServiceUnavailable, "no transcript cache configured")
		return
	}
	if q := strings.TrimSpace(c.Query("q")); q != "" {
		matches, err := s.library.FindSegments(c.Request.Context(), q)
		if err != nil {
			_ = c.Error(err)
			fail(c, http.StatusInternalServerError, err.Error())
			return
		}
		success(c, http.StatusOK, matches)
		return
	}
	entries, err := s.library.Transcripts(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	success(c, http.StatusOK, entries)
}

// lookupTranscript returns the cached transcript of the artifact at ?path=.
func (s *Server) lookupTranscript(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		fail(c, http.StatusBadRequest, "path is required")
		return
	}
	t, err := s.host.Lookup(c.Request.Context(), path)
	switch {
	case errors.Is(err, artifact.ErrUnreadable):
		fail(c, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, err.Error())
		return
	case t == nil:
		fail(c, http.StatusNotFound, "no cached transcript")
		return
	}
	success(c, http.StatusOK, t)
}

func (s *Server) logStream(ev, kind, id string) {
	s.log.Log(diaglog.LogEntry{
		Event:     ev,
		SessionID: id,
		Payload:   map[string]interface{}{"stream": kind},
	})
}

// watchClose reads and discards client frames; the returned channel closes
// when the connection does.
func watchClose(conn *websocket.Conn) <-chan struct{} {
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	return gone
}

func closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
}
