package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/assembler"
	"github.com/tiroq/memoscribe/internal/diaglog"
	"github.com/tiroq/memoscribe/internal/diarize"
	"github.com/tiroq/memoscribe/internal/fileutil"
	"github.com/tiroq/memoscribe/internal/metrics"
	"github.com/tiroq/memoscribe/internal/pcm"
	"github.com/tiroq/memoscribe/internal/session"
	"github.com/tiroq/memoscribe/internal/store"
	"github.com/tiroq/memoscribe/internal/transcript"
)

// liveSession is a running (or stopped) session and its stream fan-out.
type liveSession struct {
	sess    *session.Session
	manual  *session.ManualSource // nil when a recognizer feeds the session
	hub     *hub
	started time.Time
	title   string

	exportPath string // speaker-labelled transcript written on stop, "" to skip
	log        *diaglog.Scope

	done chan struct{}
	err  error // valid once done is closed
}

func (ls *liveSession) stopped() bool {
	select {
	case <-ls.done:
		return true
	default:
		return false
	}
}

func (ls *liveSession) run(ctx context.Context, src session.Source) {
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	fanout := make(chan struct{})
	go func() {
		defer close(fanout)
		for {
			select {
			case snap := <-ls.sess.Assembler.Updates():
				ls.hub.publish(snap)
			case <-ls.done:
				return
			}
		}
	}()

	ls.err = ls.sess.Run(ctx, src)
	ls.export()
	close(ls.done)
	<-fanout
	ls.hub.publish(ls.sess.Assembler.Snapshot())
	ls.hub.close()
}

func (ls *liveSession) export() {
	if ls.exportPath == "" {
		return
	}
	blocks := ls.sess.Assembler.Snapshot().Blocks()
	if len(blocks) == 0 {
		return
	}
	label := func(id asr.SpeakerID) string {
		if p, ok := ls.sess.Engine.GetSpeaker(id); ok {
			return p.DisplayLabel
		}
		return diarize.DefaultLabel(id)
	}
	if err := transcript.WriteBlocks(ls.exportPath, blocks, label); err != nil {
		ls.log.Log(diaglog.LogEntry{
			Event:     diaglog.EventOutputFailed,
			SessionID: ls.sess.ID,
			Reason:    err.Error(),
		})
		return
	}
	ls.log.Log(diaglog.LogEntry{
		Event:     diaglog.EventOutputWritten,
		SessionID: ls.sess.ID,
		Payload:   map[string]interface{}{"path": ls.exportPath},
	})
}

// sessionFileName names the exported transcript of a session.
func sessionFileName(started time.Time, title string) string {
	return started.Format("2006-01-02_1504") + "_" + fileutil.SanitizeForFilename(title) + ".txt"
}

// liveSnapshot is the transcript of a session with its speakers.
type liveSnapshot struct {
	SessionID string                 `json:"sessionId"`
	Live      bool                   `json:"live"`
	Closed    []assembler.Block      `json:"closed"`
	Open      *assembler.Block       `json:"open,omitempty"`
	Speakers  []diarize.VoiceProfile `json:"speakers"`
}

func (ls *liveSession) snapshot(s assembler.Snapshot) *liveSnapshot {
	speakers := ls.sess.Engine.Speakers()
	if speakers == nil {
		speakers = []diarize.VoiceProfile{}
	}
	closed := s.Closed
	if closed == nil {
		closed = []assembler.Block{}
	}
	return &liveSnapshot{
		SessionID: ls.sess.ID,
		Live:      !ls.stopped(),
		Closed:    closed,
		Open:      s.Open,
		Speakers:  speakers,
	}
}

type sessionInfo struct {
	ID         string    `json:"id"`
	Title      string    `json:"title,omitempty"`
	Live       bool      `json:"live"`
	Manual     bool      `json:"manual"`
	StartedAt  time.Time `json:"startedAt"`
	Blocks     int       `json:"blocks"`
	Speakers   int       `json:"speakers"`
	ExportPath string    `json:"exportPath,omitempty"`
}

func (ls *liveSession) info() sessionInfo {
	return sessionInfo{
		ID:         ls.sess.ID,
		Title:      ls.title,
		Live:       !ls.stopped(),
		Manual:     ls.manual != nil,
		StartedAt:  ls.started,
		Blocks:     len(ls.sess.Assembler.Snapshot().Blocks()),
		Speakers:   len(ls.sess.Engine.Speakers()),
		ExportPath: ls.exportPath,
	}
}

type startSessionRequest struct {
	Language string `json:"language"`
	Title    string `json:"title"`
}

func (s *Server) startSession(c *gin.Context) {
	var req startSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	sess := session.New(s.cfg.Session)
	sess.SetLogger(s.logger)
	if s.saver != nil {
		sess.SetSaver(s.saver)
	}

	ls := &liveSession{
		sess:    sess,
		hub:     newHub(),
		started: time.Now(),
		title:   req.Title,
		log:     &s.log,
		done:    make(chan struct{}),
	}
	if s.cfg.TranscriptDir != "" {
		ls.exportPath = filepath.Join(s.cfg.TranscriptDir, sessionFileName(ls.started, req.Title))
	}

	var src session.Source
	if s.newSource != nil {
		var err error
		src, err = s.newSource(c.Request.Context(), req.Language)
		if err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, asr.ErrRecognitionUnavailable) {
				code = http.StatusBadGateway
			}
			_ = c.Error(err)
			fail(c, code, err.Error())
			return
		}
	} else {
		ls.manual = session.NewManualSource()
		src = ls.manual
	}

	s.mu.Lock()
	s.sessions[sess.ID] = ls
	s.mu.Unlock()

	go ls.run(s.ctx, src)
	success(c, http.StatusCreated, ls.info())
}

func (s *Server) session(c *gin.Context) (*liveSession, bool) {
	s.mu.Lock()
	ls, ok := s.sessions[c.Param("id")]
	s.mu.Unlock()
	if !ok {
		fail(c, http.StatusNotFound, "session not found")
	}
	return ls, ok
}

func (s *Server) listSessions(c *gin.Context) {
	s.mu.Lock()
	out := make([]sessionInfo, 0, len(s.sessions))
	for _, ls := range s.sessions {
		out = append(out, ls.info())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	success(c, http.StatusOK, out)
}

func (s *Server) getSession(c *gin.Context) {
	ls, ok := s.session(c)
	if !ok {
		return
	}
	success(c, http.StatusOK, ls.snapshot(ls.sess.Assembler.Snapshot()))
}

// stopSession stops audio input and waits for the last segment to be
// assembled and the session saved.
func (s *Server) stopSession(c *gin.Context) {
	ls, ok := s.session(c)
	if !ok {
		return
	}
	ls.sess.Stop()

	select {
	case <-ls.done:
	case <-time.After(s.cfg.StopTimeout):
		fail(c, http.StatusGatewayTimeout, "session did not stop in time")
		return
	case <-c.Request.Context().Done():
		return
	}

	if ls.err != nil {
		_ = c.Error(ls.err)
		fail(c, http.StatusInternalServerError, "session stopped but was not saved: "+ls.err.Error())
		return
	}
	success(c, http.StatusOK, ls.snapshot(ls.sess.Assembler.Snapshot()))
}

func (s *Server) listSpeakers(c *gin.Context) {
	ls, ok := s.session(c)
	if !ok {
		return
	}
	speakers := ls.sess.Engine.Speakers()
	if speakers == nil {
		speakers = []diarize.VoiceProfile{}
	}
	success(c, http.StatusOK, speakers)
}

type renameRequest struct {
	Label string `json:"label" binding:"required"`
}

func (s *Server) renameSpeaker(c *gin.Context) {
	ls, ok := s.session(c)
	if !ok {
		return
	}
	id, err := strconv.Atoi(c.Param("speaker"))
	if err != nil {
		fail(c, http.StatusBadRequest, "speaker must be a number")
		return
	}
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "label is required")
		return
	}

	if err := ls.sess.Engine.Rename(asr.SpeakerID(id), req.Label); err != nil {
		fail(c, speakerErrorStatus(err), err.Error())
		return
	}
	ls.hub.publish(ls.sess.Assembler.Snapshot())
	p, _ := ls.sess.Engine.GetSpeaker(asr.SpeakerID(id))
	success(c, http.StatusOK, p)
}

type mergeRequest struct {
	Source *int `json:"source" binding:"required"`
	Target *int `json:"target" binding:"required"`
}

func (s *Server) mergeSpeakers(c *gin.Context) {
	ls, ok := s.session(c)
	if !ok {
		return
	}
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "source and target are required")
		return
	}

	if err := ls.sess.Engine.Merge(asr.SpeakerID(*req.Source), asr.SpeakerID(*req.Target)); err != nil {
		fail(c, speakerErrorStatus(err), err.Error())
		return
	}
	snap := ls.sess.Assembler.Snapshot()
	ls.hub.publish(snap)
	success(c, http.StatusOK, ls.snapshot(snap))
}

func speakerErrorStatus(err error) int {
	switch {
	case errors.Is(err, diarize.ErrUnknownSpeaker):
		return http.StatusNotFound
	case errors.Is(err, diarize.ErrRetired):
		return http.StatusConflict
	case errors.Is(err, diarize.ErrSameSpeaker):
		return http.StatusBadRequest
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) savedSession(c *gin.Context) {
	if s.library == nil {
		fail(c, http.StatusServiceUnavailable, "no session cache configured")
		return
	}
	saved, err := s.library.Session(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		fail(c, http.StatusNotFound, "session not saved")
		return
	case err != nil:
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	success(c, http.StatusOK, saved)
}

// clientMessage is a text frame sent by a stream client.
type clientMessage struct {
	Type      string  `json:"type"` // segment or stop
	Text      string  `json:"text"`
	Timestamp float64 `json:"timestamp"`
	IsFinal   bool    `json:"isFinal"`
}

// streamSession pushes a snapshot after every transcript change. The client
// may send binary frames of 16-bit little-endian PCM audio and, for sessions
// without a recognizer, JSON segment messages.
func (s *Server) streamSession(c *gin.Context) {
	ls, ok := s.session(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	metrics.StreamClients.WithLabelValues("session").Inc()
	defer metrics.StreamClients.WithLabelValues("session").Dec()
	s.logStream(diaglog.EventStreamOpen, "session", ls.sess.ID)
	defer s.logStream(diaglog.EventStreamClosed, "session", ls.sess.ID)

	snaps, unsubscribe := ls.hub.subscribe()
	defer unsubscribe()

	problems := make(chan string, 8)
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		s.readClient(conn, ls, problems)
	}()

	if err := conn.WriteJSON(event{Type: "snapshot", Snapshot: ls.snapshot(ls.sess.Assembler.Snapshot())}); err != nil {
		return
	}
	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				_ = conn.WriteJSON(event{Type: "snapshot", Snapshot: ls.snapshot(ls.sess.Assembler.Snapshot())})
				_ = conn.WriteJSON(event{Type: "end"})
				closeNormal(conn)
				return
			}
			if err := conn.WriteJSON(event{Type: "snapshot", Snapshot: ls.snapshot(snap)}); err != nil {
				return
			}
		case msg := <-problems:
			if err := conn.WriteJSON(event{Type: "error", Error: msg}); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// readClient applies client frames to the session until the connection
// closes. Problems are reported back on problems without blocking.
func (s *Server) readClient(conn *websocket.Conn, ls *liveSession, problems chan<- string) {
	report := func(msg string) {
		select {
		case problems <- msg:
		default:
		}
	}

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch kind {
		case websocket.BinaryMessage:
			if len(data)%2 != 0 {
				report("audio frames must hold whole 16-bit samples")
				continue
			}
			if err := ls.sess.PushAudio(pcm.Decode(data)); err != nil {
				report(err.Error())
			}

		case websocket.TextMessage:
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				report("invalid message: " + err.Error())
				continue
			}
			switch msg.Type {
			case "stop":
				ls.sess.Stop()
			case "segment":
				if ls.manual == nil {
					report("session is fed by a recognizer")
					continue
				}
				if !ls.manual.Push(asr.RecognizedSegment{Text: msg.Text, TimestampSeconds: msg.Timestamp, IsFinal: msg.IsFinal}) {
					report(session.ErrStopped.Error())
				}
			default:
				report("unknown message type " + strconv.Quote(msg.Type))
			}
		}
	}
}
