package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/host"
	"github.com/tiroq/memoscribe/internal/pipeline"
	"github.com/tiroq/memoscribe/internal/store"
	"github.com/tiroq/memoscribe/testutil"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type stubTranscriber struct {
	block chan struct{}
}

func (s *stubTranscriber) TranscribeFile(ctx context.Context, _ string, opts asr.TranscribeOptions) (*asr.Transcript, error) {
	opts.Report(0.5)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &asr.Transcript{
		Segments: []asr.Segment{{Start: 0, End: time.Second, Text: "hello from the stub"}},
		Language: "en",
		Backend:  "stub",
	}, nil
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func newServer(t *testing.T, tr pipeline.Transcriber) (*Server, *httptest.Server) {
	t.Helper()
	h := host.New(pipeline.NewRunner(tr, pipeline.Config{}), host.Config{})
	s := New(h, Config{StopTimeout: 3 * time.Second})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		_ = h.Shutdown(ctx)
		ts.Close()
	})
	return s, ts
}

func do(t *testing.T, s *Server, method, path string, body interface{}) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var resp response
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return w.Code, resp
}

func dialStream(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	testutil.AssertNoError(t, err, "dial "+path)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads events until match returns true or the stream ends.
func readUntil(t *testing.T, conn *websocket.Conn, match func(event) bool) event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("stream ended before the expected event: %v", err)
		}
		if match(ev) {
			return ev
		}
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	s, _ := newServer(t, &stubTranscriber{})

	code, resp := do(t, s, http.MethodGet, "/health", nil)
	testutil.AssertEqual(t, http.StatusOK, code, "health status")
	testutil.AssertTrue(t, resp.Success, "health success")
	testutil.AssertStringContains(t, string(resp.Data), `"status":"ok"`, "health body")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	testutil.AssertEqual(t, http.StatusOK, w.Code, "metrics status")
	testutil.AssertStringContains(t, w.Body.String(), "api_requests_total", "request counter exported")
}

func TestServer_Runs(t *testing.T) {
	block := make(chan struct{})
	s, _ := newServer(t, &stubTranscriber{block: block})
	path := testutil.WriteWAV(t, t.TempDir(), "call.wav", time.Second)

	code, resp := do(t, s, http.MethodPost, "/api/v1/runs", gin.H{"path": path, "language": "en"})
	testutil.AssertEqual(t, http.StatusAccepted, code, "start status")
	var started pipeline.Progress
	testutil.AssertNoError(t, json.Unmarshal(resp.Data, &started), "decode progress")
	testutil.AssertNotEqual(t, "", started.RunID, "run id")

	code, _ = do(t, s, http.MethodPost, "/api/v1/runs", gin.H{"path": path})
	testutil.AssertEqual(t, http.StatusConflict, code, "second run for the same artifact")

	code, _ = do(t, s, http.MethodPost, "/api/v1/runs", gin.H{"language": "en"})
	testutil.AssertEqual(t, http.StatusBadRequest, code, "missing path")

	close(block)
	testutil.WaitForCondition(t, func() bool {
		_, resp := do(t, s, http.MethodGet, "/api/v1/runs/"+started.RunID, nil)
		var p pipeline.Progress
		_ = json.Unmarshal(resp.Data, &p)
		return p.Stage == pipeline.StageComplete
	}, 3*time.Second, "run complete")

	code, resp = do(t, s, http.MethodGet, "/api/v1/runs", nil)
	testutil.AssertEqual(t, http.StatusOK, code, "list status")
	var runs []pipeline.Progress
	testutil.AssertNoError(t, json.Unmarshal(resp.Data, &runs), "decode runs")
	testutil.AssertEqual(t, 1, len(runs), "runs listed")

	code, _ = do(t, s, http.MethodGet, "/api/v1/runs/unknown", nil)
	testutil.AssertEqual(t, http.StatusNotFound, code, "unknown run")
	code, _ = do(t, s, http.MethodPost, "/api/v1/runs/unknown/cancel", nil)
	testutil.AssertEqual(t, http.StatusNotFound, code, "cancel unknown run")
}

func TestServer_CancelRun(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	s, _ := newServer(t, &stubTranscriber{block: block})
	path := testutil.WriteWAV(t, t.TempDir(), "long.wav", time.Second)

	_, resp := do(t, s, http.MethodPost, "/api/v1/runs", gin.H{"path": path})
	var started pipeline.Progress
	testutil.AssertNoError(t, json.Unmarshal(resp.Data, &started), "decode progress")

	code, resp := do(t, s, http.MethodPost, "/api/v1/runs/"+started.RunID+"/cancel", nil)
	testutil.AssertEqual(t, http.StatusOK, code, "cancel status")
	var p pipeline.Progress
	testutil.AssertNoError(t, json.Unmarshal(resp.Data, &p), "decode progress")
	testutil.AssertEqual(t, pipeline.StageCancelled, p.Stage, "cancelled stage")
}

func TestServer_StreamRun(t *testing.T) {
	block := make(chan struct{})
	s, ts := newServer(t, &stubTranscriber{block: block})
	path := testutil.WriteWAV(t, t.TempDir(), "stream.wav", time.Second)

	_, resp := do(t, s, http.MethodPost, "/api/v1/runs", gin.H{"path": path})
	var started pipeline.Progress
	testutil.AssertNoError(t, json.Unmarshal(resp.Data, &started), "decode progress")

	conn := dialStream(t, ts, "/api/v1/runs/"+started.RunID+"/events")
	readUntil(t, conn, func(ev event) bool { return ev.Type == "progress" })
	close(block)

	var last *pipeline.Progress
	var seen []float64
	readUntil(t, conn, func(ev event) bool {
		if ev.Progress != nil {
			last = ev.Progress
			seen = append(seen, ev.Progress.OverallProgress)
		}
		return ev.Type == "end"
	})
	if last == nil {
		t.Fatal("no progress before end")
	}
	testutil.AssertEqual(t, pipeline.StageComplete, last.Stage, "terminal stage")
	testutil.AssertProgressMonotonic(t, seen)
}

func TestServer_LiveSession(t *testing.T) {
	s, ts := newServer(t, &stubTranscriber{})
	cache, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	testutil.AssertNoError(t, err, "store.Open")
	defer cache.Close()
	s.SetSaver(cache)
	s.SetLibrary(cache)

	code, resp := do(t, s, http.MethodPost, "/api/v1/sessions", nil)
	testutil.AssertEqual(t, http.StatusCreated, code, "start session")
	var info sessionInfo
	testutil.AssertNoError(t, json.Unmarshal(resp.Data, &info), "decode session")
	testutil.AssertTrue(t, info.Manual, "manual source without a recognizer")
	base := "/api/v1/sessions/" + info.ID

	conn := dialStream(t, ts, base+"/stream")
	first := readUntil(t, conn, func(ev event) bool { return ev.Type == "snapshot" })
	testutil.AssertTrue(t, first.Snapshot.Live, "session live")

	for _, m := range []clientMessage{
		{Type: "segment", Text: "good", Timestamp: 0.4},
		{Type: "segment", Text: "good morning", Timestamp: 0.9, IsFinal: true},
	} {
		testutil.AssertNoError(t, conn.WriteJSON(m), "send segment")
	}
	readUntil(t, conn, func(ev event) bool {
		return ev.Snapshot != nil && ev.Snapshot.Open != nil && ev.Snapshot.Open.Text == "good morning"
	})

	code, resp = do(t, s, http.MethodPut, base+"/speakers/0", gin.H{"label": "Alice"})
	testutil.AssertEqual(t, http.StatusOK, code, "rename")
	testutil.AssertStringContains(t, string(resp.Data), "Alice", "renamed profile")
	code, _ = do(t, s, http.MethodPut, base+"/speakers/7", gin.H{"label": "Bob"})
	testutil.AssertEqual(t, http.StatusNotFound, code, "rename unknown speaker")
	code, _ = do(t, s, http.MethodPut, base+"/speakers/x", gin.H{"label": "Bob"})
	testutil.AssertEqual(t, http.StatusBadRequest, code, "non-numeric speaker")
	code, _ = do(t, s, http.MethodPost, base+"/merge", gin.H{"source": 0, "target": 0})
	testutil.AssertEqual(t, http.StatusBadRequest, code, "merge into itself")

	code, resp = do(t, s, http.MethodPost, base+"/stop", nil)
	testutil.AssertEqual(t, http.StatusOK, code, "stop")
	var final liveSnapshot
	testutil.AssertNoError(t, json.Unmarshal(resp.Data, &final), "decode snapshot")
	testutil.AssertFalse(t, final.Live, "stopped")
	testutil.AssertEqual(t, 1, len(final.Closed), "one closed block")
	testutil.AssertBlock(t, final.Closed[0], 0, "good morning", 0.4, 0.9, false)
	testutil.AssertEqual(t, "Alice", final.Speakers[0].DisplayLabel, "label kept")

	readUntil(t, conn, func(ev event) bool { return ev.Type == "end" })

	code, resp = do(t, s, http.MethodGet, base+"/saved", nil)
	testutil.AssertEqual(t, http.StatusOK, code, "saved session")
	testutil.AssertStringContains(t, string(resp.Data), "good morning", "saved blocks")

	code, _ = do(t, s, http.MethodGet, "/api/v1/sessions/nope", nil)
	testutil.AssertEqual(t, http.StatusNotFound, code, "unknown session")
}

func TestServer_SessionTranscriptExport(t *testing.T) {
	s, ts := newServer(t, &stubTranscriber{})
	s.cfg.TranscriptDir = t.TempDir()

	code, resp := do(t, s, http.MethodPost, "/api/v1/sessions", gin.H{"title": "Team sync / weekly"})
	testutil.AssertEqual(t, http.StatusCreated, code, "start session")
	var info sessionInfo
	testutil.AssertNoError(t, json.Unmarshal(resp.Data, &info), "decode session")
	testutil.AssertEqual(t, "Team sync / weekly", info.Title, "title")
	testutil.AssertEqual(t, s.cfg.TranscriptDir, filepath.Dir(info.ExportPath), "export dir")
	testutil.AssertTrue(t, strings.HasSuffix(info.ExportPath, "_Team-sync-weekly.txt"), "sanitized name "+info.ExportPath)
	base := "/api/v1/sessions/" + info.ID

	conn := dialStream(t, ts, base+"/stream")
	readUntil(t, conn, func(ev event) bool { return ev.Type == "snapshot" })
	testutil.AssertNoError(t, conn.WriteJSON(clientMessage{Type: "segment", Text: "ship it friday", Timestamp: 1.5, IsFinal: true}), "send segment")
	readUntil(t, conn, func(ev event) bool {
		return ev.Snapshot != nil && ev.Snapshot.Open != nil && ev.Snapshot.Open.Text == "ship it friday"
	})

	code, _ = do(t, s, http.MethodPost, base+"/stop", nil)
	testutil.AssertEqual(t, http.StatusOK, code, "stop")

	data, err := os.ReadFile(info.ExportPath)
	testutil.AssertNoError(t, err, "read exported transcript")
	testutil.AssertStringContains(t, string(data), "Speaker 1: ship it friday", "labelled line")
}

func TestServer_SessionStreamRejectsBadFrames(t *testing.T) {
	s, ts := newServer(t, &stubTranscriber{})
	_, resp := do(t, s, http.MethodPost, "/api/v1/sessions", gin.H{"language": "en"})
	var info sessionInfo
	testutil.AssertNoError(t, json.Unmarshal(resp.Data, &info), "decode session")

	conn := dialStream(t, ts, "/api/v1/sessions/"+info.ID+"/stream")
	readUntil(t, conn, func(ev event) bool { return ev.Type == "snapshot" })

	testutil.AssertNoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}), "send odd audio")
	ev := readUntil(t, conn, func(ev event) bool { return ev.Type == "error" })
	testutil.AssertStringContains(t, ev.Error, "16-bit", "odd frame rejected")

	testutil.AssertNoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)), "send unknown")
	ev = readUntil(t, conn, func(ev event) bool { return ev.Type == "error" })
	testutil.AssertStringContains(t, ev.Error, "unknown message type", "unknown type rejected")

	testutil.AssertNoError(t, conn.WriteJSON(clientMessage{Type: "stop"}), "send stop")
	readUntil(t, conn, func(ev event) bool { return ev.Type == "end" })
}

func TestServer_NoLibrary(t *testing.T) {
	s, _ := newServer(t, &stubTranscriber{})

	code, _ := do(t, s, http.MethodGet, "/api/v1/transcripts", nil)
	testutil.AssertEqual(t, http.StatusServiceUnavailable, code, "transcripts without cache")
	code, _ = do(t, s, http.MethodGet, "/api/v1/transcripts/lookup", nil)
	testutil.AssertEqual(t, http.StatusBadRequest, code, "lookup without path")
}
