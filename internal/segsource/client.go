// Package segsource is the live Speech Segment Source: a websocket client to
// a streaming recognizer. Audio goes out as binary frames of 16-bit mono PCM;
// recognizer segments come back as JSON messages.
//
// Protocol, one JSON object per text frame:
//
//	client -> server  {"type":"start","language":"en","sampleRate":16000}
//	client -> server  <binary PCM>...
//	client -> server  {"type":"stop"}
//	server -> client  {"type":"segment","text":"...","timestamp":1.2,"isFinal":true}
//	server -> client  {"type":"error","error":"..."}
//	server -> client  {"type":"end"}
package segsource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/diaglog"
	"github.com/tiroq/memoscribe/internal/pcm"
)

// Message types.
const (
	TypeStart   = "start"
	TypeStop    = "stop"
	TypeSegment = "segment"
	TypeError   = "error"
	TypeEnd     = "end"
)

// Message is one JSON frame in either direction.
type Message struct {
	Type       string         `json:"type"`
	Language   string         `json:"language,omitempty"`
	SampleRate int            `json:"sampleRate,omitempty"`
	Text       string         `json:"text,omitempty"`
	Timestamp  float64        `json:"timestamp,omitempty"`
	IsFinal    bool           `json:"isFinal,omitempty"`
	SpeakerID  *asr.SpeakerID `json:"speakerId,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Config describes the recognizer endpoint.
type Config struct {
	URL              string // ws:// or wss://
	Token            string // sent as a bearer token when set
	Language         string
	SampleRate       int
	HandshakeTimeout time.Duration
	Logger           *diaglog.Logger
}

// Client streams audio to a recognizer and delivers its segments. It never
// reconnects: once Segments is closed the stream is over and Err reports why.
type Client struct {
	conn     *websocket.Conn
	url      string
	writeMu  sync.Mutex
	segments chan asr.RecognizedSegment
	quit     chan struct{}
	done     chan struct{}
	closing  atomic.Bool
	once     sync.Once

	errMu sync.Mutex
	err   error

	log diaglog.Scope
}

// Dial connects and sends the start message.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, unavailable(fmt.Errorf("connect %s: %s: %w", cfg.URL, resp.Status, err))
		}
		return nil, unavailable(fmt.Errorf("connect %s: %w", cfg.URL, err))
	}

	c := &Client{
		conn:     conn,
		url:      cfg.URL,
		segments: make(chan asr.RecognizedSegment, 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.log.Component = diaglog.ComponentSegmentSource
	c.log.Set(cfg.Logger)

	start := Message{Type: TypeStart, Language: cfg.Language, SampleRate: cfg.SampleRate}
	if err := c.writeJSON(start); err != nil {
		conn.Close()
		return nil, unavailable(fmt.Errorf("send start: %w", err))
	}
	c.log.Log(diaglog.LogEntry{
		Event:   diaglog.EventSourceConnect,
		Payload: map[string]interface{}{"url": cfg.URL, "language": cfg.Language, "sample_rate": cfg.SampleRate},
	})

	go c.readMessages()
	return c, nil
}

// Segments delivers recognizer output in arrival order. It is closed when
// the stream ends.
func (c *Client) Segments() <-chan asr.RecognizedSegment { return c.segments }

// Err reports why the stream ended. It is nil after a clean end and only
// meaningful once Segments is closed.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// SendAudio streams samples as one binary PCM frame.
func (c *Client) SendAudio(samples []float32) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, pcm.Encode(samples)); err != nil {
		return unavailable(fmt.Errorf("send audio: %w", err))
	}
	return nil
}

// Finish tells the recognizer no more audio follows. Remaining segments are
// still delivered until the recognizer ends the stream.
func (c *Client) Finish() error {
	if err := c.writeJSON(Message{Type: TypeStop}); err != nil {
		return unavailable(fmt.Errorf("send stop: %w", err))
	}
	return nil
}

// Close ends the stream immediately.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		c.closing.Store(true)
		close(c.quit)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
		<-c.done
	})
	return err
}

func (c *Client) writeJSON(m Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(m)
}

func (c *Client) readMessages() {
	defer close(c.done)
	defer close(c.segments)

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if c.closing.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.finish(nil)
			} else {
				c.finish(unavailable(fmt.Errorf("read: %w", err)))
			}
			return
		}

		switch msg.Type {
		case TypeSegment:
			seg := asr.RecognizedSegment{
				SpeakerID:        msg.SpeakerID,
				Text:             msg.Text,
				TimestampSeconds: msg.Timestamp,
				IsFinal:          msg.IsFinal,
			}
			select {
			case c.segments <- seg:
			case <-c.quit:
				c.finish(nil)
				return
			}
		case TypeError:
			c.finish(unavailable(fmt.Errorf("recognizer: %s", msg.Error)))
			return
		case TypeEnd:
			c.finish(nil)
			return
		}
	}
}

func (c *Client) finish(err error) {
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()

	entry := diaglog.LogEntry{
		Event:   diaglog.EventSourceClosed,
		Payload: map[string]interface{}{"url": c.url},
	}
	if err != nil {
		entry.Event = diaglog.EventSourceError
		entry.Reason = err.Error()
	}
	c.log.Log(entry)
}

func unavailable(err error) error {
	if errors.Is(err, asr.ErrRecognitionUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", asr.ErrRecognitionUnavailable, err)
}
