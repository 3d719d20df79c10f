// Package assembler fuses the live recognizer stream and speaker attributions
// into continuous per-speaker transcript blocks.
//
// Each open block keeps the text the recognizer has committed (final
// segments) apart from its current hypothesis (the latest partial). The
// visible text is the prefix-aware merge of both; only committed text survives
// when the block closes. A speaker change always closes the open block, even
// while the recognizer is still revising a partial.
package assembler

import (
	"strings"
	"sync"

	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/diaglog"
	"github.com/tiroq/memoscribe/internal/metrics"
)

// Block is one contiguous speaker turn.
type Block struct {
	SpeakerID asr.SpeakerID `json:"speakerId"`
	Text      string        `json:"text"`
	StartTime float64       `json:"startTime"`
	EndTime   float64       `json:"endTime"`
	IsActive  bool          `json:"isActive"`
}

// Snapshot is a read-only view of the assembled transcript.
type Snapshot struct {
	Closed []Block `json:"closed"`
	Open   *Block  `json:"open,omitempty"`
}

// Blocks returns the closed blocks followed by the open one, if any.
func (s Snapshot) Blocks() []Block {
	out := make([]Block, 0, len(s.Closed)+1)
	out = append(out, s.Closed...)
	if s.Open != nil {
		out = append(out, *s.Open)
	}
	return out
}

// Resolver maps a speaker id through merges. *diarize.Engine satisfies it.
type Resolver interface {
	Resolve(id asr.SpeakerID) asr.SpeakerID
}

type openBlock struct {
	speaker   asr.SpeakerID
	committed string
	pending   string
	start     float64
	end       float64
}

func (o *openBlock) text() string {
	return MergeText(o.committed, o.pending)
}

// Assembler owns the block history of one live session. Ingest must be
// called from a single goroutine; Snapshot and Updates are safe from any.
type Assembler struct {
	mu       sync.Mutex
	history  []Block
	open     *openBlock
	resolver Resolver
	updates  chan Snapshot

	sessionID string
	log       diaglog.Scope
}

// New creates an empty assembler. resolver may be nil.
func New(resolver Resolver) *Assembler {
	a := &Assembler{
		resolver: resolver,
		updates:  make(chan Snapshot, 1),
	}
	a.log.Component = diaglog.ComponentAssembler
	return a
}

// SetLogger injects a diaglog.Logger; sessionID tags every entry.
func (a *Assembler) SetLogger(l *diaglog.Logger, sessionID string) {
	a.mu.Lock()
	a.sessionID = sessionID
	a.mu.Unlock()
	a.log.Set(l)
}

// Updates delivers the latest snapshot after every change. Only the newest
// snapshot is kept, so a slow reader never stalls Ingest.
func (a *Assembler) Updates() <-chan Snapshot {
	return a.updates
}

// Ingest applies one recognizer segment attributed to speaker.
func (a *Assembler) Ingest(seg asr.RecognizedSegment, speaker asr.SpeakerID) {
	kind := "partial"
	if seg.IsFinal {
		kind = "final"
	}
	metrics.SegmentsIngested.WithLabelValues(kind).Inc()

	a.mu.Lock()
	defer a.mu.Unlock()

	speaker = a.resolve(speaker)
	text := strings.TrimSpace(seg.Text)
	ts := seg.TimestampSeconds

	if a.open != nil && a.resolve(a.open.speaker) != speaker {
		a.closeOpen()
	}
	if a.open == nil {
		if text == "" {
			return
		}
		a.open = &openBlock{speaker: speaker, start: ts}
	}

	if seg.IsFinal {
		a.open.committed = MergeText(a.open.committed, text)
		a.open.pending = ""
	} else {
		a.open.pending = text
	}
	a.open.end = ts

	a.publish()
}

// Close ends the stream: the open block is closed and the assembler is
// ready for a new stream with its history intact.
func (a *Assembler) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open == nil {
		return
	}
	a.closeOpen()
	a.publish()
}

// Snapshot returns the closed blocks and the open block, with speaker ids
// resolved through any merges.
func (a *Assembler) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot()
}

func (a *Assembler) snapshot() Snapshot {
	s := Snapshot{Closed: make([]Block, len(a.history))}
	for i, b := range a.history {
		b.SpeakerID = a.resolve(b.SpeakerID)
		s.Closed[i] = b
	}
	if a.open != nil {
		s.Open = &Block{
			SpeakerID: a.resolve(a.open.speaker),
			Text:      a.open.text(),
			StartTime: a.open.start,
			EndTime:   a.open.end,
			IsActive:  true,
		}
	}
	return s
}

// closeOpen moves the open block to history. A block that never received a
// final segment carries only a hypothesis and is dropped.
func (a *Assembler) closeOpen() {
	o := a.open
	a.open = nil
	if o.committed == "" {
		return
	}
	a.history = append(a.history, Block{
		SpeakerID: o.speaker,
		Text:      o.committed,
		StartTime: o.start,
		EndTime:   o.end,
	})
	metrics.BlocksClosed.Inc()
	a.log.Log(diaglog.LogEntry{
		Event:     diaglog.EventBlockClosed,
		SessionID: a.sessionID,
		Payload: map[string]interface{}{
			"speaker": int(o.speaker),
			"start":   o.start,
			"end":     o.end,
			"chars":   len(o.committed),
		},
	})
}

func (a *Assembler) publish() {
	s := a.snapshot()
	select {
	case <-a.updates:
	default:
	}
	select {
	case a.updates <- s:
	default:
	}
}

func (a *Assembler) resolve(id asr.SpeakerID) asr.SpeakerID {
	if a.resolver == nil {
		return id
	}
	return a.resolver.Resolve(id)
}

// MergeText joins next onto existing. When next continues existing (starts
// with it) next replaces it; otherwise next is appended after one space.
func MergeText(existing, next string) string {
	existing = strings.TrimSpace(existing)
	next = strings.TrimSpace(next)
	switch {
	case existing == "":
		return next
	case next == "":
		return existing
	case strings.HasPrefix(next, existing):
		return next
	default:
		return existing + " " + next
	}
}
