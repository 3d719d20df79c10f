package api

import (
	"sync"

	"github.com/tiroq/memoscribe/internal/assembler"
)

// hub fans one session's snapshots out to stream clients. Every subscriber
// holds only the newest snapshot, so a slow client never delays another.
type hub struct {
	mu     sync.Mutex
	subs   map[chan assembler.Snapshot]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[chan assembler.Snapshot]struct{})}
}

// subscribe returns a channel of snapshots and its cancel func. The channel
// is closed when the hub closes or cancel is called.
func (h *hub) subscribe() (<-chan assembler.Snapshot, func()) {
	ch := make(chan assembler.Snapshot, 1)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

func (h *hub) publish(s assembler.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
}
