package session

import (
	"sync"

	"github.com/tiroq/memoscribe/internal/asr"
)

// ManualSource is a Source fed by the host itself, for callers that run
// recognition elsewhere and push the resulting segments. Audio sent to it is
// discarded.
type ManualSource struct {
	segments chan asr.RecognizedSegment
	done     chan struct{}
	once     sync.Once

	sendMu sync.RWMutex // held for reading by Push, for writing to close segments

	mu  sync.Mutex
	err error
}

// NewManualSource creates an open source.
func NewManualSource() *ManualSource {
	return &ManualSource{
		segments: make(chan asr.RecognizedSegment, 64),
		done:     make(chan struct{}),
	}
}

// Push delivers seg. It reports false once the source has ended.
func (m *ManualSource) Push(seg asr.RecognizedSegment) bool {
	m.sendMu.RLock()
	defer m.sendMu.RUnlock()
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.segments <- seg:
		return true
	case <-m.done:
		return false
	}
}

// End closes the stream with err, which may be nil.
func (m *ManualSource) End(err error) {
	m.once.Do(func() {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		close(m.done)
		// blocked Pushes see done and release the lock
		m.sendMu.Lock()
		close(m.segments)
		m.sendMu.Unlock()
	})
}

func (m *ManualSource) Segments() <-chan asr.RecognizedSegment { return m.segments }

func (m *ManualSource) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *ManualSource) SendAudio([]float32) error { return nil }

func (m *ManualSource) Finish() error {
	m.End(nil)
	return nil
}

func (m *ManualSource) Close() error {
	m.End(nil)
	return nil
}
