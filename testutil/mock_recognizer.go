package testutil

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tiroq/memoscribe/internal/segsource"
)

// MockRecognizer simulates a streaming recognizer speaking the segsource
// protocol. Scripted messages are sent right after the start message;
// OnStop messages follow the client's stop message and precede "end".
type MockRecognizer struct {
	listener net.Listener
	server   *http.Server

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	start      segsource.Message
	audioBytes int
	authHeader string
	script     []segsource.Message
	onStop     []segsource.Message
	drop       bool
	hold       chan struct{}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewMockRecognizer creates a recognizer; call Start before dialing.
func NewMockRecognizer() *MockRecognizer {
	return &MockRecognizer{}
}

// Start begins listening on a dynamic port.
func (m *MockRecognizer) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	m.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", m.handleWebSocket)
	m.server = &http.Server{Handler: mux}

	go func() {
		_ = m.server.Serve(m.listener)
	}()
	return nil
}

// Stop shuts the server down and drops any client.
func (m *MockRecognizer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	if m.server != nil {
		_ = m.server.Close()
	}
	m.connected = false
	return nil
}

// URL returns the websocket URL of the server.
func (m *MockRecognizer) URL() string {
	if m.listener == nil {
		return ""
	}
	return "ws://" + m.listener.Addr().String() + "/stream"
}

// Script queues messages sent right after the start message.
func (m *MockRecognizer) Script(msgs ...segsource.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, msgs...)
}

// OnStop queues messages sent after the client's stop message.
func (m *MockRecognizer) OnStop(msgs ...segsource.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStop = append(m.onStop, msgs...)
}

// DropAfterScript makes the server close the TCP connection without a close
// frame once the script is sent.
func (m *MockRecognizer) DropAfterScript() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drop = true
}

// HoldScript delays the script until the returned function is called.
func (m *MockRecognizer) HoldScript() (release func()) {
	ch := make(chan struct{})
	m.mu.Lock()
	m.hold = ch
	m.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// StartMessage returns the start message the client sent.
func (m *MockRecognizer) StartMessage() segsource.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.start
}

// AudioBytes returns how many bytes of binary audio were received.
func (m *MockRecognizer) AudioBytes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioBytes
}

// AuthHeader returns the Authorization header of the last connection.
func (m *MockRecognizer) AuthHeader() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authHeader
}

// Connected reports whether a client is connected.
func (m *MockRecognizer) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockRecognizer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.conn = conn
	m.connected = true
	m.authHeader = r.Header.Get("Authorization")
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.connected = false
		m.mu.Unlock()
		_ = conn.Close()
	}()

	var start segsource.Message
	if err := conn.ReadJSON(&start); err != nil || start.Type != segsource.TypeStart {
		return
	}

	m.mu.Lock()
	m.start = start
	script := append([]segsource.Message(nil), m.script...)
	drop := m.drop
	hold := m.hold
	m.mu.Unlock()

	// the reader below runs alongside this single writer; the stop reply
	// waits for it so writes never overlap
	scriptDone := make(chan struct{})
	go func() {
		defer close(scriptDone)
		if hold != nil {
			<-hold
		}
		for _, msg := range script {
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
		if drop {
			if nc := conn.NetConn(); nc != nil {
				_ = nc.Close()
			}
		}
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind == websocket.BinaryMessage {
			m.mu.Lock()
			m.audioBytes += len(data)
			m.mu.Unlock()
			continue
		}
		if !strings.Contains(string(data), `"`+segsource.TypeStop+`"`) {
			continue
		}

		m.mu.Lock()
		tail := append([]segsource.Message(nil), m.onStop...)
		m.mu.Unlock()
		<-scriptDone
		for _, msg := range append(tail, segsource.Message{Type: segsource.TypeEnd}) {
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
