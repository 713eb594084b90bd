package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mishran/internal/encoder"
)

type fakeSink struct {
	streamID string
	output   string
	kind     encoder.Kind

	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	full    bool
	dropped uint64
	done    chan struct{}
}

func (s *fakeSink) Write(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.full {
		s.dropped++
		return false
	}
	s.frames = append(s.frames, data)
	return true
}

func (s *fakeSink) Writable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *fakeSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

func (s *fakeSink) Shutdown(ctx context.Context) error {
	s.Close()
	return nil
}

func (s *fakeSink) Done() <-chan struct{} { return s.done }

func (s *fakeSink) Output() string { return s.output }

func (s *fakeSink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSink) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.frames))
	for _, f := range s.frames {
		out = append(out, string(f))
	}
	return out
}

type fakeLauncher struct {
	mu       sync.Mutex
	launched []*fakeSink
	fail     map[string]bool
	panicOn  string
}

func (l *fakeLauncher) Launch(streamID, output string, kind encoder.Kind) (Sink, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if streamID == l.panicOn {
		panic("encoder launcher bug")
	}
	if l.fail[streamID] {
		return nil, errors.New("exec: \"ffmpeg\": executable file not found in $PATH")
	}
	s := &fakeSink{streamID: streamID, output: output, kind: kind, done: make(chan struct{})}
	l.launched = append(l.launched, s)
	return s, nil
}

func (l *fakeLauncher) sinksFor(streamID string) []*fakeSink {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*fakeSink
	for _, s := range l.launched {
		if s.streamID == streamID {
			out = append(out, s)
		}
	}
	return out
}

type fakePeer struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
}

func (p *fakePeer) Send(msg []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.messages = append(p.messages, msg)
	return true
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

// commands returns every instruction the peer received.
func (p *fakePeer) commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.messages {
		var msg ControlMessage
		if json.Unmarshal(m, &msg) == nil && msg.Command != "" {
			out = append(out, msg.Command)
		}
	}
	return out
}

// lastState returns the most recent state update the peer received.
func (p *fakePeer) lastState(t *testing.T) StateUpdate {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.messages) - 1; i >= 0; i-- {
		var state StateUpdate
		if json.Unmarshal(p.messages[i], &state) == nil && state.Type == TypeStateUpdate {
			return state
		}
	}
	t.Fatal("no state update received")
	return StateUpdate{}
}

var testEpoch = time.UnixMilli(1700000000000)

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeLauncher) {
	t.Helper()
	launcher := &fakeLauncher{fail: map[string]bool{}}
	c := NewCoordinator(Options{
		Launcher:     launcher,
		RecordingDir: "recordings",
		Logger:       zaptest.NewLogger(t),
		Now:          func() time.Time { return testEpoch },
	})
	return c, launcher
}

// connect registers a participant directly on the coordinator goroutine's handlers.
func connect(c *Coordinator, id string) (*Connection, *fakePeer) {
	peer := &fakePeer{}
	conn := &Connection{ID: id, Role: RoleFor(id), Token: uuid.NewString(), peer: peer}
	c.handleJoin(conn)
	return conn, peer
}

func sendText(c *Coordinator, conn *Connection, text string) {
	c.handleFrame(conn, false, []byte(text))
}

func sendBinary(c *Coordinator, conn *Connection, data string) {
	c.handleFrame(conn, true, []byte(data))
}

func onlySink(t *testing.T, l *fakeLauncher, streamID string) *fakeSink {
	t.Helper()
	sinks := l.sinksFor(streamID)
	require.Len(t, sinks, 1, "expected exactly one sink for %s", streamID)
	return sinks[0]
}
