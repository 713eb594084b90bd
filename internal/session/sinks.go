package session

import (
	"context"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mishran/internal/encoder"
	"mishran/internal/library"
)

// Sink is the encoder bound to a single connection.
type Sink interface {
	Write(data []byte) bool
	Writable() bool
	Close()
	Shutdown(ctx context.Context) error
	Done() <-chan struct{}
	Output() string
	Dropped() uint64
}

// Launcher starts sinks.
type Launcher interface {
	Launch(streamID, output string, kind encoder.Kind) (Sink, error)
}

// EncoderLauncher adapts encoder.Launcher to the Launcher interface.
type EncoderLauncher struct {
	*encoder.Launcher
}

func (l EncoderLauncher) Launch(streamID, output string, kind encoder.Kind) (Sink, error) {
	p, err := l.Launcher.Launch(streamID, output, kind)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SessionClock hands out millisecond session ids that strictly increase for
// the lifetime of the process.
type SessionClock struct {
	now     func() time.Time
	current int64
	last    int64
}

func NewSessionClock(now func() time.Time) *SessionClock {
	if now == nil {
		now = time.Now
	}
	return &SessionClock{now: now}
}

// Current returns the active session id, minting one when none exists.
func (s *SessionClock) Current() int64 {
	if s.current == 0 {
		return s.Next()
	}
	return s.current
}

// Next starts a new session.
func (s *SessionClock) Next() int64 {
	id := s.now().UnixMilli()
	if id <= s.last {
		id = s.last + 1
	}
	s.last = id
	s.current = id
	return id
}

// SinkManager owns the encoder lifecycle of every connection.
type SinkManager struct {
	dir       string
	container string
	launcher  Launcher
	clock     *SessionClock
	log       *zap.Logger

	// every sink that may still be running, including stopped ones that are draining
	live []Sink
}

func NewSinkManager(dir, container string, launcher Launcher, clock *SessionClock, log *zap.Logger) *SinkManager {
	return &SinkManager{
		dir:       dir,
		container: container,
		launcher:  launcher,
		clock:     clock,
		log:       log,
	}
}

// OutputPath is where streamID of the given session is recorded.
func (m *SinkManager) OutputPath(sessionID int64, streamID string) string {
	return filepath.Join(m.dir, library.FileName(sessionID, streamID, m.container))
}

// Start launches a sink for conn unless it already has one.
func (m *SinkManager) Start(conn *Connection, streamID string) {
	if conn.sink != nil {
		return
	}

	kind := encoder.KindVideo
	if conn.Role == RoleHost {
		kind = encoder.KindAudio
	}

	output := m.OutputPath(m.clock.Current(), streamID)
	m.log.Info("starting recording", zap.String("stream", streamID), zap.String("file", output))

	sink, err := m.launcher.Launch(streamID, output, kind)
	if err != nil {
		m.log.Error("failed to start encoder", zap.String("stream", streamID), zap.Error(err))
		return
	}

	conn.sink = sink
	m.track(sink)
}

// Feed forwards data to conn's sink. Without a writable sink the frame is
// dropped and counted on the connection; a full sink queue counts on the sink.
func (m *SinkManager) Feed(conn *Connection, data []byte) bool {
	if conn.sink == nil || !conn.sink.Writable() {
		conn.dropped++
		return false
	}
	return conn.sink.Write(data)
}

// Stop ends conn's sink input and forgets it; the encoder finishes on its own.
func (m *SinkManager) Stop(conn *Connection, streamID string) {
	if conn.sink == nil {
		return
	}
	m.log.Info("stopping recording", zap.String("stream", streamID), zap.Uint64("dropped_frames", conn.sink.Dropped()))
	conn.sink.Close()
	conn.sink = nil
}

// Shutdown closes every running sink and waits for them to finish.
func (m *SinkManager) Shutdown(ctx context.Context) error {
	m.prune()

	g, ctx := errgroup.WithContext(ctx)
	for _, sink := range m.live {
		sink := sink
		g.Go(func() error {
			return sink.Shutdown(ctx)
		})
	}
	err := g.Wait()
	m.live = nil
	return err
}

func (m *SinkManager) track(sink Sink) {
	m.prune()
	m.live = append(m.live, sink)
}

func (m *SinkManager) prune() {
	running := m.live[:0]
	for _, sink := range m.live {
		select {
		case <-sink.Done():
		default:
			running = append(running, sink)
		}
	}
	m.live = running
}
