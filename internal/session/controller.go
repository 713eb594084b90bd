package session

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"mishran/internal/library"
)

// ErrStopped is returned once the coordinator loop has exited.
var ErrStopped = errors.New("session coordinator stopped")

type Options struct {
	Launcher     Launcher
	RecordingDir string
	Container    string
	Logger       *zap.Logger
	// Now overrides the wall clock used to mint session ids.
	Now func() time.Time
	// ShutdownTimeout bounds how long encoders may take to finalize on exit.
	ShutdownTimeout time.Duration
}

const streamEscape = "_"

type inboundFrame struct {
	conn   *Connection
	binary bool
	data   []byte
}

// ConnectionState describes one registered participant in a Snapshot.
type ConnectionState struct {
	ClientID      string `json:"clientId"`
	Role          string `json:"role"`
	IsRecording   bool   `json:"isRecording"`
	File          string `json:"file,omitempty"`
	DroppedFrames uint64 `json:"droppedFrames"`
}

// Snapshot is the coordinator state as reported by the status endpoint.
type Snapshot struct {
	StateUpdate
	SessionID   int64             `json:"sessionId,omitempty"`
	Connections []ConnectionState `json:"connections"`
}

// Coordinator owns the registry, the session id and every sink. All state is
// confined to the goroutine running Run; other goroutines talk to it through
// channels.
type Coordinator struct {
	log             *zap.Logger
	registry        *Registry
	clock           *SessionClock
	sinks           *SinkManager
	notifier        *Notifier
	shutdownTimeout time.Duration

	join    chan *Connection
	leave   chan *Connection
	inbound chan inboundFrame
	query   chan chan Snapshot
	done    chan struct{}
}

func NewCoordinator(opts Options) *Coordinator {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("session")

	if opts.Container == "" {
		opts.Container = "mkv"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	clock := NewSessionClock(opts.Now)

	return &Coordinator{
		log:             log,
		registry:        NewRegistry(),
		clock:           clock,
		sinks:           NewSinkManager(opts.RecordingDir, opts.Container, opts.Launcher, clock, log),
		notifier:        NewNotifier(log),
		shutdownTimeout: opts.ShutdownTimeout,
		join:            make(chan *Connection),
		leave:           make(chan *Connection),
		inbound:         make(chan inboundFrame),
		query:           make(chan chan Snapshot),
		done:            make(chan struct{}),
	}
}

// Run processes connection events until ctx is cancelled, then closes every
// sink and waits for the encoders to finish.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)

	for {
		select {
		case conn := <-c.join:
			c.dispatch("join", func() { c.handleJoin(conn) })
		case conn := <-c.leave:
			c.dispatch("leave", func() { c.handleLeave(conn) })
		case frame := <-c.inbound:
			c.dispatch("frame", func() { c.handleFrame(frame.conn, frame.binary, frame.data) })
		case reply := <-c.query:
			snapshot := Snapshot{}
			c.dispatch("snapshot", func() { snapshot = c.snapshot() })
			reply <- snapshot
		case <-ctx.Done():
			return c.shutdown()
		}
	}
}

// dispatch runs one event handler, containing a panic to that event so the
// loop keeps serving every other connection.
func (c *Coordinator) dispatch(event string, handle func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("recovered from panic in session event",
				zap.String("event", event),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	handle()
}

// Join registers a new participant socket identified by id.
func (c *Coordinator) Join(id string, peer Peer) (*Connection, error) {
	conn := &Connection{ID: id, Role: RoleFor(id), Token: uuid.NewString(), peer: peer}

	select {
	case c.join <- conn:
		return conn, nil
	case <-c.done:
		return nil, ErrStopped
	}
}

// Receive hands a frame read from conn to the coordinator.
func (c *Coordinator) Receive(conn *Connection, binary bool, data []byte) error {
	select {
	case c.inbound <- inboundFrame{conn: conn, binary: binary, data: data}:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

// Leave reports that conn's transport has closed.
func (c *Coordinator) Leave(conn *Connection) {
	select {
	case c.leave <- conn:
	case <-c.done:
	}
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)

	select {
	case c.query <- reply:
	case <-c.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}

	return <-reply, nil
}

func (c *Coordinator) handleJoin(conn *Connection) {
	previous := c.registry.Register(conn)
	c.log.Info("client connected", zap.String("client", conn.ID), zap.Stringer("role", conn.Role))

	if previous != nil {
		// Last writer wins. A replaced host keeps its socket but loses control;
		// a replaced camera is disconnected so it is not left orphaned.
		c.sinks.Stop(previous, streamIDFor(previous))
		previous.Recording = false
		if previous.Role == RoleCamera {
			c.log.Warn("camera id reused, closing previous connection", zap.String("client", conn.ID))
			if previous.peer != nil {
				previous.peer.Close()
			}
		} else {
			c.log.Warn("host replaced by a new connection")
		}
	}

	c.notifier.Broadcast(c.registry)
}

func (c *Coordinator) handleLeave(conn *Connection) {
	c.sinks.Stop(conn, streamIDFor(conn))

	if !c.registry.Unregister(conn) {
		c.log.Debug("replaced connection closed", zap.String("client", conn.ID))
		return
	}
	conn.Recording = false

	c.log.Info("client disconnected", zap.String("client", conn.ID), zap.Stringer("role", conn.Role))
	c.notifier.Broadcast(c.registry)
}

func (c *Coordinator) handleFrame(conn *Connection, binary bool, data []byte) {
	if !c.registry.Current(conn) {
		return
	}

	if binary {
		c.feed(conn, data)
		return
	}

	msg, ok := parseControl(data)
	if !ok {
		return
	}

	switch conn.Role {
	case RoleHost:
		switch msg.Command {
		case CommandStartAll:
			c.startAll()
		case CommandStopAll:
			c.stopAll()
		}
	case RoleCamera:
		if msg.Type == TypeRecordingFullyStopped {
			c.acknowledgeStop(conn)
		}
	}
}

func (c *Coordinator) feed(conn *Connection, data []byte) {
	if conn.Role == RoleCamera && !conn.Recording {
		conn.dropped++
		return
	}
	c.sinks.Feed(conn, data)
}

func (c *Coordinator) startAll() {
	sessionID := c.clock.Next()
	c.log.Info("start all recordings", zap.Int64("session", sessionID))

	if host := c.registry.Host(); host != nil {
		c.sinks.Start(host, library.HostStreamID)
	}

	for _, cam := range c.registry.Cameras() {
		if cam.Recording {
			continue
		}
		c.sinks.Start(cam, streamIDFor(cam))
		cam.Recording = true
		if !cam.send(instruction(CommandStartRecording)) {
			c.log.Warn("failed to queue start instruction", zap.String("client", cam.ID))
		}
	}

	c.notifier.Broadcast(c.registry)
}

// stopAll finalizes the host audio at once. Cameras keep their sinks until
// they acknowledge with recording_fully_stopped, so the tail of their stream
// is not cut off.
func (c *Coordinator) stopAll() {
	c.log.Info("stop all recordings")

	if host := c.registry.Host(); host != nil {
		c.sinks.Stop(host, library.HostStreamID)
	}

	for _, cam := range c.registry.Cameras() {
		if !cam.Recording {
			continue
		}
		c.log.Info("sending stop instruction", zap.String("client", cam.ID))
		if !cam.send(instruction(CommandStopRecording)) {
			c.log.Warn("failed to queue stop instruction", zap.String("client", cam.ID))
		}
	}
}

func (c *Coordinator) acknowledgeStop(cam *Connection) {
	c.log.Info("client confirmed recording fully stopped", zap.String("client", cam.ID))

	cam.Recording = false
	c.sinks.Stop(cam, streamIDFor(cam))
	c.notifier.Broadcast(c.registry)
}

func (c *Coordinator) snapshot() Snapshot {
	s := Snapshot{
		StateUpdate: BuildState(c.registry),
		SessionID:   c.clock.current,
		Connections: []ConnectionState{},
	}

	conns := c.registry.Cameras()
	if host := c.registry.Host(); host != nil {
		conns = append([]*Connection{host}, conns...)
	}
	for _, conn := range conns {
		state := ConnectionState{
			ClientID:      conn.ID,
			Role:          conn.Role.String(),
			IsRecording:   conn.Recording,
			DroppedFrames: conn.dropped,
		}
		if conn.sink != nil {
			state.File = conn.sink.Output()
			state.DroppedFrames += conn.sink.Dropped()
		}
		s.Connections = append(s.Connections, state)
	}

	return s
}

func (c *Coordinator) shutdown() error {
	c.log.Info("closing all connections and recordings")

	conns := c.registry.Cameras()
	if host := c.registry.Host(); host != nil {
		conns = append(conns, host)
	}
	for _, conn := range conns {
		c.sinks.Stop(conn, streamIDFor(conn))
		if conn.peer != nil {
			conn.peer.Close()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
	defer cancel()

	if err := c.sinks.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "encoders did not finish cleanly")
	}
	return nil
}

// streamIDFor names the recorded stream of conn. Camera ids that would
// collide with the host track, or with an escaped id, gain a leading
// underscore so every connection records into its own file.
func streamIDFor(conn *Connection) string {
	if conn.Role == RoleHost {
		return library.HostStreamID
	}
	if conn.ID == library.HostStreamID || strings.HasPrefix(conn.ID, streamEscape) {
		return streamEscape + conn.ID
	}
	return conn.ID
}
