package session

import (
	"strings"
	"sync"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

// ClientIDLocal is the fiber local holding the id parsed from the upgrade path.
const ClientIDLocal = "client_id"

const sendBufferSize = 256

// ClientIDFromPath returns the last segment of an upgrade request path.
func ClientIDFromPath(path string) string {
	return path[strings.LastIndex(path, "/")+1:]
}

// client is one websocket participant.
type client struct {
	conn *websocket.Conn
	log  *zap.Logger

	mu     sync.Mutex
	closed bool
	send   chan []byte

	writerDone chan struct{}
}

func (c *client) Send(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// WebSocketHandler serves participant connections.
type WebSocketHandler struct {
	coordinator *Coordinator
	log         *zap.Logger
}

func NewWebSocketHandler(coordinator *Coordinator, log *zap.Logger) *WebSocketHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocketHandler{coordinator: coordinator, log: log.Named("websocket")}
}

// ServeHTTP handles the connection lifecycle of an upgraded socket.
func (wh *WebSocketHandler) ServeHTTP(c *websocket.Conn) {
	id, _ := c.Locals(ClientIDLocal).(string)

	cl := &client{
		conn:       c,
		log:        wh.log.With(zap.String("client", id)),
		send:       make(chan []byte, sendBufferSize),
		writerDone: make(chan struct{}),
	}

	conn, err := wh.coordinator.Join(id, cl)
	if err != nil {
		cl.log.Warn("rejecting connection", zap.Error(err))
		c.Close()
		return
	}

	go cl.writePump()
	cl.readPump(wh.coordinator, conn)
}

// readPump pumps frames from the websocket connection to the coordinator.
func (c *client) readPump(coordinator *Coordinator, conn *Connection) {
	defer func() {
		coordinator.Leave(conn)
		c.Close()
		<-c.writerDone
	}()

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("read error", zap.Error(err))
			}
			return
		}

		var binary bool
		switch messageType {
		case websocket.BinaryMessage:
			binary = true
		case websocket.TextMessage:
		default:
			continue
		}

		if err := coordinator.Receive(conn, binary, message); err != nil {
			return
		}
	}
}

// writePump pumps queued text frames to the websocket connection.
func (c *client) writePump() {
	defer close(c.writerDone)
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			c.log.Warn("write error", zap.Error(err))
			return
		}
	}

	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
