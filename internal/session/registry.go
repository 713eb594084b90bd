package session

// HostID is the path token identifying the host monitor connection.
const HostID = "host_monitor"

type Role int

const (
	RoleCamera Role = iota
	RoleHost
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "camera"
}

// RoleFor classifies a connection id.
func RoleFor(id string) Role {
	if id == HostID {
		return RoleHost
	}
	return RoleCamera
}

// Peer is the outbound side of a participant's transport.
type Peer interface {
	// Send queues a text frame without blocking and reports whether it was accepted.
	Send(msg []byte) bool
	// Close terminates the transport.
	Close()
}

// Connection is one live participant socket.
type Connection struct {
	ID        string
	Role      Role
	Token     string
	Recording bool

	peer    Peer
	sink    Sink
	dropped uint64 // frames that arrived with no writable sink
}

// Sink returns the connection's active encoder, if any.
func (c *Connection) Sink() Sink {
	return c.sink
}

func (c *Connection) send(msg []byte) bool {
	if c.peer == nil {
		return false
	}
	return c.peer.Send(msg)
}

// Registry tracks every live connection. It is not safe for concurrent use;
// the Coordinator only touches it from its own goroutine.
type Registry struct {
	host    *Connection
	order   []string
	cameras map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{cameras: make(map[string]*Connection)}
}

// Register stores conn and returns the connection it replaced, if any. A camera
// reusing an id keeps the original position in the listing.
func (r *Registry) Register(conn *Connection) *Connection {
	if conn.Role == RoleHost {
		previous := r.host
		r.host = conn
		return previous
	}

	previous, exists := r.cameras[conn.ID]
	if !exists {
		r.order = append(r.order, conn.ID)
	}
	r.cameras[conn.ID] = conn
	return previous
}

// Unregister removes conn when it is still the registered socket for its id.
func (r *Registry) Unregister(conn *Connection) bool {
	if conn.Role == RoleHost {
		if r.host == nil || r.host.Token != conn.Token {
			return false
		}
		r.host = nil
		return true
	}

	current, ok := r.cameras[conn.ID]
	if !ok || current.Token != conn.Token {
		return false
	}
	delete(r.cameras, conn.ID)
	for i, id := range r.order {
		if id == conn.ID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Current reports whether conn is the socket currently registered for its id.
func (r *Registry) Current(conn *Connection) bool {
	if conn.Role == RoleHost {
		return r.host != nil && r.host.Token == conn.Token
	}
	current, ok := r.cameras[conn.ID]
	return ok && current.Token == conn.Token
}

func (r *Registry) Host() *Connection {
	return r.host
}

func (r *Registry) Get(id string) (*Connection, bool) {
	if id == HostID {
		return r.host, r.host != nil
	}
	conn, ok := r.cameras[id]
	return conn, ok
}

// Cameras returns the cameras in insertion order.
func (r *Registry) Cameras() []*Connection {
	cameras := make([]*Connection, 0, len(r.order))
	for _, id := range r.order {
		cameras = append(cameras, r.cameras[id])
	}
	return cameras
}
