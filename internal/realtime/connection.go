package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var errConnClosed = errors.New("connection closed")

// Connection wraps a websocket and coordinates outbound writes via a buffered
// channel. A connection is uniquely identified per transport socket and is
// safe for concurrent use.
//
// The send channel is never closed. Shutdown is signalled through the close
// channel and the write loop performs the close handshake, so Send and Close
// may race freely and Close never blocks on the socket.
type Connection struct {
	ID     string
	UserID string

	ws          *websocket.Conn
	send        chan []byte
	once        sync.Once
	close       chan struct{}
	closeCode   int
	closeReason string
	pingPeriod  time.Duration
}

// NewConnection constructs a Connection for the given user.
func NewConnection(userID string, ws *websocket.Conn, pingPeriod time.Duration) *Connection {
	if pingPeriod <= 0 {
		pingPeriod = 30 * time.Second
	}
	return &Connection{
		ID:         uuid.NewString(),
		UserID:     userID,
		ws:         ws,
		send:       make(chan []byte, 128),
		close:      make(chan struct{}),
		pingPeriod: pingPeriod,
	}
}

// Start launches the write loop. It must be called exactly once per connection.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send enqueues payload for delivery. After Close it reports an error instead
// of delivering. If the client is slow and the buffer is full, the connection
// is closed to keep backpressure bounded.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.close:
		return errConnClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.close:
		return errConnClosed
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

// Close signals shutdown and returns immediately; the write loop runs the
// close handshake. Safe to call from any goroutine, any number of times.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.close)
	})
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	defer c.shutdown()

	for {
		select {
		case <-c.close:
			return
		case msg := <-c.send:
			if err := c.writeMessage(msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.writePing(); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

// shutdown runs on the write loop once close has been signalled; closeCode and
// closeReason are set before the close channel is closed, so reading them here
// is ordered.
func (c *Connection) shutdown() {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason), time.Now().Add(writeWait))
	_ = c.ws.Close()
}

func (c *Connection) writeMessage(payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *Connection) writePing() error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}
