package ws

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"m-sync-go/internal/domain/auth/model"
	"m-sync-go/internal/protocol"
)

const defaultWriteTimeout = 10 * time.Second

// socket is the write side of a gorilla websocket connection.
type socket interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection is one authenticated websocket session as seen by the hub.
// Writes are serialised; the credential may be swapped in place by a
// reauthenticate frame.
type Connection struct {
	id           string
	socket       socket
	writeTimeout time.Duration
	connectedAt  time.Time

	mu         sync.Mutex
	credential atomic.Pointer[model.Credential]
	closed     atomic.Bool
	alive      atomic.Bool
	lastSeen   atomic.Int64
}

// NewConnection creates a tracked websocket connection for cred.
func NewConnection(id string, sock socket, cred model.Credential, writeTimeout time.Duration) *Connection {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	conn := &Connection{
		id:           id,
		socket:       sock,
		writeTimeout: writeTimeout,
		connectedAt:  time.Now().UTC(),
	}
	conn.credential.Store(&cred)
	conn.MarkAlive()
	return conn
}

// ID returns the connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// AccountID returns the owning account.
func (c *Connection) AccountID() string {
	return c.Credential().AccountID
}

// CredentialID returns the id of the credential currently bound to the connection.
func (c *Connection) CredentialID() string {
	return c.Credential().ID
}

// Credential returns the credential currently bound to the connection.
func (c *Connection) Credential() model.Credential {
	return *c.credential.Load()
}

// SetCredential swaps the bound credential. Callers must keep the account.
func (c *Connection) SetCredential(cred model.Credential) {
	c.credential.Store(&cred)
}

// ConnectedAt returns when the upgrade was accepted.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// Established builds the connection_established payload.
func (c *Connection) Established() protocol.Established {
	info := c.Credential().Info()
	return protocol.Established{
		ConnectionID: c.id,
		AccountID:    info.AccountID,
		Username:     info.Username,
		CredentialID: info.ID,
		DeviceType:   info.DeviceType,
		Capabilities: info.Capabilities,
		ConnectedAt:  c.connectedAt,
	}
}

// Send writes one frame.
func (c *Connection) Send(frame protocol.Frame) error {
	payload, err := protocol.Encode(frame)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("%w: %s", ErrConnectionClosed, c.id)
	}
	if err := c.socket.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.socket.WriteMessage(websocket.TextMessage, payload)
}

// Establish runs register and writes frame under the write lock, so any
// frame sent to the connection once it is visible lands after frame.
func (c *Connection) Establish(frame protocol.Frame, register func()) error {
	payload, err := protocol.Encode(frame)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("%w: %s", ErrConnectionClosed, c.id)
	}
	register()
	if err := c.socket.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.socket.WriteMessage(websocket.TextMessage, payload)
}

// Ping sends a protocol-level ping control frame.
func (c *Connection) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("%w: %s", ErrConnectionClosed, c.id)
	}
	return c.socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// MarkAlive records a liveness response (pong or any inbound frame).
func (c *Connection) MarkAlive() {
	c.alive.Store(true)
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns when the peer was last heard from.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// expectPong clears the alive flag and reports whether it was set.
func (c *Connection) expectPong() bool {
	return c.alive.Swap(false)
}

// Close sends a close frame with code and reason, then closes the socket.
// Closing twice is a no-op.
func (c *Connection) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if code != 0 {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.socket.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	return c.socket.Close()
}

// IsClosed reports whether the connection has already been closed.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}
