package ws

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"m-sync-go/internal/domain/auth/model"
	"m-sync-go/internal/domain/eventbus"
	"m-sync-go/internal/protocol"
)

type fakeSocket struct {
	mu         sync.Mutex
	messages   [][]byte
	pings      int
	closeFrame []byte
	closed     bool
	failWrites bool
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errors.New("broken pipe")
	}
	s.messages = append(s.messages, data)
	return nil
}

func (s *fakeSocket) WriteControl(messageType int, data []byte, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch messageType {
	case websocket.PingMessage:
		if s.failWrites {
			return errors.New("broken pipe")
		}
		s.pings++
	case websocket.CloseMessage:
		s.closeFrame = data
	}
	return nil
}

func (s *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) frames(t *testing.T) []protocol.Frame {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Frame, 0, len(s.messages))
	for _, m := range s.messages {
		f, err := protocol.Decode(m)
		require.NoError(t, err)
		out = append(out, f)
	}
	return out
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newTestConnection(id, account, credentialID string) (*Connection, *fakeSocket) {
	sock := &fakeSocket{}
	cred := model.Credential{
		ID:           credentialID,
		AccountID:    account,
		Capabilities: model.DefaultCapabilities,
		IssuedAt:     time.Now(),
	}
	return NewConnection(id, sock, cred, time.Second), sock
}

func ids(conns []*Connection) []string {
	out := make([]string, len(conns))
	for i, c := range conns {
		out[i] = c.ID()
	}
	sort.Strings(out)
	return out
}

func TestHub_RegisterUnregisterSetEquality(t *testing.T) {
	hub := NewHub(nil)
	a1, _ := newTestConnection("a1", "acc-a", "cred-a1")
	a2, _ := newTestConnection("a2", "acc-a", "cred-a2")
	b1, _ := newTestConnection("b1", "acc-b", "cred-b1")

	hub.Register(a1)
	hub.Register(a2)
	hub.Register(b1)
	hub.Register(a1)

	assert.Equal(t, []string{"a1", "a2"}, ids(hub.Connections("acc-a")))
	assert.Equal(t, []string{"b1"}, ids(hub.Connections("acc-b")))
	accounts, conns := hub.Counts()
	assert.Equal(t, 2, accounts)
	assert.Equal(t, 3, conns)

	assert.True(t, hub.Unregister(a1))
	assert.False(t, hub.Unregister(a1))
	assert.Equal(t, []string{"a2"}, ids(hub.Connections("acc-a")))

	assert.True(t, hub.Unregister(a2))
	assert.Empty(t, hub.Connections("acc-a"))
	accounts, conns = hub.Counts()
	assert.Equal(t, 1, accounts)
	assert.Equal(t, 1, conns)

	hub.mu.RLock()
	_, present := hub.accounts["acc-a"]
	hub.mu.RUnlock()
	assert.False(t, present, "empty account entry must be dropped")
}

func TestHub_BroadcastSkipsFailedConnection(t *testing.T) {
	hub := NewHub(nil)
	var sockets []*fakeSocket
	for i, id := range []string{"c1", "c2", "c3"} {
		conn, sock := newTestConnection(id, "acc-a", "cred")
		if i == 1 {
			sock.failWrites = true
		}
		hub.Register(conn)
		sockets = append(sockets, sock)
	}
	other, otherSock := newTestConnection("x1", "acc-b", "cred-b")
	hub.Register(other)

	frame := protocol.MustFrame(protocol.TypeMessage, "", protocol.Message{ID: "m-1", Type: protocol.MessageText, Content: "hello"})
	delivered := hub.Broadcast(context.Background(), "acc-a", frame)

	assert.Equal(t, 2, delivered)
	assert.Len(t, sockets[0].frames(t), 1)
	assert.Empty(t, sockets[1].frames(t))
	assert.Len(t, sockets[2].frames(t), 1)
	assert.Empty(t, otherSock.frames(t))

	assert.Equal(t, []string{"c1", "c3"}, ids(hub.Connections("acc-a")), "failed connection must be dropped")
	assert.True(t, sockets[1].isClosed())
	sockets[1].mu.Lock()
	closeFrame := sockets[1].closeFrame
	sockets[1].mu.Unlock()
	require.Len(t, closeFrame, 2+len("broken pipe"))
	assert.Equal(t, websocket.CloseInternalServerErr, int(closeFrame[0])<<8|int(closeFrame[1]))

	assert.Equal(t, 0, hub.Broadcast(context.Background(), "acc-none", frame))
}

func TestHub_SweepReclaimsSilentConnections(t *testing.T) {
	hub := NewHub(nil)
	responsive, responsiveSock := newTestConnection("r", "acc-a", "cred-r")
	silent, silentSock := newTestConnection("s", "acc-a", "cred-s")
	hub.Register(responsive)
	hub.Register(silent)

	assert.Equal(t, 0, hub.Sweep())
	assert.Equal(t, 1, responsiveSock.pings)
	assert.Equal(t, 1, silentSock.pings)

	responsive.MarkAlive()

	assert.Equal(t, 1, hub.Sweep())
	assert.True(t, silentSock.isClosed())
	assert.False(t, responsiveSock.isClosed())
	assert.Equal(t, []string{"r"}, ids(hub.Connections("acc-a")))
	assert.Equal(t, 2, responsiveSock.pings)
}

func TestHub_SweepDropsUnpingableConnection(t *testing.T) {
	hub := NewHub(nil)
	conn, sock := newTestConnection("c", "acc-a", "cred")
	sock.failWrites = true
	hub.Register(conn)

	assert.Equal(t, 1, hub.Sweep())
	assert.Empty(t, hub.Connections("acc-a"))
}

func TestHub_CloseByCredential(t *testing.T) {
	hub := NewHub(nil)
	revoked, revokedSock := newTestConnection("c1", "acc-a", "cred-1")
	kept, keptSock := newTestConnection("c2", "acc-a", "cred-2")
	hub.Register(revoked)
	hub.Register(kept)

	hub.HandleCredentialRevoked(eventbus.CredentialEventData{AccountID: "acc-a", CredentialID: "cred-1", Reason: "refresh"})
	assert.False(t, revokedSock.isClosed(), "refresh keeps the live session")

	hub.HandleCredentialRevoked(eventbus.CredentialEventData{AccountID: "acc-a", CredentialID: "cred-1", Reason: "revoke"})
	assert.True(t, revokedSock.isClosed())
	assert.False(t, keptSock.isClosed())
	require.GreaterOrEqual(t, len(revokedSock.closeFrame), 2)
	code := int(revokedSock.closeFrame[0])<<8 | int(revokedSock.closeFrame[1])
	assert.Equal(t, protocol.CloseCredentialRevoked, code)
	assert.Equal(t, []string{"c2"}, ids(hub.Connections("acc-a")))
}

func TestHub_CloseAll(t *testing.T) {
	hub := NewHub(nil)
	c1, s1 := newTestConnection("c1", "acc-a", "cred-1")
	c2, s2 := newTestConnection("c2", "acc-b", "cred-2")
	hub.Register(c1)
	hub.Register(c2)

	hub.CloseAll(nil)

	assert.True(t, s1.isClosed())
	assert.True(t, s2.isClosed())
	_, conns := hub.Counts()
	assert.Zero(t, conns)
	assert.ErrorIs(t, c1.Send(protocol.Frame{Type: protocol.TypePing}), ErrConnectionClosed)
}

func TestConnection_EstablishPrecedesBroadcast(t *testing.T) {
	hub := NewHub(nil)
	conn, sock := newTestConnection("c1", "acc-a", "cred")

	registered := make(chan struct{})
	broadcastDone := make(chan int, 1)
	err := conn.Establish(protocol.MustFrame(protocol.TypeConnectionEstablished, "", conn.Established()), func() {
		hub.Register(conn)
		close(registered)
		go func() {
			frame := protocol.MustFrame(protocol.TypeMessage, "", protocol.Message{ID: "m-1", Type: protocol.MessageText, Content: "early"})
			broadcastDone <- hub.Broadcast(context.Background(), "acc-a", frame)
		}()
		// Give the broadcast time to reach the write lock.
		time.Sleep(20 * time.Millisecond)
	})
	require.NoError(t, err)
	<-registered

	select {
	case delivered := <-broadcastDone:
		assert.Equal(t, 1, delivered)
	case <-time.After(time.Second):
		t.Fatal("broadcast did not finish")
	}

	frames := sock.frames(t)
	require.Len(t, frames, 2)
	assert.Equal(t, protocol.TypeConnectionEstablished, frames[0].Type)
	assert.Equal(t, protocol.TypeMessage, frames[1].Type)
}

func TestConnection_EstablishOnClosedConnection(t *testing.T) {
	conn, _ := newTestConnection("c1", "acc-a", "cred")
	require.NoError(t, conn.Close(0, ""))

	called := false
	err := conn.Establish(protocol.Frame{Type: protocol.TypeConnectionEstablished}, func() { called = true })
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.False(t, called)
}

func TestConnection_SetCredentialKeepsAccount(t *testing.T) {
	conn, _ := newTestConnection("c1", "acc-a", "cred-1")
	conn.SetCredential(model.Credential{ID: "cred-2", AccountID: "acc-a"})

	assert.Equal(t, "cred-2", conn.CredentialID())
	assert.Equal(t, "acc-a", conn.AccountID())
	assert.Equal(t, "cred-2", conn.Established().CredentialID)
}
