package ws

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"m-sync-go/internal/domain/eventbus"
	"m-sync-go/internal/platform/logging"
	"m-sync-go/internal/platform/observability"
	"m-sync-go/internal/protocol"
)

// Hub is the connection registry of one broker process, keyed by account.
type Hub struct {
	logger *logging.Logger

	mu       sync.RWMutex
	accounts map[string]map[*Connection]struct{}
}

// NewHub builds an empty registry.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Hub{
		logger:   logger,
		accounts: make(map[string]map[*Connection]struct{}),
	}
}

// Register adds conn to its account's live set. Registering twice is a no-op.
func (h *Hub) Register(conn *Connection) {
	if conn == nil {
		return
	}
	account := conn.AccountID()

	h.mu.Lock()
	set, ok := h.accounts[account]
	if !ok {
		set = make(map[*Connection]struct{})
		h.accounts[account] = set
	}
	_, exists := set[conn]
	set[conn] = struct{}{}
	h.mu.Unlock()

	if !exists {
		observability.ActiveConnections.Inc()
	}
}

// Unregister removes conn and drops the account entry once it is empty.
// It reports whether conn was registered.
func (h *Hub) Unregister(conn *Connection) bool {
	if conn == nil {
		return false
	}
	account := conn.AccountID()

	h.mu.Lock()
	set, ok := h.accounts[account]
	if ok {
		_, ok = set[conn]
		delete(set, conn)
		if len(set) == 0 {
			delete(h.accounts, account)
		}
	}
	h.mu.Unlock()

	if ok {
		observability.ActiveConnections.Dec()
	}
	return ok
}

// Connections returns a snapshot of the account's live connections.
func (h *Hub) Connections(account string) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := h.accounts[account]
	out := make([]*Connection, 0, len(set))
	for conn := range set {
		out = append(out, conn)
	}
	return out
}

func (h *Hub) all() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*Connection
	for _, set := range h.accounts {
		for conn := range set {
			out = append(out, conn)
		}
	}
	return out
}

// Broadcast writes frame to every live connection of the account in
// parallel and returns how many accepted the write. A connection whose write
// fails is closed and unregistered; the others are unaffected.
func (h *Hub) Broadcast(ctx context.Context, account string, frame protocol.Frame) int {
	_, end := observability.StartSpan(ctx, "transport.websocket", "broadcast")
	defer end(nil)

	targets := h.Connections(account)
	if len(targets) == 0 {
		return 0
	}

	var delivered atomic.Int64
	var g errgroup.Group
	for _, conn := range targets {
		g.Go(func() error {
			if err := conn.Send(frame); err != nil {
				observability.BroadcastDeliveries.WithLabelValues("failed").Inc()
				h.logger.WarnTag(logging.TagWS, "broadcast to connection %s failed: %v", conn.ID(), err)
				h.drop(conn, websocket.CloseInternalServerErr, err)
				return nil
			}
			delivered.Add(1)
			observability.BroadcastDeliveries.WithLabelValues("delivered").Inc()
			return nil
		})
	}
	_ = g.Wait()

	return int(delivered.Load())
}

// Sweep runs one liveness pass: connections that did not answer since the
// previous pass are closed and unregistered, the rest are pinged.
func (h *Hub) Sweep() (reclaimed int) {
	for _, conn := range h.all() {
		if !conn.expectPong() {
			h.drop(conn, websocket.CloseGoingAway, ErrLivenessTimeout)
			observability.LivenessReclaimed.Inc()
			reclaimed++
			continue
		}
		if err := conn.Ping(); err != nil {
			h.logger.DebugTag(logging.TagWS, "ping connection %s failed: %v", conn.ID(), err)
			h.drop(conn, 0, err)
			reclaimed++
		}
	}
	return reclaimed
}

// CloseByCredential closes every connection bound to credentialID.
func (h *Hub) CloseByCredential(credentialID string) (closed int) {
	for _, conn := range h.all() {
		if conn.CredentialID() != credentialID {
			continue
		}
		h.drop(conn, protocol.CloseCredentialRevoked, ErrCredentialRevoked)
		closed++
	}
	return closed
}

// HandleCredentialRevoked is the credential:revoked subscriber. Credentials
// superseded by a refresh keep their live sessions; the client swaps the
// credential in place.
func (h *Hub) HandleCredentialRevoked(data eventbus.CredentialEventData) {
	if data.Reason == "refresh" {
		return
	}
	if n := h.CloseByCredential(data.CredentialID); n > 0 {
		h.logger.InfoTag(logging.TagWS, "closed %d connection(s) of revoked credential %s", n, data.CredentialID)
	}
}

// CloseAll terminates every registered connection.
func (h *Hub) CloseAll(reason error) {
	if reason == nil {
		reason = ErrSessionShutdown
	}
	for _, conn := range h.all() {
		h.drop(conn, websocket.CloseGoingAway, reason)
	}
}

func (h *Hub) drop(conn *Connection, code int, reason error) {
	if h.Unregister(conn) {
		h.logger.InfoTag(logging.TagWS, "connection %s of account %s closed: %v", conn.ID(), conn.AccountID(), reason)
	}
	if err := conn.Close(code, reason.Error()); err != nil {
		h.logger.DebugTag(logging.TagWS, "close connection %s: %v", conn.ID(), err)
	}
}

// Counts exposes the number of accounts with live connections and the
// number of connections.
func (h *Hub) Counts() (accounts int, connections int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, set := range h.accounts {
		connections += len(set)
	}
	return len(h.accounts), connections
}
