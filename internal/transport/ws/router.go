package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"m-sync-go/internal/domain/auth/model"
	"m-sync-go/internal/domain/eventbus"
	"m-sync-go/internal/platform/logging"
	"m-sync-go/internal/platform/observability"
	"m-sync-go/internal/protocol"
)

// Identity is the verified caller of an upgrade request.
type Identity struct {
	Credential model.Credential
	RemoteAddr string
}

// Router upgrades authenticated HTTP requests to websocket sessions.
type Router struct {
	hub      *Hub
	verifier Verifier
	history  HistoryReader
	events   eventbus.Publisher
	logger   *logging.Logger

	upgrader         *websocket.Upgrader
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	readLimit        int64
}

// RouterOptions configures the websocket router.
type RouterOptions struct {
	Verifier         Verifier
	History          HistoryReader
	Events           eventbus.Publisher
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	CheckOrigin      func(r *http.Request) bool
}

// NewRouter constructs a websocket router.
func NewRouter(hub *Hub, logger *logging.Logger, opts RouterOptions) *Router {
	if logger == nil {
		logger = logging.Discard()
	}
	upgrader := &websocket.Upgrader{
		CheckOrigin: opts.CheckOrigin,
	}
	if upgrader.CheckOrigin == nil {
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}

	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	upgrader.HandshakeTimeout = timeout

	events := opts.Events
	if events == nil {
		events = eventbus.Nop{}
	}

	return &Router{
		hub:              hub,
		verifier:         opts.Verifier,
		history:          opts.History,
		events:           events,
		logger:           logger,
		upgrader:         upgrader,
		handshakeTimeout: timeout,
		writeTimeout:     opts.WriteTimeout,
		readLimit:        opts.ReadLimit,
	}
}

// ExtractCredential returns the bearer credential of a request. The
// Authorization header takes precedence over the token query parameter.
func ExtractCredential(req *http.Request) string {
	if header := req.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return req.URL.Query().Get("token")
}

// VerifyUpgrade authenticates an upgrade request before any upgrade happens.
func (r *Router) VerifyUpgrade(req *http.Request) (Identity, error) {
	token := ExtractCredential(req)
	if token == "" {
		return Identity{}, ErrMissingCredential
	}
	cred, err := r.verifier.Verify(req.Context(), token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Credential: cred, RemoteAddr: req.RemoteAddr}, nil
}

// Handle verifies the caller, upgrades the connection, registers it and
// starts its session.
func (r *Router) Handle(w http.ResponseWriter, req *http.Request) {
	handshakeCtx, cancel := context.WithTimeoutCause(req.Context(), r.handshakeTimeout, ErrHandshakeTimeout)
	defer cancel()
	req = req.WithContext(handshakeCtx)

	_, spanEnd := observability.StartSpan(handshakeCtx, "transport.websocket", "handle")
	var spanErr error
	defer func() {
		spanEnd(spanErr)
	}()

	identity, err := r.VerifyUpgrade(req)
	if err != nil {
		spanErr = err
		observability.AuthRejections.WithLabelValues("ws").Inc()
		r.logger.WarnTag(logging.TagWS, "upgrade from %s rejected: %v", req.RemoteAddr, err)
		w.Header().Set("WWW-Authenticate", `Bearer realm="m-sync"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	socket, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		spanErr = err
		r.logger.ErrorTag(logging.TagWS, "handshake failed: %v", err)
		return
	}
	if r.readLimit > 0 {
		socket.SetReadLimit(r.readLimit)
	}

	conn := NewConnection(uuid.NewString(), socket, identity.Credential, r.writeTimeout)
	socket.SetPongHandler(func(string) error {
		conn.MarkAlive()
		return nil
	})

	established := protocol.MustFrame(protocol.TypeConnectionEstablished, "", conn.Established())
	err = conn.Establish(established, func() { r.hub.Register(conn) })
	observability.ConnectionsTotal.Inc()
	if err != nil {
		spanErr = err
		r.hub.Unregister(conn)
		_ = conn.Close(0, "")
		r.logger.WarnTag(logging.TagWS, "connection_established to %s failed: %v", conn.ID(), err)
		return
	}

	cred := conn.Credential()
	r.logger.InfoTag(logging.TagWS, "connection %s opened account=%s credential=%s device=%s",
		conn.ID(), cred.AccountID, cred.ID, cred.DeviceType)
	r.events.Publish(eventbus.EventConnectionOpened, eventbus.ConnectionEventData{
		ConnectionID: conn.ID(),
		AccountID:    cred.AccountID,
		CredentialID: cred.ID,
		DeviceType:   cred.DeviceType,
		At:           conn.ConnectedAt(),
	})

	session := NewSession(context.WithoutCancel(handshakeCtx), conn, socket, r.verifier, r.history, r.logger)
	go session.Run(func(runErr error) {
		r.hub.Unregister(conn)
		reason := "closed"
		if runErr != nil {
			reason = runErr.Error()
			r.logger.WarnTag(logging.TagWS, "session %s ended abnormally: %v", conn.ID(), runErr)
		} else {
			r.logger.InfoTag(logging.TagWS, "connection %s closed", conn.ID())
		}
		r.events.Publish(eventbus.EventConnectionClosed, eventbus.ConnectionEventData{
			ConnectionID: conn.ID(),
			AccountID:    conn.AccountID(),
			CredentialID: conn.CredentialID(),
			DeviceType:   cred.DeviceType,
			Reason:       reason,
			At:           time.Now().UTC(),
		})
	})
}
