// Package connection keeps one authenticated websocket session to the
// broker alive. A Machine reconnects with exponential backoff, correlates
// request/response frames and reports coarse signals to an Observer.
package connection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	platformerrors "m-sync-go/internal/platform/errors"
	"m-sync-go/internal/protocol"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultBaseDelay         = 5 * time.Second
	defaultMaxAttempts       = 10
	defaultRequestTimeout    = 10 * time.Second
	inboundChanSize          = 64
)

var (
	// ErrNotConnected fails requests made without an authenticated session
	// and requests still pending when the session closes.
	ErrNotConnected = fmt.Errorf("%w: not connected", platformerrors.ErrTransportFailure)
	// ErrGaveUp is returned by Run after the reconnect budget is spent.
	ErrGaveUp = errors.New("gave up reconnecting")
	// ErrRequestRejected wraps an error frame answering a request.
	ErrRequestRejected = errors.New("request rejected by broker")
	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.New("connection machine already running")
)

// CredentialSource supplies bearer credentials.
type CredentialSource interface {
	Credential(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// Observer receives the machine's signals. Methods run on the event loop
// and must not block.
type Observer interface {
	Connected(identity protocol.Established)
	Disconnected(err error)
	Reconnecting(attempt int, delay time.Duration)
	GaveUp(err error)
	Message(frame protocol.Frame)
}

// NopObserver ignores every signal. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) Connected(protocol.Established)  {}
func (NopObserver) Disconnected(error)              {}
func (NopObserver) Reconnecting(int, time.Duration) {}
func (NopObserver) GaveUp(error)                    {}
func (NopObserver) Message(protocol.Frame)          {}

// Logger is the logging contract of the connection package.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
}

// Options configures a Machine.
type Options struct {
	URL               string
	TokenInQuery      bool
	HeartbeatInterval time.Duration
	// BaseDelay is the wait before the first reconnect; it doubles per attempt.
	BaseDelay      time.Duration
	MaxAttempts    int
	RequestTimeout time.Duration
	Dialer         Dialer
	Observer       Observer
	Logger         Logger
	// Sleep waits between attempts. It returns early with ctx's error.
	Sleep func(ctx context.Context, d time.Duration) error
}

type response struct {
	frame protocol.Frame
	err   error
}

type request struct {
	frame    protocol.Frame
	deadline time.Time
	reply    chan response
}

type session struct {
	requests chan *request
	done     chan struct{}
}

type inboundMsg struct {
	data []byte
	err  error
}

// Machine is the client connection state machine.
type Machine struct {
	opts    Options
	creds   CredentialSource
	backoff *backoff.ExponentialBackOff

	state   atomic.Int32
	running atomic.Bool

	mu       sync.Mutex
	current  *session
	identity protocol.Established
}

// New validates opts and creates an idle Machine.
func New(creds CredentialSource, opts Options) (*Machine, error) {
	if creds == nil {
		return nil, errors.New("connection machine requires a credential source")
	}
	if opts.URL == "" {
		return nil, errors.New("connection machine requires a websocket URL")
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, fmt.Errorf("websocket URL: %w", err)
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = NewWebsocketDialer(opts.RequestTimeout)
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	b.Reset()

	return &Machine{opts: opts, creds: creds, backoff: b}, nil
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// Identity returns the connection_established payload of the live session.
func (m *Machine) Identity() (protocol.Established, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity, m.current != nil
}

func (m *Machine) setState(s State) {
	prev := State(m.state.Swap(int32(s)))
	if prev != s {
		m.opts.Logger.Debug("connection state %s -> %s", prev, s)
	}
}

// Run connects and keeps reconnecting until ctx is done (returns nil), the
// reconnect budget is spent (ErrGaveUp) or credentials cannot be obtained
// (platformerrors.ErrAuthFailure). The machine ends in StateStopped.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.running.Store(false)
	defer m.setState(StateStopped)

	m.backoff.Reset()
	attempt := 0
	forceRefresh := false

	for {
		if ctx.Err() != nil {
			return nil
		}

		established, err := m.attempt(ctx, forceRefresh)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, platformerrors.ErrAuthFailure) {
			m.opts.Logger.Warn("cannot obtain a credential: %v", err)
			m.opts.Observer.GaveUp(err)
			return err
		}
		if established {
			attempt = 0
			m.backoff.Reset()
			m.opts.Observer.Disconnected(err)
		}
		forceRefresh = errors.Is(err, platformerrors.ErrAuthRejected)

		attempt++
		if attempt > m.opts.MaxAttempts {
			final := fmt.Errorf("%w after %d attempts: %w", ErrGaveUp, m.opts.MaxAttempts, err)
			m.opts.Logger.Warn("%v", final)
			m.opts.Observer.GaveUp(final)
			return final
		}

		delay := m.backoff.NextBackOff()
		m.setState(StateBackoff)
		m.opts.Logger.Info("reconnecting in %s (attempt %d/%d): %v", delay, attempt, m.opts.MaxAttempts, err)
		m.opts.Observer.Reconnecting(attempt, delay)
		if err := m.opts.Sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// attempt performs one connect and, when the broker accepts it, serves the
// session until it closes.
func (m *Machine) attempt(ctx context.Context, forceRefresh bool) (bool, error) {
	m.setState(StateConnecting)

	var (
		token string
		err   error
	)
	if forceRefresh {
		token, err = m.creds.ForceRefresh(ctx)
	} else {
		token, err = m.creds.Credential(ctx)
	}
	if err != nil {
		return false, err
	}

	conn, err := m.dial(ctx, token)
	if err != nil {
		return false, err
	}
	return m.serve(ctx, conn)
}

func (m *Machine) dial(ctx context.Context, token string) (Conn, error) {
	target := m.opts.URL
	if m.opts.TokenInQuery {
		u, err := url.Parse(target)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
		target = u.String()
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := m.opts.Dialer.Dial(ctx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, platformerrors.Mark(platformerrors.ErrAuthRejected,
				fmt.Errorf("handshake rejected with %d", resp.StatusCode))
		}
		return nil, platformerrors.Mark(platformerrors.ErrTransportFailure, fmt.Errorf("dial %s: %w", m.opts.URL, err))
	}
	return conn, nil
}

// serve is the single event loop of one transport. It is the only writer
// to conn.
func (m *Machine) serve(ctx context.Context, conn Conn) (established bool, err error) {
	connCtx, cancel := context.WithCancel(ctx)
	inbound := startReader(connCtx, conn)
	sess := &session{requests: make(chan *request), done: make(chan struct{})}
	pending := make(map[string]*request)

	heartbeat := time.NewTicker(m.opts.HeartbeatInterval)
	handshake := time.NewTimer(m.opts.RequestTimeout)
	defer func() {
		heartbeat.Stop()
		handshake.Stop()
		m.mu.Lock()
		m.current = nil
		m.mu.Unlock()
		close(sess.done)
		for id, req := range pending {
			req.reply <- response{err: ErrNotConnected}
			delete(pending, id)
		}
		cancel()
		_ = conn.Close()
	}()

	write := func(f protocol.Frame) error {
		raw, err := protocol.Encode(f)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return platformerrors.Mark(platformerrors.ErrTransportFailure, fmt.Errorf("write %s: %w", f.Type, err))
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			m.setState(StateClosing)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client shutdown")
			_ = conn.WriteMessage(websocket.CloseMessage, msg)
			return established, ctx.Err()

		case msg := <-inbound:
			if msg.err != nil {
				m.setState(StateClosing)
				return established, classifyClose(msg.err)
			}
			frame, err := protocol.Decode(msg.data)
			if err != nil {
				m.opts.Logger.Debug("ignoring malformed frame: %v", err)
				continue
			}
			if !established {
				if frame.Type != protocol.TypeConnectionEstablished {
					continue
				}
				var identity protocol.Established
				if err := frame.Bind(&identity); err != nil {
					return false, platformerrors.Mark(platformerrors.ErrTransportFailure, err)
				}
				established = true
				handshake.Stop()
				m.mu.Lock()
				m.current = sess
				m.identity = identity
				m.mu.Unlock()
				m.setState(StateAuthenticated)
				m.opts.Logger.Info("connected as %s (connection %s)", identity.AccountID, identity.ConnectionID)
				m.opts.Observer.Connected(identity)
				continue
			}
			m.route(frame, pending)

		case req := <-sess.requests:
			if err := write(req.frame); err != nil {
				req.reply <- response{err: err}
				m.setState(StateClosing)
				return established, err
			}
			pending[req.frame.ID] = req

		case now := <-heartbeat.C:
			for id, req := range pending {
				if now.After(req.deadline) {
					delete(pending, id)
				}
			}
			if established {
				if err := write(protocol.Frame{Type: protocol.TypePing}); err != nil {
					m.setState(StateClosing)
					return established, err
				}
			}

		case <-handshake.C:
			if !established {
				m.setState(StateClosing)
				return false, platformerrors.Mark(platformerrors.ErrTransportFailure,
					fmt.Errorf("no connection_established within %s", m.opts.RequestTimeout))
			}
		}
	}
}

func (m *Machine) route(frame protocol.Frame, pending map[string]*request) {
	if frame.ID != "" {
		if req, ok := pending[frame.ID]; ok {
			delete(pending, frame.ID)
			req.reply <- response{frame: frame}
			return
		}
	}
	switch frame.Type {
	case protocol.TypeMessage:
		m.opts.Observer.Message(frame)
	case protocol.TypePong:
	case protocol.TypeError:
		var data protocol.ErrorData
		_ = frame.Bind(&data)
		m.opts.Logger.Warn("broker reported error: %s", data.Reason)
	default:
		m.opts.Logger.Debug("ignoring unmatched %s frame", frame.Type)
	}
}

// Request sends a frame of type typ and waits for the frame answering it.
// It fails with ErrNotConnected outside an authenticated session and with
// platformerrors.ErrRequestTimeout after the request timeout.
func (m *Machine) Request(ctx context.Context, typ string, data any) (protocol.Frame, error) {
	m.mu.Lock()
	sess := m.current
	m.mu.Unlock()
	if sess == nil {
		return protocol.Frame{}, ErrNotConnected
	}

	frame, err := protocol.NewFrame(typ, uuid.NewString(), data)
	if err != nil {
		return protocol.Frame{}, err
	}
	req := &request{
		frame:    frame,
		deadline: time.Now().Add(m.opts.RequestTimeout),
		reply:    make(chan response, 1),
	}

	timer := time.NewTimer(m.opts.RequestTimeout)
	defer timer.Stop()
	timedOut := func() error {
		return platformerrors.Mark(platformerrors.ErrRequestTimeout,
			fmt.Errorf("%s request %s: no response after %s", typ, frame.ID, m.opts.RequestTimeout))
	}

	select {
	case sess.requests <- req:
	case <-sess.done:
		return protocol.Frame{}, ErrNotConnected
	case <-timer.C:
		return protocol.Frame{}, timedOut()
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		if res.err != nil {
			return protocol.Frame{}, res.err
		}
		if res.frame.Type == protocol.TypeError {
			var data protocol.ErrorData
			_ = res.frame.Bind(&data)
			return protocol.Frame{}, fmt.Errorf("%w: %s", ErrRequestRejected, data.Reason)
		}
		return res.frame, nil
	case <-timer.C:
		return protocol.Frame{}, timedOut()
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

// Reauthenticate swaps the credential of the live session in place.
func (m *Machine) Reauthenticate(ctx context.Context, token string) (protocol.TokenInfo, error) {
	frame, err := m.Request(ctx, protocol.TypeReauthenticate, protocol.ReauthenticateRequest{Token: token})
	if err != nil {
		return protocol.TokenInfo{}, err
	}
	var out protocol.Reauthenticated
	if err := frame.Bind(&out); err != nil {
		return protocol.TokenInfo{}, err
	}
	return out.TokenInfo, nil
}

// History asks the broker for up to limit recent messages over the session.
func (m *Machine) History(ctx context.Context, limit int) ([]protocol.Message, error) {
	frame, err := m.Request(ctx, protocol.TypeGetHistory, protocol.HistoryRequest{Limit: limit})
	if err != nil {
		return nil, err
	}
	var out protocol.History
	if err := frame.Bind(&out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// TokenInfo asks the broker which credential the session is bound to.
func (m *Machine) TokenInfo(ctx context.Context) (protocol.TokenInfo, error) {
	frame, err := m.Request(ctx, protocol.TypeGetTokenInfo, nil)
	if err != nil {
		return protocol.TokenInfo{}, err
	}
	var out protocol.TokenInfo
	if err := frame.Bind(&out); err != nil {
		return protocol.TokenInfo{}, err
	}
	return out, nil
}

// startReader pumps conn into a channel until a read fails. The failure is
// delivered as the final message.
func startReader(ctx context.Context, conn Conn) <-chan inboundMsg {
	ch := make(chan inboundMsg, inboundChanSize)
	go func() {
		for {
			typ, data, err := conn.ReadMessage()
			if err == nil && typ != websocket.TextMessage {
				continue
			}
			select {
			case ch <- inboundMsg{data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

// classifyClose maps a read failure to the error taxonomy. Policy and
// revocation close codes count as an auth rejection.
func classifyClose(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case protocol.ClosePolicyViolation, protocol.CloseCredentialRevoked:
			return platformerrors.Mark(platformerrors.ErrAuthRejected, err)
		}
	}
	return platformerrors.Mark(platformerrors.ErrTransportFailure, err)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
