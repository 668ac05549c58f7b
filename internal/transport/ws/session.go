package ws

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"m-sync-go/internal/domain/auth/model"
	"m-sync-go/internal/platform/logging"
	"m-sync-go/internal/protocol"
)

// Verifier checks a bearer credential.
type Verifier interface {
	Verify(ctx context.Context, token string) (model.Credential, error)
}

// HistoryReader answers getHistory frames.
type HistoryReader interface {
	Latest(ctx context.Context, accountID string, limit int) ([]protocol.Message, error)
}

// reader is the read side of a gorilla websocket connection.
type reader interface {
	ReadMessage() (messageType int, p []byte, err error)
}

// Session runs the inbound side of one connection: it reads frames, marks
// the connection alive and answers requests.
type Session struct {
	conn     *Connection
	reader   reader
	verifier Verifier
	history  HistoryReader
	logger   *logging.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	closed atomic.Bool
}

// NewSession constructs a managed websocket session.
func NewSession(parent context.Context, conn *Connection, rd reader, verifier Verifier, history HistoryReader, logger *logging.Logger) *Session {
	sessionCtx, cancel := context.WithCancelCause(parent)
	return &Session{
		conn:     conn,
		reader:   rd,
		verifier: verifier,
		history:  history,
		logger:   logger,
		ctx:      sessionCtx,
		cancel:   cancel,
	}
}

// Context returns the session context.
func (s *Session) Context() context.Context {
	return s.ctx
}

// ID exposes the connection identifier.
func (s *Session) ID() string {
	return s.conn.ID()
}

// Run reads until the transport fails and invokes onDone once exiting. A
// normal close by the peer is reported as a nil error.
func (s *Session) Run(onDone func(error)) {
	var runErr error
	defer func() {
		s.Close(runErr)
		if onDone != nil {
			onDone(runErr)
		}
	}()

	for {
		_, payload, err := s.reader.ReadMessage()
		if err != nil {
			if !s.conn.IsClosed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				runErr = err
			}
			return
		}
		s.conn.MarkAlive()

		frame, err := protocol.Decode(payload)
		if err != nil {
			s.logger.DebugTag(logging.TagWS, "ignoring malformed frame on %s: %v", s.ID(), err)
			continue
		}
		s.dispatch(frame)
	}
}

func (s *Session) dispatch(frame protocol.Frame) {
	var reply protocol.Frame
	switch frame.Type {
	case protocol.TypePing:
		reply = protocol.Frame{Type: protocol.TypePong, ID: frame.ID}
	case protocol.TypePong:
		return
	case protocol.TypeGetHistory:
		reply = s.handleHistory(frame)
	case protocol.TypeGetTokenInfo:
		reply = protocol.MustFrame(protocol.TypeTokenInfo, frame.ID, s.conn.Credential().Info())
	case protocol.TypeReauthenticate:
		reply = s.handleReauthenticate(frame)
	default:
		reply = protocol.ErrorFrame(frame.ID, "unknown frame type: "+frame.Type)
	}

	if err := s.conn.Send(reply); err != nil {
		s.logger.DebugTag(logging.TagWS, "reply %s on %s failed: %v", reply.Type, s.ID(), err)
	}
}

func (s *Session) handleHistory(frame protocol.Frame) protocol.Frame {
	if !s.conn.Credential().Has(model.CapabilityRead) {
		return protocol.ErrorFrame(frame.ID, "credential lacks read capability")
	}
	if s.history == nil {
		return protocol.ErrorFrame(frame.ID, "history unavailable")
	}

	var req protocol.HistoryRequest
	if len(frame.Data) > 0 {
		if err := frame.Bind(&req); err != nil {
			return protocol.ErrorFrame(frame.ID, "invalid history request")
		}
	}

	messages, err := s.history.Latest(s.ctx, s.conn.AccountID(), req.Limit)
	if err != nil {
		s.logger.WarnTag(logging.TagWS, "history for account %s failed: %v", s.conn.AccountID(), err)
		return protocol.ErrorFrame(frame.ID, "history unavailable")
	}
	if messages == nil {
		messages = []protocol.Message{}
	}
	return protocol.MustFrame(protocol.TypeHistory, frame.ID, protocol.History{Messages: messages})
}

func (s *Session) handleReauthenticate(frame protocol.Frame) protocol.Frame {
	var req protocol.ReauthenticateRequest
	if err := frame.Bind(&req); err != nil || req.Token == "" {
		return protocol.ErrorFrame(frame.ID, "reauthenticate requires a token")
	}

	cred, err := s.verifier.Verify(s.ctx, req.Token)
	if err != nil {
		return protocol.ErrorFrame(frame.ID, "credential rejected: "+err.Error())
	}
	if cred.AccountID != s.conn.AccountID() {
		return protocol.ErrorFrame(frame.ID, "credential belongs to another account")
	}

	previous := s.conn.CredentialID()
	s.conn.SetCredential(cred)
	s.logger.InfoTag(logging.TagWS, "connection %s reauthenticated %s -> %s", s.ID(), previous, cred.ID)
	return protocol.MustFrame(protocol.TypeReauthenticated, frame.ID, protocol.Reauthenticated{TokenInfo: cred.Info()})
}

// Close cancels the session context and closes the connection.
func (s *Session) Close(reason error) {
	if reason == nil {
		reason = ErrSessionShutdown
	}
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.cancel(reason)

	code := websocket.CloseNormalClosure
	if !errors.Is(reason, ErrSessionShutdown) {
		code = websocket.CloseInternalServerErr
	}
	if err := s.conn.Close(code, ""); err != nil {
		s.logger.DebugTag(logging.TagWS, "session %s connection close failed: %v", s.ID(), err)
	}
}
