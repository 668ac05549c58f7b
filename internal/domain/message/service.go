// Package message validates, stores and fans out published messages.
package message

import (
	"context"
	"time"

	"github.com/google/uuid"

	"m-sync-go/internal/domain/eventbus"
	platformerrors "m-sync-go/internal/platform/errors"
	"m-sync-go/internal/platform/observability"
	"m-sync-go/internal/protocol"
)

// Repository keeps the bounded per-account history.
type Repository interface {
	Save(ctx context.Context, accountID string, m protocol.Message) error
	Latest(ctx context.Context, accountID string, limit int) ([]protocol.Message, error)
	Prune(ctx context.Context, accountID string, keep int) (int64, error)
}

// Broadcaster pushes a frame to every live connection of an account and
// reports how many accepted it.
type Broadcaster interface {
	Broadcast(ctx context.Context, accountID string, frame protocol.Frame) int
}

// Logger is the logging contract of the message domain.
type Logger interface {
	Info(format string, args ...any)
	Warn(format string, args ...any)
}

// Options configures a Service.
type Options struct {
	Repository      Repository
	Broadcaster     Broadcaster
	Events          eventbus.Publisher
	Logger          Logger
	MaxContentBytes int
	HistoryLimit    int
	Retention       int
}

// PublishRequest is one message submitted by a credential holder.
type PublishRequest struct {
	AccountID    string
	CredentialID string
	Type         string
	Content      string
}

// Service publishes messages and answers history queries.
type Service struct {
	repo        Repository
	broadcaster Broadcaster
	events      eventbus.Publisher
	logger      Logger
	maxContent  int
	historyMax  int
	retention   int
	now         func() time.Time
}

// NewService builds a message service.
func NewService(opts Options) *Service {
	events := opts.Events
	if events == nil {
		events = eventbus.Nop{}
	}
	historyMax := opts.HistoryLimit
	if historyMax <= 0 {
		historyMax = 50
	}
	return &Service{
		repo:        opts.Repository,
		broadcaster: opts.Broadcaster,
		events:      events,
		logger:      opts.Logger,
		maxContent:  opts.MaxContentBytes,
		historyMax:  historyMax,
		retention:   opts.Retention,
		now:         time.Now,
	}
}

// Publish validates and stores the message, then broadcasts it to the
// account. It returns the stored message and the number of connections that
// accepted the frame.
func (s *Service) Publish(ctx context.Context, req PublishRequest) (msg protocol.Message, delivered int, err error) {
	ctx, end := observability.StartSpan(ctx, "message", "publish")
	defer func() { end(err) }()

	typ, err := protocol.ParseMessageType(req.Type)
	if err != nil {
		return protocol.Message{}, 0, err
	}
	msg = protocol.Message{
		ID:           uuid.NewString(),
		Type:         typ,
		Content:      req.Content,
		CreatedAt:    s.now().UTC(),
		CredentialID: req.CredentialID,
	}
	if err = msg.Validate(s.maxContent); err != nil {
		return protocol.Message{}, 0, err
	}

	if s.repo != nil {
		if err = s.repo.Save(ctx, req.AccountID, msg); err != nil {
			return protocol.Message{}, 0, err
		}
		if s.retention > 0 {
			if _, pruneErr := s.repo.Prune(ctx, req.AccountID, s.retention); pruneErr != nil && s.logger != nil {
				s.logger.Warn("prune history for account %s: %v", req.AccountID, pruneErr)
			}
		}
	}

	frame, err := protocol.NewFrame(protocol.TypeMessage, "", msg)
	if err != nil {
		return protocol.Message{}, 0, platformerrors.Wrap(platformerrors.KindDomain, "message.publish", "encode frame", err)
	}
	if s.broadcaster != nil {
		delivered = s.broadcaster.Broadcast(ctx, req.AccountID, frame)
	}

	observability.MessagesPublished.WithLabelValues(string(msg.Type)).Inc()
	s.events.Publish(eventbus.EventMessagePublished, eventbus.MessageEventData{
		AccountID:    req.AccountID,
		MessageID:    msg.ID,
		Type:         string(msg.Type),
		CredentialID: req.CredentialID,
		Delivered:    delivered,
		At:           msg.CreatedAt,
	})
	return msg, delivered, nil
}

// Latest returns up to limit messages of the account, newest first. The
// limit is clamped to [1, HistoryLimit].
func (s *Service) Latest(ctx context.Context, accountID string, limit int) ([]protocol.Message, error) {
	if limit <= 0 || limit > s.historyMax {
		limit = s.historyMax
	}
	if s.repo == nil {
		return []protocol.Message{}, nil
	}
	return s.repo.Latest(ctx, accountID, limit)
}
