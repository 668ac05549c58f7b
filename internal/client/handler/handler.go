// Package handler turns delivered message frames into local actions: the
// content goes to the clipboard and URLs may also open in the browser.
package handler

import (
	"context"
	"errors"
	"strings"

	"github.com/pkg/browser"

	"m-sync-go/internal/protocol"
)

// Clipboard accepts queued writes. clipboard.Guarded implements it.
type Clipboard interface {
	SubmitWrite(ctx context.Context, text string) <-chan error
}

// Logger is the logging contract of the handler.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
}

// Options configures a Handler.
type Options struct {
	Clipboard Clipboard
	// OpenURLs opens URL messages in the default browser after copying them.
	OpenURLs        bool
	Open            func(url string) error
	MaxContentBytes int
	Logger          Logger
}

// Handler executes delivered messages.
type Handler struct {
	clipboard Clipboard
	openURLs  bool
	open      func(string) error
	maxBytes  int
	logger    Logger
}

// New builds a Handler.
func New(opts Options) (*Handler, error) {
	if opts.Clipboard == nil {
		return nil, errors.New("message handler requires a clipboard")
	}
	if opts.Open == nil {
		opts.Open = browser.OpenURL
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	return &Handler{
		clipboard: opts.Clipboard,
		openURLs:  opts.OpenURLs,
		open:      opts.Open,
		maxBytes:  opts.MaxContentBytes,
		logger:    opts.Logger,
	}, nil
}

// Handle queues the action for a message frame and returns without waiting.
// Frames that are not valid messages are dropped and Handle returns nil.
// Otherwise the returned channel receives the action's error once it
// settles; failures are also logged.
func (h *Handler) Handle(ctx context.Context, frame protocol.Frame) <-chan error {
	if frame.Type != protocol.TypeMessage {
		return nil
	}
	var msg protocol.Message
	if err := frame.Bind(&msg); err != nil {
		h.logger.Debug("dropping undecodable message frame: %v", err)
		return nil
	}
	if err := msg.Validate(h.maxBytes); err != nil {
		h.logger.Debug("dropping message %s: %v", msg.ID, err)
		return nil
	}

	content := msg.Content
	if msg.Type == protocol.MessageURL {
		content = strings.TrimSpace(content)
	}
	written := h.clipboard.SubmitWrite(ctx, content)

	done := make(chan error, 1)
	go func() {
		err := <-written
		if err == nil && msg.Type == protocol.MessageURL && h.openURLs {
			err = h.open(content)
		}
		if err != nil {
			h.logger.Warn("could not complete action for message %s: %v", msg.ID, err)
		} else {
			h.logger.Info("applied %s message %s", msg.Type, msg.ID)
		}
		done <- err
	}()
	return done
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
