// Package clipboard exposes the system clipboard as an exclusive resource
// whose reads and writes go through an access queue.
package clipboard

import (
	"context"
	"errors"
	"fmt"

	"github.com/atotto/clipboard"

	"m-sync-go/internal/client/accessqueue"
)

// ErrUnsupported is returned on systems without a clipboard utility.
var ErrUnsupported = errors.New("clipboard is not supported on this system")

// Resource is the raw clipboard. Implementations need not be safe for
// concurrent use.
type Resource interface {
	Write(text string) error
	Read() (string, error)
}

// System is the operating system clipboard.
type System struct{}

func (System) Write(text string) error {
	if clipboard.Unsupported {
		return ErrUnsupported
	}
	return clipboard.WriteAll(text)
}

func (System) Read() (string, error) {
	if clipboard.Unsupported {
		return "", ErrUnsupported
	}
	return clipboard.ReadAll()
}

// Guarded serialises every access to a Resource through its own queue.
type Guarded struct {
	resource Resource
	queue    *accessqueue.Queue
}

// NewGuarded wraps resource with a queue built from opts.
func NewGuarded(resource Resource, opts accessqueue.Options) *Guarded {
	if resource == nil {
		resource = System{}
	}
	return &Guarded{resource: resource, queue: accessqueue.New(opts)}
}

// Write replaces the clipboard content and waits for the result.
func (g *Guarded) Write(ctx context.Context, text string) error {
	return <-g.SubmitWrite(ctx, text)
}

// SubmitWrite queues a write and returns at once. The channel receives the
// write's error, nil on success.
func (g *Guarded) SubmitWrite(ctx context.Context, text string) <-chan error {
	result := g.queue.Submit(ctx, "clipboard write", func(context.Context) (any, error) {
		if err := g.resource.Write(text); err != nil {
			return nil, fmt.Errorf("clipboard: %w", err)
		}
		return nil, nil
	})
	done := make(chan error, 1)
	go func() {
		select {
		case res := <-result:
			done <- res.Err
		case <-ctx.Done():
			done <- ctx.Err()
		}
	}()
	return done
}

// Read returns the current clipboard content.
func (g *Guarded) Read(ctx context.Context) (string, error) {
	return accessqueue.Do(ctx, g.queue, "clipboard read", func(context.Context) (string, error) {
		text, err := g.resource.Read()
		if err != nil {
			return "", fmt.Errorf("clipboard: %w", err)
		}
		return text, nil
	})
}

// Clear drops queued accesses that have not started.
func (g *Guarded) Clear() int {
	return g.queue.Clear()
}

// Close stops the queue.
func (g *Guarded) Close() {
	g.queue.Close()
}
