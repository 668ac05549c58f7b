package clipboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"m-sync-go/internal/client/accessqueue"
	platformerrors "m-sync-go/internal/platform/errors"
)

type memoryClipboard struct {
	mu       sync.Mutex
	content  string
	writes   []string
	failures int
	delay    time.Duration
}

func (c *memoryClipboard) Write(text string) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return errors.New("clipboard busy")
	}
	c.content = text
	c.writes = append(c.writes, text)
	return nil
}

func (c *memoryClipboard) Read() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.content, nil
}

func newGuarded(t *testing.T, res Resource, opts accessqueue.Options) *Guarded {
	t.Helper()
	g := NewGuarded(res, opts)
	t.Cleanup(g.Close)
	return g
}

func TestGuarded_WritesLandInSubmissionOrder(t *testing.T) {
	res := &memoryClipboard{delay: 20 * time.Millisecond}
	g := newGuarded(t, res, accessqueue.Options{})

	first := g.SubmitWrite(context.Background(), "X")
	second := g.SubmitWrite(context.Background(), "Y")
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	text, err := g.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Y", text)
	assert.Equal(t, []string{"X", "Y"}, res.writes)
}

func TestGuarded_RetriesTransientFailures(t *testing.T) {
	res := &memoryClipboard{failures: 2}
	g := newGuarded(t, res, accessqueue.Options{MaxRetries: 3, BaseDelay: time.Millisecond})

	require.NoError(t, g.Write(context.Background(), "hello"))
	text, err := g.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestGuarded_PersistentFailureIsResourceOperationError(t *testing.T) {
	res := &memoryClipboard{failures: 10}
	g := newGuarded(t, res, accessqueue.Options{MaxRetries: 2, BaseDelay: time.Millisecond})

	err := g.Write(context.Background(), "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, platformerrors.ErrResourceOperation)
	assert.ErrorContains(t, err, "clipboard busy")
}

func TestGuarded_ClosedRejectsWrites(t *testing.T) {
	g := NewGuarded(&memoryClipboard{}, accessqueue.Options{})
	g.Close()

	err := g.Write(context.Background(), "late")
	assert.ErrorIs(t, err, accessqueue.ErrQueueClosed)
}
