// Package accessqueue serialises operations against one exclusive resource.
// Operations run one at a time in submission order on a single drain
// goroutine; each attempt is bounded by a timeout and failed attempts are
// retried with a linearly growing delay.
package accessqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	platformerrors "m-sync-go/internal/platform/errors"
	"m-sync-go/internal/platform/observability"
)

var (
	// ErrRetriesExhausted wraps the last error of an operation that failed
	// every attempt. It matches platformerrors.ErrResourceOperation.
	ErrRetriesExhausted = fmt.Errorf("%w: retries exhausted", platformerrors.ErrResourceOperation)
	// ErrQueueCleared fails operations still pending when Clear is called.
	ErrQueueCleared = errors.New("access queue cleared")
	// ErrQueueClosed fails operations submitted to or pending in a closed queue.
	ErrQueueClosed = errors.New("access queue closed")
)

const (
	defaultTimeout    = 5 * time.Second
	defaultMaxRetries = 3
	defaultBaseDelay  = 100 * time.Millisecond
)

// Operation is one unit of work against the guarded resource. It must
// honour ctx, which carries the per-attempt deadline.
type Operation func(ctx context.Context) (any, error)

// Logger is the logging contract of the queue.
type Logger interface {
	Debug(format string, args ...any)
	Warn(format string, args ...any)
}

// Options tunes a Queue. Zero values take the defaults.
type Options struct {
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// MaxRetries is the total number of attempts per operation.
	MaxRetries int
	// BaseDelay is multiplied by the attempt number to get the pause
	// before the next attempt.
	BaseDelay time.Duration
	Logger    Logger
}

// Result is the settled outcome of a submitted operation.
type Result struct {
	Value any
	Err   error
}

type entry struct {
	ctx    context.Context
	label  string
	op     Operation
	result chan Result
}

// Queue is a FIFO of operations drained by one goroutine.
type Queue struct {
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	logger     Logger

	mu      sync.Mutex
	pending []*entry
	closed  bool
	wake    chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	closeOne sync.Once

	// stray is closed when the most recent attempt has returned. A timed
	// out attempt may still be running; the next one waits for it at most
	// one timeout and otherwise fails without starting.
	stray chan struct{}
}

// New creates a queue and starts its drain goroutine.
func New(opts Options) *Queue {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		logger:     opts.Logger,
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go q.drain()
	return q
}

// Enqueue appends op and blocks until it has settled. It returns the
// operation's value, the wrapped last error after all attempts failed,
// ErrQueueCleared, ErrQueueClosed, or ctx's error if the caller gives up
// first. A cancelled caller's operation is skipped if it has not started.
func (q *Queue) Enqueue(ctx context.Context, label string, op Operation) (any, error) {
	result := q.Submit(ctx, label, op)
	select {
	case out := <-result:
		return out.Value, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit appends op without waiting. The returned channel receives exactly
// one Result once the operation settles. Submission order is execution
// order, so callers that must not block can still rely on FIFO.
func (q *Queue) Submit(ctx context.Context, label string, op Operation) <-chan Result {
	result := make(chan Result, 1)
	if op == nil {
		result <- Result{Err: fmt.Errorf("access queue: nil operation %q", label)}
		return result
	}
	e := &entry{ctx: ctx, label: label, op: op, result: result}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		result <- Result{Err: ErrQueueClosed}
		return result
	}
	q.pending = append(q.pending, e)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return result
}

// Do is Enqueue for operations with a typed result.
func Do[T any](ctx context.Context, q *Queue, label string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	value, err := q.Enqueue(ctx, label, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		return zero, err
	}
	return doTyped[T](value, label)
}

func doTyped[T any](value any, label string) (T, error) {
	var zero T
	if value == nil {
		return zero, nil
	}
	typed, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("access queue: %s returned %T, want %T", label, value, zero)
	}
	return typed, nil
}

// Len returns the number of operations waiting to start.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Clear fails every pending operation with ErrQueueCleared. The operation
// in flight, if any, is not interrupted.
func (q *Queue) Clear() int {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, e := range pending {
		e.result <- Result{Err: ErrQueueCleared}
	}
	if len(pending) > 0 {
		observability.QueueOperations.WithLabelValues("cleared").Add(float64(len(pending)))
		q.logger.Warn("cleared %d pending operations", len(pending))
	}
	return len(pending)
}

// Close stops the drain goroutine and fails pending operations with
// ErrQueueClosed. The attempt in flight sees its context cancelled.
func (q *Queue) Close() {
	q.closeOne.Do(func() {
		q.mu.Lock()
		q.closed = true
		pending := q.pending
		q.pending = nil
		q.mu.Unlock()

		q.cancel()
		<-q.done

		for _, e := range pending {
			e.result <- Result{Err: ErrQueueClosed}
		}
	})
}

func (q *Queue) next() *entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	e := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return e
}

func (q *Queue) drain() {
	defer close(q.done)
	for {
		e := q.next()
		if e == nil {
			select {
			case <-q.wake:
				continue
			case <-q.ctx.Done():
				return
			}
		}
		if err := e.ctx.Err(); err != nil {
			observability.QueueOperations.WithLabelValues("abandoned").Inc()
			e.result <- Result{Err: err}
			continue
		}

		value, err := q.execute(e)
		if q.ctx.Err() != nil && err != nil {
			err = ErrQueueClosed
		}
		switch {
		case err == nil:
			observability.QueueOperations.WithLabelValues("succeeded").Inc()
		case errors.Is(err, ErrRetriesExhausted):
			observability.QueueOperations.WithLabelValues("failed").Inc()
		}
		e.result <- Result{Value: value, Err: err}
	}
}

// execute runs every attempt of e. Only the drain goroutine calls it.
func (q *Queue) execute(e *entry) (any, error) {
	var lastErr error
	for attempt := 1; attempt <= q.maxRetries; attempt++ {
		value, err := q.attempt(e)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if q.ctx.Err() != nil {
			return nil, lastErr
		}
		q.logger.Debug("%s attempt %d/%d failed: %v", e.label, attempt, q.maxRetries, err)

		if attempt == q.maxRetries {
			break
		}
		delay := q.baseDelay * time.Duration(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-q.ctx.Done():
			timer.Stop()
			return nil, lastErr
		}
	}

	q.logger.Warn("%s failed after %d attempts: %v", e.label, q.maxRetries, lastErr)
	return nil, fmt.Errorf("%s: %w after %d attempts: %w", e.label, ErrRetriesExhausted, q.maxRetries, lastErr)
}

func (q *Queue) attempt(e *entry) (any, error) {
	if q.stray != nil {
		wait := time.NewTimer(q.timeout)
		select {
		case <-q.stray:
			wait.Stop()
		case <-wait.C:
			return nil, fmt.Errorf("previous attempt still running after %s: %w", q.timeout, context.DeadlineExceeded)
		case <-q.ctx.Done():
			wait.Stop()
			return nil, ErrQueueClosed
		}
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), q.timeout)
	defer cancel()
	stop := context.AfterFunc(q.ctx, cancel)
	defer stop()

	finished := make(chan struct{})
	results := make(chan Result, 1)
	q.stray = finished
	go func() {
		defer close(finished)
		value, err := e.op(ctx)
		results <- Result{Value: value, Err: err}
	}()

	select {
	case out := <-results:
		return out.Value, out.Err
	case <-ctx.Done():
		select {
		case out := <-results:
			return out.Value, out.Err
		default:
		}
		return nil, fmt.Errorf("attempt timed out after %s: %w", q.timeout, ctx.Err())
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
