package queue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/autom8ter/docsync/errors"
)

const (
	DefaultInitialDelay  = time.Second
	DefaultBackoffFactor = 1.5
	DefaultMaxDelay      = 60 * time.Second
	// jitterFactor spreads each delay by up to half of it in either direction
	jitterFactor = 0.5
)

// ExponentialBackoff schedules retries on an AsyncQueue with exponentially growing, jittered delays.
// The first attempt after creation or Reset runs without delay.
type ExponentialBackoff struct {
	mu           sync.Mutex
	queue        *AsyncQueue
	timerID      TimerID
	initialDelay time.Duration
	maxDelay     time.Duration
	factor       float64
	currentBase  time.Duration
	lastAttempt  time.Time
	task         *DelayedTask
}

// NewExponentialBackoff returns a backoff whose tasks are scheduled with timerID
func NewExponentialBackoff(q *AsyncQueue, timerID TimerID, initialDelay time.Duration, factor float64, maxDelay time.Duration) *ExponentialBackoff {
	if initialDelay <= 0 {
		initialDelay = DefaultInitialDelay
	}
	if factor < 1 {
		factor = DefaultBackoffFactor
	}
	if maxDelay < initialDelay {
		maxDelay = initialDelay
	}
	return &ExponentialBackoff{
		queue:        q,
		timerID:      timerID,
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		factor:       factor,
		lastAttempt:  time.Now(),
	}
}

// Reset makes the next attempt run without delay
func (b *ExponentialBackoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentBase = 0
}

// ResetToMax makes the next attempt wait the maximum delay
func (b *ExponentialBackoff) ResetToMax() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentBase = b.maxDelay
}

// Cancel stops a scheduled attempt
func (b *ExponentialBackoff) Cancel() {
	b.mu.Lock()
	task := b.task
	b.task = nil
	b.mu.Unlock()
	if task != nil {
		task.Cancel()
	}
}

// nextDelay returns the delay before the next attempt and grows the base delay
func (b *ExponentialBackoff) nextDelay() time.Duration {
	jitter := time.Duration((rand.Float64() - 0.5) * 2 * jitterFactor * float64(b.currentBase))
	desired := b.currentBase + jitter
	remaining := desired - time.Since(b.lastAttempt)
	if remaining < 0 {
		remaining = 0
	}
	b.currentBase = time.Duration(float64(b.currentBase) * b.factor)
	if b.currentBase < b.initialDelay {
		b.currentBase = b.initialDelay
	}
	if b.currentBase > b.maxDelay {
		b.currentBase = b.maxDelay
	}
	return remaining
}

// BackoffAndRun cancels any scheduled attempt and schedules fn on the queue after the next delay
func (b *ExponentialBackoff) BackoffAndRun(fn func()) *DelayedTask {
	b.Cancel()
	b.mu.Lock()
	defer b.mu.Unlock()
	delay := b.nextDelay()
	b.task = b.queue.EnqueueAfterDelay(b.timerID, delay, func() {
		b.mu.Lock()
		b.lastAttempt = time.Now()
		b.mu.Unlock()
		fn()
	})
	return b.task
}

// Wait blocks until the next delay elapsed. It returns ErrShutdown if the queue is or gets shut down
// first. It must not be called from a task running on the queue.
func (b *ExponentialBackoff) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.CodeOf(err), "waiting to retry")
	}
	task := b.BackoffAndRun(func() {})
	select {
	case <-task.Done():
		if task.Cancelled() {
			if b.queue.IsShutdown() {
				return ErrShutdown
			}
			return errors.New(errors.Cancelled, "retry was cancelled")
		}
		return nil
	case <-ctx.Done():
		task.Cancel()
		return errors.Wrap(ctx.Err(), errors.CodeOf(ctx.Err()), "waiting to retry")
	}
}
