package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/autom8ter/machine/v4"

	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/logging"
)

// TimerID names a kind of delayed task so tests can run or skip it deterministically
type TimerID string

const (
	// TimerAll matches every timer in RunDelayedTasksUntil
	TimerAll                           TimerID = "all"
	TimerListenStreamIdle              TimerID = "listen_stream_idle"
	TimerListenStreamConnectionBackoff TimerID = "listen_stream_connection_backoff"
	TimerOnlineStateTimeout            TimerID = "online_state_timeout"
	TimerRetryTransaction              TimerID = "retry_transaction"
)

// ErrShutdown is returned when enqueueing onto a queue that was shut down
var ErrShutdown = errors.New(errors.Unavailable, "async queue is shut down")

// Option configures an AsyncQueue
type Option func(q *AsyncQueue)

// WithLogger sets the logger used to report panicking tasks
func WithLogger(logger logging.Logger) Option {
	return func(q *AsyncQueue) {
		q.logger = logger
	}
}

// AsyncQueue runs tasks one at a time, in the order they were enqueued, on a single goroutine
type AsyncQueue struct {
	mu      sync.Mutex
	tasks   []func()
	notify  chan struct{}
	delayed []*DelayedTask
	skip    map[TimerID]bool
	closed  bool
	machine machine.Machine
	cancel  context.CancelFunc
	logger  logging.Logger
}

// New starts a queue. The queue stops when ctx is cancelled or Shutdown is called.
func New(ctx context.Context, opts ...Option) *AsyncQueue {
	ctx, cancel := context.WithCancel(ctx)
	q := &AsyncQueue{
		notify:  make(chan struct{}, 1),
		skip:    map[TimerID]bool{},
		machine: machine.New(),
		cancel:  cancel,
		logger:  logging.Nop(),
	}
	for _, o := range opts {
		o(q)
	}
	q.machine.Go(ctx, q.run)
	return q
}

func (q *AsyncQueue) run(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-q.notify:
			}
			continue
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
		q.execute(ctx, task)
	}
}

func (q *AsyncQueue) execute(ctx context.Context, task func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error(ctx, "async queue task panicked", fmt.Errorf("%v", r), map[string]any{})
		}
	}()
	task()
}

func (q *AsyncQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue schedules fn to run after every task enqueued before it
func (q *AsyncQueue) Enqueue(fn func()) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrShutdown
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
	q.signal()
	return nil
}

// EnqueueAndWait enqueues fn and blocks until it ran or ctx is done. It must not be called from a
// task running on the queue.
func (q *AsyncQueue) EnqueueAndWait(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	if err := q.Enqueue(func() {
		done <- fn()
	}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.CodeOf(ctx.Err()), "waiting for async queue")
	}
}

// Drain blocks until every task enqueued before the call has run
func (q *AsyncQueue) Drain(ctx context.Context) error {
	return q.EnqueueAndWait(ctx, func() error { return nil })
}

type delayedState int

const (
	delayedPending delayedState = iota
	delayedRan
	delayedCancelled
)

// DelayedTask is a task scheduled to run on the queue after a delay
type DelayedTask struct {
	q        *AsyncQueue
	timerID  TimerID
	deadline time.Time
	fn       func()
	timer    *time.Timer
	state    delayedState
	done     chan struct{}
}

// TimerID returns the id the task was scheduled with
func (t *DelayedTask) TimerID() TimerID {
	return t.timerID
}

// Done is closed once the task ran or was cancelled, including by Shutdown
func (t *DelayedTask) Done() <-chan struct{} {
	return t.done
}

// Cancelled reports whether the task was cancelled before it ran
func (t *DelayedTask) Cancelled() bool {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	return t.state == delayedCancelled
}

// Cancel stops the task if it has not started yet
func (t *DelayedTask) Cancel() {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	if t.state != delayedPending {
		return
	}
	t.cancelLocked()
	t.q.removeDelayedLocked(t)
}

// cancelLocked must be called with the queue's lock held on a pending task
func (t *DelayedTask) cancelLocked() {
	t.state = delayedCancelled
	t.timer.Stop()
	close(t.done)
}

// EnqueueAfterDelay schedules fn to be enqueued once delay elapsed. Timers passed to
// SkipDelaysForTimerID are enqueued immediately.
func (q *AsyncQueue) EnqueueAfterDelay(timerID TimerID, delay time.Duration, fn func()) *DelayedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.skip[timerID] {
		delay = 0
	}
	task := &DelayedTask{
		q:        q,
		timerID:  timerID,
		deadline: time.Now().Add(delay),
		fn:       fn,
		done:     make(chan struct{}),
	}
	if q.closed {
		task.timer = time.NewTimer(0)
		task.cancelLocked()
		return task
	}
	q.delayed = append(q.delayed, task)
	task.timer = time.AfterFunc(delay, func() {
		_ = q.Enqueue(func() {
			q.runDelayed(task)
		})
	})
	return task
}

func (q *AsyncQueue) runDelayed(task *DelayedTask) {
	q.mu.Lock()
	if task.state != delayedPending {
		q.mu.Unlock()
		return
	}
	task.state = delayedRan
	q.removeDelayedLocked(task)
	q.mu.Unlock()
	defer close(task.done)
	task.fn()
}

func (q *AsyncQueue) removeDelayedLocked(task *DelayedTask) {
	for i, t := range q.delayed {
		if t == task {
			q.delayed = append(q.delayed[:i], q.delayed[i+1:]...)
			return
		}
	}
}

// SkipDelaysForTimerID makes every future task scheduled with the timer run without delay
func (q *AsyncQueue) SkipDelaysForTimerID(timerID TimerID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.skip[timerID] = true
}

// ContainsDelayedTask reports whether a task with the timer id is waiting to run
func (q *AsyncQueue) ContainsDelayedTask(timerID TimerID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.delayed {
		if t.timerID == timerID {
			return true
		}
	}
	return false
}

// RunDelayedTasksUntil runs the waiting delayed tasks in deadline order, up to and including the
// first one scheduled with lastTimerID. TimerAll runs them all.
func (q *AsyncQueue) RunDelayedTasksUntil(ctx context.Context, lastTimerID TimerID) error {
	if lastTimerID != TimerAll && !q.ContainsDelayedTask(lastTimerID) {
		return errors.New(errors.InvalidArgument, "no delayed task scheduled for timer %s", lastTimerID)
	}
	return q.EnqueueAndWait(ctx, func() error {
		q.mu.Lock()
		pending := append([]*DelayedTask{}, q.delayed...)
		q.mu.Unlock()
		sort.SliceStable(pending, func(i, j int) bool {
			return pending[i].deadline.Before(pending[j].deadline)
		})
		for _, task := range pending {
			task.timer.Stop()
			q.runDelayed(task)
			if lastTimerID != TimerAll && task.timerID == lastTimerID {
				break
			}
		}
		return nil
	})
}

// IsShutdown reports whether Shutdown was called
func (q *AsyncQueue) IsShutdown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Shutdown rejects new tasks, cancels delayed tasks and waits for the tasks already enqueued to run
func (q *AsyncQueue) Shutdown() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, t := range q.delayed {
		t.cancelLocked()
	}
	q.delayed = nil
	q.mu.Unlock()
	q.signal()
	err := q.machine.Wait()
	q.cancel()
	return err
}
