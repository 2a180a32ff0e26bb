package remote

import (
	"context"
	"time"

	"github.com/autom8ter/docsync/logging"
	"github.com/autom8ter/docsync/queue"
)

const (
	// OnlineStateTimeout is how long the tracker waits in Unknown for a first watch message
	OnlineStateTimeout = 10 * time.Second
	// maxWatchStreamFailures before the client considers itself offline
	maxWatchStreamFailures = 1
)

type onlineStateTracker struct {
	queue    *queue.AsyncQueue
	logger   logging.Logger
	onChange func(state OnlineState)

	state    OnlineState
	failures int
	timer    *queue.DelayedTask
}

func newOnlineStateTracker(q *queue.AsyncQueue, logger logging.Logger, onChange func(state OnlineState)) *onlineStateTracker {
	return &onlineStateTracker{
		queue:    q,
		logger:   logger,
		onChange: onChange,
		state:    Unknown,
	}
}

// handleWatchStreamStart moves to Unknown and arms the online state timer unless a failure was
// already counted since the last explicit state change
func (o *onlineStateTracker) handleWatchStreamStart(ctx context.Context) {
	if o.failures != 0 {
		return
	}
	o.set(Unknown)
	o.clearTimer()
	o.timer = o.queue.EnqueueAfterDelay(queue.TimerOnlineStateTimeout, OnlineStateTimeout, func() {
		o.timer = nil
		if o.state != Unknown {
			return
		}
		o.logger.Warn(ctx, "backend did not respond within the online state timeout", map[string]any{
			"timeout": OnlineStateTimeout.String(),
		})
		o.set(Offline)
	})
}

func (o *onlineStateTracker) handleWatchStreamFailure(ctx context.Context, err error) {
	if o.state == Online {
		o.set(Unknown)
		return
	}
	o.failures++
	if o.failures >= maxWatchStreamFailures {
		o.clearTimer()
		o.logger.Error(ctx, "watch stream failed", err, map[string]any{
			"failures": o.failures,
		})
		o.set(Offline)
	}
}

func (o *onlineStateTracker) updateState(state OnlineState) {
	o.clearTimer()
	o.failures = 0
	o.set(state)
}

func (o *onlineStateTracker) clearTimer() {
	if o.timer != nil {
		o.timer.Cancel()
		o.timer = nil
	}
}

func (o *onlineStateTracker) set(state OnlineState) {
	if state == o.state {
		return
	}
	o.state = state
	o.onChange(state)
}
