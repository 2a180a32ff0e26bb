package txn

import (
	"context"
	"fmt"
	"time"

	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/logging"
	"github.com/autom8ter/docsync/queue"
	"github.com/autom8ter/docsync/util"
)

// DefaultMaxAttempts is the number of attempts a transaction gets unless configured otherwise
const DefaultMaxAttempts = 5

// Kind classifies a Failure
type Kind string

const (
	// KindMisuse is an error in how the attempt used the transaction, ie a read after a write
	KindMisuse Kind = "misuse"
	// KindPermanent is a backend error that retrying cannot fix
	KindPermanent Kind = "permanent"
	// KindExhausted means every attempt failed with a retryable error
	KindExhausted Kind = "exhausted"
)

// Failure is returned by Run when a transaction fails for a reason other than an error returned by its callback
type Failure struct {
	Kind     Kind
	Attempts int
	Err      error
}

func (f *Failure) Error() string {
	if f.Kind == KindExhausted {
		return fmt.Sprintf("transaction failed all retries: %s", f.Err)
	}
	return fmt.Sprintf("transaction failed (%s): %s", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Options configure how a transaction is retried
type Options struct {
	MaxAttempts    int           `json:"maxAttempts" validate:"min=1"`
	InitialBackoff time.Duration `json:"initialBackoff" validate:"gte=0"`
	MaxBackoff     time.Duration `json:"maxBackoff" validate:"gte=0"`
	BackoffFactor  float64       `json:"backoffFactor" validate:"gte=0"`
}

// DefaultOptions returns the options used when none are given
func DefaultOptions() Options {
	return Options{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: queue.DefaultInitialDelay,
		MaxBackoff:     queue.DefaultMaxDelay,
		BackoffFactor:  queue.DefaultBackoffFactor,
	}
}

// Option overrides an Options field
type Option func(o *Options)

// WithMaxAttempts sets the number of attempts, which must be at least 1
func WithMaxAttempts(attempts int) Option {
	return func(o *Options) {
		o.MaxAttempts = attempts
	}
}

// WithBackoff sets the delay curve between attempts
func WithBackoff(initial, max time.Duration, factor float64) Option {
	return func(o *Options) {
		o.InitialBackoff = initial
		o.MaxBackoff = max
		o.BackoffFactor = factor
	}
}

// Runner runs transactions against a Datastore, retrying attempts that lose an optimistic concurrency race
type Runner struct {
	datastore Datastore
	queue     *queue.AsyncQueue
	logger    logging.Logger
	defaults  Options
}

// NewRunner returns a Runner that schedules retry delays on q
func NewRunner(datastore Datastore, q *queue.AsyncQueue, logger logging.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = logging.Nop()
	}
	defaults := DefaultOptions()
	for _, o := range opts {
		o(&defaults)
	}
	return &Runner{
		datastore: datastore,
		queue:     q,
		logger:    logger,
		defaults:  defaults,
	}
}

// Run runs fn in a transaction. See the package level Run.
func (r *Runner) Run(ctx context.Context, fn func(ctx context.Context, tx *Transaction) error, opts ...Option) error {
	_, err := Run(ctx, r, func(ctx context.Context, tx *Transaction) (struct{}, error) {
		return struct{}{}, fn(ctx, tx)
	}, opts...)
	return err
}

// Run calls fn with a fresh Transaction and commits what it wrote, retrying the whole attempt when the
// commit fails with a retryable error. An error returned by fn is returned unchanged and never retried,
// unless it is the Aborted error the attempt raised for a document that changed between two reads.
func Run[T any](ctx context.Context, r *Runner, fn func(ctx context.Context, tx *Transaction) (T, error), opts ...Option) (T, error) {
	var zero T
	options := r.defaults
	for _, o := range opts {
		o(&options)
	}
	if err := util.ValidateStruct(options); err != nil {
		return zero, errors.Wrap(err, errors.InvalidArgument, "invalid transaction options")
	}
	backoff := queue.NewExponentialBackoff(r.queue, queue.TimerRetryTransaction, options.InitialBackoff, options.BackoffFactor, options.MaxBackoff)
	defer backoff.Cancel()

	var lastErr error
	for attempt := 1; attempt <= options.MaxAttempts; attempt++ {
		if err := backoff.Wait(ctx); err != nil {
			return zero, err
		}
		tx := newTransaction(r.datastore, attempt)
		result, err := fn(ctx, tx)
		if err != nil {
			switch {
			case tx.isMisuse(err):
				return zero, &Failure{Kind: KindMisuse, Attempts: attempt, Err: err}
			case tx.isAborted(err):
				lastErr = err
				r.logger.Debug(ctx, "transaction attempt aborted", map[string]any{
					"transaction": tx.ID(),
					"attempt":     attempt,
					"error":       err.Error(),
				})
				continue
			default:
				return zero, err
			}
		}
		err = tx.commit(ctx)
		if cerr := ctx.Err(); cerr != nil {
			return zero, errors.Wrap(cerr, errors.CodeOf(cerr), "transaction abandoned")
		}
		switch {
		case err == nil:
			return result, nil
		case tx.isMisuse(err):
			return zero, &Failure{Kind: KindMisuse, Attempts: attempt, Err: err}
		case errors.IsRetryable(err):
			lastErr = err
			r.logger.Debug(ctx, "transaction commit failed, retrying", map[string]any{
				"transaction": tx.ID(),
				"attempt":     attempt,
				"error":       err.Error(),
			})
		default:
			r.logger.Warn(ctx, "transaction failed permanently", map[string]any{
				"transaction": tx.ID(),
				"attempt":     attempt,
				"error":       err.Error(),
			})
			return zero, &Failure{Kind: KindPermanent, Attempts: attempt, Err: err}
		}
	}
	r.logger.Warn(ctx, "transaction failed all retries", map[string]any{
		"attempts": options.MaxAttempts,
		"error":    fmt.Sprint(lastErr),
	})
	return zero, &Failure{Kind: KindExhausted, Attempts: options.MaxAttempts, Err: lastErr}
}
