// Package docsync is the client side synchronization core of a document database. A Client keeps a
// local cache of the documents its targets match in sync with the backend's watch stream, and runs
// optimistic transactions against the backend.
package docsync

import (
	"context"
	"sync"

	"github.com/autom8ter/machine/v4"
	"github.com/segmentio/ksuid"

	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/internal/safe"
	_ "github.com/autom8ter/docsync/kv/badger"
	_ "github.com/autom8ter/docsync/kv/redis"
	"github.com/autom8ter/docsync/kv/registry"
	"github.com/autom8ter/docsync/localstore"
	"github.com/autom8ter/docsync/logging"
	"github.com/autom8ter/docsync/model"
	"github.com/autom8ter/docsync/queue"
	"github.com/autom8ter/docsync/remote"
	"github.com/autom8ter/docsync/txn"
	"github.com/autom8ter/docsync/watch"
)

// Option configures Open
type Option func(o *options)

type options struct {
	logger         logging.Logger
	offline        bool
	aggregatorOpts []watch.Option
}

// WithLogger overrides the logger built from the config's log level and fields
func WithLogger(logger logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithNetworkDisabled opens the client without connecting the watch stream. Call EnableNetwork to connect.
func WithNetworkDisabled() Option {
	return func(o *options) {
		o.offline = true
	}
}

// WithObserver reports existence filter mismatches to observer
func WithObserver(observer watch.Observer) Option {
	return func(o *options) {
		o.aggregatorOpts = append(o.aggregatorOpts, watch.WithObserver(observer))
	}
}

// Client is a connection to one remote database
type Client struct {
	id      string
	config  Config
	logger  logging.Logger
	queue   *queue.AsyncQueue
	local   *localstore.Store
	remote  *remote.Store
	runner  *txn.Runner
	machine machine.Machine

	limbo    *safe.Map[model.TargetID, model.DocumentKey]
	rejected *safe.Map[model.TargetID, error]

	mu          sync.Mutex
	onlineState remote.OnlineState
}

// Open opens the local store named by the config's provider, restores the targets it persisted and
// connects the watch stream. datastore serves transactions and stream serves listens.
func Open(ctx context.Context, cfg Config, datastore txn.Datastore, stream remote.WatchStream, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	id := ksuid.New().String()
	logger := o.logger
	if logger == nil {
		fields := map[string]any{}
		for k, v := range cfg.LogFields {
			fields[k] = v
		}
		fields["project_id"] = cfg.ProjectID
		fields["database_id"] = cfg.DatabaseID
		fields["client_id"] = id
		var err error
		logger, err = logging.New(cfg.LogLevel, fields)
		if err != nil {
			return nil, errors.Wrap(err, errors.InvalidArgument, "failed to create logger")
		}
	}
	db, err := registry.Open(cfg.Provider, cfg.ProviderParams)
	if err != nil {
		return nil, err
	}
	local, err := localstore.New(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	q := queue.New(ctx, queue.WithLogger(logger))
	c := &Client{
		id:          id,
		config:      cfg,
		logger:      logger,
		queue:       q,
		local:       local,
		runner:      txn.NewRunner(datastore, q, logger, txnOptions(cfg.Transactions)...),
		machine:     machine.New(),
		limbo:       safe.NewMap[model.TargetID, model.DocumentKey](nil),
		rejected:    safe.NewMap[model.TargetID, error](nil),
		onlineState: remote.Unknown,
	}
	c.remote = remote.NewStore(ctx, q, stream, local, c,
		remote.WithLogger(logger),
		remote.WithAggregatorOptions(append([]watch.Option{watch.WithDatabase(cfg.ProjectID, cfg.DatabaseID)}, o.aggregatorOpts...)...),
	)
	targets, err := local.Targets()
	if err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	for _, td := range targets {
		if td.Purpose == model.PurposeLimboResolution && td.Target.IsDocumentQuery() {
			c.limbo.Set(td.TargetID, model.DocumentKey(td.Target.Path))
		}
		if err := c.remote.Listen(ctx, td); err != nil {
			_ = c.Close(ctx)
			return nil, err
		}
	}
	if !o.offline {
		if err := c.remote.EnableNetwork(ctx); err != nil {
			_ = c.Close(ctx)
			return nil, err
		}
	}
	logger.Debug(ctx, "client opened", map[string]any{
		"provider": cfg.Provider,
		"targets":  len(targets),
	})
	return c, nil
}

func txnOptions(o txn.Options) []txn.Option {
	return []txn.Option{
		txn.WithMaxAttempts(o.MaxAttempts),
		txn.WithBackoff(o.InitialBackoff, o.MaxBackoff, o.BackoffFactor),
	}
}

// ID returns the unique id of the client
func (c *Client) ID() string {
	return c.id
}

// Config returns the config the client was opened with
func (c *Client) Config() Config {
	return c.config
}

// Listen starts listening to target. A target that is already listened to keeps its target id.
func (c *Client) Listen(ctx context.Context, target model.Target) (model.TargetData, error) {
	td, err := c.local.AllocateTarget(target, model.PurposeListen)
	if err != nil {
		return model.TargetData{}, err
	}
	c.rejected.Del(td.TargetID)
	if err := c.remote.Listen(ctx, td); err != nil {
		return model.TargetData{}, err
	}
	return td, nil
}

// ResolveLimbo listens to the single document at key until the backend reports the target current,
// then stops listening. It settles whether a document the client believes is in a result still exists.
func (c *Client) ResolveLimbo(ctx context.Context, key model.DocumentKey) (model.TargetData, error) {
	if err := key.Validate(); err != nil {
		return model.TargetData{}, err
	}
	td, err := c.local.AllocateTarget(model.DocumentTarget(key), model.PurposeLimboResolution)
	if err != nil {
		return model.TargetData{}, err
	}
	c.limbo.Set(td.TargetID, key)
	if err := c.remote.Listen(ctx, td); err != nil {
		c.limbo.Del(td.TargetID)
		return model.TargetData{}, err
	}
	return td, nil
}

// StopListening stops listening to the target and forgets it
func (c *Client) StopListening(ctx context.Context, targetID model.TargetID) error {
	if err := c.remote.StopListening(ctx, targetID); err != nil && errors.CodeOf(err) != errors.NotFound {
		return err
	}
	c.limbo.Del(targetID)
	return c.local.RemoveTarget(targetID)
}

// Targets returns the targets the client listens to
func (c *Client) Targets(ctx context.Context) ([]model.TargetData, error) {
	return c.remote.Targets(ctx)
}

// TargetError returns the error the backend rejected the target with, if it did
func (c *Client) TargetError(targetID model.TargetID) error {
	err, _ := c.rejected.Get(targetID)
	return err
}

// Document returns the cached document at key. A document the client has never seen is a tombstone
// at model.NoVersion.
func (c *Client) Document(key model.DocumentKey) (*model.Document, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return c.local.ReadDocument(key)
}

// RemoteKeys returns the keys the target matched as of the last snapshot
func (c *Client) RemoteKeys(targetID model.TargetID) model.DocumentKeySet {
	return c.local.RemoteKeysForTarget(targetID)
}

// SnapshotVersion returns the version of the last consistent snapshot applied to the cache
func (c *Client) SnapshotVersion() model.SnapshotVersion {
	return c.local.LastRemoteSnapshotVersion()
}

// ChangeStream calls fn with every cached document change until ctx is done or fn returns an error
func (c *Client) ChangeStream(ctx context.Context, fn func(ctx context.Context, change localstore.Change) error) error {
	return c.local.ChangeStream(ctx, fn)
}

// OnlineState returns the last online state reported by the remote store
func (c *Client) OnlineState() remote.OnlineState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onlineState
}

// EnableNetwork connects the watch stream if any target is listened to
func (c *Client) EnableNetwork(ctx context.Context) error {
	return c.remote.EnableNetwork(ctx)
}

// DisableNetwork disconnects the watch stream. Targets are kept and re-sent on EnableNetwork.
func (c *Client) DisableNetwork(ctx context.Context) error {
	return c.remote.DisableNetwork(ctx)
}

// RunTransaction runs fn in a transaction with the client's retry options overridden by opts
func (c *Client) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx *txn.Transaction) error, opts ...txn.Option) error {
	return c.runner.Run(ctx, fn, opts...)
}

// RunTransaction runs fn in a transaction on the client and returns its result
func RunTransaction[T any](ctx context.Context, c *Client, fn func(ctx context.Context, tx *txn.Transaction) (T, error), opts ...txn.Option) (T, error) {
	return txn.Run(ctx, c.runner, fn, opts...)
}

// Close disconnects the watch stream, stops the client's queue and closes the local store
func (c *Client) Close(ctx context.Context) error {
	if err := c.remote.Shutdown(ctx); err != nil && !c.queue.IsShutdown() {
		c.logger.Warn(ctx, "failed to shut down remote store", map[string]any{"error": err.Error()})
	}
	if err := c.machine.Wait(); err != nil {
		c.logger.Warn(ctx, "limbo resolution failed", map[string]any{"error": err.Error()})
	}
	if err := c.queue.Shutdown(); err != nil {
		c.logger.Warn(ctx, "failed to shut down queue", map[string]any{"error": err.Error()})
	}
	return c.local.Close()
}

// HandleRemoteEvent implements remote.Syncer. Limbo targets that became current are released.
func (c *Client) HandleRemoteEvent(ctx context.Context, event *watch.RemoteEvent) error {
	if err := c.local.ApplyRemoteEvent(ctx, event); err != nil {
		return err
	}
	for id, change := range event.TargetChanges {
		key, ok := c.limbo.Get(id)
		if !ok || !change.Current {
			continue
		}
		c.limbo.Del(id)
		targetID := id
		c.logger.Debug(ctx, "limbo document resolved", map[string]any{
			"key":       string(key),
			"target_id": int32(targetID),
		})
		// StopListening waits on the queue this runs on
		c.machine.Go(ctx, func(ctx context.Context) error {
			return c.StopListening(ctx, targetID)
		})
	}
	return nil
}

// HandleRejectedListen implements remote.Syncer
func (c *Client) HandleRejectedListen(ctx context.Context, targetID model.TargetID, cause error) {
	c.rejected.Set(targetID, cause)
	c.limbo.Del(targetID)
	if err := c.local.RemoveTarget(targetID); err != nil {
		c.logger.Error(ctx, "failed to remove rejected target", err, map[string]any{"target_id": int32(targetID)})
	}
}

// HandleOnlineStateChange implements remote.Syncer
func (c *Client) HandleOnlineStateChange(ctx context.Context, state remote.OnlineState) {
	c.mu.Lock()
	c.onlineState = state
	c.mu.Unlock()
	c.logger.Info(ctx, "online state changed", map[string]any{"state": string(state)})
}
