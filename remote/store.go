package remote

import (
	"context"
	"time"

	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/logging"
	"github.com/autom8ter/docsync/model"
	"github.com/autom8ter/docsync/queue"
	"github.com/autom8ter/docsync/watch"
)

// IdleTimeout is how long an open watch stream without targets stays open
const IdleTimeout = time.Minute

type streamState int

const (
	streamStopped streamState = iota
	streamStarting
	streamOpen
	streamBackoff
)

// Option configures a Store
type Option func(s *Store)

// WithLogger sets the store's logger
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithAggregatorOptions passes options to every watch.Aggregator the store creates
func WithAggregatorOptions(opts ...watch.Option) Option {
	return func(s *Store) {
		s.aggregatorOpts = append(s.aggregatorOpts, opts...)
	}
}

// Store tracks the listened targets, keeps the watch stream running while there are any, and turns
// the changes it delivers into RemoteEvents for the Syncer
type Store struct {
	ctx            context.Context
	queue          *queue.AsyncQueue
	stream         WatchStream
	local          LocalStore
	syncer         Syncer
	logger         logging.Logger
	aggregatorOpts []watch.Option

	backoff *queue.ExponentialBackoff
	online  *onlineStateTracker

	listenTargets  map[model.TargetID]model.TargetData
	networkEnabled bool
	state          streamState
	// generation changes every time the stream closes. Callbacks of older generations are dropped.
	generation uint64
	aggregator *watch.Aggregator
	idleTimer  *queue.DelayedTask
}

// NewStore returns a store with the network disabled
func NewStore(ctx context.Context, q *queue.AsyncQueue, stream WatchStream, local LocalStore, syncer Syncer, opts ...Option) *Store {
	s := &Store{
		ctx:           ctx,
		queue:         q,
		stream:        stream,
		local:         local,
		syncer:        syncer,
		logger:        logging.Nop(),
		listenTargets: map[model.TargetID]model.TargetData{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.backoff = queue.NewExponentialBackoff(q, queue.TimerListenStreamConnectionBackoff,
		queue.DefaultInitialDelay, queue.DefaultBackoffFactor, queue.DefaultMaxDelay)
	s.online = newOnlineStateTracker(q, s.logger, func(state OnlineState) {
		s.logger.Info(s.ctx, "online state changed", map[string]any{"state": string(state)})
		s.syncer.HandleOnlineStateChange(s.ctx, state)
	})
	return s
}

// EnableNetwork starts the watch stream if there are targets to listen to
func (s *Store) EnableNetwork(ctx context.Context) error {
	return s.queue.EnqueueAndWait(ctx, func() error {
		s.enableNetwork()
		return nil
	})
}

// DisableNetwork stops the watch stream and reports the client offline
func (s *Store) DisableNetwork(ctx context.Context) error {
	return s.queue.EnqueueAndWait(ctx, func() error {
		s.networkEnabled = false
		s.stopStream()
		s.online.updateState(Offline)
		return nil
	})
}

// Shutdown stops the watch stream. The store can not be used afterwards.
func (s *Store) Shutdown(ctx context.Context) error {
	return s.queue.EnqueueAndWait(ctx, func() error {
		s.logger.Debug(s.ctx, "shutting down remote store", nil)
		s.networkEnabled = false
		s.stopStream()
		s.online.updateState(Unknown)
		return nil
	})
}

// Listen starts listening to the target. Listening to a target id twice is a no-op.
func (s *Store) Listen(ctx context.Context, td model.TargetData) error {
	return s.queue.EnqueueAndWait(ctx, func() error {
		if _, ok := s.listenTargets[td.TargetID]; ok {
			return nil
		}
		s.listenTargets[td.TargetID] = td
		s.cancelIdleTimer()
		if s.shouldStartStream() {
			s.startStream()
		} else if s.state == streamOpen {
			s.sendWatchRequest(td)
		}
		return nil
	})
}

// StopListening stops listening to the target
func (s *Store) StopListening(ctx context.Context, targetID model.TargetID) error {
	return s.queue.EnqueueAndWait(ctx, func() error {
		if _, ok := s.listenTargets[targetID]; !ok {
			return errors.New(errors.NotFound, "target %d is not being listened to", targetID)
		}
		delete(s.listenTargets, targetID)
		if s.state == streamOpen {
			s.sendUnwatchRequest(targetID)
		}
		if len(s.listenTargets) == 0 {
			if s.state == streamOpen {
				s.markIdle()
			} else if s.networkEnabled {
				s.online.updateState(Unknown)
			}
		}
		return nil
	})
}

// Targets returns the data of every listened target
func (s *Store) Targets(ctx context.Context) ([]model.TargetData, error) {
	var targets []model.TargetData
	err := s.queue.EnqueueAndWait(ctx, func() error {
		for _, id := range s.targetIDs() {
			targets = append(targets, s.listenTargets[id])
		}
		return nil
	})
	return targets, err
}

// OnlineState returns the current online state
func (s *Store) OnlineState(ctx context.Context) (OnlineState, error) {
	var state OnlineState
	err := s.queue.EnqueueAndWait(ctx, func() error {
		state = s.online.state
		return nil
	})
	return state, err
}

// RemoteKeysForTarget implements watch.TargetMetadataProvider
func (s *Store) RemoteKeysForTarget(targetID model.TargetID) model.DocumentKeySet {
	return s.local.RemoteKeysForTarget(targetID)
}

// TargetDataForTarget implements watch.TargetMetadataProvider. It must be called on the queue.
func (s *Store) TargetDataForTarget(targetID model.TargetID) (model.TargetData, bool) {
	td, ok := s.listenTargets[targetID]
	return td, ok
}

func (s *Store) targetIDs() []model.TargetID {
	ids := model.NewTargetIDSet()
	for id := range s.listenTargets {
		ids.Add(id)
	}
	return ids.IDs()
}

func (s *Store) enableNetwork() {
	s.networkEnabled = true
	if s.shouldStartStream() {
		s.startStream()
	} else {
		s.online.updateState(Unknown)
	}
}

func (s *Store) isStarted() bool {
	return s.state != streamStopped
}

func (s *Store) shouldStartStream() bool {
	return s.networkEnabled && !s.isStarted() && len(s.listenTargets) > 0
}

func (s *Store) startStream() {
	s.aggregator = watch.NewAggregator(s, s.aggregatorOpts...)
	s.state = streamStarting
	s.online.handleWatchStreamStart(s.ctx)
	s.logger.Debug(s.ctx, "starting watch stream", map[string]any{"targets": len(s.listenTargets)})
	if err := s.stream.Open(s.ctx, &streamHandler{store: s, generation: s.generation}); err != nil {
		s.handleStreamClose(err)
	}
}

// stopStream closes the stream without reporting a failure
func (s *Store) stopStream() {
	s.cancelIdleTimer()
	s.backoff.Cancel()
	if s.state == streamStarting || s.state == streamOpen {
		if err := s.stream.Close(); err != nil {
			s.logger.Warn(s.ctx, "failed to close watch stream", map[string]any{"error": err.Error()})
		}
	}
	s.generation++
	s.state = streamStopped
	s.aggregator = nil
}

func (s *Store) markIdle() {
	s.cancelIdleTimer()
	s.idleTimer = s.queue.EnqueueAfterDelay(queue.TimerListenStreamIdle, IdleTimeout, func() {
		s.idleTimer = nil
		if s.state != streamOpen || len(s.listenTargets) > 0 {
			return
		}
		s.logger.Debug(s.ctx, "closing idle watch stream", nil)
		s.stopStream()
		s.backoff.Reset()
		s.online.updateState(Unknown)
	})
}

func (s *Store) cancelIdleTimer() {
	if s.idleTimer != nil {
		s.idleTimer.Cancel()
		s.idleTimer = nil
	}
}

func (s *Store) sendWatchRequest(td model.TargetData) {
	if s.state != streamOpen {
		return
	}
	s.aggregator.RecordPendingTargetRequest(td.TargetID)
	if err := s.stream.Watch(td); err != nil {
		s.handleStreamClose(errors.Wrap(err, errors.Unavailable, "failed to watch target %d", td.TargetID))
	}
}

func (s *Store) sendUnwatchRequest(targetID model.TargetID) {
	if s.state != streamOpen {
		return
	}
	s.aggregator.RecordPendingTargetRequest(targetID)
	if err := s.stream.Unwatch(targetID); err != nil {
		s.handleStreamClose(errors.Wrap(err, errors.Unavailable, "failed to unwatch target %d", targetID))
	}
}

func (s *Store) handleStreamOpen() {
	s.state = streamOpen
	s.logger.Debug(s.ctx, "watch stream open", nil)
	for _, id := range s.targetIDs() {
		s.sendWatchRequest(s.listenTargets[id])
	}
	if len(s.listenTargets) == 0 {
		s.markIdle()
	}
}

// handleStreamClose tears the stream down and restarts it with backoff while targets remain
func (s *Store) handleStreamClose(err error) {
	if !s.isStarted() {
		return
	}
	s.stopStream()
	if err == nil {
		s.backoff.Reset()
	} else {
		s.logger.Warn(s.ctx, "watch stream closed", map[string]any{"error": err.Error()})
	}
	if !s.shouldStartStream() {
		s.online.updateState(Unknown)
		return
	}
	s.online.handleWatchStreamFailure(s.ctx, err)
	s.state = streamBackoff
	generation := s.generation
	s.backoff.BackoffAndRun(func() {
		if s.generation != generation || s.state != streamBackoff {
			return
		}
		s.state = streamStopped
		if s.shouldStartStream() {
			s.startStream()
		}
	})
}

func (s *Store) handleWatchChange(version model.SnapshotVersion, change watch.WatchChange) {
	s.backoff.Reset()
	s.online.updateState(Online)
	if targetErrs := s.aggregator.Handle(change); len(targetErrs) > 0 {
		for _, targetErr := range targetErrs {
			s.rejectListen(targetErr)
		}
		return
	}
	if version == model.NoVersion || version < s.local.LastRemoteSnapshotVersion() {
		return
	}
	s.raiseWatchSnapshot(version)
}

func (s *Store) rejectListen(targetErr watch.TargetError) {
	if _, ok := s.listenTargets[targetErr.TargetID]; !ok {
		return
	}
	delete(s.listenTargets, targetErr.TargetID)
	s.aggregator.RemoveTarget(targetErr.TargetID)
	s.logger.Warn(s.ctx, "listen rejected", map[string]any{
		"target_id": int32(targetErr.TargetID),
		"cause":     targetErr.Cause.Error(),
	})
	s.syncer.HandleRejectedListen(s.ctx, targetErr.TargetID, targetErr.Cause)
}

func (s *Store) raiseWatchSnapshot(version model.SnapshotVersion) {
	event := s.aggregator.CreateRemoteEvent(version)
	for id, change := range event.TargetChanges {
		if len(change.ResumeToken) == 0 {
			continue
		}
		if td, ok := s.listenTargets[id]; ok {
			s.listenTargets[id] = td.WithResumeToken(change.ResumeToken, version)
		}
	}
	for _, id := range event.TargetMismatches.IDs() {
		td, ok := s.listenTargets[id]
		if !ok {
			continue
		}
		// the next listen must not resume from the token that produced the mismatch
		s.listenTargets[id] = td.WithResumeToken(nil, td.SnapshotVersion)
		s.sendUnwatchRequest(id)
		request := model.NewTargetData(td.Target, id, model.PurposeExistenceFilterMismatch).
			WithSequenceNumber(td.SequenceNumber)
		s.sendWatchRequest(request)
	}
	if err := s.syncer.HandleRemoteEvent(s.ctx, event); err != nil {
		s.logger.Error(s.ctx, "failed to apply remote event", err, map[string]any{
			"version": int64(version),
		})
	}
}

type streamHandler struct {
	store      *Store
	generation uint64
}

func (h *streamHandler) run(fn func()) {
	s := h.store
	if err := s.queue.Enqueue(func() {
		if s.generation != h.generation {
			s.logger.Debug(s.ctx, "dropping callback of a closed watch stream", nil)
			return
		}
		fn()
	}); err != nil {
		s.logger.Debug(s.ctx, "dropping watch stream callback", map[string]any{"error": err.Error()})
	}
}

func (h *streamHandler) OnOpen() {
	h.run(h.store.handleStreamOpen)
}

func (h *streamHandler) OnWatchChange(version model.SnapshotVersion, change watch.WatchChange) {
	h.run(func() {
		h.store.handleWatchChange(version, change)
	})
}

func (h *streamHandler) OnClose(err error) {
	h.run(func() {
		h.store.handleStreamClose(err)
	})
}
