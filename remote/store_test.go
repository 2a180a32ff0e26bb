package remote_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/autom8ter/docsync/backend/memory"
	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/kv/badger"
	"github.com/autom8ter/docsync/localstore"
	"github.com/autom8ter/docsync/logging"
	"github.com/autom8ter/docsync/model"
	"github.com/autom8ter/docsync/queue"
	"github.com/autom8ter/docsync/remote"
	"github.com/autom8ter/docsync/testutil"
	"github.com/autom8ter/docsync/watch"
)

type syncer struct {
	local *localstore.Store

	mu       sync.Mutex
	events   []*watch.RemoteEvent
	rejected map[model.TargetID]error
	states   []remote.OnlineState
	// mismatched holds the local target data as saved by the event that reported the mismatch
	mismatched map[model.TargetID]model.TargetData
}

func (s *syncer) HandleRemoteEvent(ctx context.Context, event *watch.RemoteEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if err := s.local.ApplyRemoteEvent(ctx, event); err != nil {
		return err
	}
	for _, id := range event.TargetMismatches.IDs() {
		td, ok, err := s.local.TargetData(id)
		if err != nil {
			return err
		}
		if ok {
			s.mismatched[id] = td
		}
	}
	return nil
}

func (s *syncer) HandleRejectedListen(ctx context.Context, targetID model.TargetID, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[targetID] = cause
}

func (s *syncer) HandleOnlineStateChange(ctx context.Context, state remote.OnlineState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
}

func (s *syncer) lastEvent() *watch.RemoteEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil
	}
	return s.events[len(s.events)-1]
}

func (s *syncer) anyEvent(fn func(event *watch.RemoteEvent) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range s.events {
		if fn(event) {
			return true
		}
	}
	return false
}

func (s *syncer) firstEvent(fn func(event *watch.RemoteEvent) bool) *watch.RemoteEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range s.events {
		if fn(event) {
			return event
		}
	}
	return nil
}

func (s *syncer) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *syncer) rejection(id model.TargetID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected[id]
}

type fixture struct {
	ctx     context.Context
	queue   *queue.AsyncQueue
	backend *memory.Store
	stream  *memory.Stream
	local   *localstore.Store
	syncer  *syncer
	remote  *remote.Store
}

func newFixture(t *testing.T) *fixture {
	ctx, cancel := context.WithCancel(context.Background())
	logger := logging.FromZap(zaptest.NewLogger(t))
	q := queue.New(ctx, queue.WithLogger(logger))
	db, err := badger.New("")
	require.NoError(t, err)
	local, err := localstore.New(db, logger)
	require.NoError(t, err)
	backend := memory.New()
	f := &fixture{
		ctx:     ctx,
		queue:   q,
		backend: backend,
		stream:  backend.NewStream(),
		local:   local,
		syncer:  &syncer{local: local, rejected: map[model.TargetID]error{}, mismatched: map[model.TargetID]model.TargetData{}},
	}
	f.remote = remote.NewStore(ctx, q, f.stream, local, f.syncer, remote.WithLogger(logger))
	t.Cleanup(func() {
		_ = f.remote.Shutdown(ctx)
		_ = q.Shutdown()
		_ = local.Close()
		cancel()
	})
	return f
}

func (f *fixture) state(t *testing.T) remote.OnlineState {
	state, err := f.remote.OnlineState(f.ctx)
	require.NoError(t, err)
	return state
}

func (f *fixture) write(t *testing.T, mutations ...model.Mutation) model.SnapshotVersion {
	version, err := f.backend.Write(f.ctx, mutations...)
	require.NoError(t, err)
	return version
}

func (f *fixture) listen(t *testing.T, target model.Target) model.TargetData {
	td, err := f.local.AllocateTarget(target, model.PurposeListen)
	require.NoError(t, err)
	require.NoError(t, f.remote.Listen(f.ctx, td))
	return td
}

func eventually(t *testing.T, condition func() bool, msg string) {
	require.Eventually(t, condition, 5*time.Second, 10*time.Millisecond, msg)
}

func TestListen(t *testing.T) {
	f := newFixture(t)
	f.write(t, model.SetMutation(testutil.Key("users/1"), map[string]any{"name": "a"}))

	td := f.listen(t, model.Target{Path: "users"})
	assert.Equal(t, 0, f.stream.Opens(), "the network is disabled")

	require.NoError(t, f.remote.EnableNetwork(f.ctx))
	eventually(t, func() bool { return f.syncer.eventCount() == 1 }, "first snapshot")
	event := f.syncer.lastEvent()
	assert.Equal(t, model.SnapshotVersion(1), event.SnapshotVersion)
	change := event.TargetChanges[td.TargetID]
	assert.True(t, change.Current)
	assert.Equal(t, testutil.Keys("users/1"), change.AddedDocuments)
	assert.Equal(t, memory.ResumeToken(1), change.ResumeToken)
	assert.Equal(t, remote.Online, f.state(t))
	assert.Equal(t, testutil.Keys("users/1"), f.local.RemoteKeysForTarget(td.TargetID))

	t.Run("resume tokens are kept in memory", func(t *testing.T) {
		targets, err := f.remote.Targets(f.ctx)
		require.NoError(t, err)
		require.Len(t, targets, 1)
		assert.Equal(t, memory.ResumeToken(1), targets[0].ResumeToken)
		assert.Equal(t, model.SnapshotVersion(1), targets[0].SnapshotVersion)
	})
	t.Run("commits raise events", func(t *testing.T) {
		f.write(t, model.SetMutation(testutil.Key("users/2"), map[string]any{"name": "b"}))
		eventually(t, func() bool { return f.syncer.eventCount() == 2 }, "commit snapshot")
		event := f.syncer.lastEvent()
		assert.Equal(t, model.SnapshotVersion(2), event.SnapshotVersion)
		assert.Equal(t, testutil.Keys("users/2"), event.TargetChanges[td.TargetID].AddedDocuments)
		doc, err := f.local.ReadDocument(testutil.Key("users/2"))
		require.NoError(t, err)
		assert.Equal(t, "b", doc.GetString("name"))
	})
	t.Run("listening twice is a no-op", func(t *testing.T) {
		require.NoError(t, f.remote.Listen(f.ctx, td))
		assert.Equal(t, 1, f.stream.Opens())
	})
	t.Run("stop listening idles the stream", func(t *testing.T) {
		require.NoError(t, f.remote.StopListening(f.ctx, td.TargetID))
		assert.True(t, f.queue.ContainsDelayedTask(queue.TimerListenStreamIdle))
		require.NoError(t, f.queue.RunDelayedTasksUntil(f.ctx, queue.TimerListenStreamIdle))
		assert.Empty(t, f.stream.Targets())
		assert.Equal(t, remote.Unknown, f.state(t))
		err := f.remote.StopListening(f.ctx, td.TargetID)
		assert.Equal(t, errors.NotFound, errors.CodeOf(err))
	})
}

func TestRejectedListen(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.remote.EnableNetwork(f.ctx))
	td := f.listen(t, model.Target{Path: "users", Filters: []string{"age >"}})
	eventually(t, func() bool { return f.syncer.rejection(td.TargetID) != nil }, "rejection")
	targets, err := f.remote.Targets(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, targets)
	assert.Equal(t, 0, f.syncer.eventCount())
}

func TestStreamFailure(t *testing.T) {
	f := newFixture(t)
	f.write(t, model.SetMutation(testutil.Key("users/1"), map[string]any{"name": "a"}))
	require.NoError(t, f.remote.EnableNetwork(f.ctx))
	td := f.listen(t, model.Target{Path: "users"})
	eventually(t, func() bool { return f.syncer.eventCount() == 1 }, "first snapshot")

	failure := errors.New(errors.Unavailable, "connection reset")
	f.stream.FailOpens(failure)
	f.stream.Fail(failure)
	eventually(t, func() bool { return f.stream.Opens() == 2 }, "immediate reconnect")
	eventually(t, func() bool { return f.state(t) == remote.Offline }, "offline after a failed reconnect")
	eventually(t, func() bool {
		return f.queue.ContainsDelayedTask(queue.TimerListenStreamConnectionBackoff)
	}, "reconnect scheduled")

	f.stream.FailOpens(nil)
	require.NoError(t, f.queue.RunDelayedTasksUntil(f.ctx, queue.TimerListenStreamConnectionBackoff))
	eventually(t, func() bool { return f.stream.Opens() == 3 }, "reconnect")
	eventually(t, func() bool { return f.state(t) == remote.Online }, "online")
	assert.Equal(t, []model.TargetID{td.TargetID}, f.stream.Targets())

	t.Run("resumed targets do not mismatch", func(t *testing.T) {
		eventually(t, func() bool { return f.syncer.eventCount() >= 2 }, "resumed snapshot")
		assert.Empty(t, f.syncer.lastEvent().TargetMismatches)
		assert.Equal(t, testutil.Keys("users/1"), f.local.RemoteKeysForTarget(td.TargetID))
	})
}

func TestExistenceFilterMismatch(t *testing.T) {
	f := newFixture(t)
	version := f.write(t, model.SetMutation(testutil.Key("users/1"), map[string]any{"name": "a"}))
	require.NoError(t, f.remote.EnableNetwork(f.ctx))
	td := f.listen(t, model.Target{Path: "users"})
	eventually(t, func() bool { return f.syncer.eventCount() == 1 }, "first snapshot")

	require.NoError(t, f.stream.Send(model.NoVersion, watch.ExistenceFilterChange{TargetID: td.TargetID, Count: 5}))
	require.NoError(t, f.stream.Send(version, watch.WatchTargetChange{Type: watch.NoChange, ResumeToken: memory.ResumeToken(version)}))
	eventually(t, func() bool {
		return f.syncer.anyEvent(func(event *watch.RemoteEvent) bool {
			return event.TargetMismatches.Contains(td.TargetID)
		})
	}, "mismatch snapshot")

	var relisten model.TargetData
	eventually(t, func() bool {
		requests := f.stream.Requests()
		if len(requests) == 0 {
			return false
		}
		relisten = requests[len(requests)-1]
		return relisten.Purpose == model.PurposeExistenceFilterMismatch
	}, "target re-listened")
	assert.Equal(t, td.TargetID, relisten.TargetID)
	assert.Empty(t, relisten.ResumeToken)

	targets, err := f.remote.Targets(f.ctx)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, model.PurposeListen, targets[0].Purpose)

	t.Run("mismatch token is not persisted", func(t *testing.T) {
		mismatch := f.syncer.firstEvent(func(event *watch.RemoteEvent) bool {
			return event.TargetMismatches.Contains(td.TargetID)
		})
		require.NotNil(t, mismatch)
		require.NotEmpty(t, mismatch.TargetChanges[td.TargetID].ResumeToken)
		f.syncer.mu.Lock()
		saved, ok := f.syncer.mismatched[td.TargetID]
		f.syncer.mu.Unlock()
		require.True(t, ok)
		assert.Empty(t, saved.ResumeToken)
		assert.Equal(t, model.NoVersion, saved.SnapshotVersion)
	})
}

func TestDisableNetwork(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.remote.EnableNetwork(f.ctx))
	f.listen(t, model.Target{Path: "users"})
	eventually(t, func() bool { return f.state(t) == remote.Online }, "online")

	require.NoError(t, f.remote.DisableNetwork(f.ctx))
	assert.Equal(t, remote.Offline, f.state(t))
	assert.Empty(t, f.stream.Targets())

	f.listen(t, model.Target{Path: "rooms"})
	assert.Equal(t, 1, f.stream.Opens())

	require.NoError(t, f.remote.EnableNetwork(f.ctx))
	eventually(t, func() bool { return len(f.stream.Targets()) == 2 }, "both targets watched")
	assert.Equal(t, 2, f.stream.Opens())
}

func TestOnlineStateTimeout(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.remote.EnableNetwork(f.ctx))
	assert.Equal(t, remote.Unknown, f.state(t))
	require.NoError(t, f.remote.DisableNetwork(f.ctx))
	require.NoError(t, f.remote.EnableNetwork(f.ctx))
	assert.Equal(t, remote.Unknown, f.state(t))
	assert.False(t, f.queue.ContainsDelayedTask(queue.TimerOnlineStateTimeout), "no stream without targets")

	q := f.queue
	s := remote.NewStore(f.ctx, q, silentStream{}, f.local, f.syncer)
	require.NoError(t, s.EnableNetwork(f.ctx))
	td, err := f.local.AllocateTarget(model.Target{Path: "users"}, model.PurposeListen)
	require.NoError(t, err)
	require.NoError(t, s.Listen(f.ctx, td))
	assert.True(t, q.ContainsDelayedTask(queue.TimerOnlineStateTimeout))
	require.NoError(t, q.RunDelayedTasksUntil(f.ctx, queue.TimerOnlineStateTimeout))
	state, err := s.OnlineState(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, remote.Offline, state)
	require.NoError(t, s.Shutdown(f.ctx))
}

// silentStream opens without ever answering
type silentStream struct{}

func (silentStream) Open(ctx context.Context, handler remote.WatchStreamHandler) error { return nil }
func (silentStream) Watch(td model.TargetData) error                                 { return nil }
func (silentStream) Unwatch(targetID model.TargetID) error                           { return nil }
func (silentStream) Close() error                                                    { return nil }
