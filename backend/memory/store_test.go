package memory_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autom8ter/docsync/backend/memory"
	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/model"
	"github.com/autom8ter/docsync/testutil"
	"github.com/autom8ter/docsync/watch"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	t.Run("lookup missing", func(t *testing.T) {
		s := memory.New()
		docs, err := s.Lookup(ctx, []model.DocumentKey{testutil.Key("users/1")})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.False(t, docs[0].Exists())
		assert.Equal(t, model.NoVersion, docs[0].Version())
	})
	t.Run("write and lookup", func(t *testing.T) {
		s := memory.New()
		version, err := s.Write(ctx, model.SetMutation(testutil.Key("users/1"), map[string]any{"name": "a"}))
		require.NoError(t, err)
		assert.Equal(t, model.SnapshotVersion(1), version)
		docs, err := s.Lookup(ctx, []model.DocumentKey{testutil.Key("users/1")})
		require.NoError(t, err)
		assert.True(t, docs[0].Exists())
		assert.Equal(t, "a", docs[0].GetString("name"))
		assert.Equal(t, version, docs[0].Version())
	})
	t.Run("commit checks read versions", func(t *testing.T) {
		s := memory.New()
		key := testutil.Key("users/1")
		_, err := s.Write(ctx, model.SetMutation(key, map[string]any{"count": 1}))
		require.NoError(t, err)
		err = s.Commit(ctx, map[model.DocumentKey]model.SnapshotVersion{key: model.NoVersion}, []model.Mutation{
			model.SetMutation(key, map[string]any{"count": 2}),
		})
		assert.Equal(t, errors.FailedPrecondition, errors.CodeOf(err))
		assert.True(t, errors.IsRetryable(err))
		require.NoError(t, s.Commit(ctx, map[model.DocumentKey]model.SnapshotVersion{key: 1}, []model.Mutation{
			model.UpdateMutation(key, map[string]any{"count": 2}),
		}))
		docs, err := s.Lookup(ctx, []model.DocumentKey{key})
		require.NoError(t, err)
		assert.Equal(t, 2, docs[0].GetInt("count"))
	})
	t.Run("update of a missing document", func(t *testing.T) {
		s := memory.New()
		err := s.Commit(ctx, nil, []model.Mutation{model.UpdateMutation(testutil.Key("users/1"), map[string]any{"a": 1})})
		assert.Equal(t, errors.NotFound, errors.CodeOf(err))
		assert.Equal(t, model.NoVersion, s.Version())
	})
	t.Run("reserved segments", func(t *testing.T) {
		s := memory.New()
		err := s.Commit(ctx, nil, []model.Mutation{model.SetMutation("users/__x__", map[string]any{"a": 1})})
		assert.Equal(t, errors.InvalidArgument, errors.CodeOf(err))
		_, err = s.Lookup(ctx, []model.DocumentKey{"__x__/1"})
		assert.Equal(t, errors.InvalidArgument, errors.CodeOf(err))
	})
	t.Run("writes in one commit are atomic", func(t *testing.T) {
		s := memory.New()
		err := s.Commit(ctx, nil, []model.Mutation{
			model.SetMutation(testutil.Key("users/1"), map[string]any{"a": 1}),
			model.UpdateMutation(testutil.Key("users/2"), map[string]any{"a": 1}),
		})
		require.Error(t, err)
		docs, err := s.Lookup(ctx, []model.DocumentKey{testutil.Key("users/1")})
		require.NoError(t, err)
		assert.False(t, docs[0].Exists())
	})
	t.Run("delete", func(t *testing.T) {
		s := memory.New()
		key := testutil.Key("users/1")
		_, err := s.Write(ctx, model.SetMutation(key, map[string]any{"a": 1}))
		require.NoError(t, err)
		var deleted []*model.Document
		s.OnCommit(func(ctx context.Context, version model.SnapshotVersion, docs []*model.Document) {
			deleted = docs
		})
		_, err = s.Write(ctx, model.DeleteMutation(key))
		require.NoError(t, err)
		require.Len(t, deleted, 1)
		assert.False(t, deleted[0].Exists())
		assert.Equal(t, model.SnapshotVersion(2), deleted[0].Version())
	})
	t.Run("query", func(t *testing.T) {
		s := memory.New()
		for _, doc := range []*model.Document{
			testutil.Doc("users/1", 0, map[string]any{"age": 10}),
			testutil.Doc("users/2", 0, map[string]any{"age": 20}),
			testutil.Doc("users/3", 0, map[string]any{"age": 30}),
			testutil.Doc("users/1/pets/a", 0, map[string]any{"age": 3}),
			testutil.Doc("users/2/pets/b", 0, map[string]any{"age": 5}),
		} {
			_, err := s.Write(ctx, model.SetMutation(doc.Key(), doc.Fields()))
			require.NoError(t, err)
		}
		docs, version, err := s.Query(model.Target{Path: "users"})
		require.NoError(t, err)
		assert.Equal(t, model.SnapshotVersion(5), version)
		assert.Len(t, docs, 3)

		docs, _, err = s.Query(model.Target{Path: "users", Filters: []string{"age >= 20"}, Limit: 1})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, testutil.Key("users/2"), docs[0].Key())

		docs, _, err = s.Query(model.Target{CollectionGroup: "pets"})
		require.NoError(t, err)
		assert.Len(t, docs, 2)

		docs, _, err = s.Query(model.Target{Path: "users/2", CollectionGroup: "pets"})
		require.NoError(t, err)
		assert.Len(t, docs, 1)

		docs, _, err = s.Query(model.DocumentTarget(testutil.Key("users/3")))
		require.NoError(t, err)
		require.Len(t, docs, 1)

		_, _, err = s.Query(model.Target{Path: "users", Filters: []string{"age >"}})
		assert.Equal(t, errors.InvalidArgument, errors.CodeOf(err))
	})
	t.Run("concurrent commits on the same read version", func(t *testing.T) {
		s := memory.New()
		key := testutil.Key("counters/1")
		_, err := s.Write(ctx, model.SetMutation(key, map[string]any{"n": 0}))
		require.NoError(t, err)
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Commit(ctx, map[model.DocumentKey]model.SnapshotVersion{key: 1}, []model.Mutation{
					model.UpdateMutation(key, map[string]any{"n": 1}),
				})
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, succeeded)
	})
}

type recorder struct {
	mu      sync.Mutex
	changes []watch.WatchChange
	marks   []model.SnapshotVersion
}

func (r *recorder) sink(version model.SnapshotVersion, change watch.WatchChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
	if version != model.NoVersion {
		r.marks = append(r.marks, version)
	}
}

func (r *recorder) take() []watch.WatchChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	changes := r.changes
	r.changes = nil
	return changes
}

func TestFeed(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	_, err := s.Write(ctx,
		model.SetMutation(testutil.Key("users/1"), map[string]any{"age": 10}),
		model.SetMutation(testutil.Key("users/2"), map[string]any{"age": 20}),
	)
	require.NoError(t, err)
	rec := &recorder{}
	feed := s.NewFeed(rec.sink)
	defer feed.Close()

	t.Run("watch sends the current documents", func(t *testing.T) {
		require.NoError(t, feed.Watch(model.NewTargetData(model.Target{Path: "users", Filters: []string{"age > 15"}}, 2, model.PurposeListen)))
		changes := rec.take()
		require.Len(t, changes, 4)
		assert.Equal(t, watch.WatchTargetChange{Type: watch.Added, TargetIDs: []model.TargetID{2}}, changes[0])
		doc := changes[1].(watch.DocumentChange)
		assert.Equal(t, testutil.Key("users/2"), doc.Key)
		assert.Equal(t, watch.Current, changes[2].(watch.WatchTargetChange).Type)
		snapshot := changes[3].(watch.WatchTargetChange)
		assert.Equal(t, watch.NoChange, snapshot.Type)
		assert.Empty(t, snapshot.TargetIDs)
		assert.Equal(t, memory.ResumeToken(1), snapshot.ResumeToken)
		assert.Equal(t, []model.TargetID{2}, feed.Targets())
	})
	t.Run("commits move documents in and out of targets", func(t *testing.T) {
		_, err := s.Write(ctx, model.UpdateMutation(testutil.Key("users/1"), map[string]any{"age": 30}))
		require.NoError(t, err)
		changes := rec.take()
		require.Len(t, changes, 2)
		assert.Equal(t, []model.TargetID{2}, changes[0].(watch.DocumentChange).UpdatedTargetIDs)
		assert.Equal(t, memory.ResumeToken(2), changes[1].(watch.WatchTargetChange).ResumeToken)

		_, err = s.Write(ctx, model.DeleteMutation(testutil.Key("users/2")))
		require.NoError(t, err)
		changes = rec.take()
		require.Len(t, changes, 2)
		removed := changes[0].(watch.DocumentChange)
		assert.Equal(t, []model.TargetID{2}, removed.RemovedTargetIDs)
		assert.False(t, removed.Document.Exists())
	})
	t.Run("resumed targets get an existence filter", func(t *testing.T) {
		td := model.NewTargetData(model.Target{Path: "users"}, 4, model.PurposeListen).WithResumeToken([]byte("2"), 2)
		require.NoError(t, feed.Watch(td))
		changes := rec.take()
		var filter *watch.ExistenceFilterChange
		for _, c := range changes {
			if f, ok := c.(watch.ExistenceFilterChange); ok {
				filter = &f
			}
		}
		require.NotNil(t, filter)
		assert.Equal(t, 1, filter.Count)
	})
	t.Run("unwatch", func(t *testing.T) {
		require.NoError(t, feed.Unwatch(4))
		changes := rec.take()
		require.Len(t, changes, 1)
		assert.Equal(t, watch.Removed, changes[0].(watch.WatchTargetChange).Type)
		require.NoError(t, feed.Unwatch(4))
		assert.Empty(t, rec.take())
	})
	t.Run("invalid targets are rejected with a cause", func(t *testing.T) {
		require.NoError(t, feed.Watch(model.NewTargetData(model.Target{Path: "users", Filters: []string{"age >"}}, 6, model.PurposeListen)))
		changes := rec.take()
		require.Len(t, changes, 1)
		assert.Error(t, changes[0].(watch.WatchTargetChange).Cause)
	})
	t.Run("closed feeds stop receiving", func(t *testing.T) {
		feed.Close()
		_, err := s.Write(ctx, model.SetMutation(testutil.Key("users/9"), map[string]any{"age": 99}))
		require.NoError(t, err)
		assert.Empty(t, rec.take())
		assert.ErrorIs(t, feed.Watch(model.NewTargetData(model.Target{Path: "users"}, 8, model.PurposeListen)), memory.ErrFeedClosed)
	})
}
