package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/autom8ter/docsync/model"
)

// Key returns the key at path or panics
func Key(path string) model.DocumentKey {
	return model.MustDocumentKey(path)
}

// Keys returns a key set of the given paths
func Keys(paths ...string) model.DocumentKeySet {
	set := model.NewDocumentKeySet()
	for _, p := range paths {
		set.Add(Key(p))
	}
	return set
}

// Doc returns a found document at path
func Doc(path string, version int64, fields map[string]any) *model.Document {
	return model.MustDocument(Key(path), model.SnapshotVersion(version), fields)
}

// DeletedDoc returns a tombstone at path
func DeletedDoc(path string, version int64) *model.Document {
	return model.NewNoDocument(Key(path), model.SnapshotVersion(version))
}

// NewUserDoc returns a user document with fake data
func NewUserDoc() *model.Document {
	return Doc(fmt.Sprintf("users/%s", gofakeit.UUID()), int64(gofakeit.IntRange(1, 1000)), map[string]any{
		"name": gofakeit.Name(),
		"contact": map[string]any{
			"email": gofakeit.Email(),
		},
		"account_id": gofakeit.IntRange(0, 100),
		"language":   gofakeit.Language(),
		"age":        gofakeit.IntRange(0, 100),
		"timestamp":  gofakeit.DateRange(time.Now().Truncate(7200*time.Hour), time.Now()),
	})
}

// ActiveQueries returns listen target data for collection targets with the given ids
func ActiveQueries(ids ...model.TargetID) map[model.TargetID]model.TargetData {
	targets := map[model.TargetID]model.TargetData{}
	for _, id := range ids {
		targets[id] = model.NewTargetData(model.Target{Path: "coll"}, id, model.PurposeListen)
	}
	return targets
}

// ActiveLimboQueries returns limbo resolution target data watching the document at path
func ActiveLimboQueries(path string, ids ...model.TargetID) map[model.TargetID]model.TargetData {
	targets := map[model.TargetID]model.TargetData{}
	for _, id := range ids {
		targets[id] = model.NewTargetData(model.DocumentTarget(Key(path)), id, model.PurposeLimboResolution)
	}
	return targets
}

// TargetMetadataProvider is an in memory watch.TargetMetadataProvider
type TargetMetadataProvider struct {
	syncedKeys map[model.TargetID]model.DocumentKeySet
	targetData map[model.TargetID]model.TargetData
}

func NewTargetMetadataProvider() *TargetMetadataProvider {
	return &TargetMetadataProvider{
		syncedKeys: map[model.TargetID]model.DocumentKeySet{},
		targetData: map[model.TargetID]model.TargetData{},
	}
}

// SetSyncedKeys registers the target as active and sets the keys it matched as of the last snapshot
func (p *TargetMetadataProvider) SetSyncedKeys(targetData model.TargetData, keys model.DocumentKeySet) {
	p.syncedKeys[targetData.TargetID] = keys
	p.targetData[targetData.TargetID] = targetData
}

// RemoveTarget makes the target inactive
func (p *TargetMetadataProvider) RemoveTarget(targetID model.TargetID) {
	delete(p.syncedKeys, targetID)
	delete(p.targetData, targetID)
}

func (p *TargetMetadataProvider) RemoteKeysForTarget(targetID model.TargetID) model.DocumentKeySet {
	if keys, ok := p.syncedKeys[targetID]; ok {
		return keys
	}
	return model.NewDocumentKeySet()
}

func (p *TargetMetadataProvider) TargetDataForTarget(targetID model.TargetID) (model.TargetData, bool) {
	td, ok := p.targetData[targetID]
	return td, ok
}

// Datastore is the backend a RecordingDatastore wraps
type Datastore interface {
	Lookup(ctx context.Context, keys []model.DocumentKey) ([]*model.Document, error)
	Commit(ctx context.Context, reads map[model.DocumentKey]model.SnapshotVersion, writes []model.Mutation) error
}

// RecordingDatastore counts the calls made to a datastore. BeforeCommit, if set, is called with the
// 1-based commit number and fails the commit without reaching Inner when it returns an error.
type RecordingDatastore struct {
	Inner        Datastore
	BeforeCommit func(n int) error

	mu      sync.Mutex
	lookups int
	commits int
	writes  [][]model.Mutation
}

func (r *RecordingDatastore) Lookup(ctx context.Context, keys []model.DocumentKey) ([]*model.Document, error) {
	r.mu.Lock()
	r.lookups++
	r.mu.Unlock()
	return r.Inner.Lookup(ctx, keys)
}

func (r *RecordingDatastore) Commit(ctx context.Context, reads map[model.DocumentKey]model.SnapshotVersion, writes []model.Mutation) error {
	r.mu.Lock()
	r.commits++
	n := r.commits
	r.writes = append(r.writes, writes)
	r.mu.Unlock()
	if r.BeforeCommit != nil {
		if err := r.BeforeCommit(n); err != nil {
			return err
		}
	}
	return r.Inner.Commit(ctx, reads, writes)
}

// Lookups returns the number of Lookup calls
func (r *RecordingDatastore) Lookups() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookups
}

// Commits returns the number of Commit calls
func (r *RecordingDatastore) Commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commits
}

// Writes returns the writes of every commit, in order
func (r *RecordingDatastore) Writes() [][]model.Mutation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]model.Mutation{}, r.writes...)
}
