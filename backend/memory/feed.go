package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/samber/lo"

	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/model"
	"github.com/autom8ter/docsync/watch"
)

// ErrFeedClosed is returned by a closed Feed
var ErrFeedClosed = errors.New(errors.Unavailable, "feed is closed")

// Sink receives the changes of a Feed in order. version is set on global snapshot markers and
// model.NoVersion otherwise.
type Sink func(version model.SnapshotVersion, change watch.WatchChange)

// Feed answers watch requests with the changes a watch stream would deliver for the store's documents
type Feed struct {
	mu      sync.Mutex
	store   *Store
	sink    Sink
	targets map[model.TargetID]model.TargetData
	members map[model.TargetID]model.DocumentKeySet
	remove  func()
	closed  bool
}

// NewFeed returns a feed sending to sink. Close it to stop receiving commits.
func (s *Store) NewFeed(sink Sink) *Feed {
	f := &Feed{
		store:   s,
		sink:    sink,
		targets: map[model.TargetID]model.TargetData{},
		members: map[model.TargetID]model.DocumentKeySet{},
	}
	f.remove = s.OnCommit(f.onCommit)
	return f
}

// ResumeToken returns the token a feed issues for a snapshot at version
func ResumeToken(version model.SnapshotVersion) []byte {
	return []byte(strconv.FormatInt(int64(version), 10))
}

// Watch adds the target and sends its current documents followed by a snapshot marker. A target that
// carries a resume token also gets an existence filter with the matching document count.
func (f *Feed) Watch(td model.TargetData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrFeedClosed
	}
	ids := []model.TargetID{td.TargetID}
	docs, version, err := f.store.Query(td.Target)
	if err != nil {
		f.sink(model.NoVersion, watch.WatchTargetChange{Type: watch.Removed, TargetIDs: ids, Cause: err})
		return nil
	}
	f.targets[td.TargetID] = td
	members := model.NewDocumentKeySet()
	f.sink(model.NoVersion, watch.WatchTargetChange{Type: watch.Added, TargetIDs: ids})
	for _, doc := range docs {
		members.Add(doc.Key())
		f.sink(model.NoVersion, watch.DocumentChange{UpdatedTargetIDs: ids, Key: doc.Key(), Document: doc})
	}
	f.members[td.TargetID] = members
	if len(td.ResumeToken) > 0 {
		f.sink(model.NoVersion, watch.ExistenceFilterChange{TargetID: td.TargetID, Count: len(docs)})
	}
	f.sink(model.NoVersion, watch.WatchTargetChange{Type: watch.Current, TargetIDs: ids, ResumeToken: ResumeToken(version)})
	f.sink(version, watch.WatchTargetChange{Type: watch.NoChange, ResumeToken: ResumeToken(version)})
	return nil
}

// Unwatch removes the target
func (f *Feed) Unwatch(targetID model.TargetID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrFeedClosed
	}
	if _, ok := f.targets[targetID]; !ok {
		return nil
	}
	delete(f.targets, targetID)
	delete(f.members, targetID)
	f.sink(model.NoVersion, watch.WatchTargetChange{Type: watch.Removed, TargetIDs: []model.TargetID{targetID}})
	return nil
}

// Targets returns the ids of the watched targets
func (f *Feed) Targets() []model.TargetID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.NewTargetIDSet(lo.Keys(f.targets)...).IDs()
}

// Close stops the feed
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.remove()
}

func (f *Feed) onCommit(ctx context.Context, version model.SnapshotVersion, changed []*model.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || len(f.targets) == 0 {
		return
	}
	changedDocs := lo.KeyBy(changed, func(doc *model.Document) model.DocumentKey {
		return doc.Key()
	})
	for _, id := range model.NewTargetIDSet(lo.Keys(f.targets)...).IDs() {
		ids := []model.TargetID{id}
		docs, _, err := f.store.Query(f.targets[id].Target)
		if err != nil {
			continue
		}
		members := f.members[id]
		now := model.NewDocumentKeySet()
		for _, doc := range docs {
			now.Add(doc.Key())
			if _, ok := changedDocs[doc.Key()]; ok || !members.Contains(doc.Key()) {
				f.sink(model.NoVersion, watch.DocumentChange{UpdatedTargetIDs: ids, Key: doc.Key(), Document: doc})
			}
		}
		for _, key := range members.Keys() {
			if !now.Contains(key) {
				f.sink(model.NoVersion, watch.DocumentChange{RemovedTargetIDs: ids, Key: key, Document: changedDocs[key]})
			}
		}
		f.members[id] = now
	}
	f.sink(version, watch.WatchTargetChange{Type: watch.NoChange, ResumeToken: ResumeToken(version)})
}
