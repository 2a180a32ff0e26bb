package watch

import (
	"fmt"

	"github.com/autom8ter/docsync/model"
)

// TargetMetadataProvider gives the Aggregator read access to target metadata it does not own
type TargetMetadataProvider interface {
	// RemoteKeysForTarget returns the keys the local cache believes match the target as of the last snapshot
	RemoteKeysForTarget(targetID model.TargetID) model.DocumentKeySet
	// TargetDataForTarget returns the metadata of an active target. ok is false once the target was stopped.
	TargetDataForTarget(targetID model.TargetID) (data model.TargetData, ok bool)
}

// ExistenceFilterMismatch describes an existence filter whose count disagreed with the local view of a target
type ExistenceFilterMismatch struct {
	TargetID             model.TargetID    `json:"targetId"`
	LocalCacheCount      int               `json:"localCacheCount"`
	ExistenceFilterCount int               `json:"existenceFilterCount"`
	BloomFilterStatus    BloomFilterStatus `json:"bloomFilterStatus"`
	// Reset is true when the target's mapping was discarded
	Reset bool `json:"reset"`
}

// Observer is notified of existence filter mismatches
type Observer interface {
	OnExistenceFilterMismatch(info ExistenceFilterMismatch)
}

// ObserverFunc adapts a function to an Observer
type ObserverFunc func(info ExistenceFilterMismatch)

func (f ObserverFunc) OnExistenceFilterMismatch(info ExistenceFilterMismatch) {
	f(info)
}

type nopObserver struct{}

func (nopObserver) OnExistenceFilterMismatch(ExistenceFilterMismatch) {}

// Option configures an Aggregator
type Option func(a *Aggregator)

// WithObserver registers an observer for existence filter mismatches
func WithObserver(observer Observer) Option {
	return func(a *Aggregator) {
		a.observer = observer
	}
}

// WithDatabase sets the project and database ids used to build the document paths hashed into bloom filters
func WithDatabase(projectID, databaseID string) Option {
	return func(a *Aggregator) {
		a.documentPathPrefix = fmt.Sprintf("projects/%s/databases/%s/documents/", projectID, databaseID)
	}
}

// Aggregator accumulates watch changes and turns them into RemoteEvents. It is not safe for
// concurrent use. Every method must be called from the same serialized queue.
type Aggregator struct {
	provider           TargetMetadataProvider
	observer           Observer
	documentPathPrefix string

	targetStates map[model.TargetID]*targetState
	// documents changed since the last event. Only documents of active targets are kept.
	pendingDocumentUpdates map[model.DocumentKey]*model.Document
	// targets that referenced each document since the last event
	pendingDocumentTargetMapping map[model.DocumentKey]model.TargetIDSet
	pendingTargetResets          model.TargetIDSet
}

// NewAggregator returns an aggregator reading target metadata from provider
func NewAggregator(provider TargetMetadataProvider, opts ...Option) *Aggregator {
	a := &Aggregator{
		provider:                     provider,
		observer:                     nopObserver{},
		documentPathPrefix:           "projects/default/databases/(default)/documents/",
		targetStates:                 map[model.TargetID]*targetState{},
		pendingDocumentUpdates:       map[model.DocumentKey]*model.Document{},
		pendingDocumentTargetMapping: map[model.DocumentKey]model.TargetIDSet{},
		pendingTargetResets:          model.NewTargetIDSet(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Handle dispatches a watch change to its handler. Target errors are returned for targets the
// backend removed with a cause.
func (a *Aggregator) Handle(change WatchChange) []TargetError {
	switch change := change.(type) {
	case DocumentChange:
		a.HandleDocumentChange(change)
	case *DocumentChange:
		if change != nil {
			a.HandleDocumentChange(*change)
		}
	case WatchTargetChange:
		return a.HandleTargetChange(change)
	case *WatchTargetChange:
		if change != nil {
			return a.HandleTargetChange(*change)
		}
	case ExistenceFilterChange:
		a.HandleExistenceFilter(change)
	case *ExistenceFilterChange:
		if change != nil {
			a.HandleExistenceFilter(*change)
		}
	}
	// anything else, nil included, is ignored
	return nil
}

// HandleDocumentChange records a document entering, changing in or leaving targets
func (a *Aggregator) HandleDocumentChange(change DocumentChange) {
	for _, targetID := range change.UpdatedTargetIDs {
		if change.Document == nil {
			continue
		}
		if change.Document.Exists() {
			a.addDocumentToTarget(targetID, change.Document)
		} else {
			a.removeDocumentFromTarget(targetID, change.Key, change.Document)
		}
	}
	for _, targetID := range change.RemovedTargetIDs {
		a.removeDocumentFromTarget(targetID, change.Key, change.Document)
	}
}

// HandleTargetChange applies a target state transition. Targets removed with a cause are dropped
// immediately and returned as errors. They never reach a RemoteEvent.
func (a *Aggregator) HandleTargetChange(change WatchTargetChange) []TargetError {
	if change.Type == Removed && change.Cause != nil {
		var errs []TargetError
		for _, targetID := range change.TargetIDs {
			delete(a.targetStates, targetID)
			errs = append(errs, TargetError{TargetID: targetID, Cause: change.Cause})
		}
		return errs
	}
	if change.Type < NoChange || change.Type > Reset {
		return nil
	}
	for _, targetID := range a.targetIDs(change) {
		state := a.ensureTargetState(targetID)
		switch change.Type {
		case NoChange:
			if a.isActiveTarget(targetID) {
				state.dirty = true
				state.updateResumeToken(change.ResumeToken)
			}
		case Added:
			state.recordTargetResponse()
			if !state.isPending() {
				// a fresh add supersedes whatever was accumulated before the target was re-added
				state.clearChanges()
			}
			state.updateResumeToken(change.ResumeToken)
		case Removed:
			state.recordTargetResponse()
			if !state.isPending() {
				a.RemoveTarget(targetID)
			}
		case Current:
			if a.isActiveTarget(targetID) {
				state.markCurrent()
				state.updateResumeToken(change.ResumeToken)
			}
		case Reset:
			if a.isActiveTarget(targetID) {
				a.resetTarget(targetID)
				a.ensureTargetState(targetID).updateResumeToken(change.ResumeToken)
			}
		}
	}
	return nil
}

// targetIDs returns the targets a change applies to. No ids means every known target.
func (a *Aggregator) targetIDs(change WatchTargetChange) []model.TargetID {
	if len(change.TargetIDs) > 0 {
		return change.TargetIDs
	}
	ids := model.NewTargetIDSet()
	for id := range a.targetStates {
		if a.isActiveTarget(id) {
			ids.Add(id)
		}
	}
	return ids.IDs()
}

// HandleExistenceFilter compares the backend's count for a target with the local view and resets
// the target when they disagree
func (a *Aggregator) HandleExistenceFilter(change ExistenceFilterChange) {
	targetID := change.TargetID
	targetData, ok := a.targetDataForActiveTarget(targetID)
	if !ok {
		return
	}
	if targetData.Target.IsDocumentQuery() {
		if change.Count == 0 {
			// the single document the target matches is gone. The tombstone carries no version
			// because the backend did not say when it was deleted.
			key := model.DocumentKey(targetData.Target.Path)
			a.removeDocumentFromTarget(targetID, key, model.NewNoDocument(key, model.NoVersion))
		}
		return
	}
	currentCount := a.currentDocumentCountForTarget(targetID)
	if currentCount == change.Count {
		return
	}
	status := a.applyBloomFilter(change, currentCount)
	mismatch := ExistenceFilterMismatch{
		TargetID:             targetID,
		LocalCacheCount:      currentCount,
		ExistenceFilterCount: change.Count,
		BloomFilterStatus:    status,
	}
	if status != BloomFilterSuccess {
		a.resetTarget(targetID)
		a.pendingTargetResets.Add(targetID)
		mismatch.Reset = true
	}
	a.observer.OnExistenceFilterMismatch(mismatch)
}

// applyBloomFilter removes the synced documents the filter proves are gone and reports whether the
// counts agree afterwards
func (a *Aggregator) applyBloomFilter(change ExistenceFilterChange, currentCount int) BloomFilterStatus {
	if change.BloomFilter == nil {
		return BloomFilterSkipped
	}
	filter, err := NewBloomFilter(*change.BloomFilter)
	if err != nil || filter.BitCount() == 0 {
		return BloomFilterSkipped
	}
	removed := 0
	for _, key := range a.provider.RemoteKeysForTarget(change.TargetID).Keys() {
		if !filter.MightContain(a.documentPathPrefix + string(key)) {
			a.removeDocumentFromTarget(change.TargetID, key, nil)
			removed++
		}
	}
	if change.Count != currentCount-removed {
		return BloomFilterFalsePositive
	}
	return BloomFilterSuccess
}

// CreateRemoteEvent converts the accumulated changes into a RemoteEvent at the given version and
// clears them. Targets that were not touched since the previous event are left out.
func (a *Aggregator) CreateRemoteEvent(version model.SnapshotVersion) *RemoteEvent {
	targetChanges := map[model.TargetID]TargetChange{}
	for _, targetID := range a.sortedTargetIDs() {
		state := a.targetStates[targetID]
		targetData, ok := a.targetDataForActiveTarget(targetID)
		if !ok {
			continue
		}
		if state.current && targetData.Target.IsDocumentQuery() {
			// a current document target without the document proves the document does not exist
			key := model.DocumentKey(targetData.Target.Path)
			if _, ok := a.pendingDocumentUpdates[key]; !ok && !a.targetContainsDocument(targetID, key) {
				a.removeDocumentFromTarget(targetID, key, model.NewNoDocument(key, version))
			}
		}
		if state.dirty {
			targetChanges[targetID] = state.toTargetChange()
			state.clearChanges()
		}
	}

	resolvedLimboDocuments := model.NewDocumentKeySet()
	for key, targetIDs := range a.pendingDocumentTargetMapping {
		onlyLimbo := true
		for targetID := range targetIDs {
			targetData, ok := a.targetDataForActiveTarget(targetID)
			if ok && targetData.Purpose != model.PurposeLimboResolution {
				onlyLimbo = false
				break
			}
		}
		if onlyLimbo {
			resolvedLimboDocuments.Add(key)
		}
	}

	event := &RemoteEvent{
		SnapshotVersion:        version,
		TargetChanges:          targetChanges,
		TargetMismatches:       a.pendingTargetResets,
		DocumentUpdates:        a.pendingDocumentUpdates,
		ResolvedLimboDocuments: resolvedLimboDocuments,
	}
	a.pendingDocumentUpdates = map[model.DocumentKey]*model.Document{}
	a.pendingDocumentTargetMapping = map[model.DocumentKey]model.TargetIDSet{}
	a.pendingTargetResets = model.NewTargetIDSet()
	return event
}

// RecordPendingTargetRequest notes that a watch or unwatch request was sent for the target. Changes
// for the target are ignored until every request was answered.
func (a *Aggregator) RecordPendingTargetRequest(targetID model.TargetID) {
	a.ensureTargetState(targetID).recordPendingTargetRequest()
}

// RemoveTarget forgets the target
func (a *Aggregator) RemoveTarget(targetID model.TargetID) {
	delete(a.targetStates, targetID)
}

func (a *Aggregator) addDocumentToTarget(targetID model.TargetID, doc *model.Document) {
	if !a.isActiveTarget(targetID) {
		return
	}
	kind := changeAdded
	if a.targetContainsDocument(targetID, doc.Key()) {
		kind = changeModified
	}
	a.ensureTargetState(targetID).addDocumentChange(doc.Key(), kind)
	a.pendingDocumentUpdates[doc.Key()] = doc
	a.ensureDocumentTargetMapping(doc.Key()).Add(targetID)
}

// removeDocumentFromTarget records a removal if the target had the document as of the last
// snapshot. Otherwise it cancels any pending addition. doc may be nil when only membership changed.
func (a *Aggregator) removeDocumentFromTarget(targetID model.TargetID, key model.DocumentKey, doc *model.Document) {
	if !a.isActiveTarget(targetID) {
		return
	}
	state := a.ensureTargetState(targetID)
	if a.targetContainsDocument(targetID, key) {
		state.addDocumentChange(key, changeRemoved)
	} else {
		state.removeDocumentChange(key)
	}
	a.ensureDocumentTargetMapping(key).Add(targetID)
	if doc != nil {
		a.pendingDocumentUpdates[key] = doc
	}
}

// resetTarget discards the target's state and removes every document it had as of the last snapshot
func (a *Aggregator) resetTarget(targetID model.TargetID) {
	a.targetStates[targetID] = newTargetState()
	for _, key := range a.provider.RemoteKeysForTarget(targetID).Keys() {
		a.removeDocumentFromTarget(targetID, key, nil)
	}
}

// currentDocumentCountForTarget is the number of documents the target has after the pending changes
func (a *Aggregator) currentDocumentCountForTarget(targetID model.TargetID) int {
	change := a.ensureTargetState(targetID).toTargetChange()
	return a.provider.RemoteKeysForTarget(targetID).Len() + change.AddedDocuments.Len() - change.RemovedDocuments.Len()
}

func (a *Aggregator) targetContainsDocument(targetID model.TargetID, key model.DocumentKey) bool {
	return a.provider.RemoteKeysForTarget(targetID).Contains(key)
}

func (a *Aggregator) ensureTargetState(targetID model.TargetID) *targetState {
	state, ok := a.targetStates[targetID]
	if !ok {
		state = newTargetState()
		a.targetStates[targetID] = state
	}
	return state
}

func (a *Aggregator) ensureDocumentTargetMapping(key model.DocumentKey) model.TargetIDSet {
	ids, ok := a.pendingDocumentTargetMapping[key]
	if !ok {
		ids = model.NewTargetIDSet()
		a.pendingDocumentTargetMapping[key] = ids
	}
	return ids
}

// isActiveTarget is true for targets with no unanswered requests that are still being listened to
func (a *Aggregator) isActiveTarget(targetID model.TargetID) bool {
	_, ok := a.targetDataForActiveTarget(targetID)
	return ok
}

func (a *Aggregator) targetDataForActiveTarget(targetID model.TargetID) (model.TargetData, bool) {
	if state, ok := a.targetStates[targetID]; ok && state.isPending() {
		return model.TargetData{}, false
	}
	return a.provider.TargetDataForTarget(targetID)
}

func (a *Aggregator) sortedTargetIDs() []model.TargetID {
	ids := model.NewTargetIDSet()
	for id := range a.targetStates {
		ids.Add(id)
	}
	return ids.IDs()
}
