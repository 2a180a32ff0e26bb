package watch

import (
	"github.com/autom8ter/docsync/model"
)

type changeKind int

const (
	changeAdded changeKind = iota
	changeModified
	changeRemoved
)

// targetState tracks the changes to one target since the last RemoteEvent
type targetState struct {
	pendingResponses int
	documentChanges  map[model.DocumentKey]changeKind
	resumeToken      []byte
	current          bool
	// dirty is set by any change that must be reported in the next event, even an empty one
	dirty bool
}

// newTargetState starts dirty so a new or reset target is part of the next event
func newTargetState() *targetState {
	return &targetState{
		documentChanges: map[model.DocumentKey]changeKind{},
		dirty:           true,
	}
}

// isPending is true while watch or unwatch requests for the target are unanswered
func (s *targetState) isPending() bool {
	return s.pendingResponses != 0
}

func (s *targetState) recordPendingTargetRequest() {
	s.pendingResponses++
}

func (s *targetState) recordTargetResponse() {
	s.pendingResponses--
}

// updateResumeToken keeps the token and marks the target dirty. Empty tokens are ignored.
func (s *targetState) updateResumeToken(token []byte) {
	if len(token) == 0 {
		return
	}
	s.dirty = true
	s.resumeToken = token
}

func (s *targetState) markCurrent() {
	s.dirty = true
	s.current = true
}

func (s *targetState) addDocumentChange(key model.DocumentKey, kind changeKind) {
	s.dirty = true
	s.documentChanges[key] = kind
}

func (s *targetState) removeDocumentChange(key model.DocumentKey) {
	s.dirty = true
	delete(s.documentChanges, key)
}

func (s *targetState) clearChanges() {
	s.dirty = false
	s.documentChanges = map[model.DocumentKey]changeKind{}
}

func (s *targetState) toTargetChange() TargetChange {
	change := TargetChange{
		ResumeToken:       s.resumeToken,
		Current:           s.current,
		AddedDocuments:    model.NewDocumentKeySet(),
		ModifiedDocuments: model.NewDocumentKeySet(),
		RemovedDocuments:  model.NewDocumentKeySet(),
	}
	for key, kind := range s.documentChanges {
		switch kind {
		case changeAdded:
			change.AddedDocuments.Add(key)
		case changeModified:
			change.ModifiedDocuments.Add(key)
		case changeRemoved:
			change.RemovedDocuments.Add(key)
		}
	}
	return change
}
