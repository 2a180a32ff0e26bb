package watch

import (
	"fmt"

	"github.com/autom8ter/docsync/model"
)

// WatchChange is a single message from the watch stream. It is one of DocumentChange,
// WatchTargetChange or ExistenceFilterChange.
type WatchChange interface {
	isWatchChange()
}

// DocumentChange moves a document into or out of targets. Document is nil when only target membership changed.
type DocumentChange struct {
	UpdatedTargetIDs []model.TargetID
	RemovedTargetIDs []model.TargetID
	Key              model.DocumentKey
	Document         *model.Document
}

// TargetChangeType is the kind of a WatchTargetChange
type TargetChangeType int

const (
	NoChange TargetChangeType = iota
	Added
	Removed
	Current
	Reset
)

func (t TargetChangeType) String() string {
	switch t {
	case NoChange:
		return "no_change"
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Current:
		return "current"
	case Reset:
		return "reset"
	}
	return fmt.Sprintf("TargetChangeType(%d)", int(t))
}

// WatchTargetChange transitions the state of targets. An empty TargetIDs applies to every active target.
type WatchTargetChange struct {
	Type        TargetChangeType
	TargetIDs   []model.TargetID
	ResumeToken []byte
	Cause       error
}

// ExistenceFilterChange carries the backend's count of documents matching a target
type ExistenceFilterChange struct {
	TargetID    model.TargetID
	Count       int
	BloomFilter *BloomFilterInfo
}

func (DocumentChange) isWatchChange()        {}
func (WatchTargetChange) isWatchChange()     {}
func (ExistenceFilterChange) isWatchChange() {}

// TargetError is a target removed by the backend with a cause
type TargetError struct {
	TargetID model.TargetID
	Cause    error
}

func (e TargetError) Error() string {
	return fmt.Sprintf("target %d removed: %v", e.TargetID, e.Cause)
}

func (e TargetError) Unwrap() error {
	return e.Cause
}
