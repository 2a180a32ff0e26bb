package watch

import (
	"github.com/autom8ter/docsync/model"
)

// TargetChange is the delta of one target in a RemoteEvent. The three document sets are disjoint.
type TargetChange struct {
	ResumeToken       []byte               `json:"resumeToken,omitempty"`
	Current           bool                 `json:"current"`
	AddedDocuments    model.DocumentKeySet `json:"addedDocuments"`
	ModifiedDocuments model.DocumentKeySet `json:"modifiedDocuments"`
	RemovedDocuments  model.DocumentKeySet `json:"removedDocuments"`
}

// RemoteEvent is everything the watch stream changed up to SnapshotVersion. TargetMismatches holds
// targets whose existence filter disagreed with the local view and were reset.
type RemoteEvent struct {
	SnapshotVersion        model.SnapshotVersion                 `json:"snapshotVersion"`
	TargetChanges          map[model.TargetID]TargetChange       `json:"targetChanges"`
	TargetMismatches       model.TargetIDSet                     `json:"targetMismatches"`
	DocumentUpdates        map[model.DocumentKey]*model.Document `json:"documentUpdates"`
	ResolvedLimboDocuments model.DocumentKeySet                  `json:"resolvedLimboDocuments"`
}

// Empty reports whether the event carries no target changes, mismatches or documents
func (e *RemoteEvent) Empty() bool {
	return len(e.TargetChanges) == 0 && len(e.TargetMismatches) == 0 && len(e.DocumentUpdates) == 0
}
