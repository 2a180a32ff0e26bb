package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// SnapshotVersion is a logical timestamp assigned by the backend. NoVersion sorts before every real version.
type SnapshotVersion int64

// NoVersion is the zero version
const NoVersion SnapshotVersion = 0

// Compare returns -1, 0 or 1
func (v SnapshotVersion) Compare(other SnapshotVersion) int {
	switch {
	case v < other:
		return -1
	case v > other:
		return 1
	}
	return 0
}

// TargetID identifies a listen target
type TargetID int32

// TargetIDSet is a set of target ids
type TargetIDSet map[TargetID]struct{}

// NewTargetIDSet returns a set holding the given ids
func NewTargetIDSet(ids ...TargetID) TargetIDSet {
	s := make(TargetIDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s TargetIDSet) Add(id TargetID) {
	s[id] = struct{}{}
}

func (s TargetIDSet) Contains(id TargetID) bool {
	_, ok := s[id]
	return ok
}

// IDs returns the ids in ascending order
func (s TargetIDSet) IDs() []TargetID {
	ids := lo.Keys(s)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// QueryPurpose is why a target is being listened to
type QueryPurpose string

const (
	// PurposeListen is a regular, user requested listen
	PurposeListen QueryPurpose = "listen"
	// PurposeExistenceFilterMismatch is a re-listen after the backend's count disagreed with the cache
	PurposeExistenceFilterMismatch QueryPurpose = "existence_filter_mismatch"
	// PurposeLimboResolution is a single document listen used to find out whether a limbo document still exists
	PurposeLimboResolution QueryPurpose = "limbo_resolution"
)

// Target is what the backend is asked to watch: a single document or the documents of a collection
type Target struct {
	Path            string   `json:"path" validate:"required"`
	CollectionGroup string   `json:"collectionGroup,omitempty"`
	Filters         []string `json:"filters,omitempty"`
	Limit           int      `json:"limit,omitempty"`
}

// DocumentTarget returns a target watching exactly one document
func DocumentTarget(key DocumentKey) Target {
	return Target{Path: string(key)}
}

// IsDocumentQuery reports whether the target matches at most the one document named by its path
func (t Target) IsDocumentQuery() bool {
	return IsDocumentPath(t.Path) && t.CollectionGroup == "" && len(t.Filters) == 0
}

// CanonicalID returns a stable string form of the target
func (t Target) CanonicalID() string {
	var b strings.Builder
	b.WriteString(strings.Trim(t.Path, "/"))
	if t.CollectionGroup != "" {
		fmt.Fprintf(&b, "|cg:%s", t.CollectionGroup)
	}
	if len(t.Filters) > 0 {
		fmt.Fprintf(&b, "|f:%s", strings.Join(t.Filters, ","))
	}
	if t.Limit > 0 {
		fmt.Fprintf(&b, "|l:%d", t.Limit)
	}
	return b.String()
}

// TargetData is the metadata kept for an active target
type TargetData struct {
	Target                       Target          `json:"target"`
	TargetID                     TargetID        `json:"targetId"`
	Purpose                      QueryPurpose    `json:"purpose"`
	SequenceNumber               int64           `json:"sequenceNumber"`
	SnapshotVersion              SnapshotVersion `json:"snapshotVersion"`
	LastLimboFreeSnapshotVersion SnapshotVersion `json:"lastLimboFreeSnapshotVersion"`
	ResumeToken                  []byte          `json:"resumeToken,omitempty"`
}

// NewTargetData returns target data with no resume token
func NewTargetData(target Target, id TargetID, purpose QueryPurpose) TargetData {
	return TargetData{
		Target:   target,
		TargetID: id,
		Purpose:  purpose,
	}
}

// WithResumeToken returns a copy holding the token and the version it was issued at
func (t TargetData) WithResumeToken(token []byte, version SnapshotVersion) TargetData {
	t.ResumeToken = token
	t.SnapshotVersion = version
	return t
}

// WithPurpose returns a copy with the given purpose
func (t TargetData) WithPurpose(purpose QueryPurpose) TargetData {
	t.Purpose = purpose
	return t
}

// WithSequenceNumber returns a copy with the given sequence number
func (t TargetData) WithSequenceNumber(seq int64) TargetData {
	t.SequenceNumber = seq
	return t
}

// WithLastLimboFreeSnapshotVersion returns a copy with the given version
func (t TargetData) WithLastLimboFreeSnapshotVersion(version SnapshotVersion) TargetData {
	t.LastLimboFreeSnapshotVersion = version
	return t
}

// MarshalJSON encodes the set as an ordered array
func (s TargetIDSet) MarshalJSON() ([]byte, error) {
	ids := s.IDs()
	if ids == nil {
		ids = []TargetID{}
	}
	return json.Marshal(ids)
}

// UnmarshalJSON decodes an array of ids
func (s *TargetIDSet) UnmarshalJSON(bytes []byte) error {
	var ids []TargetID
	if err := json.Unmarshal(bytes, &ids); err != nil {
		return err
	}
	*s = NewTargetIDSet(ids...)
	return nil
}
