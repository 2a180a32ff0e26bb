// Package socket carries the watch stream over a websocket as json frames
package socket

import (
	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/model"
	"github.com/autom8ter/docsync/watch"
)

// RequestType is the kind of a Request
type RequestType string

const (
	Watch   RequestType = "watch"
	Unwatch RequestType = "unwatch"
)

// Request is a frame sent by the client
type Request struct {
	Type     RequestType       `json:"type" validate:"required,oneof=watch unwatch"`
	Target   *model.TargetData `json:"target,omitempty" validate:"required_if=Type watch"`
	TargetID model.TargetID    `json:"targetId,omitempty"`
}

// ChangeKind is the kind of change a Frame carries
type ChangeKind string

const (
	KindDocument ChangeKind = "document"
	KindTarget   ChangeKind = "target"
	KindFilter   ChangeKind = "filter"
)

// Frame is a frame sent by the server. Version is set on frames that close a consistent snapshot.
type Frame struct {
	Version  model.SnapshotVersion `json:"version,omitempty"`
	Kind     ChangeKind            `json:"kind"`
	Document *DocumentFrame        `json:"document,omitempty"`
	Target   *TargetFrame          `json:"target,omitempty"`
	Filter   *FilterFrame          `json:"filter,omitempty"`
}

type DocumentFrame struct {
	UpdatedTargetIDs []model.TargetID  `json:"updatedTargetIds,omitempty"`
	RemovedTargetIDs []model.TargetID  `json:"removedTargetIds,omitempty"`
	Key              model.DocumentKey `json:"key"`
	Document         *model.Document   `json:"document,omitempty"`
}

type TargetFrame struct {
	Type        string           `json:"type"`
	TargetIDs   []model.TargetID `json:"targetIds,omitempty"`
	ResumeToken []byte           `json:"resumeToken,omitempty"`
	Cause       *errors.Error    `json:"cause,omitempty"`
}

type FilterFrame struct {
	TargetID    model.TargetID         `json:"targetId"`
	Count       int                    `json:"count"`
	BloomFilter *watch.BloomFilterInfo `json:"bloomFilter,omitempty"`
}

var targetChangeTypes = map[string]watch.TargetChangeType{}

func init() {
	for _, t := range []watch.TargetChangeType{watch.NoChange, watch.Added, watch.Removed, watch.Current, watch.Reset} {
		targetChangeTypes[t.String()] = t
	}
}

// EncodeChange returns the frame carrying the change
func EncodeChange(version model.SnapshotVersion, change watch.WatchChange) (*Frame, error) {
	frame := &Frame{Version: version}
	switch change := change.(type) {
	case watch.DocumentChange:
		frame.Kind = KindDocument
		frame.Document = &DocumentFrame{
			UpdatedTargetIDs: change.UpdatedTargetIDs,
			RemovedTargetIDs: change.RemovedTargetIDs,
			Key:              change.Key,
			Document:         change.Document,
		}
	case watch.WatchTargetChange:
		frame.Kind = KindTarget
		frame.Target = &TargetFrame{
			Type:        change.Type.String(),
			TargetIDs:   change.TargetIDs,
			ResumeToken: change.ResumeToken,
		}
		if change.Cause != nil {
			cause := errors.Extract(change.Cause)
			messages := append([]string{}, cause.Messages...)
			if cause.Err != nil {
				messages = append(messages, cause.Err.Error())
			}
			frame.Target.Cause = &errors.Error{Code: errors.CodeOf(change.Cause), Messages: messages}
		}
	case watch.ExistenceFilterChange:
		frame.Kind = KindFilter
		frame.Filter = &FilterFrame{
			TargetID:    change.TargetID,
			Count:       change.Count,
			BloomFilter: change.BloomFilter,
		}
	default:
		return nil, errors.New(errors.InvalidArgument, "unsupported watch change %T", change)
	}
	return frame, nil
}

// Decode returns the change the frame carries
func (f *Frame) Decode() (watch.WatchChange, error) {
	switch {
	case f.Kind == KindDocument && f.Document != nil:
		return watch.DocumentChange{
			UpdatedTargetIDs: f.Document.UpdatedTargetIDs,
			RemovedTargetIDs: f.Document.RemovedTargetIDs,
			Key:              f.Document.Key,
			Document:         f.Document.Document,
		}, nil
	case f.Kind == KindTarget && f.Target != nil:
		t, ok := targetChangeTypes[f.Target.Type]
		if !ok {
			return nil, errors.New(errors.InvalidArgument, "unknown target change type %q", f.Target.Type)
		}
		change := watch.WatchTargetChange{
			Type:        t,
			TargetIDs:   f.Target.TargetIDs,
			ResumeToken: f.Target.ResumeToken,
		}
		if f.Target.Cause != nil {
			change.Cause = f.Target.Cause
		}
		return change, nil
	case f.Kind == KindFilter && f.Filter != nil:
		return watch.ExistenceFilterChange{
			TargetID:    f.Filter.TargetID,
			Count:       f.Filter.Count,
			BloomFilter: f.Filter.BloomFilter,
		}, nil
	}
	return nil, errors.New(errors.InvalidArgument, "malformed frame of kind %q", f.Kind)
}
