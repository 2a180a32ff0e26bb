// Package remote connects the watch stream to the local store. Every method of Store runs on a
// queue.AsyncQueue and stream callbacks are re-enqueued onto it, so no state is shared across goroutines.
package remote

import (
	"context"

	"github.com/autom8ter/docsync/model"
	"github.com/autom8ter/docsync/watch"
)

// WatchStream is a connection to the backend's listen endpoint
type WatchStream interface {
	// Open connects in the background and reports through handler until Close is called. Open must
	// not block on the network.
	Open(ctx context.Context, handler WatchStreamHandler) error
	// Watch asks the backend to start sending changes for the target
	Watch(td model.TargetData) error
	// Unwatch asks the backend to stop sending changes for the target
	Unwatch(targetID model.TargetID) error
	// Close closes the connection. The handler is not called after Close returns.
	Close() error
}

// WatchStreamHandler receives the events of an open WatchStream. Methods may be called from any goroutine.
type WatchStreamHandler interface {
	OnOpen()
	// OnWatchChange delivers a change. version is set when the change closes a consistent snapshot.
	OnWatchChange(version model.SnapshotVersion, change watch.WatchChange)
	// OnClose reports the end of the stream. err is nil after a graceful close.
	OnClose(err error)
}

// Syncer consumes what the remote store learns from the backend
type Syncer interface {
	HandleRemoteEvent(ctx context.Context, event *watch.RemoteEvent) error
	HandleRejectedListen(ctx context.Context, targetID model.TargetID, cause error)
	HandleOnlineStateChange(ctx context.Context, state OnlineState)
}

// LocalStore is the view of the local cache the remote store needs
type LocalStore interface {
	RemoteKeysForTarget(targetID model.TargetID) model.DocumentKeySet
	LastRemoteSnapshotVersion() model.SnapshotVersion
}

// OnlineState is the client's belief about its connectivity to the backend
type OnlineState string

const (
	// Unknown is the state before the first watch message or after the stream went idle
	Unknown OnlineState = "unknown"
	// Online means the watch stream delivered a message
	Online OnlineState = "online"
	// Offline means the stream failed or never answered within the online state timeout
	Offline OnlineState = "offline"
)
