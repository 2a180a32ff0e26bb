package memory

import (
	"context"
	"sync"

	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/model"
	"github.com/autom8ter/docsync/remote"
	"github.com/autom8ter/docsync/watch"
)

// Stream is a remote.WatchStream served by a Feed of the store
type Stream struct {
	store *Store

	mu       sync.Mutex
	feed     *Feed
	handler  remote.WatchStreamHandler
	opens    int
	failOpen error
	requests []model.TargetData
}

// NewStream returns a closed stream on the store
func (s *Store) NewStream() *Stream {
	return &Stream{store: s}
}

// Open opens a new feed and reports the stream open
func (s *Stream) Open(ctx context.Context, handler remote.WatchStreamHandler) error {
	s.mu.Lock()
	s.opens++
	if err := s.failOpen; err != nil {
		s.mu.Unlock()
		handler.OnClose(err)
		return nil
	}
	if s.feed != nil {
		s.feed.Close()
	}
	s.handler = handler
	s.feed = s.store.NewFeed(handler.OnWatchChange)
	s.mu.Unlock()
	handler.OnOpen()
	return nil
}

// Watch implements remote.WatchStream
func (s *Stream) Watch(td model.TargetData) error {
	feed, err := s.current()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.requests = append(s.requests, td)
	s.mu.Unlock()
	return feed.Watch(td)
}

// Unwatch implements remote.WatchStream
func (s *Stream) Unwatch(targetID model.TargetID) error {
	feed, err := s.current()
	if err != nil {
		return err
	}
	return feed.Unwatch(targetID)
}

// Close closes the feed
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.feed != nil {
		s.feed.Close()
		s.feed = nil
		s.handler = nil
	}
	return nil
}

// Fail closes the feed and reports err to the handler, as a dropped connection would
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	handler := s.handler
	if s.feed != nil {
		s.feed.Close()
		s.feed = nil
		s.handler = nil
	}
	s.mu.Unlock()
	if handler != nil {
		handler.OnClose(err)
	}
}

// FailOpens makes every following Open fail with err until it is called with nil
func (s *Stream) FailOpens(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOpen = err
}

// Opens returns how many times the stream was opened
func (s *Stream) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Requests returns every watch request sent on the stream, in order
func (s *Stream) Requests() []model.TargetData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.TargetData{}, s.requests...)
}

// Targets returns the targets watched on the open feed
func (s *Stream) Targets() []model.TargetID {
	feed, err := s.current()
	if err != nil {
		return nil
	}
	return feed.Targets()
}

// Send delivers a change to the open stream's handler as if the backend had sent it
func (s *Stream) Send(version model.SnapshotVersion, change watch.WatchChange) error {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		return ErrFeedClosed
	}
	handler.OnWatchChange(version, change)
	return nil
}

func (s *Stream) current() (*Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.feed == nil {
		return nil, errors.Wrap(ErrFeedClosed, 0, "stream is not open")
	}
	return s.feed, nil
}
