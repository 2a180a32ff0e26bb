package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"

	"github.com/autom8ter/docsync/backend/memory"
	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/internal/safe"
	"github.com/autom8ter/docsync/logging"
	"github.com/autom8ter/docsync/model"
	"github.com/autom8ter/docsync/util"
	"github.com/autom8ter/docsync/watch"
)

// ListenPath is the path Server is mounted on by the serve command
const ListenPath = "/v1/listen"

// Server answers watch requests for a memory.Store over websockets. Every connection gets its own feed.
type Server struct {
	store    *memory.Store
	logger   logging.Logger
	upgrader websocket.Upgrader
	conns    *safe.Map[string, *serverConn]
}

// NewServer returns a server for the store
func NewServer(store *memory.Store, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{
		store:  store,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: safe.NewMap[string, *serverConn](nil),
	}
}

type serverConn struct {
	id   string
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *serverConn) write(frame *Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(frame)
}

// ServeHTTP upgrades the request and serves watch requests until the client disconnects
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error(r.Context(), "failed to upgrade listen request", err, map[string]any{
			"request.path": r.URL.Path,
		})
		return
	}
	defer conn.Close()
	sc := &serverConn{id: ksuid.New().String(), conn: conn}
	ctx := logging.WithTags(r.Context(), map[string]any{"conn_id": sc.id})
	s.conns.Set(sc.id, sc)
	defer s.conns.Del(sc.id)

	feed := s.store.NewFeed(func(version model.SnapshotVersion, change watch.WatchChange) {
		frame, err := EncodeChange(version, change)
		if err != nil {
			s.logger.Error(ctx, "failed to encode watch change", err, nil)
			return
		}
		if err := sc.write(frame); err != nil {
			s.logger.Debug(ctx, "failed to write frame", map[string]any{"error": err.Error()})
		}
	})
	defer feed.Close()
	s.logger.Debug(ctx, "listen connection open", nil)

	for {
		var req Request
		_, bits, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug(ctx, "listen connection closed", map[string]any{"error": err.Error()})
			}
			return
		}
		if err := json.Unmarshal(bits, &req); err != nil {
			s.closeWithError(ctx, sc, errors.Wrap(err, errors.InvalidArgument, "failed to decode request"))
			return
		}
		if err := util.ValidateStruct(&req); err != nil {
			s.closeWithError(ctx, sc, err)
			return
		}
		switch req.Type {
		case Watch:
			err = feed.Watch(*req.Target)
		case Unwatch:
			err = feed.Unwatch(req.TargetID)
		}
		if err != nil {
			s.closeWithError(ctx, sc, err)
			return
		}
	}
}

// closeWithError sends a close frame whose reason is the error json
func (s *Server) closeWithError(ctx context.Context, sc *serverConn, err error) {
	s.logger.Warn(ctx, "closing listen connection", map[string]any{"error": err.Error()})
	sc.mu.Lock()
	defer sc.mu.Unlock()
	reason := err.Error()
	// control frame payloads are limited to 125 bytes
	if len(reason) > 123 {
		reason = reason[:123]
	}
	_ = sc.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseUnsupportedData, reason))
}

// Broadcast sends a change to every connection, as the backend does when it resets all targets
func (s *Server) Broadcast(ctx context.Context, version model.SnapshotVersion, change watch.WatchChange) error {
	frame, err := EncodeChange(version, change)
	if err != nil {
		return err
	}
	s.conns.Range(func(id string, sc *serverConn) bool {
		if err := sc.write(frame); err != nil {
			s.logger.Debug(ctx, "failed to broadcast frame", map[string]any{"conn_id": id, "error": err.Error()})
		}
		return true
	})
	return nil
}

// Connections returns the number of open connections
func (s *Server) Connections() int {
	return s.conns.Len()
}

// Close closes every connection
func (s *Server) Close() {
	s.conns.Range(func(id string, sc *serverConn) bool {
		sc.mu.Lock()
		_ = sc.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
		sc.mu.Unlock()
		_ = sc.conn.Close()
		return true
	})
}
