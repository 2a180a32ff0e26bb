package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/logging"
	"github.com/autom8ter/docsync/model"
	"github.com/autom8ter/docsync/remote"
)

// Stream is a remote.WatchStream over a websocket
type Stream struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger logging.Logger

	mu      sync.Mutex
	session *session
}

// NewStream returns a stream that dials serverURL + ListenPath. http urls are rewritten to ws urls.
func NewStream(serverURL string, header http.Header, logger logging.Logger) *Stream {
	if strings.HasPrefix(serverURL, "http") {
		serverURL = strings.Replace(serverURL, "http", "ws", 1)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Stream{
		url:    strings.TrimSuffix(serverURL, "/") + ListenPath,
		header: header,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

// session is one connection attempt. Its handler is silenced once the session is closed.
type session struct {
	mu      sync.Mutex
	handler remote.WatchStreamHandler
	conn    *websocket.Conn
	closed  bool
	cancel  context.CancelFunc
}

func (s *session) notify(fn func(h remote.WatchStreamHandler)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	fn(s.handler)
}

func (s *session) send(req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conn == nil {
		return errors.New(errors.Unavailable, "listen stream is not open")
	}
	if err := s.conn.WriteJSON(req); err != nil {
		return errors.Wrap(err, errors.Unavailable, "failed to send %s request", req.Type)
	}
	return nil
}

// Open dials in the background. Dial and read failures are reported through handler.OnClose.
func (s *Stream) Open(ctx context.Context, handler remote.WatchStreamHandler) error {
	ctx, cancel := context.WithCancel(ctx)
	sess := &session{handler: handler, cancel: cancel}
	s.mu.Lock()
	previous := s.session
	s.session = sess
	s.mu.Unlock()
	if previous != nil {
		previous.close()
	}
	go s.run(ctx, sess)
	return nil
}

func (s *Stream) run(ctx context.Context, sess *session) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		sess.notify(func(h remote.WatchStreamHandler) {
			h.OnClose(errors.Wrap(err, errors.Unavailable, "failed to connect to %s", s.url))
		})
		return
	}
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		_ = conn.Close()
		return
	}
	sess.conn = conn
	sess.mu.Unlock()
	sess.notify(func(h remote.WatchStreamHandler) {
		h.OnOpen()
	})

	egp, ctx := errgroup.WithContext(ctx)
	egp.Go(func() error {
		<-ctx.Done()
		_ = conn.Close()
		return nil
	})
	egp.Go(func() error {
		defer sess.cancel()
		for {
			_, bits, err := conn.ReadMessage()
			if err != nil {
				return closeError(err)
			}
			var frame Frame
			if err := json.Unmarshal(bits, &frame); err != nil {
				return errors.Wrap(err, errors.Internal, "failed to decode frame")
			}
			change, err := frame.Decode()
			if err != nil {
				return err
			}
			sess.notify(func(h remote.WatchStreamHandler) {
				h.OnWatchChange(frame.Version, change)
			})
		}
	})
	err = egp.Wait()
	s.logger.Debug(ctx, "listen stream ended", map[string]any{"error": errString(err)})
	sess.notify(func(h remote.WatchStreamHandler) {
		h.OnClose(err)
	})
}

// closeError maps a read error to the error reported to the handler. A normal close is graceful
// and a close frame carrying an error json yields that error.
func closeError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == websocket.CloseNormalClosure {
			return nil
		}
		var e errors.Error
		if json.Unmarshal([]byte(closeErr.Text), &e) == nil && e.Code != 0 {
			return &e
		}
	}
	return errors.Wrap(err, errors.Unavailable, "listen stream failed")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *session) close() {
	s.mu.Lock()
	s.closed = true
	if s.conn != nil {
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *Stream) current() (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, errors.New(errors.Unavailable, "listen stream is not open")
	}
	return s.session, nil
}

// Watch implements remote.WatchStream
func (s *Stream) Watch(td model.TargetData) error {
	sess, err := s.current()
	if err != nil {
		return err
	}
	return sess.send(&Request{Type: Watch, Target: &td})
}

// Unwatch implements remote.WatchStream
func (s *Stream) Unwatch(targetID model.TargetID) error {
	sess, err := s.current()
	if err != nil {
		return err
	}
	return sess.send(&Request{Type: Unwatch, TargetID: targetID})
}

// Close implements remote.WatchStream
func (s *Stream) Close() error {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.mu.Unlock()
	if sess != nil {
		sess.close()
	}
	return nil
}
