// Package websocket implements the push channel transport over a
// gorilla/websocket connection. Every text or binary frame is one event
// payload.
package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/parcelsync/parcelsync.go/pkg/constants"
	"github.com/parcelsync/parcelsync.go/pkg/logger"
	"github.com/parcelsync/parcelsync.go/pkg/realtime"
)

// DefaultDialer is the gorilla dialer used when Dialer.WS is nil.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
}

// CloseTimeout bounds the close frame write on teardown.
var CloseTimeout = time.Second

// Dialer opens websocket push streams. URL uses the ws or wss scheme.
type Dialer struct {
	URL    string
	Header http.Header
	WS     *gorilla.Dialer

	logger logger.Logger
}

var _ realtime.Dialer = (*Dialer)(nil)

func New(url string, log logger.Logger) *Dialer {
	return &Dialer{URL: url, logger: logger.OrNop(log)}
}

func (d *Dialer) Dial(ctx context.Context) (realtime.Stream, error) {
	ws := d.WS
	if ws == nil {
		ws = DefaultDialer
	}

	conn, res, err := ws.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("websocket dial %s: status %d: %w", d.URL, res.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", d.URL, err)
	}
	_ = res.Body.Close()

	s := &stream{conn: conn, logger: logger.OrNop(d.logger), done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

type stream struct {
	conn   *gorilla.Conn
	logger logger.Logger

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

func (s *stream) Recv() ([]byte, error) {
	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return nil, constants.ErrClosed
			default:
			}
			return nil, err
		}
		if typ == gorilla.TextMessage || typ == gorilla.BinaryMessage {
			return data, nil
		}
	}
}

// Close sends a normal closure frame and closes the connection. The close
// frame is best effort; the connection is closed regardless.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		msg := gorilla.FormatCloseMessage(constants.CloseMessageCode, "")
		if err := s.conn.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(CloseTimeout)); err != nil {
			s.logger.Debug("websocket.stream failed to write close message", "error", err)
		}
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
