// Package sse implements the push channel transport over a
// text/event-stream response. Each event's data, with multiple data lines
// joined by "\n", forms one payload.
package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"sync"
	"time"

	gosse "github.com/tmaxmax/go-sse"

	"github.com/parcelsync/parcelsync.go/pkg/constants"
	"github.com/parcelsync/parcelsync.go/pkg/logger"
	"github.com/parcelsync/parcelsync.go/pkg/realtime"
)

// MaxEventSize caps a single event of the stream.
const MaxEventSize = 1 << 20

// DefaultHandshakeTimeout bounds the wait for the response headers.
const DefaultHandshakeTimeout = 10 * time.Second

// Dialer opens event streams with a GET on URL.
type Dialer struct {
	URL    string
	Header http.Header
	// Client must not set a Timeout; the stream is long-lived and is bounded
	// by the dial context instead.
	Client *http.Client
	// HandshakeTimeout bounds the wait for the response headers. Zero uses
	// DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	logger logger.Logger
}

var _ realtime.Dialer = (*Dialer)(nil)

func New(url string, log logger.Logger) *Dialer {
	return &Dialer{URL: url, Client: http.DefaultClient, logger: logger.OrNop(log)}
}

func (d *Dialer) Dial(ctx context.Context) (realtime.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, http.NoBody)
	if err != nil {
		cancel()
		return nil, err
	}
	for k, vs := range d.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	// The timer cancels the whole request, so it is stopped as soon as the
	// headers are in.
	timer := time.AfterFunc(timeout, cancel)
	res, err := client.Do(req)
	if !timer.Stop() {
		if err == nil {
			_ = res.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("sse dial %s: no response within %s: %w", d.URL, timeout, constants.ErrTimeout)
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sse dial %s: %w", d.URL, err)
	}
	if res.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		_ = res.Body.Close()
		cancel()
		return nil, fmt.Errorf("sse dial %s: unexpected status %d", d.URL, res.StatusCode)
	}

	next, stop := iter.Pull2(gosse.Read(res.Body, &gosse.ReadConfig{MaxEventSize: MaxEventSize}))
	return &stream{
		body:   res.Body,
		next:   next,
		stop:   stop,
		cancel: cancel,
		logger: logger.OrNop(d.logger),
	}, nil
}

type stream struct {
	body   io.ReadCloser
	next   func() (gosse.Event, error, bool)
	stop   func()
	cancel context.CancelFunc
	logger logger.Logger

	mu     sync.Mutex
	closed bool
}

// Recv returns the data of the next event. Comments, ids, event names and
// retry hints are ignored; events without data are skipped. Recv must not
// be called concurrently.
func (s *stream) Recv() ([]byte, error) {
	for {
		ev, err, ok := s.next()
		switch {
		case !ok:
			s.stop()
			if s.isClosed() {
				return nil, constants.ErrClosed
			}
			return nil, io.EOF
		case err != nil:
			s.stop()
			if s.isClosed() {
				return nil, constants.ErrClosed
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, err
		case ev.Data == "":
			continue
		default:
			return []byte(ev.Data), nil
		}
	}
}
func (s *stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if err := s.body.Close(); err != nil {
		s.logger.Debug("sse.stream failed to close body", "error", err)
	}
	return nil
}
