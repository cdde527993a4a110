package sse

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelsync/parcelsync.go/pkg/constants"
	"github.com/parcelsync/parcelsync.go/pkg/logger"
	"github.com/parcelsync/parcelsync.go/pkg/realtime"
	"github.com/parcelsync/parcelsync.go/pkg/scheduler"
)

func eventServer(t *testing.T, body string, hold bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "c1", r.Header.Get("X-Client-Id"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, body)
		w.(http.Flusher).Flush()
		if hold {
			<-r.Context().Done()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialer(url string) *Dialer {
	d := New(url, nil)
	d.Header = http.Header{"X-Client-Id": []string{"c1"}}
	return d
}

func TestRecvEvents(t *testing.T) {
	body := ": keepalive\n\n" +
		"data: {\"type\":\"connected\"}\n\n" +
		"event: change\nid: 7\ndata: {\"type\":\"plot_deleted\",\n" +
		"data: \"plotId\":\"p1\"}\n\n" +
		"retry: 1000\n\n"
	srv := eventServer(t, body, false)

	s, err := dialer(srv.URL).Dial(context.Background())
	require.NoError(t, err)
	defer s.Close()

	msg, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"connected"}`, string(msg))

	msg, err = s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "{\"type\":\"plot_deleted\",\n\"plotId\":\"p1\"}", string(msg))

	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDialRejectsNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestCloseUnblocksRecv(t *testing.T) {
	srv := eventServer(t, "data: {\"type\":\"connected\"}\n\n", true)

	s, err := dialer(srv.URL).Dial(context.Background())
	require.NoError(t, err)

	_, err = s.Recv()
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := s.Recv()
		errs <- err
	}()

	require.NoError(t, s.Close())
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, constants.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Recv did not return after Close")
	}
	assert.NoError(t, s.Close())
}

func TestContextCancelEndsStream(t *testing.T) {
	srv := eventServer(t, "", true)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := dialer(srv.URL).Dial(ctx)
	require.NoError(t, err)
	defer s.Close()

	cancel()
	_, err = s.Recv()
	assert.Error(t, err)
}

// stalledServer accepts requests and never answers them.
func stalledServer(t *testing.T) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return srv
}

func TestDialTimesOutWithoutHeaders(t *testing.T) {
	srv := stalledServer(t)

	d := dialer(srv.URL)
	d.HandshakeTimeout = 100 * time.Millisecond

	start := time.Now()
	_, err := d.Dial(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, constants.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestStalledServerDoesNotWedgeChannel(t *testing.T) {
	srv := stalledServer(t)

	d := dialer(srv.URL)
	d.HandshakeTimeout = 100 * time.Millisecond

	loop := scheduler.NewLoop(logger.Nop())
	defer loop.Close()
	ch := realtime.New(d, loop, realtime.WithBackoff(time.Hour, time.Hour))
	defer ch.Close()

	require.NoError(t, ch.Start(context.Background()))
	require.Eventually(t, func() bool {
		return ch.State() == realtime.StateDisconnected && ch.ReconnectPending()
	}, 5*time.Second, 10*time.Millisecond)
}
