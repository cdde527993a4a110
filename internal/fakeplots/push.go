package fakeplots

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/lxzan/gws"

	"github.com/parcelsync/parcelsync.go/pkg/models"
)

// sseBuffer is how many events a slow subscriber may fall behind before
// events are dropped for it.
const sseBuffer = 64

var handshakeMessage = []byte(`{"type":"connected"}`)

type sseSubscriber struct {
	messages chan []byte
	drop     chan struct{}
}

// Publish sends ev to every push subscriber.
func (s *Server) Publish(ev models.PushEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("fakeplots.Server failed to encode event", "error", err)
		return
	}
	s.PublishRaw(data)
}

// PublishRaw sends data verbatim, which may be malformed on purpose.
func (s *Server) PublishRaw(data []byte) {
	s.subMu.Lock()
	sse := make([]*sseSubscriber, 0, len(s.sseSubs))
	for _, sub := range s.sseSubs {
		sse = append(sse, sub)
	}
	ws := make([]*gws.Conn, 0, len(s.wsSubs))
	for conn := range s.wsSubs {
		ws = append(ws, conn)
	}
	s.subMu.Unlock()

	for _, sub := range sse {
		select {
		case sub.messages <- data:
		default:
			s.logger.Warn("fakeplots.Server dropped event for slow subscriber")
		}
	}
	for _, conn := range ws {
		if err := conn.WriteMessage(gws.OpcodeText, data); err != nil {
			s.logger.Debug("fakeplots.Server failed to write event", "error", err)
		}
	}
}

// Subscribers returns the number of open push connections.
func (s *Server) Subscribers() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.sseSubs) + len(s.wsSubs)
}

// DropConnections abruptly closes every open push connection.
func (s *Server) DropConnections() {
	s.subMu.Lock()
	sse := s.sseSubs
	ws := s.wsSubs
	s.sseSubs = make(map[int]*sseSubscriber)
	s.wsSubs = make(map[*gws.Conn]struct{})
	s.subMu.Unlock()

	for _, sub := range sse {
		close(sub.drop)
	}
	for conn := range ws {
		_ = conn.NetConn().Close()
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := &sseSubscriber{messages: make(chan []byte, sseBuffer), drop: make(chan struct{})}
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.sseSubs[id] = sub
	s.subMu.Unlock()

	defer func() {
		s.subMu.Lock()
		delete(s.sseSubs, id)
		s.subMu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if s.handshake {
		writeEvent(w, handshakeMessage)
	}
	flusher.Flush()

	for {
		select {
		case data := <-sub.messages:
			writeEvent(w, data)
			flusher.Flush()
		case <-sub.drop:
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					_ = conn.Close()
				}
			}
			return
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, data []byte) {
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	socket, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		s.logger.Debug("fakeplots.Server websocket upgrade failed", "error", err)
		return
	}
	go socket.ReadLoop()
}

// wsHandler implements the gws.Event interface for push connections.
type wsHandler struct {
	gws.BuiltinEventHandler
	server *Server
}

func (h *wsHandler) OnOpen(socket *gws.Conn) {
	h.server.subMu.Lock()
	h.server.wsSubs[socket] = struct{}{}
	h.server.subMu.Unlock()

	if h.server.handshake {
		if err := socket.WriteMessage(gws.OpcodeText, handshakeMessage); err != nil {
			h.server.logger.Debug("fakeplots.Server failed to write handshake", "error", err)
		}
	}
}

func (h *wsHandler) OnClose(socket *gws.Conn, _ error) {
	h.server.subMu.Lock()
	delete(h.server.wsSubs, socket)
	h.server.subMu.Unlock()
}

func (h *wsHandler) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.WritePong(payload)
}

// OnMessage ignores client messages; the channel is server to client only.
func (h *wsHandler) OnMessage(_ *gws.Conn, message *gws.Message) {
	_ = message.Close()
}
