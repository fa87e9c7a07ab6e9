package admin

import (
	"bufio"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/streamnode/brokerd/internal/logger"
)

// Event is one entry on the mirrored event stream, fanned out here for
// operator observability.
type Event struct {
	Type       string `json:"type"`
	ResourceID uint32 `json:"resource_id,omitempty"`
	Metadata   any    `json:"metadata,omitempty"`
}

// eventHub fans out published events to every subscribed listener. A slow
// or stalled listener never blocks publishers: its channel is buffered and
// a full channel just drops the event for that one listener.
type eventHub struct {
	mu        sync.Mutex
	listeners map[int]chan Event
	nextID    int
}

func newEventHub() *eventHub {
	return &eventHub{listeners: make(map[int]chan Event)}
}

func (h *eventHub) subscribe() (int, <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	ch := make(chan Event, 64)
	h.listeners[id] = ch

	return id, ch
}

func (h *eventHub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.listeners[id]; ok {
		delete(h.listeners, id)
		close(ch)
	}
}

func (h *eventHub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.listeners {
		select {
		case ch <- ev:
		default:
			logger.Warn("admin: event listener backlog full, dropping event", logger.Ctx{"listener_id": id, "event_type": ev.Type})
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEvents serves GET /1.0/events. A websocket Upgrade request gets a
// websocket connection; anything else falls back to a hijacked, newline-
// delimited JSON stream, mirroring the upgrade-or-hijack shape of the
// teacher's own event socket handler.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ch := s.hub.subscribe()
	defer s.hub.unsubscribe(id)

	if r.Header.Get("Upgrade") == "websocket" {
		s.serveWebsocket(w, r, ch)
		return
	}

	s.serveHijacked(w, r, ch)
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request, ch <-chan Event) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("admin: websocket upgrade failed", logger.Ctx{"err": err})
		return
	}
	defer conn.Close()

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

func (s *Server) serveHijacked(w http.ResponseWriter, r *http.Request, ch <-chan Event) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	conn, buf, err := hj.Hijack()
	if err != nil {
		logger.Warn("admin: event stream hijack failed", logger.Ctx{"err": err})
		return
	}
	defer conn.Close()

	if _, err := buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: application/x-ndjson\r\n\r\n"); err != nil {
		return
	}

	if err := buf.Flush(); err != nil {
		return
	}

	writeEvent := func(w *bufio.Writer, ev Event) error {
		enc := json.NewEncoder(w)
		if err := enc.Encode(ev); err != nil {
			return err
		}

		return w.Flush()
	}

	for ev := range ch {
		if err := writeEvent(buf, ev); err != nil {
			return
		}
	}
}
