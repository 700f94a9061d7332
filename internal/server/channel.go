package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// message is the wire envelope for both directions of the session channel.
type message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// conn wraps a websocket connection with a write lock; gorilla/websocket
// allows only one concurrent writer.
type conn struct {
	id string
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) send(msg message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(msg)
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.Close()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The server binds loopback only; cross-origin access is local tooling.
		return true
	},
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	started := s.started
	events := s.events
	s.mu.Unlock()
	if !started {
		http.Error(w, "session channel not started", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{id: uuid.NewString(), ws: ws}

	s.mu.Lock()
	s.conns[c] = true
	s.connTotal++
	s.mu.Unlock()
	log.Debug("channel connected", "conn", c.id, "remote", r.RemoteAddr)

	if events.OnConnect != nil {
		events.OnConnect()
	}

	defer s.dropConn(c)
	for {
		var msg message
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "spec:changed":
			var payload struct {
				Spec string `json:"spec"`
			}
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				log.Warn("malformed spec:changed payload", "error", err)
				continue
			}
			if events.OnSpecChanged != nil {
				events.OnSpecChanged(payload.Spec)
			}
		case "capture:frame":
			if events.OnCaptureFrame != nil {
				events.OnCaptureFrame(msg.Payload)
			}
		default:
			log.Debug("unhandled channel message", "type", msg.Type)
		}
	}
}
