// Package server owns the socket/transport layer between the runner and the
// browser-automation client. The orchestrator wires it; protocol details
// stay in here.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/sergeknystautas/specmux/internal/config"
	"github.com/sergeknystautas/specmux/internal/specs"
)

// Stats summarizes a session when the channel ends.
type Stats struct {
	Connections   int           `json:"connections"`
	MessagesSent  int           `json:"messagesSent"`
	SpecsNotified int           `json:"specsNotified"`
	Uptime        time.Duration `json:"uptime"`
}

// PreRequest registers an expected outgoing request with the proxy layer so
// it can be correlated when the browser issues it.
type PreRequest struct {
	RequestID string `json:"requestId"`
	Method    string `json:"method"`
	URL       string `json:"url"`
}

// Events is the subscription surface for session-channel notifications.
// Handlers for one event name are delivered in registration order.
type Events struct {
	OnConnect      func()
	OnSpecChanged  func(spec string)
	OnCaptureFrame func(payload json.RawMessage)
	OnRunEnd       func(stats Stats)
}

// Server is the session server. Zero value is not usable; call New.
type Server struct {
	mu        sync.Mutex
	cfg       *config.Snapshot
	listener  net.Listener
	http      *http.Server
	port      int
	openedAt  time.Time
	events    Events
	started   bool
	conns     map[*conn]bool
	specList  []specs.Descriptor
	prereqs   []PreRequest
	sent      int
	specsSent int
	connTotal int
}

func New() *Server {
	return &Server{conns: make(map[*conn]bool)}
}

// Open binds the listener and starts serving. When the configured port is
// taken, it falls back to an ephemeral port and returns a warning instead of
// failing open().
func (s *Server) Open(cfg *config.Snapshot) (int, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return 0, "", errors.New("session server already open")
	}

	warning := ""
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil && cfg.Port != 0 {
		warning = fmt.Sprintf("port %d is in use, using an available port instead", cfg.Port)
		listener, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to bind session server: %w", err)
	}

	tcpAddr, _ := listener.Addr().(*net.TCPAddr)
	if tcpAddr == nil {
		listener.Close()
		return 0, "", errors.New("failed to resolve session server address")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/__specmux/ws", s.handleChannel)
	mux.HandleFunc("/__specmux/specs", s.handleSpecList)
	mux.HandleFunc("/__specmux/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.cfg = cfg
	s.listener = listener
	s.port = tcpAddr.Port
	s.openedAt = time.Now()
	s.http = &http.Server{Handler: mux}

	srv := s.http
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("session server stopped unexpectedly", "error", err)
		}
	}()

	return s.port, warning, nil
}

// Automation is the handle to the browser-automation side of the channel,
// returned by StartChannel and owned by the orchestrator.
type Automation struct {
	s *Server
}

// Reset asks the automation client to drop its run state.
func (a *Automation) Reset() {
	a.s.mu.Lock()
	conns := a.s.connSnapshot()
	a.s.mu.Unlock()
	a.s.broadcast(conns, message{Type: "automation:reset"})
}

// Close ends the automation session without tearing down the server.
func (a *Automation) Close() {
	a.s.mu.Lock()
	conns := a.s.connSnapshot()
	a.s.mu.Unlock()
	a.s.broadcast(conns, message{Type: "automation:close"})
}

// StartChannel arms the websocket channel with the event subscriptions and
// returns the automation session handle. Connections arriving before
// StartChannel are rejected.
func (s *Server) StartChannel(cfg *config.Snapshot, events Events) *Automation {
	s.mu.Lock()
	s.cfg = cfg
	s.events = events
	s.started = true
	s.mu.Unlock()
	return &Automation{s: s}
}

// SendSpecList pushes the current spec set to every connected client.
func (s *Server) SendSpecList(list []specs.Descriptor, specType string) {
	s.mu.Lock()
	s.specList = append([]specs.Descriptor(nil), list...)
	s.specsSent++
	conns := s.connSnapshot()
	s.mu.Unlock()

	s.broadcast(conns, message{Type: "specs:changed", Payload: mustJSON(map[string]any{
		"specType": specType,
		"specs":    list,
	})})
}

// RegisterPreRequest records an expected request with the proxy layer.
func (s *Server) RegisterPreRequest(req PreRequest) {
	s.mu.Lock()
	s.prereqs = append(s.prereqs, req)
	conns := s.connSnapshot()
	s.mu.Unlock()

	s.broadcast(conns, message{Type: "proxy:prerequest", Payload: mustJSON(req)})
}

// NavigateTo asks connected clients to load url.
func (s *Server) NavigateTo(url string) {
	s.mu.Lock()
	conns := s.connSnapshot()
	s.mu.Unlock()

	s.broadcast(conns, message{Type: "navigate", Payload: mustJSON(map[string]string{"url": url})})
}

// Reset tells clients to drop run state. Safe with no connections.
func (s *Server) Reset() {
	s.mu.Lock()
	s.prereqs = nil
	conns := s.connSnapshot()
	s.mu.Unlock()

	s.broadcast(conns, message{Type: "session:reset"})
}

// End reports session stats and notifies the run-end subscription.
func (s *Server) End() Stats {
	s.mu.Lock()
	stats := Stats{
		Connections:   s.connTotal,
		MessagesSent:  s.sent,
		SpecsNotified: s.specsSent,
	}
	if !s.openedAt.IsZero() {
		stats.Uptime = time.Since(s.openedAt)
	}
	onRunEnd := s.events.OnRunEnd
	s.mu.Unlock()

	if onRunEnd != nil {
		onRunEnd(stats)
	}
	return stats
}

// Port returns the bound port, 0 when closed.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Close shuts the listener and every channel connection down.
func (s *Server) Close() error {
	s.mu.Lock()
	httpServer := s.http
	conns := s.connSnapshot()
	s.http = nil
	s.listener = nil
	s.port = 0
	s.started = false
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	if httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

func (s *Server) handleSpecList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	list := append([]specs.Descriptor(nil), s.specList...)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(list); err != nil {
		log.Warn("failed to encode spec list", "error", err)
	}
}

func (s *Server) connSnapshot() []*conn {
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (s *Server) broadcast(conns []*conn, msg message) {
	for _, c := range conns {
		if err := c.send(msg); err != nil {
			log.Debug("dropping dead channel connection", "error", err)
			s.dropConn(c)
			continue
		}
		s.mu.Lock()
		s.sent++
		s.mu.Unlock()
	}
}

func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.close()
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// Payload types are our own structs and maps; this cannot fail.
		panic(err)
	}
	return data
}
