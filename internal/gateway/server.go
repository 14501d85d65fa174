// Package gateway serves the kernel over HTTP and WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dohr-michael/shellkernel/internal/arbiter"
	"github.com/dohr-michael/shellkernel/internal/events"
	"github.com/dohr-michael/shellkernel/internal/gateway/ws"
	"github.com/dohr-michael/shellkernel/internal/kernel"
	"github.com/dohr-michael/shellkernel/internal/protocol"
)

// Kernel is the kernel as seen by the gateway.
type Kernel interface {
	ws.Kernel
	State() kernel.State
	ExecutionCount() int
	ArbiterState() arbiter.State
	LastPump() time.Time
}

// KernelStatus is the body of GET /api/kernel.
type KernelStatus struct {
	Info           protocol.KernelInfoReply `json:"info"`
	Session        string                   `json:"session"`
	State          kernel.State             `json:"state"`
	ExecutionCount int                      `json:"execution_count"`
	Arbiter        arbiter.State            `json:"arbiter"`
	LastPump       time.Time                `json:"last_pump,omitzero"`
	Clients        int                      `json:"clients"`
}

// Server is the kernel gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	bus        *events.Bus
	kernel     Kernel
	listener   net.Listener
}

// NewServer creates a new gateway server.
func NewServer(k Kernel, bus *events.Bus, host string, port int) *Server {
	hub := ws.NewHub(k, bus)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	s := &Server{
		hub:    hub,
		bus:    bus,
		kernel: k,
	}

	// Routes
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/kernel", s.handleKernel)
	r.Get("/api/events", s.handleEvents)
	r.Get("/api/kernels/channels", hub.ServeWS)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Listen binds the server address. Start calls it when needed.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Start begins serving. It blocks until the server is stopped.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	slog.Info("kernel gateway listening", "addr", s.Addr())
	return s.httpServer.Serve(s.listener)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleKernel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, KernelStatus{
		Info:           s.kernel.KernelInfo(),
		Session:        s.hub.Session(),
		State:          s.kernel.State(),
		ExecutionCount: s.kernel.ExecutionCount(),
		Arbiter:        s.kernel.ArbiterState(),
		LastPump:       s.kernel.LastPump(),
		Clients:        s.hub.Clients(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	history := s.bus.History(limit)

	type eventJSON struct {
		ID        string             `json:"id"`
		Type      string             `json:"type"`
		Timestamp string             `json:"timestamp"`
		Source    events.EventSource `json:"source"`
		Parent    *protocol.Header   `json:"parent,omitempty"`
		Payload   map[string]any     `json:"payload"`
	}

	result := make([]eventJSON, len(history))
	for i, e := range history {
		result[i] = eventJSON{
			ID:        e.ID,
			Type:      string(e.Type),
			Timestamp: e.Timestamp.Format(time.RFC3339Nano),
			Source:    e.Source,
			Parent:    e.Parent,
			Payload:   e.Payload,
		}
	}

	writeJSON(w, result)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}
