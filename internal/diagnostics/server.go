// Package diagnostics serves /healthz, /metrics, and a read-only debug
// websocket stream over a small chi mux, with the usual middleware chain
// (request id, panic recovery).
package diagnostics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	json "github.com/goccy/go-json"

	"github.com/yasunoritani/manxo-bridge/internal/logging"
)

// HealthFunc reports the bridge's current health for /healthz.
type HealthFunc func() Health

// RecentEventsFunc fetches the last n durably published StateEvent
// payloads for /debug/events.
type RecentEventsFunc func(ctx context.Context, n int) ([][]byte, error)

// Health is the structured status returned by system.status and /healthz.
type Health struct {
	Status          string         `json:"status"`
	MirrorSyncID    uint64         `json:"mirrorSyncId"`
	ConnectionState string         `json:"connectionState"`
	ActiveRequests  int            `json:"activeRequests"`
	WatchHealth     map[string]int `json:"watchHealth"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the diagnostics HTTP surface.
type Server struct {
	addr         string
	hub          *Hub
	health       HealthFunc
	recentEvents RecentEventsFunc
	srv          *http.Server
}

// NewServer builds a diagnostics Server bound to addr. recentEvents may be
// nil, in which case /debug/events reports 501.
func NewServer(addr string, hub *Hub, health HealthFunc, recentEvents RecentEventsFunc) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	s := &Server{addr: addr, hub: hub, health: health, recentEvents: recentEvents}

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/debug/stream", s.handleDebugStream)
	r.Get("/debug/events", s.handleDebugEvents)

	s.srv = &http.Server{Addr: addr, Handler: r}
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h := s.health()
	w.Header().Set("Content-Type", "application/json")
	if h.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, h)
}

func (s *Server) handleDebugStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("diagnostics: websocket upgrade failed")
		return
	}
	s.hub.Register(conn)
	// Read loop only drains/discards; this channel never accepts mutations.
	go func() {
		defer s.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleDebugEvents(w http.ResponseWriter, r *http.Request) {
	if s.recentEvents == nil {
		http.Error(w, "recent events not available", http.StatusNotImplemented)
		return
	}
	n := 50
	if q := r.URL.Query().Get("n"); q != "" {
		if v, err := strconv.Atoi(q); err == nil && v > 0 {
			n = v
		}
	}
	raw, err := s.recentEvents(r.Context(), n)
	if err != nil {
		logging.Warn().Err(err).Msg("diagnostics: fetch recent events failed")
		http.Error(w, "fetch recent events failed", http.StatusBadGateway)
		return
	}
	events := make([]json.RawMessage, len(raw))
	for i, b := range raw {
		events[i] = json.RawMessage(b)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, events)
}

// Serve starts the HTTP server and blocks until ctx is cancelled, implementing
// suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	_ = json.NewEncoder(w).Encode(v)
}
