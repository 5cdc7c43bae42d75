// Package api serves the relay's admin HTTP endpoint: Prometheus metrics,
// a health probe and the queue listing and replay operations.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/busybox42/smtp2graph/internal/logging"
	"github.com/busybox42/smtp2graph/internal/queue"
	"github.com/busybox42/smtp2graph/internal/version"
)

// DefaultListenAddr is used when no listen address is configured
const DefaultListenAddr = "127.0.0.1:9464"

// Server is the admin HTTP server
type Server struct {
	listenAddr  string
	storage     *queue.FileStorage
	logger      *slog.Logger
	rateLimiter *RateLimitMiddleware
	router      *mux.Router
	started     time.Time

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// MessageInfo describes a queued message file
type MessageInfo struct {
	Name     string    `json:"name"`
	Area     string    `json:"area"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// QueueListing is the response of GET /api/queue
type QueueListing struct {
	Pending []MessageInfo `json:"pending"`
	Failed  []MessageInfo `json:"failed"`
}

// NewServer creates the admin server. storage may be nil, in which case the
// queue routes are not registered.
func NewServer(listenAddr string, storage *queue.FileStorage, logger *slog.Logger) *Server {
	if listenAddr == "" {
		listenAddr = DefaultListenAddr
	}

	s := &Server{
		listenAddr:  listenAddr,
		storage:     storage,
		logger:      logging.OrDiscard(logger).With("component", "api-server"),
		rateLimiter: NewRateLimitMiddleware(DefaultRequestsPerSecond, DefaultBurst),
		started:     time.Now(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware(s.logger))
	r.Use(s.rateLimiter.Limit)

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	if s.storage != nil {
		api := r.PathPrefix("/api").Subrouter()
		api.HandleFunc("/queue", s.handleListQueues).Methods("GET")
		api.HandleFunc("/queue/{area}", s.handleListArea).Methods("GET")
		api.HandleFunc("/queue/failed/retry", s.handleRetryAll).Methods("POST")
		api.HandleFunc("/queue/failed/{name}/retry", s.handleRetry).Methods("POST")
	}

	return r
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("api server already running")
	}

	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}

	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}(s.httpServer)

	s.logger.Info("API server started", "listen_addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops the server, waiting for active requests until ctx is done
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	pending, err := s.list(queue.Pending)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	failed, err := s.list(queue.Failed)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, QueueListing{Pending: pending, Failed: failed})
}

func (s *Server) handleListArea(w http.ResponseWriter, r *http.Request) {
	area, err := parseArea(mux.Vars(r)["area"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	messages, err := s.list(area)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	err := s.storage.Replay(name)
	switch {
	case errors.Is(err, queue.ErrInvalidName):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, os.ErrNotExist):
		writeError(w, http.StatusNotFound, "message not found in failed queue")
		return
	case err != nil:
		s.internalError(w, r, err)
		return
	}

	s.logger.InfoContext(r.Context(), "Failed message replayed", "file", name)
	writeJSON(w, http.StatusOK, map[string]any{"replayed": 1})
}

func (s *Server) handleRetryAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.storage.ReplayAll()
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	s.logger.InfoContext(r.Context(), "Failed messages replayed", "count", n)
	writeJSON(w, http.StatusOK, map[string]any{"replayed": n})
}

func (s *Server) list(area queue.Area) ([]MessageInfo, error) {
	entries, err := s.storage.List(area)
	if err != nil {
		return nil, err
	}
	out := make([]MessageInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, MessageInfo{
			Name:     e.Name,
			Area:     string(e.Area),
			Size:     e.Size,
			Modified: e.ModTime,
		})
	}
	return out, nil
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.ErrorContext(r.Context(), "API request failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func parseArea(name string) (queue.Area, error) {
	switch queue.Area(name) {
	case queue.Pending, queue.Failed:
		return queue.Area(name), nil
	case "pending":
		return queue.Pending, nil
	default:
		return "", fmt.Errorf("unknown queue %q: expected queue or failed", name)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
