// Package server exposes the engine over HTTP: a health check, a sync
// trigger, and a read-only book listing. Mapping and interactive flows stay
// on the CLI.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/drallgood/koreader-hardcover-sync/internal/database"
	"github.com/drallgood/koreader-hardcover-sync/internal/logger"
	syncer "github.com/drallgood/koreader-hardcover-sync/internal/sync"
)

// Server is the HTTP front-end of the sync engine
type Server struct {
	server  *http.Server
	store   *database.Store
	service *syncer.Service
	logger  *logger.Logger

	// passMu serializes HTTP-triggered passes; an overlapping trigger gets
	// a 409 instead of a second concurrent pass
	passMu sync.Mutex
}

// New creates the HTTP server
func New(addr string, store *database.Store, service *syncer.Service, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Get()
	}

	s := &Server{
		store:   store,
		service: service,
		logger:  log.With(map[string]interface{}{"component": "server"}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthCheck)
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/api/books", s.handleBooks)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      logger.HTTPMiddleware(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	return s
}

// Start begins serving. Blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", map[string]interface{}{
		"addr": s.server.Addr,
	})
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

// handleHealthCheck reports liveness
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSync runs one ingest-and-sync pass. A pass already in progress is
// reported with 409 rather than queued.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.passMu.TryLock() {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "a sync pass is already running",
		})
		return
	}
	defer s.passMu.Unlock()

	ctx := r.Context()

	if _, err := s.service.Ingest(ctx); err != nil {
		s.logger.Error("Ingest failed", map[string]interface{}{
			"error": err.Error(),
		})
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	// HTTP-triggered passes have no TTY; ambiguous books come back skipped
	results, err := s.service.Run(ctx, syncer.RunOptions{Limit: limit})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":   err.Error(),
			"results": results,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// handleBooks lists cached books joined with their mappings
func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	filter := query.Get("filter")

	limit := 50
	if v := query.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if v := query.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	rows, total, err := s.store.ListBooks(filter, limit, offset)
	if err != nil {
		s.logger.Error("Failed to list books", map[string]interface{}{
			"error": err.Error(),
		})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"books": rows,
		"total": total,
	})
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Get().Error("Failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
