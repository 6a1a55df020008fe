// Package api exposes the relay's status and control surface over a local
// HTTP API, consumed by dashboards and the relay-mcp companion binary.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/mentionrelay/mention-relay/internal/biz/domain"
	"github.com/mentionrelay/mention-relay/internal/biz/repo"
	"github.com/mentionrelay/mention-relay/internal/service"
)

// Server provides the operator HTTP API.
type Server struct {
	scheduler *service.Scheduler
	archive   repo.ArchiveRepo

	// baseCtx is the lifetime the scheduler restarts under when an
	// operator calls start after a stop.
	baseCtx context.Context

	server *http.Server
	port   int
}

// NewServer creates the API server. baseCtx bounds scheduler restarts.
func NewServer(baseCtx context.Context, scheduler *service.Scheduler, archive repo.ArchiveRepo, port int) *Server {
	return &Server{
		scheduler: scheduler,
		archive:   archive,
		baseCtx:   baseCtx,
		port:      port,
	}
}

// Start starts the HTTP server. Blocks until shutdown.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/control/", s.handleControl)
	mux.HandleFunc("/api/allowlist", s.handleAllowList)
	mux.HandleFunc("/api/allowlist/", s.handleAllowListItem)
	mux.HandleFunc("/api/outcomes", s.handleOutcomes)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	s.server = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", s.port),
		Handler: mux,
	}

	fmt.Printf("[API] Starting HTTP server on port %d\n", s.port)
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Shutdown(context.Background())
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.scheduler.Status())
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	action := strings.TrimPrefix(r.URL.Path, "/api/control/")
	switch action {
	case "start":
		s.scheduler.Start(s.baseCtx)
	case "stop":
		s.scheduler.Stop()
	case "clear-cache":
		s.scheduler.ClearCache()
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
		return
	}
	s.writeJSON(w, map[string]interface{}{"ok": true, "action": action})
}

func (s *Server) handleAllowList(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		entries, err := s.archive.GetAllowList(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, map[string]interface{}{"entries": entries})

	case http.MethodPost:
		var req struct {
			Handle  string `json:"handle"`
			Note    string `json:"note"`
			AddedBy string `json:"added_by"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if req.Handle == "" {
			s.writeError(w, &domain.ValidationError{Field: "handle", Message: "required"})
			return
		}
		entry := &domain.AllowListEntry{Handle: req.Handle, Note: req.Note, AddedBy: req.AddedBy}
		if err := s.archive.AddToAllowList(r.Context(), entry); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, map[string]interface{}{"ok": true})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAllowListItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	handle := strings.TrimPrefix(r.URL.Path, "/api/allowlist/")
	if handle == "" {
		http.Error(w, "handle required", http.StatusBadRequest)
		return
	}
	if err := s.archive.RemoveFromAllowList(r.Context(), handle); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"ok": true})
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		}
	}
	outcomes, err := s.archive.RecentOutcomes(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"outcomes": outcomes})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Printf("[API] Failed to encode response: %v\n", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var invalid *domain.ValidationError
	if errors.As(err, &invalid) {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
