package discovery

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/dcap-x-project/dcap-commerce/internal/httputil"
	"github.com/dcap-x-project/dcap-commerce/logger"
	"github.com/dcap-x-project/dcap-commerce/types"
)

// Server exposes the registry over HTTP
type Server struct {
	registry *Registry
	log      *logger.Logger
}

// NewServer creates an HTTP front for the registry
func NewServer(registry *Registry) *Server {
	return &Server{
		registry: registry,
		log:      logger.New().WithComponent("discovery-server"),
	}
}

// Routes registers the discovery endpoints on the mux
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/agents/", s.handleAgent)
	mux.HandleFunc("/health", s.handleHealth)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, types.NewValidationError("body", "invalid JSON body"))
		return
	}
	if req.AgentID == uuid.Nil {
		req.AgentID = uuid.New()
	}

	info, err := s.registry.Register(&req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, info)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, types.NewValidationError("body", "invalid JSON body"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.registry.Search(&req))
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	idStr := strings.TrimPrefix(r.URL.Path, "/agents/")
	agentID, err := uuid.Parse(idStr)
	if err != nil {
		httputil.WriteError(w, types.NewValidationError("agent_id", "invalid agent id"))
		return
	}

	info, err := s.registry.Get(agentID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, info)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
