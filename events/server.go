package events

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/dcap-x-project/dcap-commerce/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Dashboards connect from arbitrary origins during local runs
		return true
	},
}

// Server exposes the event stream over websocket
type Server struct {
	hub *Hub
	log *logger.Logger
}

// NewServer creates an event stream server backed by hub
func NewServer(hub *Hub) *Server {
	return &Server{
		hub: hub,
		log: logger.New().WithComponent("events-server"),
	}
}

// Routes registers the event stream handlers on mux
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/events", s.handleWebSocket)
	mux.HandleFunc("/events/recent", s.handleRecent)
}

// handleWebSocket upgrades the connection and attaches it to the hub. New
// subscribers receive the replay buffer first.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("failed to upgrade connection: %v", err)
		return
	}

	client := newWSClient(s.hub, conn)
	s.hub.register <- client.sub

	go client.writePump()
	go client.readPump()
}

// handleRecent returns the replay buffer for clients that cannot hold a
// websocket open
func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	recent := s.hub.Recent()
	events := make([]json.RawMessage, 0, len(recent))
	for _, msg := range recent {
		events = append(events, json.RawMessage(msg))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"count":  len(events),
		"events": events,
	})
}
