package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/meshlink-core/internal/processor"
	"github.com/nerrad567/meshlink-core/internal/transport"
)

// maxHistoryLimit caps the ?limit= parameter of the history endpoint.
const maxHistoryLimit = 1000

// connectRequest is the request body for POST /sessions.
type connectRequest struct {
	Path string `json:"path"`
	Kind string `json:"kind,omitempty"`
}

// sendRequest is the request body for POST /sessions/{id}/messages.
type sendRequest struct {
	Text string `json:"text"`
	// To is "broadcast", "!hex" or a decimal node number. Empty broadcasts.
	To string `json:"to,omitempty"`
}

// handleScanDevices lists serial ports that look like mesh radios.
func (s *Server) handleScanDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.manager.Scan(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if devices == nil {
		devices = []transport.DeviceInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleConnect opens a device and returns its session.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		writeBadRequest(w, "path is required")
		return
	}
	kind, err := transport.ParseKind(req.Kind)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	id, err := s.manager.Connect(r.Context(), req.Path, kind)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	session, err := s.manager.Session(id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// handleListSessions returns every session.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.manager.Sessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleGetSession returns one session.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.manager.Session(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleDisconnect closes a session.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Disconnect(chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSendMessage sends a text message through a session.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Text == "" {
		writeBadRequest(w, "text is required")
		return
	}

	if err := s.manager.SendMessage(r.Context(), chi.URLParam(r, "id"), req.Text, req.To); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent"})
}

// handleListNodes returns the nodes heard on a session.
func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.manager.Nodes(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes": nodes,
		"count": len(nodes),
	})
}

// handleDeviceStats returns a session's counters.
func (s *Server) handleDeviceStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.DeviceStats(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleHistory returns recent messages, oldest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	messages, err := s.manager.History(chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if messages == nil {
		messages = []processor.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": messages,
		"count":    len(messages),
	})
}

// handleClearHistory empties the message history.
func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.ClearHistory(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleProcessorStats returns the shared processor counters.
func (s *Server) handleProcessorStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.ProcessorStats())
}
