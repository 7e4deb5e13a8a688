package api

import (
	"encoding/json"
	"net/http"
)

// resetConfirmation must be sent verbatim to reset the directory.
const resetConfirmation = "RESET DIRECTORY"

// ResetRequest selects what a directory reset clears.
type ResetRequest struct {
	ClearNodes   bool   `json:"clear_nodes"`
	ClearHistory bool   `json:"clear_history"`
	Confirm      string `json:"confirm"`
}

// ResetResponse reports what was deleted from the store.
type ResetResponse struct {
	Status  string           `json:"status"`
	Deleted map[string]int64 `json:"deleted"`
}

// handleResetDirectory forgets learned nodes and/or message history, in
// memory and in the store.
func (s *Server) handleResetDirectory(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Confirm != resetConfirmation {
		writeBadRequest(w, `confirm field must be exactly "`+resetConfirmation+`"`)
		return
	}
	if !req.ClearNodes && !req.ClearHistory {
		writeBadRequest(w, "at least one clear_* option must be true")
		return
	}

	ctx := r.Context()
	proc := s.manager.Processor()
	deleted := make(map[string]int64)

	if req.ClearNodes {
		proc.ResetDirectory()
		if s.store != nil {
			n, err := s.store.ClearNodes(ctx)
			if err != nil {
				s.logger.Error("directory reset: clearing stored nodes", "error", err)
				writeInternalError(w, "failed to clear stored nodes")
				return
			}
			deleted["nodes"] = n
		}
	}

	if req.ClearHistory {
		proc.ClearHistory()
		if s.store != nil {
			n, err := s.store.ClearMessages(ctx)
			if err != nil {
				s.logger.Error("directory reset: clearing stored messages", "error", err)
				writeInternalError(w, "failed to clear stored messages")
				return
			}
			deleted["messages"] = n
		}
	}

	s.logger.Info("directory reset", "clear_nodes", req.ClearNodes, "clear_history", req.ClearHistory, "deleted", deleted)
	writeJSON(w, http.StatusOK, ResetResponse{Status: "ok", Deleted: deleted})
}
