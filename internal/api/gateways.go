package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/meshlink-core/internal/gateway"
)

// gatewayRequest is the request body for POST /gateways. Password is
// accepted here but never echoed back.
type gatewayRequest struct {
	Name        string `json:"name"`
	BrokerURL   string `json:"broker_url"`
	ClientID    string `json:"client_id,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	TopicPrefix string `json:"topic_prefix,omitempty"`
	UseTLS      bool   `json:"use_tls,omitempty"`
	KeepAlive   int    `json:"keep_alive,omitempty"`
	QoS         *int   `json:"qos,omitempty"`
	Retain      bool   `json:"retain,omitempty"`
	// Connect dials the broker right after registering.
	Connect bool `json:"connect,omitempty"`
}

func (req gatewayRequest) config() gateway.Config {
	cfg := gateway.DefaultConfig(req.Name, req.BrokerURL)
	cfg.UseTLS = req.UseTLS
	cfg.Retain = req.Retain
	cfg.Username = req.Username
	cfg.Password = req.Password
	if req.ClientID != "" {
		cfg.ClientID = req.ClientID
	}
	if req.TopicPrefix != "" {
		cfg.TopicPrefix = req.TopicPrefix
	}
	if req.KeepAlive > 0 {
		cfg.KeepAlive = req.KeepAlive
	}
	if req.QoS != nil {
		cfg.QoS = *req.QoS
	}
	return cfg
}

// handleListGateways summarises every gateway.
func (s *Server) handleListGateways(w http.ResponseWriter, _ *http.Request) {
	gateways := s.manager.ListGateways()
	writeJSON(w, http.StatusOK, map[string]any{
		"gateways": gateways,
		"count":    len(gateways),
	})
}

// handleAddGateway registers a gateway and optionally connects it.
func (s *Server) handleAddGateway(w http.ResponseWriter, r *http.Request) {
	var req gatewayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == "" || req.BrokerURL == "" {
		writeBadRequest(w, "name and broker_url are required")
		return
	}

	cfg := req.config()
	if err := s.manager.AddGateway(cfg); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.logger.Info("gateway added", "gateway", cfg.Name, "broker", cfg.BrokerURL)

	if req.Connect {
		if err := s.manager.ConnectGateway(r.Context(), cfg.Name); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, s.gatewayInfo(cfg.Name))
}

// handleRemoveGateway disconnects and forgets a gateway.
func (s *Server) handleRemoveGateway(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.RemoveGateway(chi.URLParam(r, "name")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleConnectGateway connects a registered gateway.
func (s *Server) handleConnectGateway(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.manager.ConnectGateway(r.Context(), name); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.gatewayInfo(name))
}

// handleDisconnectGateway disconnects a gateway and keeps it registered.
func (s *Server) handleDisconnectGateway(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.manager.DisconnectGateway(name); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.gatewayInfo(name))
}

// handleGatewayStats returns one gateway's counters.
func (s *Server) handleGatewayStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.GatewayStats(chi.URLParam(r, "name"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// gatewayInfo finds name in the gateway list. A missing name yields a
// summary carrying only the name.
func (s *Server) gatewayInfo(name string) gateway.Info {
	for _, info := range s.manager.ListGateways() {
		if info.Name == name {
			return info
		}
	}
	return gateway.Info{Name: name}
}
