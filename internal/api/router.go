package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/meshlink-core/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// No auth required
		r.Get("/health", s.handleHealth)
		r.Post("/auth/token", s.handleToken)
		r.Get("/metrics", s.handleMetrics)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermMeshRead))

				r.Get("/sessions", s.handleListSessions)
				r.Get("/sessions/{id}", s.handleGetSession)
				r.Get("/sessions/{id}/nodes", s.handleListNodes)
				r.Get("/sessions/{id}/stats", s.handleDeviceStats)
				r.Get("/sessions/{id}/history", s.handleHistory)
				r.Get("/sessions/{id}/radio", s.handleGetRadioConfig)

				r.Get("/radio/presets", s.handleRadioPresets)
				r.Get("/radio/regions", s.handleRadioRegions)
				r.Post("/radio/validate", s.handleValidateRadioConfig)
				r.Post("/radio/airtime", s.handleAirTime)

				r.Get("/processor/stats", s.handleProcessorStats)
				r.Get("/gateways", s.handleListGateways)
				r.Get("/gateways/{name}/stats", s.handleGatewayStats)
			})

			r.With(s.requirePermission(auth.PermMeshSend)).
				Post("/sessions/{id}/messages", s.handleSendMessage)

			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermDeviceManage))

				r.Get("/devices/scan", s.handleScanDevices)
				r.Post("/sessions", s.handleConnect)
				r.Delete("/sessions/{id}", s.handleDisconnect)
			})

			r.With(s.requirePermission(auth.PermRadioConfigure)).
				Put("/sessions/{id}/radio", s.handleSetRadioConfig)

			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermHistoryManage))

				r.Delete("/sessions/{id}/history", s.handleClearHistory)
				r.Post("/system/reset-directory", s.handleResetDirectory)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermGatewayManage))

				r.Post("/gateways", s.handleAddGateway)
				r.Delete("/gateways/{name}", s.handleRemoveGateway)
				r.Post("/gateways/{name}/connect", s.handleConnectGateway)
				r.Post("/gateways/{name}/disconnect", s.handleDisconnectGateway)
			})
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"version":      s.version,
		"auth_enabled": s.auth != nil,
	})
}
