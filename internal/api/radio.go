package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/meshlink-core/internal/radio"
)

// maxAirTimePayload is the largest LoRa payload in bytes.
const maxAirTimePayload = 255

// presetView is one preset with the modem parameters it implies.
type presetView struct {
	Name            radio.Preset `json:"name"`
	SpreadingFactor uint32       `json:"spreading_factor"`
	Bandwidth       uint32       `json:"bandwidth"`
	CodingRate      uint32       `json:"coding_rate"`
	DataRateBps     float64      `json:"data_rate_bps"`
	RangeKm         float64      `json:"estimated_range_km"`
}

// regionView describes one band plan.
type regionView struct {
	Name             radio.Region `json:"name"`
	MinMHz           float64      `json:"min_mhz,omitempty"`
	MaxMHz           float64      `json:"max_mhz,omitempty"`
	DefaultMHz       float64      `json:"default_mhz"`
	DutyCyclePercent float64      `json:"duty_cycle_percent"`
}

// radioSummary is the validation verdict with derived figures.
type radioSummary struct {
	Valid            bool         `json:"valid"`
	Error            string       `json:"error,omitempty"`
	Config           radio.Config `json:"config"`
	DataRateBps      float64      `json:"data_rate_bps"`
	RangeKm          float64      `json:"estimated_range_km"`
	DutyCyclePercent float64      `json:"duty_cycle_percent"`
}

// airTimeRequest is the request body for POST /radio/airtime.
type airTimeRequest struct {
	Config          radio.Config `json:"config"`
	PayloadBytes    int          `json:"payload_bytes"`
	MessagesPerHour int          `json:"messages_per_hour,omitempty"`
}

// decodeRadioConfig reads a config body. A preset with no modem
// parameters is expanded to that preset's parameters.
func decodeRadioConfig(r *http.Request) (radio.Config, error) {
	var cfg radio.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("invalid JSON body")
	}
	return expandPreset(cfg)
}

func expandPreset(cfg radio.Config) (radio.Config, error) {
	if cfg.Preset == "" || cfg.SpreadingFactor != 0 {
		return cfg, nil
	}
	p, err := radio.ParsePreset(string(cfg.Preset))
	if err != nil {
		return cfg, err
	}
	return cfg.WithPreset(p)
}

// handleGetRadioConfig returns a session's radio config.
func (s *Server) handleGetRadioConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.manager.RadioConfig(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleSetRadioConfig validates a config and applies it to a session.
func (s *Server) handleSetRadioConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeRadioConfig(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	if err := s.manager.SetRadioConfig(r.Context(), chi.URLParam(r, "id"), cfg); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleValidateRadioConfig reports whether a config is usable without
// applying it. An invalid config is a 200 with valid=false.
func (s *Server) handleValidateRadioConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeRadioConfig(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	summary := radioSummary{
		Valid:            true,
		Config:           cfg,
		DataRateBps:      cfg.DataRateBps(),
		RangeKm:          cfg.EstimatedRangeKm(),
		DutyCyclePercent: cfg.DutyCyclePercent(),
	}
	if err := s.manager.ValidateRadioConfig(cfg); err != nil {
		if !errors.Is(err, radio.ErrInvalidConfig) {
			s.writeDomainError(w, r, err)
			return
		}
		summary.Valid = false
		summary.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleRadioPresets lists the presets for ?region= (default US) and the
// recommended starting points.
func (s *Server) handleRadioPresets(w http.ResponseWriter, r *http.Request) {
	region := radio.RegionUS
	if raw := r.URL.Query().Get("region"); raw != "" {
		parsed, err := radio.ParseRegion(raw)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		region = parsed
	}

	base := radio.ForRegion(region)
	names := s.manager.RadioPresets(region)
	presets := make([]presetView, 0, len(names))
	for _, p := range names {
		cfg, err := base.WithPreset(p)
		if err != nil {
			continue
		}
		presets = append(presets, presetView{
			Name:            p,
			SpreadingFactor: cfg.SpreadingFactor,
			Bandwidth:       cfg.Bandwidth,
			CodingRate:      cfg.CodingRate,
			DataRateBps:     cfg.DataRateBps(),
			RangeKm:         cfg.EstimatedRangeKm(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"region":          region,
		"default":         base,
		"presets":         presets,
		"recommendations": radio.Recommendations(),
	})
}

// handleRadioRegions lists every band plan.
func (s *Server) handleRadioRegions(w http.ResponseWriter, _ *http.Request) {
	regions := radio.Regions()
	out := make([]regionView, 0, len(regions))
	for _, region := range regions {
		minMHz, maxMHz, _ := region.FrequencyRange()
		out = append(out, regionView{
			Name:             region,
			MinMHz:           minMHz,
			MaxMHz:           maxMHz,
			DefaultMHz:       radio.ForRegion(region).Frequency,
			DutyCyclePercent: region.DutyCyclePercent(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"regions": out})
}

// handleAirTime estimates time on air and, given a message rate, checks
// it against the regional duty cycle.
func (s *Server) handleAirTime(w http.ResponseWriter, r *http.Request) {
	var req airTimeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.PayloadBytes < 0 || req.PayloadBytes > maxAirTimePayload {
		writeBadRequest(w, fmt.Sprintf("payload_bytes must be 0..%d", maxAirTimePayload))
		return
	}
	if req.MessagesPerHour < 0 {
		writeBadRequest(w, "messages_per_hour must not be negative")
		return
	}
	cfg, err := expandPreset(req.Config)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if err := cfg.Validate(); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	resp := map[string]any{
		"air_time_ms":        cfg.AirTimeMs(req.PayloadBytes),
		"duty_cycle_percent": cfg.DutyCyclePercent(),
	}
	if req.MessagesPerHour > 0 {
		resp["within_duty_cycle"] = true
		if err := cfg.CheckDutyCycle(req.MessagesPerHour, req.PayloadBytes); err != nil {
			resp["within_duty_cycle"] = false
			resp["duty_cycle_error"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
