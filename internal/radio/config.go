package radio

import (
	"fmt"
	"math"
	"slices"
)

// Limits enforced by Validate.
const (
	MinSpreadingFactor = 7
	MaxSpreadingFactor = 12
	MinCodingRate      = 5
	MaxCodingRate      = 8
	MaxTxPower         = 30
)

// ValidBandwidths lists the accepted LoRa bandwidths in Hz.
var ValidBandwidths = []uint32{7800, 10400, 15600, 20800, 31250, 41700, 62500, 125000, 250000, 500000}

// Config is a complete radio setting.
type Config struct {
	// Frequency is the centre frequency in MHz.
	Frequency float64 `json:"frequency" yaml:"frequency"`
	// Bandwidth is in Hz.
	Bandwidth       uint32 `json:"bandwidth" yaml:"bandwidth"`
	SpreadingFactor uint32 `json:"spreading_factor" yaml:"spreading_factor"`
	// CodingRate is the denominator of 4/CR, 5 through 8.
	CodingRate uint32 `json:"coding_rate" yaml:"coding_rate"`
	// TxPower is in dBm.
	TxPower int32  `json:"tx_power" yaml:"tx_power"`
	Region  Region `json:"region" yaml:"region"`
	Preset  Preset `json:"preset,omitempty" yaml:"preset,omitempty"`
}

// DefaultConfig is a US MediumSlow setup at 17 dBm.
func DefaultConfig() Config {
	return Config{
		Frequency:       915,
		Bandwidth:       125000,
		SpreadingFactor: 10,
		CodingRate:      8,
		TxPower:         17,
		Region:          RegionUS,
		Preset:          PresetMediumSlow,
	}
}

// ForRegion returns the default config moved to region's default frequency.
// For Custom the default frequency is kept.
func ForRegion(region Region) Config {
	cfg := DefaultConfig()
	cfg.Region = region
	if info, ok := regions[region]; ok {
		cfg.Frequency = info.defaultMHz
	}
	return cfg
}

// WithPreset returns c with the preset's modem parameters applied.
func (c Config) WithPreset(p Preset) (Config, error) {
	info, ok := presets[p]
	if !ok {
		return c, fmt.Errorf("%w: %q", ErrUnknownPreset, p)
	}
	c.SpreadingFactor = info.spreadingFactor
	c.Bandwidth = info.bandwidth
	c.CodingRate = info.codingRate
	c.Preset = p
	return c, nil
}

// Validate checks c against its region's band and the modem limits.
// Custom regions skip every check.
func (c Config) Validate() error {
	if c.Region == RegionCustom {
		return nil
	}
	minMHz, maxMHz, ok := c.Region.FrequencyRange()
	if !ok {
		return fmt.Errorf("%w: %w: %q", ErrInvalidConfig, ErrUnknownRegion, c.Region)
	}
	if c.Frequency < minMHz || c.Frequency > maxMHz {
		return fmt.Errorf("%w: frequency %.1f MHz is outside allowed range %.1f-%.1f MHz for region %s",
			ErrInvalidConfig, c.Frequency, minMHz, maxMHz, c.Region)
	}
	if c.SpreadingFactor < MinSpreadingFactor || c.SpreadingFactor > MaxSpreadingFactor {
		return fmt.Errorf("%w: spreading factor %d must be between %d and %d",
			ErrInvalidConfig, c.SpreadingFactor, MinSpreadingFactor, MaxSpreadingFactor)
	}
	if !slices.Contains(ValidBandwidths, c.Bandwidth) {
		return fmt.Errorf("%w: bandwidth %d must be one of %v", ErrInvalidConfig, c.Bandwidth, ValidBandwidths)
	}
	if c.CodingRate < MinCodingRate || c.CodingRate > MaxCodingRate {
		return fmt.Errorf("%w: coding rate %d must be between %d and %d",
			ErrInvalidConfig, c.CodingRate, MinCodingRate, MaxCodingRate)
	}
	if c.TxPower > MaxTxPower {
		return fmt.Errorf("%w: tx power %d dBm exceeds %d dBm", ErrInvalidConfig, c.TxPower, MaxTxPower)
	}
	if c.Preset != "" {
		if _, ok := presets[c.Preset]; !ok {
			return fmt.Errorf("%w: %w: %q", ErrInvalidConfig, ErrUnknownPreset, c.Preset)
		}
	}
	return nil
}

// Recommendation is a named starting point for a deployment type.
type Recommendation struct {
	Name   string `json:"name"`
	Config Config `json:"config"`
}

// Recommendations returns suggested presets from dense urban to remote.
func Recommendations() []Recommendation {
	uses := []struct {
		name   string
		preset Preset
	}{
		{"City/Urban - Short Range", PresetShortFast},
		{"Suburban - Medium Range", PresetMediumSlow},
		{"Rural - Long Range", PresetLongSlow},
		{"Remote - Maximum Range", PresetVeryLongSlow},
	}

	out := make([]Recommendation, 0, len(uses))
	for _, u := range uses {
		cfg, _ := DefaultConfig().WithPreset(u.preset) //nolint:errcheck // presets are known
		out = append(out, Recommendation{Name: u.name, Config: cfg})
	}
	return out
}

// ===== Estimates =====

// sfRangeFactor scales the base range per spreading factor.
var sfRangeFactor = map[uint32]float64{7: 1.0, 8: 1.4, 9: 2.0, 10: 2.8, 11: 4.0, 12: 5.6}

// EstimatedRangeKm is a rough line-of-sight range: 2 km at SF7 and 20 dBm,
// scaled by spreading factor and linearly by tx power.
func (c Config) EstimatedRangeKm() float64 {
	sf, ok := sfRangeFactor[c.SpreadingFactor]
	if !ok {
		sf = 1
	}
	return 2.0 * sf * float64(c.TxPower) / 20.0
}

// DataRateBps is the raw LoRa bit rate SF * BW/2^SF * 4/CR.
func (c Config) DataRateBps() float64 {
	if c.CodingRate == 0 {
		return 0
	}
	sf := float64(c.SpreadingFactor)
	return sf * (float64(c.Bandwidth) / math.Exp2(sf)) * (4.0 / float64(c.CodingRate))
}

// DutyCyclePercent returns the duty cycle limit of c's region.
func (c Config) DutyCyclePercent() float64 {
	return c.Region.DutyCyclePercent()
}

// AirTimeMs is the time on air for payloadBytes with an explicit header,
// CRC on and an 8 symbol preamble (Semtech AN1200.13).
func (c Config) AirTimeMs(payloadBytes int) float64 {
	if c.Bandwidth == 0 {
		return 0
	}
	sf := float64(c.SpreadingFactor)
	symbol := math.Exp2(sf) / float64(c.Bandwidth) // seconds

	// Low data rate optimisation is mandated above 16 ms symbols.
	de := 0.0
	if symbol > 0.016 {
		de = 1
	}
	const crc, implicitHeader = 1.0, 0.0

	preamble := (8 + 4.25) * symbol
	pl := float64(payloadBytes)
	n := math.Ceil((8*pl - 4*sf + 28 + 16*crc - 20*implicitHeader) / (4 * (sf - 2*de)))
	payloadSymbols := 8 + math.Max(n, 0)*float64(c.CodingRate)

	return (preamble + payloadSymbols*symbol) * 1000
}

// CheckDutyCycle reports whether sending messagesPerHour messages of
// avgSize bytes stays within the regional duty cycle.
func (c Config) CheckDutyCycle(messagesPerHour, avgSize int) error {
	limit := c.DutyCyclePercent()
	if limit >= 100 {
		return nil
	}
	used := float64(messagesPerHour) * c.AirTimeMs(avgSize) / (60 * 60 * 1000) * 100
	if used > limit {
		return fmt.Errorf("%w: %.2f%% used, %.1f%% allowed; reduce message rate or size", ErrDutyCycle, used, limit)
	}
	return nil
}
