package radio

import (
	"fmt"
	"strings"
)

// Preset is a named bundle of LoRa modem parameters.
type Preset string

// Modem presets, fastest first.
const (
	PresetShortFast    Preset = "ShortFast"
	PresetShortSlow    Preset = "ShortSlow"
	PresetMediumFast   Preset = "MediumFast"
	PresetMediumSlow   Preset = "MediumSlow"
	PresetLongFast     Preset = "LongFast"
	PresetLongSlow     Preset = "LongSlow"
	PresetVeryLongSlow Preset = "VeryLongSlow"
)

type presetInfo struct {
	spreadingFactor uint32
	bandwidth       uint32
	codingRate      uint32
	// code is the firmware's Config.LoRaConfig.ModemPreset.
	code uint64
}

var presets = map[Preset]presetInfo{
	PresetShortFast:    {7, 250000, 5, 6},
	PresetShortSlow:    {8, 125000, 8, 5},
	PresetMediumFast:   {9, 125000, 5, 4},
	PresetMediumSlow:   {10, 125000, 8, 3},
	PresetLongFast:     {11, 125000, 5, 0},
	PresetLongSlow:     {12, 125000, 8, 1},
	PresetVeryLongSlow: {12, 62500, 8, 2},
}

// PresetsFor returns the presets usable in region. Every preset is
// currently allowed everywhere.
func PresetsFor(Region) []Preset {
	return []Preset{
		PresetShortFast, PresetShortSlow, PresetMediumFast, PresetMediumSlow,
		PresetLongFast, PresetLongSlow, PresetVeryLongSlow,
	}
}

// ParsePreset matches a preset name case-insensitively.
func ParsePreset(s string) (Preset, error) {
	for p := range presets {
		if strings.EqualFold(string(p), strings.TrimSpace(s)) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPreset, s)
}
