package radio

import (
	"fmt"
	"strings"
)

// Region is a regulatory band plan.
type Region string

// Supported regions. RegionCustom skips frequency range checks.
const (
	RegionUS     Region = "US"
	RegionEU433  Region = "EU433"
	RegionEU868  Region = "EU868"
	RegionCN     Region = "CN"
	RegionJP     Region = "JP"
	RegionANZ    Region = "ANZ"
	RegionKR     Region = "KR"
	RegionTW     Region = "TW"
	RegionRU     Region = "RU"
	RegionIN     Region = "IN"
	RegionNZ865  Region = "NZ865"
	RegionTH     Region = "TH"
	RegionUA433  Region = "UA433"
	RegionUA868  Region = "UA868"
	RegionMY433  Region = "MY433"
	RegionMY919  Region = "MY919"
	RegionSG923  Region = "SG923"
	RegionCustom Region = "Custom"
)

type regionInfo struct {
	// minMHz and maxMHz bound the allowed centre frequency.
	minMHz, maxMHz float64
	defaultMHz     float64
	// code is the firmware's Config.LoRaConfig.RegionCode.
	code uint64
	// dutyCycle is the transmit duty cycle limit in percent.
	dutyCycle float64
}

var regions = map[Region]regionInfo{
	RegionUS:    {902, 928, 915, 1, 100},
	RegionEU433: {433.05, 434.79, 433.175, 2, 1},
	RegionEU868: {863, 870, 868, 3, 1},
	RegionCN:    {470, 510, 490, 4, 100},
	RegionJP:    {920, 925, 923, 5, 100},
	RegionANZ:   {915, 928, 915, 6, 100},
	RegionKR:    {920, 925, 923, 7, 100},
	RegionTW:    {920, 925, 923, 8, 100},
	RegionRU:    {868, 870, 868, 9, 100},
	RegionIN:    {865, 867, 866, 10, 100},
	RegionNZ865: {864, 868, 868, 11, 100},
	RegionTH:    {920, 925, 923, 12, 100},
	RegionUA433: {433.05, 434.79, 433.175, 14, 1},
	RegionUA868: {868, 870, 868, 15, 1},
	RegionMY433: {433.05, 434.79, 433.175, 16, 100},
	RegionMY919: {919, 924, 919, 17, 100},
	RegionSG923: {917, 925, 923, 18, 100},
}

// Regions returns every named region in a stable order, Custom last.
func Regions() []Region {
	return []Region{
		RegionUS, RegionEU433, RegionEU868, RegionCN, RegionJP, RegionANZ,
		RegionKR, RegionTW, RegionRU, RegionIN, RegionNZ865, RegionTH,
		RegionUA433, RegionUA868, RegionMY433, RegionMY919, RegionSG923,
		RegionCustom,
	}
}

// ParseRegion matches a region name case-insensitively.
func ParseRegion(s string) (Region, error) {
	for _, r := range Regions() {
		if strings.EqualFold(string(r), strings.TrimSpace(s)) {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRegion, s)
}

// FrequencyRange returns the allowed band in MHz. ok is false for Custom
// and unknown regions.
func (r Region) FrequencyRange() (minMHz, maxMHz float64, ok bool) {
	info, ok := regions[r]
	return info.minMHz, info.maxMHz, ok
}

// DutyCyclePercent returns the regional transmit duty cycle limit.
// Regions without a limit report 100.
func (r Region) DutyCyclePercent() float64 {
	if info, ok := regions[r]; ok {
		return info.dutyCycle
	}
	return 100
}
