package radio

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the firmware's AdminMessage, Config and LoRaConfig.
const (
	adminSetConfig = 34
	configLoRa     = 6

	loraModemPreset       = 2
	loraBandwidth         = 3
	loraSpreadFactor      = 4
	loraCodingRate        = 5
	loraRegion            = 7
	loraHopLimit          = 8
	loraTxEnabled         = 9
	loraTxPower           = 10
	loraOverrideFrequency = 14

	adminHopLimit = 3
)

// AdminPayload encodes c as an AdminMessage carrying set_config.lora, ready
// to be sent on the admin port. Modem parameters are sent explicitly with
// use_preset off; a Custom region sets override_frequency.
func (c Config) AdminPayload() []byte {
	var lora []byte

	if p, ok := presets[c.Preset]; ok {
		lora = appendVarint(lora, loraModemPreset, p.code)
	}
	// The firmware takes bandwidth in kHz.
	lora = appendVarint(lora, loraBandwidth, uint64(c.Bandwidth/1000))
	lora = appendVarint(lora, loraSpreadFactor, uint64(c.SpreadingFactor))
	lora = appendVarint(lora, loraCodingRate, uint64(c.CodingRate))
	lora = appendVarint(lora, loraRegion, regions[c.Region].code)
	lora = appendVarint(lora, loraHopLimit, adminHopLimit)
	lora = appendBool(lora, loraTxEnabled, true)
	// int32 fields sign-extend to 64 bits on the wire.
	lora = appendVarint(lora, loraTxPower, uint64(int64(c.TxPower)))
	if c.Region == RegionCustom {
		lora = protowire.AppendTag(lora, loraOverrideFrequency, protowire.Fixed32Type)
		lora = protowire.AppendFixed32(lora, math.Float32bits(float32(c.Frequency)))
	}

	var cfg []byte
	cfg = protowire.AppendTag(cfg, configLoRa, protowire.BytesType)
	cfg = protowire.AppendBytes(cfg, lora)

	var admin []byte
	admin = protowire.AppendTag(admin, adminSetConfig, protowire.BytesType)
	admin = protowire.AppendBytes(admin, cfg)
	return admin
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}
