// Package radio models LoRa radio settings: regions, presets, validation
// and the link-budget estimates shown to operators.
//
// A Config is a value. Sessions replace it wholesale after Validate
// succeeds and push it to the device as an admin message built by
// AdminPayload.
package radio
