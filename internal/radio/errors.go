package radio

import "errors"

// Errors returned by the radio package. Check with errors.Is().
var (
	// ErrInvalidConfig is returned when a config fails validation.
	ErrInvalidConfig = errors.New("radio: invalid config")

	// ErrUnknownRegion is returned for a region name that is not recognised.
	ErrUnknownRegion = errors.New("radio: unknown region")

	// ErrUnknownPreset is returned for a preset name that is not recognised.
	ErrUnknownPreset = errors.New("radio: unknown preset")

	// ErrDutyCycle is returned when a traffic pattern exceeds the regional duty cycle.
	ErrDutyCycle = errors.New("radio: duty cycle exceeded")
)
