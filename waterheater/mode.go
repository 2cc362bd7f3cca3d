package waterheater

import (
	"errors"
	"fmt"
	"strings"
)

// Mode is the operation mode of a water heater. Values match the Home
// Assistant water_heater operation names.
type Mode string

const (
	ModeOff         Mode = "off"
	ModeElectric    Mode = "electric"
	ModeEco         Mode = "eco"
	ModePerformance Mode = "performance"
)

// legacyModeOn is what earlier versions persisted for the single "heating" mode.
const legacyModeOn = "on"

var ErrUnsupportedMode = errors.New("unsupported operation mode")

// ParseMode parses a mode name, accepting the legacy "on" as ModeElectric.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeOff, ModeElectric, ModeEco, ModePerformance:
		return m, nil
	case legacyModeOn:
		return ModeElectric, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMode, s)
	}
}

func (m Mode) String() string {
	return string(m)
}

// HVACAction is what the heater is doing right now.
type HVACAction string

const (
	HVACActionOff     HVACAction = "off"
	HVACActionHeating HVACAction = "heating"
	HVACActionIdle    HVACAction = "idle"
)
