package hass

import "strings"

// EntityWaterHeater is the domain of water heater entities.
const EntityWaterHeater = "water_heater"

const (
	BooleanOnValue  = "on"
	BooleanOffValue = "off"

	UnknownValue     = "unknown"
	UnavailableValue = "unavailable"
)

// DomainHomeAssistant is the domain of the generic turn_on/turn_off services,
// which work for any toggleable entity (switch, input_boolean, light...).
const DomainHomeAssistant = "homeassistant"

const (
	ServiceTurnOn  = "turn_on"
	ServiceTurnOff = "turn_off"
)

// IsUnavailable reports whether a raw state value carries no usable reading.
func IsUnavailable(state string) bool {
	return state == "" || state == UnknownValue || state == UnavailableValue
}

// SplitEntityID splits "switch.boiler" into its domain and object id.
// ok is false when the id is not of the form <domain>.<object_id>.
func SplitEntityID(entityID string) (domain, objectID string, ok bool) {
	domain, objectID, ok = strings.Cut(entityID, ".")
	if !ok || domain == "" || objectID == "" || strings.ContainsAny(entityID, " \t") {
		return "", "", false
	}
	return domain, objectID, true
}
