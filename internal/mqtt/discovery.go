package mqtt

import (
	"github.com/goccy/go-json"

	"github.com/jkaflik/hass-water-heater/waterheater"
)

const (
	manufacturer = "hass-water-heater"
	model        = "Generic water heater"
)

// DiscoveryConfig is the payload of a Home Assistant MQTT water_heater
// discovery message.
type DiscoveryConfig struct {
	Name     string `json:"name"`
	UniqueID string `json:"unique_id"`
	ObjectID string `json:"object_id"`

	Modes                      []waterheater.Mode `json:"modes"`
	ModeStateTopic             string             `json:"mode_state_topic"`
	ModeStateTemplate          string             `json:"mode_state_template"`
	ModeCommandTopic           string             `json:"mode_command_topic"`
	TemperatureStateTopic      string             `json:"temperature_state_topic"`
	TemperatureStateTemplate   string             `json:"temperature_state_template"`
	TemperatureCommandTopic    string             `json:"temperature_command_topic"`
	CurrentTemperatureTopic    string             `json:"current_temperature_topic"`
	CurrentTemperatureTemplate string             `json:"current_temperature_template"`
	AttributesTopic            string             `json:"json_attributes_topic"`
	AttributesTemplate         string             `json:"json_attributes_template"`

	MinTemp         float64 `json:"min_temp"`
	MaxTemp         float64 `json:"max_temp"`
	Precision       float64 `json:"precision"`
	TemperatureUnit string  `json:"temperature_unit"`

	Availability     []Availability `json:"availability"`
	AvailabilityMode string         `json:"availability_mode"`

	Device Device `json:"device"`
}

type Availability struct {
	Topic               string `json:"topic"`
	PayloadAvailable    string `json:"payload_available"`
	PayloadNotAvailable string `json:"payload_not_available"`
}

type Device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

// NewDiscoveryConfig describes the heater in cfg to Home Assistant.
func NewDiscoveryConfig(topics Topics, cfg waterheater.Config) DiscoveryConfig {
	stateTopic := topics.State(cfg.ID)

	return DiscoveryConfig{
		Name:     cfg.Name,
		UniqueID: cfg.UniqueID(),
		ObjectID: cfg.ID,

		Modes:                      cfg.OperationList(),
		ModeStateTopic:             stateTopic,
		ModeStateTemplate:          "{{ value_json.mode }}",
		ModeCommandTopic:           topics.ModeCommand(cfg.ID),
		TemperatureStateTopic:      stateTopic,
		TemperatureStateTemplate:   "{{ value_json.target_temperature }}",
		TemperatureCommandTopic:    topics.TemperatureCommand(cfg.ID),
		CurrentTemperatureTopic:    stateTopic,
		CurrentTemperatureTemplate: "{{ value_json.current_temperature }}",
		AttributesTopic:            stateTopic,
		AttributesTemplate:         `{{ {"hvac_action": value_json.hvac_action, "failsafe": value_json.failsafe} | tojson }}`,

		MinTemp:         cfg.MinTemp,
		MaxTemp:         cfg.MaxTemp,
		Precision:       cfg.TargetTemperatureStep,
		TemperatureUnit: unitSymbol(cfg.Unit),

		Availability: []Availability{
			{Topic: topics.Status(), PayloadAvailable: PayloadOnline, PayloadNotAvailable: PayloadOffline},
			{Topic: topics.Availability(cfg.ID), PayloadAvailable: PayloadOnline, PayloadNotAvailable: PayloadOffline},
		},
		AvailabilityMode: "all",

		Device: Device{
			Identifiers:  []string{cfg.UniqueID()},
			Name:         cfg.Name,
			Manufacturer: manufacturer,
			Model:        model,
		},
	}
}

func (d DiscoveryConfig) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

func unitSymbol(unit string) string {
	if unit == waterheater.UnitFahrenheit {
		return "F"
	}
	return "C"
}
