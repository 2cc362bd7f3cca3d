package waterheater

import "time"

// Snapshot is the entity state exposed to Home Assistant. It is a value type
// and safe to use from any goroutine.
type Snapshot struct {
	ID       string `json:"id"`
	UniqueID string `json:"unique_id"`
	Name     string `json:"name"`

	Mode          Mode   `json:"mode"`
	OperationList []Mode `json:"operation_list"`

	TargetTemperature     *float64 `json:"target_temperature"`
	TargetTemperatureStep float64  `json:"target_temperature_step"`
	MinTemp               float64  `json:"min_temp"`
	MaxTemp               float64  `json:"max_temp"`
	CurrentTemperature    *float64 `json:"current_temperature"`
	Unit                  string   `json:"temperature_unit"`

	Available  bool       `json:"available"`
	HVACAction HVACAction `json:"hvac_action"`
	Failsafe   bool       `json:"failsafe"`

	HeaterEntityID string    `json:"heater_switch"`
	SensorEntityID string    `json:"temperature_sensor"`
	UpdatedAt      time.Time `json:"updated_at"`
}
