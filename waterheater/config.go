package waterheater

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jkaflik/hass-water-heater/hass"
)

// UniqueIDPrefix prefixes the unique id of every water heater entity.
const UniqueIDPrefix = "generic_water_heater"

const (
	UnitCelsius    = "°C"
	UnitFahrenheit = "°F"
)

// Defaults used when a heater is configured without the setting.
const (
	DefaultTargetTemperature     = 45.0
	DefaultColdTolerance         = 5.0
	DefaultHotTolerance          = 0.0
	DefaultTargetTemperatureStep = 0.5
	DefaultMinCycleDuration      = 10 * time.Second

	// Home Assistant's water_heater bounds, in Fahrenheit.
	defaultMinTempF = 110.0
	defaultMaxTempF = 140.0
)

// ManualOverrideSettleDelay is how long the controller waits after a manual
// switch toggle before running the control loop again.
const ManualOverrideSettleDelay = 5 * time.Second

// EcoCondition gates ECO mode: heating is only allowed while the entity's
// state equals Value.
type EcoCondition struct {
	EntityID string
	Value    string
}

// Config describes one water heater.
type Config struct {
	// ID is the slug the heater was configured under; it names MQTT topics.
	ID   string
	Name string

	HeaterEntityID string
	SensorEntityID string

	TargetTemperature     *float64
	ColdTolerance         float64
	HotTolerance          float64
	MinTemp               float64
	MaxTemp               float64
	TargetTemperatureStep float64
	MinCycleDuration      time.Duration
	Unit                  string

	// InitialMode is used until a restored mode or a user command replaces it.
	InitialMode Mode

	Eco *EcoCondition
}

// UniqueID returns the stable identifier used for persistence and discovery.
func (c Config) UniqueID() string {
	return fmt.Sprintf("%s_%s", UniqueIDPrefix, c.HeaterEntityID)
}

// OperationList returns the modes the heater supports. ECO is only offered
// when an eco condition is configured.
func (c Config) OperationList() []Mode {
	modes := []Mode{ModeOff, ModeElectric}
	if c.Eco != nil {
		modes = append(modes, ModeEco)
	}
	return append(modes, ModePerformance)
}

// Supports reports whether m is in the operation list.
func (c Config) Supports(m Mode) bool {
	for _, mode := range c.OperationList() {
		if mode == m {
			return true
		}
	}
	return false
}

// Clamp limits t to [MinTemp, MaxTemp].
func (c Config) Clamp(t float64) float64 {
	return math.Min(math.Max(t, c.MinTemp), c.MaxTemp)
}

// WithDefaults fills unset fields. Temperature bounds default to Home
// Assistant's water heater bounds converted to the configured unit.
func (c Config) WithDefaults() Config {
	if c.Unit == "" {
		c.Unit = UnitCelsius
	}
	if c.MinTemp == 0 && c.MaxTemp == 0 {
		c.MinTemp, c.MaxTemp = DefaultTempRange(c.Unit)
	}
	if c.TargetTemperatureStep == 0 {
		c.TargetTemperatureStep = DefaultTargetTemperatureStep
	}
	if c.MinCycleDuration == 0 {
		c.MinCycleDuration = DefaultMinCycleDuration
	}
	if c.InitialMode == "" {
		c.InitialMode = ModeElectric
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	return c
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	var errs []error

	if _, _, ok := hass.SplitEntityID(c.HeaterEntityID); !ok {
		errs = append(errs, fmt.Errorf("heater_switch: invalid entity id %q", c.HeaterEntityID))
	}
	if _, _, ok := hass.SplitEntityID(c.SensorEntityID); !ok {
		errs = append(errs, fmt.Errorf("temperature_sensor: invalid entity id %q", c.SensorEntityID))
	}
	if c.ColdTolerance < 0 {
		errs = append(errs, errors.New("cold_tolerance must not be negative"))
	}
	if c.HotTolerance < 0 {
		errs = append(errs, errors.New("hot_tolerance must not be negative"))
	}
	if c.MinTemp >= c.MaxTemp {
		errs = append(errs, fmt.Errorf("min_temp (%g) must be below max_temp (%g)", c.MinTemp, c.MaxTemp))
	}
	if c.MinCycleDuration < 0 {
		errs = append(errs, errors.New("min_cycle_duration must not be negative"))
	}
	if c.Eco != nil {
		if _, _, ok := hass.SplitEntityID(c.Eco.EntityID); !ok {
			errs = append(errs, fmt.Errorf("eco_entity: invalid entity id %q", c.Eco.EntityID))
		}
		if c.Eco.Value == "" {
			errs = append(errs, errors.New("eco_value is required with eco_entity"))
		}
	}
	if c.InitialMode != "" && !c.Supports(c.InitialMode) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrUnsupportedMode, c.InitialMode))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("water heater %q: %w", c.ID, err)
	}
	return nil
}

// DefaultTempRange returns Home Assistant's water heater bounds in unit.
func DefaultTempRange(unit string) (lo, hi float64) {
	return FromFahrenheit(defaultMinTempF, unit), FromFahrenheit(defaultMaxTempF, unit)
}

// FromFahrenheit converts a Fahrenheit temperature to unit.
func FromFahrenheit(f float64, unit string) float64 {
	if unit == UnitFahrenheit {
		return f
	}
	return (f - 32) * 5 / 9
}
