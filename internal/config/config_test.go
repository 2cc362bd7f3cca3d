package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaflik/hass-water-heater/waterheater"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
home_assistant:
  url: ws://hass.local:8123
  token: secret
generic_water_heater:
  boiler:
    heater_switch: switch.boiler
    temperature_sensor: sensor.boiler_temperature
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "ws://hass.local:8123", cfg.HomeAssistant.URL)
	assert.Equal(t, 5*time.Second, cfg.HomeAssistant.RequestTimeout)
	assert.Equal(t, time.Second, cfg.HomeAssistant.Reconnect.InitialInterval)
	assert.Equal(t, 30*time.Second, cfg.HomeAssistant.Reconnect.MaxInterval)
	assert.Equal(t, 1.5, cfg.HomeAssistant.Reconnect.Multiplier)
	assert.Equal(t, "homeassistant", cfg.MQTT.DiscoveryPrefix)
	assert.Equal(t, "hass-water-heater", cfg.MQTT.BaseTopic)
	assert.Equal(t, ":9465", cfg.HTTP.Addr)
	assert.Equal(t, waterheater.UnitCelsius, cfg.TemperatureUnit)

	heaters, err := cfg.WaterHeaters()
	require.NoError(t, err)
	require.Len(t, heaters, 1)

	h := heaters[0]
	assert.Equal(t, "boiler", h.ID)
	assert.Equal(t, "boiler", h.Name)
	require.NotNil(t, h.TargetTemperature)
	assert.Equal(t, 45.0, *h.TargetTemperature)
	assert.Equal(t, 5.0, h.ColdTolerance)
	assert.Equal(t, 0.0, h.HotTolerance)
	assert.InDelta(t, 43.333, h.MinTemp, 0.001)
	assert.InDelta(t, 60.0, h.MaxTemp, 0.001)
	assert.Equal(t, 0.5, h.TargetTemperatureStep)
	assert.Equal(t, 10*time.Second, h.MinCycleDuration)
	assert.Nil(t, h.Eco)
}

func TestLoadHeaters(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
home_assistant:
  url: wss://hass.example.com
  token: secret
temperature_unit: "°F"
generic_water_heater:
  upstairs:
    heater_switch: switch.upstairs
    temperature_sensor: sensor.upstairs
    delta_temperature: 8
  downstairs:
    name: Downstairs tank
    heater_switch: input_boolean.downstairs
    temperature_sensor: sensor.downstairs
    target_temperature: 125
    delta_temperature: 8
    cold_tolerance: 3
    hot_tolerance: 1.5
    min_cycle_duration: 2m
    eco_entity: binary_sensor.cheap_tariff
    eco_value: "on"
    log_level: WARNING
`))
	require.NoError(t, err)

	heaters, err := cfg.WaterHeaters()
	require.NoError(t, err)
	require.Len(t, heaters, 2)

	down, up := heaters[0], heaters[1]
	assert.Equal(t, "downstairs", down.ID)
	assert.Equal(t, "Downstairs tank", down.Name)
	assert.Equal(t, 125.0, *down.TargetTemperature)
	assert.Equal(t, 3.0, down.ColdTolerance, "cold_tolerance wins over delta_temperature")
	assert.Equal(t, 1.5, down.HotTolerance)
	assert.Equal(t, 2*time.Minute, down.MinCycleDuration)
	assert.Equal(t, &waterheater.EcoCondition{EntityID: "binary_sensor.cheap_tariff", Value: "on"}, down.Eco)
	assert.Equal(t, "WARNING", cfg.Heaters["downstairs"].LogLevel)

	assert.Equal(t, "upstairs", up.ID)
	assert.Equal(t, 8.0, up.ColdTolerance)
	assert.Equal(t, 110.0, up.MinTemp)
	assert.Equal(t, 140.0, up.MaxTemp)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HASS_WATER_HEATER_HOME_ASSISTANT_TOKEN", "from-env")
	t.Setenv("HASS_WATER_HEATER_MQTT_BROKER", "tcp://mqtt:1883")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.HomeAssistant.Token)
	assert.Equal(t, "tcp://mqtt:1883", cfg.MQTT.Broker)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{
			name: "missing token",
			content: `
generic_water_heater:
  boiler:
    heater_switch: switch.boiler
    temperature_sensor: sensor.boiler_temperature
`,
			expected: "home_assistant.token is required",
		},
		{
			name: "no heaters",
			content: `
home_assistant:
  token: secret
`,
			expected: "at least one water heater",
		},
		{
			name: "bad entity id",
			content: `
home_assistant:
  token: secret
generic_water_heater:
  boiler:
    heater_switch: boiler
    temperature_sensor: sensor.boiler_temperature
`,
			expected: "heater_switch: invalid entity id",
		},
		{
			name: "eco value without entity",
			content: `
home_assistant:
  token: secret
generic_water_heater:
  boiler:
    heater_switch: switch.boiler
    temperature_sensor: sensor.boiler_temperature
    eco_value: "on"
`,
			expected: "eco_value requires eco_entity",
		},
		{
			name: "shared switch",
			content: `
home_assistant:
  token: secret
generic_water_heater:
  a:
    heater_switch: switch.boiler
    temperature_sensor: sensor.a
  b:
    heater_switch: switch.boiler
    temperature_sensor: sensor.b
`,
			expected: "already used",
		},
		{
			name: "bad log level",
			content: `
home_assistant:
  token: secret
generic_water_heater:
  boiler:
    heater_switch: switch.boiler
    temperature_sensor: sensor.boiler_temperature
    log_level: LOUD
`,
			expected: "log_level",
		},
		{
			name: "bad url",
			content: `
home_assistant:
  url: http://hass.local
  token: secret
generic_water_heater:
  boiler:
    heater_switch: switch.boiler
    temperature_sensor: sensor.boiler_temperature
`,
			expected: "home_assistant.url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expected)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
