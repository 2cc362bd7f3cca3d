// Package config loads the YAML configuration of the service.
//
// Every key can be overridden from the environment with the HASS_WATER_HEATER
// prefix, e.g. HASS_WATER_HEATER_HOME_ASSISTANT_TOKEN.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jkaflik/hass-water-heater/internal/logging"
	"github.com/jkaflik/hass-water-heater/waterheater"
)

const EnvPrefix = "HASS_WATER_HEATER"

type Config struct {
	HomeAssistant   HomeAssistantConfig     `mapstructure:"home_assistant"`
	MQTT            MQTTConfig              `mapstructure:"mqtt"`
	Restore         RestoreConfig           `mapstructure:"restore"`
	HTTP            HTTPConfig              `mapstructure:"http"`
	Log             LogConfig               `mapstructure:"log"`
	TemperatureUnit string                  `mapstructure:"temperature_unit"`
	Heaters         map[string]HeaterConfig `mapstructure:"generic_water_heater"`
}

type HomeAssistantConfig struct {
	URL            string          `mapstructure:"url"`
	Token          string          `mapstructure:"token"`
	RequestTimeout time.Duration   `mapstructure:"request_timeout"`
	Reconnect      ReconnectConfig `mapstructure:"reconnect"`
}

type ReconnectConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

// MQTTConfig configures the discovery bridge. An empty broker disables it.
type MQTTConfig struct {
	Broker          string `mapstructure:"broker"`
	ClientID        string `mapstructure:"client_id"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	DiscoveryPrefix string `mapstructure:"discovery_prefix"`
	BaseTopic       string `mapstructure:"base_topic"`
}

// RestoreConfig points at the SQLite database. An empty path keeps state in
// memory only.
type RestoreConfig struct {
	Path string `mapstructure:"path"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HeaterConfig is one entry of the generic_water_heater map.
type HeaterConfig struct {
	Name                  string        `mapstructure:"name"`
	HeaterSwitch          string        `mapstructure:"heater_switch"`
	TemperatureSensor     string        `mapstructure:"temperature_sensor"`
	TargetTemperature     *float64      `mapstructure:"target_temperature"`
	DeltaTemperature      *float64      `mapstructure:"delta_temperature"`
	ColdTolerance         *float64      `mapstructure:"cold_tolerance"`
	HotTolerance          *float64      `mapstructure:"hot_tolerance"`
	MinTemp               *float64      `mapstructure:"min_temp"`
	MaxTemp               *float64      `mapstructure:"max_temp"`
	TargetTemperatureStep float64       `mapstructure:"target_temperature_step"`
	MinCycleDuration      time.Duration `mapstructure:"min_cycle_duration"`
	EcoEntity             string        `mapstructure:"eco_entity"`
	EcoValue              string        `mapstructure:"eco_value"`
	LogLevel              string        `mapstructure:"log_level"`
}

// Load reads the configuration from path. With an empty path config.yaml is
// looked up in the working directory and /etc/hass-water-heater.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hass-water-heater")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("home_assistant.url", "ws://homeassistant.local:8123")
	v.SetDefault("home_assistant.token", "")
	v.SetDefault("home_assistant.request_timeout", 5*time.Second)
	v.SetDefault("home_assistant.reconnect.initial_interval", time.Second)
	v.SetDefault("home_assistant.reconnect.max_interval", 30*time.Second)
	v.SetDefault("home_assistant.reconnect.multiplier", 1.5)

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.discovery_prefix", "homeassistant")
	v.SetDefault("mqtt.base_topic", "hass-water-heater")

	v.SetDefault("restore.path", "./data/water_heater.db")
	v.SetDefault("http.addr", ":9465")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logging.FormatConsole)
	v.SetDefault("temperature_unit", waterheater.UnitCelsius)
}

// Validate checks the service settings and every heater.
func (c *Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.HomeAssistant.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, fmt.Errorf("home_assistant.url: %q is not a ws:// or wss:// URL", c.HomeAssistant.URL))
	}
	if c.HomeAssistant.Token == "" {
		errs = append(errs, errors.New("home_assistant.token is required"))
	}
	if c.TemperatureUnit != waterheater.UnitCelsius && c.TemperatureUnit != waterheater.UnitFahrenheit {
		errs = append(errs, fmt.Errorf("temperature_unit: %q must be %q or %q", c.TemperatureUnit, waterheater.UnitCelsius, waterheater.UnitFahrenheit))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if f := strings.ToLower(c.Log.Format); f != logging.FormatConsole && f != logging.FormatJSON {
		errs = append(errs, fmt.Errorf("log.format: %q must be %q or %q", c.Log.Format, logging.FormatConsole, logging.FormatJSON))
	}
	if c.MQTT.Broker != "" && c.MQTT.BaseTopic == "" {
		errs = append(errs, errors.New("mqtt.base_topic is required"))
	}

	if len(c.Heaters) == 0 {
		errs = append(errs, errors.New("generic_water_heater: at least one water heater is required"))
	}
	if _, err := c.WaterHeaters(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// WaterHeaters converts the configured heaters, sorted by id.
func (c *Config) WaterHeaters() ([]waterheater.Config, error) {
	ids := make([]string, 0, len(c.Heaters))
	for id := range c.Heaters {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		heaters  []waterheater.Config
		errs     []error
		switches = make(map[string]string)
	)
	for _, id := range ids {
		h := c.Heaters[id]

		cfg, err := h.waterHeater(id, c.TemperatureUnit)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if other, ok := switches[cfg.HeaterEntityID]; ok {
			errs = append(errs, fmt.Errorf("water heater %q: heater_switch %s is already used by %q", id, cfg.HeaterEntityID, other))
			continue
		}
		switches[cfg.HeaterEntityID] = id

		heaters = append(heaters, cfg)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return heaters, nil
}

func (h HeaterConfig) waterHeater(id, unit string) (waterheater.Config, error) {
	target := waterheater.DefaultTargetTemperature
	if h.TargetTemperature != nil {
		target = *h.TargetTemperature
	}

	cold := waterheater.DefaultColdTolerance
	if h.DeltaTemperature != nil {
		cold = *h.DeltaTemperature
	}
	if h.ColdTolerance != nil {
		cold = *h.ColdTolerance
	}

	hot := waterheater.DefaultHotTolerance
	if h.HotTolerance != nil {
		hot = *h.HotTolerance
	}

	minTemp, maxTemp := waterheater.DefaultTempRange(unit)
	if h.MinTemp != nil {
		minTemp = *h.MinTemp
	}
	if h.MaxTemp != nil {
		maxTemp = *h.MaxTemp
	}

	cfg := waterheater.Config{
		ID:                    id,
		Name:                  h.Name,
		HeaterEntityID:        h.HeaterSwitch,
		SensorEntityID:        h.TemperatureSensor,
		TargetTemperature:     &target,
		ColdTolerance:         cold,
		HotTolerance:          hot,
		MinTemp:               minTemp,
		MaxTemp:               maxTemp,
		TargetTemperatureStep: h.TargetTemperatureStep,
		MinCycleDuration:      h.MinCycleDuration,
		Unit:                  unit,
	}.WithDefaults()

	if h.EcoEntity != "" {
		cfg.Eco = &waterheater.EcoCondition{EntityID: h.EcoEntity, Value: h.EcoValue}
	} else if h.EcoValue != "" {
		return cfg, fmt.Errorf("water heater %q: eco_value requires eco_entity", id)
	}

	if _, err := logging.ParseLevel(h.LogLevel); err != nil {
		return cfg, fmt.Errorf("water heater %q: log_level: %w", id, err)
	}

	return cfg, cfg.Validate()
}
