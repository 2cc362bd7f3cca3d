package mqtt

import (
	"fmt"

	"github.com/jkaflik/hass-water-heater/hass"
)

const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Topics builds the topic layout for a discovery prefix and base topic.
type Topics struct {
	DiscoveryPrefix string
	BaseTopic       string
}

// Config is where Home Assistant looks for the entity's discovery config.
func (t Topics) Config(objectID string) string {
	return fmt.Sprintf("%s/%s/%s/config", t.DiscoveryPrefix, hass.EntityWaterHeater, objectID)
}

func (t Topics) State(objectID string) string {
	return fmt.Sprintf("%s/%s/state", t.BaseTopic, objectID)
}

func (t Topics) Availability(objectID string) string {
	return fmt.Sprintf("%s/%s/availability", t.BaseTopic, objectID)
}

func (t Topics) ModeCommand(objectID string) string {
	return fmt.Sprintf("%s/%s/mode/set", t.BaseTopic, objectID)
}

func (t Topics) TemperatureCommand(objectID string) string {
	return fmt.Sprintf("%s/%s/temperature/set", t.BaseTopic, objectID)
}

// Status carries the bridge's own online/offline state, including the LWT.
func (t Topics) Status() string {
	return t.BaseTopic + "/status"
}
