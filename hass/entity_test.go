package hass

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitEntityID(t *testing.T) {
	tests := []struct {
		in       string
		domain   string
		objectID string
		ok       bool
	}{
		{"switch.boiler", "switch", "boiler", true},
		{"sensor.boiler.top", "sensor", "boiler.top", true},
		{"boiler", "", "", false},
		{".boiler", "", "", false},
		{"switch.", "", "", false},
		{"switch.my boiler", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			domain, objectID, ok := SplitEntityID(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.domain, domain)
			assert.Equal(t, tt.objectID, objectID)
		})
	}
}

func TestStateAvailable(t *testing.T) {
	var missing *State
	assert.False(t, missing.Available())
	assert.False(t, (&State{State: UnknownValue}).Available())
	assert.False(t, (&State{State: UnavailableValue}).Available())
	assert.False(t, (&State{}).Available())
	assert.True(t, (&State{State: "42.5"}).Available())
	assert.True(t, (&State{State: BooleanOffValue}).Available())
}

func TestUnmarshalStateChangedEvent(t *testing.T) {
	raw := []byte(`{
		"id": 3,
		"type": "event",
		"event": {
			"event_type": "state_changed",
			"time_fired": "2024-06-01T10:00:00.000000+00:00",
			"origin": "LOCAL",
			"context": {"id": "01HZ", "parent_id": null, "user_id": null},
			"data": {
				"entity_id": "switch.boiler",
				"old_state": {"entity_id": "switch.boiler", "state": "off", "attributes": {}},
				"new_state": {"entity_id": "switch.boiler", "state": "on", "attributes": {"friendly_name": "Boiler"}}
			}
		}
	}`)

	msg, err := UnmarshalMessage(raw)
	assert.NoError(t, err)

	event, ok := msg.(*EventMessage)
	if assert.True(t, ok) {
		assert.Equal(t, 3, event.ID)
		assert.Equal(t, EventTypeStateChanged, event.Event.EventType)
		assert.Equal(t, "switch.boiler", event.Event.Data.EntityID)
		assert.Equal(t, "off", event.Event.Data.OldState.State)
		assert.Equal(t, "on", event.Event.Data.NewState.State)
	}

	_, err = UnmarshalMessage([]byte(`{"type":"pong"}`))
	assert.Error(t, err)
}
