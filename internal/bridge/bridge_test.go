package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jkaflik/hass-water-heater/hass"
	"github.com/jkaflik/hass-water-heater/waterheater"
)

type mockCaller struct{ mock.Mock }

func (m *mockCaller) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	args := m.Called(ctx, domain, service, data)
	return args.Error(0)
}

type delivery struct {
	role  string
	state *hass.State
}

type recordingController struct {
	cfg waterheater.Config

	mu         sync.Mutex
	deliveries []delivery
}

func (c *recordingController) Config() waterheater.Config {
	return c.cfg
}

func (c *recordingController) record(role string, state *hass.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveries = append(c.deliveries, delivery{role: role, state: state})
	return nil
}

func (c *recordingController) SensorChanged(_ context.Context, state *hass.State) error {
	return c.record("sensor", state)
}

func (c *recordingController) SwitchChanged(_ context.Context, state *hass.State) error {
	return c.record("switch", state)
}

func (c *recordingController) EcoChanged(_ context.Context, state *hass.State) error {
	return c.record("eco", state)
}

func (c *recordingController) roles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	roles := make([]string, 0, len(c.deliveries))
	for _, d := range c.deliveries {
		roles = append(roles, d.role)
	}
	return roles
}

func boilerController() *recordingController {
	return &recordingController{cfg: waterheater.Config{
		ID:             "boiler",
		HeaterEntityID: "switch.boiler",
		SensorEntityID: "sensor.boiler_temperature",
		Eco:            &waterheater.EcoCondition{EntityID: "input_select.tariff", Value: "offpeak"},
	}}
}

func stateChanged(entityID, state string) *hass.EventMessage {
	msg := &hass.EventMessage{}
	msg.Event.EventType = hass.EventTypeStateChanged
	msg.Event.Data.EntityID = entityID
	msg.Event.Data.NewState = &hass.State{EntityID: entityID, State: state}
	return msg
}

func TestStateCache(t *testing.T) {
	cache := NewStateCache()
	cache.Seed([]hass.State{
		{EntityID: "switch.boiler", State: "off"},
		{EntityID: "sensor.boiler_temperature", State: "41.5"},
	})
	assert.Equal(t, 2, cache.Len())

	cache.Apply("switch.boiler", &hass.State{EntityID: "switch.boiler", State: "on"})
	st, ok := cache.State("switch.boiler")
	require.True(t, ok)
	assert.Equal(t, "on", st.State)

	cache.Apply("sensor.boiler_temperature", nil)
	_, ok = cache.State("sensor.boiler_temperature")
	assert.False(t, ok)

	cache.Seed(nil)
	assert.Equal(t, 0, cache.Len())
}

func TestHost(t *testing.T) {
	caller := &mockCaller{}
	caller.On("CallService", mock.Anything, hass.DomainHomeAssistant, hass.ServiceTurnOn,
		map[string]any{"entity_id": "switch.boiler"}).Return(nil).Once()
	caller.On("CallService", mock.Anything, hass.DomainHomeAssistant, hass.ServiceTurnOff,
		map[string]any{"entity_id": "switch.boiler"}).Return(errors.New("timeout")).Once()

	host := NewHost(NewStateCache(), caller)

	require.NoError(t, host.TurnOn(context.Background(), "switch.boiler"))
	err := host.TurnOff(context.Background(), "switch.boiler")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "homeassistant.turn_off switch.boiler")

	caller.AssertExpectations(t)
}

func TestRouterDispatch(t *testing.T) {
	cache := NewStateCache()
	router := NewRouter(cache)
	c := boilerController()
	router.Register(c)

	assert.True(t, router.Watches("switch.boiler"))
	assert.True(t, router.Watches("input_select.tariff"))
	assert.False(t, router.Watches("light.kitchen"))
	assert.ElementsMatch(t, []string{"switch.boiler", "sensor.boiler_temperature", "input_select.tariff"}, router.Entities())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan *hass.EventMessage)
	done := make(chan error, 1)
	go func() {
		done <- router.Run(ctx, events)
	}()

	events <- stateChanged("light.kitchen", "on")
	events <- stateChanged("sensor.boiler_temperature", "40")
	events <- stateChanged("switch.boiler", "on")
	events <- stateChanged("input_select.tariff", "peak")
	close(events)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("router did not stop after events were closed")
	}

	assert.Equal(t, []string{"sensor", "switch", "eco"}, c.roles())

	st, ok := cache.State("switch.boiler")
	require.True(t, ok)
	assert.Equal(t, "on", st.State)
	_, ok = cache.State("light.kitchen")
	assert.False(t, ok)
}

func TestRouterRunStopsOnContext(t *testing.T) {
	router := NewRouter(NewStateCache())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- router.Run(ctx, make(chan *hass.EventMessage))
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("router did not stop")
	}
}

func TestRouterResync(t *testing.T) {
	cache := NewStateCache()
	router := NewRouter(cache)
	c := boilerController()
	router.Register(c)

	router.Resync(context.Background(), []hass.State{
		{EntityID: "switch.boiler", State: "off"},
		{EntityID: "input_select.tariff", State: "offpeak"},
	})

	assert.ElementsMatch(t, []string{"sensor", "switch", "eco"}, c.roles())
	for _, d := range c.deliveries {
		if d.role == "sensor" {
			assert.Nil(t, d.state, "a missing sensor is replayed as removed")
		} else {
			assert.NotNil(t, d.state)
		}
	}
}
