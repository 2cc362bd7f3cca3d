package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaflik/hass-water-heater/hass"
	"github.com/jkaflik/hass-water-heater/hass/hasstest"
	"github.com/jkaflik/hass-water-heater/internal/config"
	"github.com/jkaflik/hass-water-heater/waterheater"
)

func testConfig(url string) *config.Config {
	return &config.Config{
		HomeAssistant: config.HomeAssistantConfig{
			URL:            url,
			Token:          "secret",
			RequestTimeout: 2 * time.Second,
			Reconnect: config.ReconnectConfig{
				InitialInterval: 10 * time.Millisecond,
				MaxInterval:     50 * time.Millisecond,
				Multiplier:      2,
			},
		},
		HTTP:            config.HTTPConfig{Addr: "127.0.0.1:0"},
		TemperatureUnit: waterheater.UnitCelsius,
		Heaters: map[string]config.HeaterConfig{
			"boiler": {
				HeaterSwitch:      "switch.boiler",
				TemperatureSensor: "sensor.boiler_temperature",
				MinCycleDuration:  time.Millisecond,
			},
		},
	}
}

func switchState(srv *hasstest.Server) string {
	st, _ := srv.State("switch.boiler")
	return st.State
}

func TestAppControlsHeater(t *testing.T) {
	srv := hasstest.NewServer("secret",
		hass.State{EntityID: "switch.boiler", State: hass.BooleanOffValue},
		hass.State{EntityID: "sensor.boiler_temperature", State: "42"},
	)
	defer srv.Close()

	a, err := New(testConfig(srv.URL()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return srv.Connects() == 1 && len(a.router.Entities()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	// below target - cold_tolerance
	require.Eventually(t, func() bool {
		srv.SetState("sensor.boiler_temperature", "39.5")
		return switchState(srv) == hass.BooleanOnValue
	}, 5*time.Second, 50*time.Millisecond)

	// reached target + hot_tolerance
	require.Eventually(t, func() bool {
		srv.SetState("sensor.boiler_temperature", "45.5")
		return switchState(srv) == hass.BooleanOffValue
	}, 5*time.Second, 50*time.Millisecond)

	srv.DropConnections()

	require.Eventually(t, func() bool {
		return srv.Connects() >= 2
	}, 5*time.Second, 10*time.Millisecond, "should reconnect to Home Assistant")

	require.Eventually(t, func() bool {
		srv.SetState("sensor.boiler_temperature", "30")
		return switchState(srv) == hass.BooleanOnValue
	}, 5*time.Second, 50*time.Millisecond, "should keep controlling after reconnect")

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestAppAuthInvalid(t *testing.T) {
	srv := hasstest.NewServer("other")
	defer srv.Close()

	a, err := New(testConfig(srv.URL()))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = a.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, hass.ErrAuthInvalid)
}

type recordingController struct {
	cfg waterheater.Config

	mu      sync.Mutex
	sensors []string
}

func (r *recordingController) Config() waterheater.Config {
	return r.cfg
}

func (r *recordingController) SensorChanged(_ context.Context, state *hass.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state != nil {
		r.sensors = append(r.sensors, state.State)
	}
	return nil
}

func (r *recordingController) SwitchChanged(context.Context, *hass.State) error {
	return nil
}

func (r *recordingController) EcoChanged(context.Context, *hass.State) error {
	return nil
}

func (r *recordingController) seen(value string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.sensors {
		if v == value {
			return true
		}
	}
	return false
}

func TestFollowEventsReplaysStatesAfterSubscribing(t *testing.T) {
	srv := hasstest.NewServer("secret",
		hass.State{EntityID: "switch.boiler", State: hass.BooleanOffValue},
		hass.State{EntityID: "sensor.boiler_temperature", State: "35"},
	)
	defer srv.Close()

	a, err := New(testConfig(srv.URL()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, a.hass.ConnectWithRetry(ctx))
	defer a.hass.Close()

	// seeded before the sensor changed and before any subscription
	a.cache.Seed([]hass.State{{EntityID: "sensor.boiler_temperature", State: "42"}})

	rc := &recordingController{cfg: waterheater.Config{
		ID:             "boiler",
		HeaterEntityID: "switch.boiler",
		SensorEntityID: "sensor.boiler_temperature",
	}}
	a.router.Register(rc)

	done := make(chan error, 1)
	go func() {
		done <- a.followEvents(ctx)
	}()

	require.Eventually(t, func() bool {
		return rc.seen("35")
	}, 5*time.Second, 10*time.Millisecond)

	st, ok := a.cache.State("sensor.boiler_temperature")
	require.True(t, ok)
	assert.Equal(t, "35", st.State)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("followEvents did not stop")
	}
}
