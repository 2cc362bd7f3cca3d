package hass_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jkaflik/hass-water-heater/hass"
)

// TestClientReconnectionLive requires a running Home Assistant instance:
//
//	HASS_TOKEN=<token> HASS_HOST=localhost:8123 go test -v -run Live ./hass/...
func TestClientReconnectionLive(t *testing.T) {
	host := os.Getenv("HASS_HOST")
	token := os.Getenv("HASS_TOKEN")
	if host == "" || token == "" {
		t.Skip("Skipping test: HASS_HOST or HASS_TOKEN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client := hass.NewClient(
		"ws://"+host,
		token,
		hass.WithReconnectConfig(time.Second, 5*time.Second, 1.5),
	)

	require.NoError(t, client.ConnectWithRetry(ctx), "Failed to connect to Home Assistant")

	states, err := client.GetStates(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, states)

	events, err := client.SubscribeEvents(ctx, hass.SubscribeEventsWithEventType(hass.EventTypeStateChanged))
	require.NoError(t, err, "Failed to subscribe to events")

	select {
	case _, ok := <-events:
		require.True(t, ok, "events channel closed before the first event")
		t.Log("Received initial event")
	case <-time.After(30 * time.Second):
		t.Fatal("Timeout waiting for initial events")
	}

	t.Log("Closing client to simulate connection loss")
	require.NoError(t, client.Close(), "Failed to close client")

	<-client.Done()

	t.Log("Reconnecting client")
	require.NoError(t, client.ConnectWithRetry(ctx), "Failed to reconnect to Home Assistant")

	events, err = client.SubscribeEvents(ctx, hass.SubscribeEventsWithEventType(hass.EventTypeStateChanged))
	require.NoError(t, err, "Failed to subscribe after reconnection")

	select {
	case <-events:
		t.Log("Received event after reconnection")
	case <-time.After(30 * time.Second):
		t.Fatal("Timeout waiting for events after reconnection")
	}

	require.NoError(t, client.Close(), "Failed to close client")
}
