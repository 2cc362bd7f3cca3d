package mqtt

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/jkaflik/hass-water-heater/internal/metrics"
	"github.com/jkaflik/hass-water-heater/waterheater"
)

const commandTimeout = 5 * time.Second

// CommandHandler receives the commands Home Assistant sends for a heater.
// *waterheater.Controller implements it.
type CommandHandler interface {
	Config() waterheater.Config
	SetTemperature(ctx context.Context, value float64) error
	SetOperationMode(ctx context.Context, mode waterheater.Mode) error
}

// Bridge publishes water heater entities over MQTT discovery. It implements
// waterheater.Publisher.
type Bridge struct {
	client Client
	topics Topics

	mu      sync.Mutex
	objects []string
}

func NewBridge(client Client, topics Topics) *Bridge {
	return &Bridge{client: client, topics: topics}
}

// Register announces the heater of h and subscribes to its command topics.
// Commands are delivered with ctx as parent context.
func (b *Bridge) Register(ctx context.Context, h CommandHandler) error {
	cfg := h.Config()

	payload, err := NewDiscoveryConfig(b.topics, cfg).Marshal()
	if err != nil {
		return fmt.Errorf("marshal discovery config for %s: %w", cfg.ID, err)
	}
	if err := b.client.Publish(b.topics.Config(cfg.ID), true, payload); err != nil {
		return fmt.Errorf("publish discovery config for %s: %w", cfg.ID, err)
	}

	if err := b.client.Subscribe(b.topics.ModeCommand(cfg.ID), func(_ string, payload []byte) {
		b.handleMode(ctx, h, payload)
	}); err != nil {
		return err
	}
	if err := b.client.Subscribe(b.topics.TemperatureCommand(cfg.ID), func(_ string, payload []byte) {
		b.handleTemperature(ctx, h, payload)
	}); err != nil {
		return err
	}

	b.mu.Lock()
	b.objects = append(b.objects, cfg.ID)
	b.mu.Unlock()

	log.Info().Str("heater", cfg.ID).Str("unique_id", cfg.UniqueID()).Msg("Water heater announced over MQTT discovery")

	return nil
}

func (b *Bridge) handleMode(ctx context.Context, h CommandHandler, payload []byte) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	mode, err := waterheater.ParseMode(string(payload))
	if err == nil {
		err = h.SetOperationMode(ctx, mode)
	}
	b.commandResult("mode", h.Config().ID, payload, err)
}

func (b *Bridge) handleTemperature(ctx context.Context, h CommandHandler, payload []byte) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	value, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err == nil {
		err = h.SetTemperature(ctx, value)
	}
	b.commandResult("temperature", h.Config().ID, payload, err)
}

func (b *Bridge) commandResult(command, heater string, payload []byte, err error) {
	if err != nil {
		metrics.MQTTCommandsTotal.WithLabelValues(command, "error").Inc()
		log.Warn().Err(err).
			Str("heater", heater).
			Str("command", command).
			Bytes("payload", payload).
			Msg("Rejected MQTT command")
		return
	}

	metrics.MQTTCommandsTotal.WithLabelValues(command, "ok").Inc()
	log.Debug().Str("heater", heater).Str("command", command).Bytes("payload", payload).Msg("MQTT command accepted")
}

// PublishState publishes the entity state and its availability, both retained.
func (b *Bridge) PublishState(snap waterheater.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		log.Error().Err(err).Str("heater", snap.ID).Msg("Failed to marshal water heater state")
		return
	}

	availability := PayloadOffline
	if snap.Available {
		availability = PayloadOnline
	}

	b.publish(b.topics.State(snap.ID), payload)
	b.publish(b.topics.Availability(snap.ID), []byte(availability))
}

func (b *Bridge) publish(topic string, payload []byte) {
	if err := b.client.Publish(topic, true, payload); err != nil {
		metrics.MQTTPublishErrors.Inc()
		log.Warn().Err(err).Str("topic", topic).Msg("MQTT publish failed")
	}
}

// Close marks every registered heater offline and closes the client.
func (b *Bridge) Close() error {
	b.mu.Lock()
	objects := append([]string(nil), b.objects...)
	b.mu.Unlock()

	for _, id := range objects {
		b.publish(b.topics.Availability(id), []byte(PayloadOffline))
	}

	return b.client.Close()
}
