// Package mqtt exposes water heaters to Home Assistant through MQTT discovery
// and feeds mode and temperature commands back to the controllers.
package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jkaflik/hass-water-heater/internal/metrics"
)

const (
	connectTimeout    = 10 * time.Second
	subscribeTimeout  = 5 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 1000 // milliseconds

	qos byte = 1
)

var ErrConnectTimeout = errors.New("mqtt connect timeout")

// MessageHandler receives messages of a subscription.
type MessageHandler func(topic string, payload []byte)

// Client is the MQTT transport used by the Bridge.
type Client interface {
	// Publish sends payload to topic. It does not wait for delivery.
	Publish(topic string, retained bool, payload []byte) error
	Subscribe(topic string, handler MessageHandler) error
	Close() error
}

type Options struct {
	Broker   string
	ClientID string
	Username string
	Password string

	// StatusTopic receives "online" on every connect and "offline" as the
	// last will.
	StatusTopic string
}

// NewClientID returns a unique client id for this process.
func NewClientID() string {
	return "hass-water-heater-" + uuid.NewString()
}

// RealClient is a Client backed by a paho connection. Subscriptions are
// restored after a reconnect.
type RealClient struct {
	client paho.Client
	opts   Options

	mu   sync.Mutex
	subs map[string]MessageHandler
}

// Connect dials the broker and waits for the first connection.
func Connect(opts Options) (*RealClient, error) {
	if opts.ClientID == "" {
		opts.ClientID = NewClientID()
	}

	c := &RealClient{
		opts: opts,
		subs: make(map[string]MessageHandler),
	}

	pahoOpts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(func(paho.Client) { c.onConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) { c.onConnectionLost(err) })

	if opts.Username != "" {
		pahoOpts.SetUsername(opts.Username)
		pahoOpts.SetPassword(opts.Password)
	}
	if opts.StatusTopic != "" {
		pahoOpts.SetWill(opts.StatusTopic, PayloadOffline, qos, true)
	}

	c.client = paho.NewClient(pahoOpts)

	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", opts.Broker, err)
	}

	log.Info().Str("broker", opts.Broker).Str("client_id", opts.ClientID).Msg("Connected to MQTT broker")

	return c, nil
}

func (c *RealClient) onConnect() {
	metrics.MQTTConnectionStatus.Set(1)

	if c.opts.StatusTopic != "" {
		c.client.Publish(c.opts.StatusTopic, qos, true, PayloadOnline)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, handler := range c.subs {
		c.client.Subscribe(topic, qos, wrapHandler(handler))
	}
}

func (c *RealClient) onConnectionLost(err error) {
	metrics.MQTTConnectionStatus.Set(0)
	log.Warn().Err(err).Str("broker", c.opts.Broker).Msg("MQTT connection lost, reconnecting")
}

func (c *RealClient) Publish(topic string, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)

	go func() {
		if !token.WaitTimeout(publishTimeout) {
			metrics.MQTTPublishErrors.Inc()
			log.Warn().Str("topic", topic).Msg("MQTT publish timed out")
			return
		}
		if err := token.Error(); err != nil {
			metrics.MQTTPublishErrors.Inc()
			log.Warn().Err(err).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()

	return nil
}

func (c *RealClient) Subscribe(topic string, handler MessageHandler) error {
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()

	token := c.client.Subscribe(topic, qos, wrapHandler(handler))
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// Close publishes the offline status and disconnects.
func (c *RealClient) Close() error {
	if c.opts.StatusTopic != "" && c.client.IsConnected() {
		c.client.Publish(c.opts.StatusTopic, qos, true, PayloadOffline).WaitTimeout(publishTimeout)
	}
	c.client.Disconnect(disconnectQuiesce)
	metrics.MQTTConnectionStatus.Set(0)
	return nil
}

func wrapHandler(handler MessageHandler) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("topic", msg.Topic()).Msg("MQTT handler panicked")
			}
		}()
		handler(msg.Topic(), msg.Payload())
	}
}
