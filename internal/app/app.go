// Package app wires the Home Assistant connection, the controllers, the MQTT
// bridge and the HTTP server together.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jkaflik/hass-water-heater/hass"
	"github.com/jkaflik/hass-water-heater/internal/bridge"
	"github.com/jkaflik/hass-water-heater/internal/config"
	"github.com/jkaflik/hass-water-heater/internal/logging"
	"github.com/jkaflik/hass-water-heater/internal/metrics"
	"github.com/jkaflik/hass-water-heater/internal/mqtt"
	"github.com/jkaflik/hass-water-heater/internal/restore"
	"github.com/jkaflik/hass-water-heater/internal/status"
	"github.com/jkaflik/hass-water-heater/pkg/retry"
	"github.com/jkaflik/hass-water-heater/waterheater"
)

// Store is a restore store that can be closed.
type Store interface {
	waterheater.Store
	Close() error
}

type App struct {
	cfg     *config.Config
	heaters []waterheater.Config

	hass   *hass.Client
	cache  *bridge.StateCache
	router *bridge.Router
}

func New(cfg *config.Config) (*App, error) {
	heaters, err := cfg.WaterHeaters()
	if err != nil {
		return nil, err
	}

	cache := bridge.NewStateCache()

	return &App{
		cfg:     cfg,
		heaters: heaters,
		hass: hass.NewClient(
			cfg.HomeAssistant.URL,
			cfg.HomeAssistant.Token,
			hass.WithReconnectConfig(
				cfg.HomeAssistant.Reconnect.InitialInterval,
				cfg.HomeAssistant.Reconnect.MaxInterval,
				cfg.HomeAssistant.Reconnect.Multiplier,
			),
			hass.WithRequestTimeout(cfg.HomeAssistant.RequestTimeout),
		),
		cache:  cache,
		router: bridge.NewRouter(cache),
	}, nil
}

// Run blocks until ctx is done or a component fails.
func (a *App) Run(ctx context.Context) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close restore store")
		}
	}()

	publisher, err := a.connectMQTT(ctx)
	if err != nil {
		return err
	}
	if publisher != nil {
		defer func() {
			if err := publisher.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close MQTT bridge")
			}
		}()
	}

	if err := a.hass.ConnectWithRetry(ctx); err != nil {
		return fmt.Errorf("connect to Home Assistant: %w", err)
	}
	defer func() {
		if err := a.hass.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Home Assistant connection")
		}
	}()

	states, err := a.hass.GetStates(ctx)
	if err != nil {
		return fmt.Errorf("fetch Home Assistant states: %w", err)
	}
	a.cache.Seed(states)
	log.Info().Int("states", len(states)).Msg("Fetched Home Assistant states")

	controllers, err := a.controllers(ctx, store, publisher)
	if err != nil {
		return err
	}

	heaters := make([]status.Heater, 0, len(controllers))
	for _, c := range controllers {
		heaters = append(heaters, c)
	}
	server := metrics.NewServer(a.cfg.HTTP.Addr, status.NewHandler(heaters...).Mount)

	g, gctx := errgroup.WithContext(ctx)

	for _, c := range controllers {
		c := c
		g.Go(func() error {
			return c.Run(gctx)
		})
	}

	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		return server.Shutdown(context.Background())
	})

	g.Go(func() error {
		return a.followEvents(gctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) openStore() (Store, error) {
	if a.cfg.Restore.Path == "" {
		log.Warn().Msg("No restore path configured, water heater state will not survive restarts")
		return restore.NewMemoryStore(), nil
	}

	store, err := restore.Open(a.cfg.Restore.Path)
	if err != nil {
		return nil, fmt.Errorf("open restore store: %w", err)
	}
	return store, nil
}

func (a *App) connectMQTT(ctx context.Context) (*mqtt.Bridge, error) {
	if a.cfg.MQTT.Broker == "" {
		log.Warn().Msg("No MQTT broker configured, water heaters will not be exposed to Home Assistant")
		return nil, nil
	}

	topics := mqtt.Topics{
		DiscoveryPrefix: a.cfg.MQTT.DiscoveryPrefix,
		BaseTopic:       a.cfg.MQTT.BaseTopic,
	}

	var client *mqtt.RealClient
	err := retry.Do(ctx, func() error {
		var err error
		client, err = mqtt.Connect(mqtt.Options{
			Broker:      a.cfg.MQTT.Broker,
			ClientID:    a.cfg.MQTT.ClientID,
			Username:    a.cfg.MQTT.Username,
			Password:    a.cfg.MQTT.Password,
			StatusTopic: topics.Status(),
		})
		return err
	}, func(err error) bool {
		return errors.Is(err, mqtt.ErrConnectTimeout) || retry.IsNetworkError(err)
	}, retry.Config{
		MaxRetries:          5,
		InitialInterval:     time.Second,
		MaxInterval:         30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to MQTT broker: %w", err)
	}

	return mqtt.NewBridge(client, topics), nil
}

func (a *App) controllers(ctx context.Context, store Store, publisher *mqtt.Bridge) ([]*waterheater.Controller, error) {
	host := bridge.NewHost(a.cache, a.hass)

	controllers := make([]*waterheater.Controller, 0, len(a.heaters))
	for _, cfg := range a.heaters {
		logger, err := logging.HeaterLogger(cfg.ID, cfg.HeaterEntityID, a.cfg.Heaters[cfg.ID].LogLevel)
		if err != nil {
			return nil, err
		}

		opts := []waterheater.Option{
			waterheater.WithStore(store),
			waterheater.WithLogger(logger),
		}
		if publisher != nil {
			opts = append(opts, waterheater.WithPublisher(publisher))
		}

		c, err := waterheater.New(cfg, host, opts...)
		if err != nil {
			return nil, err
		}

		a.router.Register(c)
		if publisher != nil {
			if err := publisher.Register(ctx, c); err != nil {
				return nil, fmt.Errorf("register %s over MQTT: %w", cfg.ID, err)
			}
		}

		controllers = append(controllers, c)
	}

	return controllers, nil
}

// followEvents routes state changes to the controllers and reconnects when
// the Home Assistant connection drops. Every subscription is followed by a
// resync, so changes made before the subscription started are not missed.
func (a *App) followEvents(ctx context.Context) error {
	reconnect := false

	for {
		if reconnect {
			if err := a.hass.ConnectWithRetry(ctx); err != nil {
				if ctx.Err() != nil || errors.Is(err, hass.ErrAuthInvalid) {
					return err
				}
				log.Error().Err(err).Msg("Failed to reconnect to Home Assistant")
				if err := a.backoff(ctx); err != nil {
					return err
				}
				continue
			}
		}
		reconnect = true

		events, err := a.hass.SubscribeEvents(ctx, hass.SubscribeEventsWithEventType(hass.EventTypeStateChanged))
		if err == nil {
			err = a.resync(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("Failed to resynchronize with Home Assistant")
			_ = a.hass.Close()
			if err := a.backoff(ctx); err != nil {
				return err
			}
			continue
		}

		log.Info().Int("entities", len(a.router.Entities())).Msg("Following Home Assistant state changes")

		if err := a.router.Run(ctx, events); err != nil {
			return err
		}

		log.Warn().Msg("Home Assistant connection lost, reconnecting")
	}
}

func (a *App) backoff(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(a.cfg.HomeAssistant.Reconnect.InitialInterval):
		return nil
	}
}

func (a *App) resync(ctx context.Context) error {
	states, err := a.hass.GetStates(ctx)
	if err != nil {
		return err
	}

	a.router.Resync(ctx, states)
	return nil
}
