package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/jkaflik/hass-water-heater/hass"
	"github.com/jkaflik/hass-water-heater/internal/metrics"
	"github.com/jkaflik/hass-water-heater/pkg/channel"
	"github.com/jkaflik/hass-water-heater/waterheater"
)

// Controller is what the router dispatches entity changes to.
type Controller interface {
	Config() waterheater.Config
	SensorChanged(ctx context.Context, state *hass.State) error
	SwitchChanged(ctx context.Context, state *hass.State) error
	EcoChanged(ctx context.Context, state *hass.State) error
}

type role int

const (
	roleSensor role = iota
	roleSwitch
	roleEco
)

func (r role) String() string {
	switch r {
	case roleSensor:
		return "sensor"
	case roleSwitch:
		return "switch"
	default:
		return "eco"
	}
}

type route struct {
	controller Controller
	role       role
}

// Router fans state changes out to the controllers watching the entity.
type Router struct {
	cache *StateCache

	mu     sync.RWMutex
	routes map[string][]route
}

func NewRouter(cache *StateCache) *Router {
	return &Router{
		cache:  cache,
		routes: make(map[string][]route),
	}
}

// Register adds the sensor, switch and eco entities of c to the routing table.
func (r *Router) Register(c Controller) {
	cfg := c.Config()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.routes[cfg.SensorEntityID] = append(r.routes[cfg.SensorEntityID], route{controller: c, role: roleSensor})
	r.routes[cfg.HeaterEntityID] = append(r.routes[cfg.HeaterEntityID], route{controller: c, role: roleSwitch})
	if cfg.Eco != nil {
		r.routes[cfg.Eco.EntityID] = append(r.routes[cfg.Eco.EntityID], route{controller: c, role: roleEco})
	}
}

// Watches reports whether any controller is interested in entityID.
func (r *Router) Watches(entityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.routes[entityID]
	return ok
}

// Entities returns every watched entity id.
func (r *Router) Entities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.routes))
	for id := range r.routes {
		ids = append(ids, id)
	}
	return ids
}

// Run dispatches state_changed events until events is closed or ctx is done.
// A closed events channel means the connection was lost and returns nil.
func (r *Router) Run(ctx context.Context, events <-chan *hass.EventMessage) error {
	filtered := channel.Filter(events, func(e *hass.EventMessage) bool {
		return e.Event.EventType == hass.EventTypeStateChanged && r.Watches(e.Event.Data.EntityID)
	})
	defer func() {
		// unblock the filter goroutine until the client closes events
		go func() {
			for range filtered {
			}
		}()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-filtered:
			if !ok {
				return nil
			}
			metrics.EventsReceived.Inc()
			r.Dispatch(ctx, e.Event.Data.EntityID, e.Event.Data.NewState)
		}
	}
}

// Dispatch updates the cache and notifies every controller watching entityID.
func (r *Router) Dispatch(ctx context.Context, entityID string, state *hass.State) {
	r.cache.Apply(entityID, state)

	r.mu.RLock()
	routes := r.routes[entityID]
	r.mu.RUnlock()

	for _, rt := range routes {
		var err error
		switch rt.role {
		case roleSensor:
			err = rt.controller.SensorChanged(ctx, state)
		case roleSwitch:
			err = rt.controller.SwitchChanged(ctx, state)
		case roleEco:
			err = rt.controller.EcoChanged(ctx, state)
		}

		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).
				Str("entity_id", entityID).
				Str("role", rt.role.String()).
				Str("heater", rt.controller.Config().ID).
				Msg("Failed to deliver state change")
		}
	}
}

// Resync reseeds the cache from a full snapshot and replays the current state
// of every watched entity. It is used after a reconnect, when changes may
// have been missed.
func (r *Router) Resync(ctx context.Context, states []hass.State) {
	r.cache.Seed(states)

	for _, id := range r.Entities() {
		if st, ok := r.cache.State(id); ok {
			r.Dispatch(ctx, id, &st)
		} else {
			r.Dispatch(ctx, id, nil)
		}
	}

	log.Info().Int("states", len(states)).Msg("Resynchronized entity states")
}
