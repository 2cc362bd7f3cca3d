// Package bridge connects water heater controllers to a Home Assistant
// websocket client: it mirrors entity states, routes state_changed events to
// the controllers watching them and turns switch commands into service calls.
package bridge

import (
	"sync"

	"github.com/jkaflik/hass-water-heater/hass"
)

// StateCache is the last known state of every entity, fed by get_states
// snapshots and state_changed events.
type StateCache struct {
	mu     sync.RWMutex
	states map[string]hass.State
}

func NewStateCache() *StateCache {
	return &StateCache{states: make(map[string]hass.State)}
}

// Seed replaces the cache content with a full snapshot.
func (c *StateCache) Seed(states []hass.State) {
	m := make(map[string]hass.State, len(states))
	for _, st := range states {
		m[st.EntityID] = st
	}

	c.mu.Lock()
	c.states = m
	c.mu.Unlock()
}

// Apply records a state change. A nil state removes the entity.
func (c *StateCache) Apply(entityID string, state *hass.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state == nil {
		delete(c.states, entityID)
		return
	}
	c.states[entityID] = *state
}

func (c *StateCache) State(entityID string) (hass.State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.states[entityID]
	return st, ok
}

func (c *StateCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.states)
}
