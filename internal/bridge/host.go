package bridge

import (
	"context"
	"fmt"

	"github.com/jkaflik/hass-water-heater/hass"
)

// ServiceCaller calls Home Assistant services. *hass.Client implements it.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// Host serves controller state reads from the cache and switches entities
// through the generic homeassistant.turn_on/turn_off services.
type Host struct {
	*StateCache
	caller ServiceCaller
}

func NewHost(cache *StateCache, caller ServiceCaller) *Host {
	return &Host{StateCache: cache, caller: caller}
}

func (h *Host) TurnOn(ctx context.Context, entityID string) error {
	return h.call(ctx, hass.ServiceTurnOn, entityID)
}

func (h *Host) TurnOff(ctx context.Context, entityID string) error {
	return h.call(ctx, hass.ServiceTurnOff, entityID)
}

func (h *Host) call(ctx context.Context, service, entityID string) error {
	data := map[string]any{"entity_id": entityID}
	if err := h.caller.CallService(ctx, hass.DomainHomeAssistant, service, data); err != nil {
		return fmt.Errorf("%s.%s %s: %w", hass.DomainHomeAssistant, service, entityID, err)
	}
	return nil
}
