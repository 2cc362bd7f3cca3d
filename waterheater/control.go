package waterheater

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jkaflik/hass-water-heater/hass"
	"github.com/jkaflik/hass-water-heater/internal/metrics"
)

// commandTimeout bounds a single turn_on/turn_off service call.
const commandTimeout = 10 * time.Second

const (
	reasonCooldown       = "cooldown"
	reasonManualOverride = "manual_override"
)

type switchState int

const (
	switchUnknown switchState = iota
	switchOff
	switchOn
)

func switchStateOf(state *hass.State) switchState {
	if state == nil {
		return switchUnknown
	}
	switch state.State {
	case hass.BooleanOnValue:
		return switchOn
	case hass.BooleanOffValue:
		return switchOff
	default:
		return switchUnknown
	}
}

func (s switchState) String() string {
	switch s {
	case switchOn:
		return hass.BooleanOnValue
	case switchOff:
		return hass.BooleanOffValue
	default:
		return hass.UnknownValue
	}
}

// evaluate is the control loop. It decides the desired switch state from the
// mode, the failsafe flag, the eco gate and the hysteresis band.
//
// Failsafe is entered only when a sensor update reports a lost reading, and it
// wins over PERFORMANCE. A controller that starts without any reading is not
// in failsafe, so PERFORMANCE heats until the sensor reports unavailable.
func (c *Controller) evaluate(ctx context.Context) {
	switch {
	case c.mode == ModeOff:
		c.commandSwitch(ctx, switchOff)
		return
	case c.failsafe:
		c.commandSwitch(ctx, switchOff)
		return
	case c.mode == ModePerformance:
		c.commandSwitch(ctx, switchOn)
		return
	case c.mode == ModeEco && !c.ecoConditionMet():
		c.commandSwitch(ctx, switchOff)
		return
	}

	if c.current == nil || c.target == nil {
		c.log.Debug().Msg("Not controlling, temperature not known yet")
		return
	}

	current, target := *c.current, *c.target
	switch {
	case current <= target-c.cfg.ColdTolerance && (c.mode == ModeElectric || c.mode == ModeEco):
		c.commandSwitch(ctx, switchOn)
	case current >= target+c.cfg.HotTolerance:
		c.commandSwitch(ctx, switchOff)
	}
}

func (c *Controller) ecoConditionMet() bool {
	if c.cfg.Eco == nil {
		return true
	}
	st, ok := c.host.State(c.cfg.Eco.EntityID)
	return ok && st.State == c.cfg.Eco.Value
}

// commandSwitch drives the heater switch towards desired. It never commands a
// state the switch is already in, and defers the command while the switch is
// inside its minimum cycle duration.
func (c *Controller) commandSwitch(ctx context.Context, desired switchState) {
	observed := switchUnknown
	if st, ok := c.host.State(c.cfg.HeaterEntityID); ok {
		observed = switchStateOf(&st)
	}

	if observed == switchUnknown {
		c.log.Debug().Str("desired", desired.String()).Msg("Heater switch state unknown, not commanding")
		return
	}
	if observed == desired {
		// Adopt the observed state only before the first command. Later the
		// cache may still show the state from before a command in flight.
		if c.lastCommanded == switchUnknown {
			c.lastCommanded = desired
		}
		return
	}

	now := c.clock.Now()
	if !c.lastSwitchChange.IsZero() {
		if elapsed := now.Sub(c.lastSwitchChange); elapsed < c.cfg.MinCycleDuration {
			c.schedule(c.cfg.MinCycleDuration-elapsed, reasonCooldown)
			return
		}
	}

	service := hass.ServiceTurnOff
	call := c.host.TurnOff
	if desired == switchOn {
		service = hass.ServiceTurnOn
		call = c.host.TurnOn
	}

	callCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if err := call(callCtx, c.cfg.HeaterEntityID); err != nil {
		metrics.SwitchCommandsTotal.WithLabelValues(c.cfg.ID, service, "error").Inc()
		c.log.Error().Err(err).
			Str("heater_switch", c.cfg.HeaterEntityID).
			Str("service", service).
			Msg("Failed to command heater switch")
		return
	}

	metrics.SwitchCommandsTotal.WithLabelValues(c.cfg.ID, service, "ok").Inc()
	c.log.Info().
		Str("heater_switch", c.cfg.HeaterEntityID).
		Str("service", service).
		Msg("Heater switch commanded")

	c.lastCommanded = desired
	c.lastSwitchChange = now
}

// schedule arms the single deferred evaluation, replacing a pending one.
func (c *Controller) schedule(d time.Duration, reason string) {
	c.cancelPending()

	c.pendingSeq++
	seq := c.pendingSeq
	c.pendingReason = reason
	c.pending = c.clock.AfterFunc(d, func() {
		select {
		case c.inbox <- timerFired{seq: seq}:
		case <-c.stopped:
		}
	})

	metrics.DeferredEvaluationsTotal.WithLabelValues(c.cfg.ID, reason).Inc()
	c.log.Debug().Dur("delay", d).Str("reason", reason).Msg("Control loop deferred")
}

func (c *Controller) cancelPending() {
	if c.pending == nil {
		return
	}
	c.pending.Stop()
	c.pending = nil
	c.pendingReason = ""
}

func parseTemperature(s string) (float64, error) {
	t, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("parse temperature %q: %w", s, err)
	}
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return 0, fmt.Errorf("parse temperature %q: not a finite number", s)
	}
	return t, nil
}
