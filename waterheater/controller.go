package waterheater

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jkaflik/hass-water-heater/hass"
	"github.com/jkaflik/hass-water-heater/internal/metrics"
	"github.com/jkaflik/hass-water-heater/internal/restore"
)

var (
	ErrInvalidTemperature = errors.New("invalid target temperature")
	ErrStopped            = errors.New("controller stopped")
)

// Host is the part of Home Assistant a controller talks to.
type Host interface {
	// State returns the last known state of an entity.
	State(entityID string) (hass.State, bool)
	TurnOn(ctx context.Context, entityID string) error
	TurnOff(ctx context.Context, entityID string) error
}

// Store loads and saves the state restored across restarts.
type Store interface {
	Load(ctx context.Context, uniqueID string) (restore.Record, bool, error)
	Save(ctx context.Context, uniqueID string, rec restore.Record) error
}

// Publisher receives the entity state every time it is written.
type Publisher interface {
	PublishState(snap Snapshot)
}

type Option func(*Controller)

func WithClock(clock Clock) Option {
	return func(c *Controller) {
		c.clock = clock
	}
}

func WithStore(store Store) Option {
	return func(c *Controller) {
		c.store = store
	}
}

func WithPublisher(publisher Publisher) Option {
	return func(c *Controller) {
		c.publisher = publisher
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) {
		c.log = logger
	}
}

const inboxSize = 32

// Controller drives one heater switch. All state below the inbox is owned by
// the goroutine running Run; other goroutines talk to it through messages.
type Controller struct {
	cfg       Config
	host      Host
	clock     Clock
	store     Store
	publisher Publisher
	log       zerolog.Logger

	inbox    chan any
	stopped  chan struct{}
	stopOnce sync.Once
	snapshot atomic.Pointer[Snapshot]

	mode             Mode
	target           *float64
	current          *float64
	failsafe         bool
	available        bool
	lastCommanded    switchState
	lastSwitchChange time.Time

	pending       Timer
	pendingSeq    uint64
	pendingReason string
}

type (
	sensorChanged  struct{ state *hass.State }
	switchChanged  struct{ state *hass.State }
	ecoChanged     struct{ state *hass.State }
	setTemperature struct{ value float64 }
	setMode        struct{ mode Mode }
	timerFired     struct{ seq uint64 }
)

// New creates a controller for cfg. Unset config fields get their defaults.
func New(cfg Config, host Host, opts ...Option) (*Controller, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:       cfg,
		host:      host,
		clock:     realClock{},
		store:     restore.NewMemoryStore(),
		publisher: nopPublisher{},
		log:       log.Logger.With().Str("heater", cfg.ID).Logger(),
		inbox:     make(chan any, inboxSize),
		stopped:   make(chan struct{}),
		mode:      cfg.InitialMode,
	}

	for _, opt := range opts {
		opt(c)
	}

	if cfg.TargetTemperature != nil {
		t := cfg.Clamp(*cfg.TargetTemperature)
		c.target = &t
	}

	snap := c.buildSnapshot()
	c.snapshot.Store(&snap)

	return c, nil
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// Snapshot returns the last published entity state.
func (c *Controller) Snapshot() Snapshot {
	return *c.snapshot.Load()
}

// Run restores state, runs the control loop once and then processes events
// until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	defer c.shutdown()

	c.start(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.inbox:
			c.handle(ctx, msg)
		}
	}
}

// SensorChanged delivers a new temperature sensor state. A nil state means the
// entity was removed.
func (c *Controller) SensorChanged(ctx context.Context, state *hass.State) error {
	return c.post(ctx, sensorChanged{state: state})
}

// SwitchChanged delivers a new heater switch state.
func (c *Controller) SwitchChanged(ctx context.Context, state *hass.State) error {
	return c.post(ctx, switchChanged{state: state})
}

// EcoChanged delivers a new state of the eco condition entity.
func (c *Controller) EcoChanged(ctx context.Context, state *hass.State) error {
	return c.post(ctx, ecoChanged{state: state})
}

// SetTemperature sets the target temperature, clamped to the configured bounds.
func (c *Controller) SetTemperature(ctx context.Context, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidTemperature, value)
	}
	return c.post(ctx, setTemperature{value: value})
}

// SetOperationMode switches the operation mode.
func (c *Controller) SetOperationMode(ctx context.Context, mode Mode) error {
	if !c.cfg.Supports(mode) {
		return fmt.Errorf("%w: %s", ErrUnsupportedMode, mode)
	}
	return c.post(ctx, setMode{mode: mode})
}

func (c *Controller) post(ctx context.Context, msg any) error {
	select {
	case <-c.stopped:
		return ErrStopped
	default:
	}

	select {
	case c.inbox <- msg:
		return nil
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) start(ctx context.Context) {
	rec, ok, err := c.store.Load(ctx, c.cfg.UniqueID())
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to load restore state")
	} else if ok {
		c.restore(rec)
	}

	if st, ok := c.host.State(c.cfg.SensorEntityID); ok && st.Available() {
		if t, err := parseTemperature(st.State); err == nil {
			c.current = &t
		} else {
			c.log.Warn().Err(err).Str("sensor", c.cfg.SensorEntityID).Msg("Ignoring unreadable temperature at startup")
		}
	}

	st, ok := c.host.State(c.cfg.HeaterEntityID)
	c.available = ok && st.Available()

	c.log.Info().
		Str("mode", c.mode.String()).
		Interface("target", c.target).
		Interface("current", c.current).
		Bool("available", c.available).
		Msg("Water heater started")

	c.evaluate(ctx)
	c.publish()
}

func (c *Controller) restore(rec restore.Record) {
	if rec.TargetTemperature != nil {
		t := c.cfg.Clamp(*rec.TargetTemperature)
		c.target = &t
	}

	if rec.Mode != "" {
		mode, err := ParseMode(rec.Mode)
		if err != nil || !c.cfg.Supports(mode) {
			c.log.Warn().Str("mode", rec.Mode).Msg("Restored mode is not supported, falling back to off")
			mode = ModeOff
		}
		c.mode = mode
	}

	c.log.Debug().
		Str("mode", c.mode.String()).
		Interface("target", c.target).
		Time("saved_at", rec.SavedAt).
		Msg("Restored previous state")
}

func (c *Controller) shutdown() {
	c.cancelPending()
	c.stopOnce.Do(func() { close(c.stopped) })
	c.log.Debug().Msg("Water heater stopped")
}

func (c *Controller) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case sensorChanged:
		c.onSensorChanged(ctx, m.state)
	case switchChanged:
		c.onSwitchChanged(ctx, m.state)
	case ecoChanged:
		if c.mode == ModeEco {
			c.evaluate(ctx)
		}
	case setTemperature:
		t := c.cfg.Clamp(m.value)
		c.target = &t
		c.log.Info().Float64("target", t).Msg("Target temperature set")
		c.persist(ctx)
		c.evaluate(ctx)
	case setMode:
		c.mode = m.mode
		c.log.Info().Str("mode", m.mode.String()).Msg("Operation mode set")
		c.persist(ctx)
		c.evaluate(ctx)
	case timerFired:
		if c.pending == nil || m.seq != c.pendingSeq {
			return
		}
		c.log.Debug().Str("reason", c.pendingReason).Msg("Deferred control loop run")
		c.pending = nil
		c.pendingReason = ""
		c.evaluate(ctx)
	default:
		c.log.Warn().Type("message", msg).Msg("Ignoring unknown message")
		return
	}

	c.publish()
}

func (c *Controller) onSensorChanged(ctx context.Context, state *hass.State) {
	if !state.Available() {
		c.enterFailsafe(ctx, nil)
	} else if t, err := parseTemperature(state.State); err != nil {
		c.enterFailsafe(ctx, err)
	} else {
		if c.failsafe {
			c.log.Info().Float64("current", t).Msg("Temperature reading is back, leaving failsafe")
		}
		c.current = &t
		c.failsafe = false
	}

	c.log.Debug().
		Interface("current", c.current).
		Interface("target", c.target).
		Float64("cold_tolerance", c.cfg.ColdTolerance).
		Float64("hot_tolerance", c.cfg.HotTolerance).
		Msg("Sensor changed")

	c.evaluate(ctx)
}

func (c *Controller) enterFailsafe(ctx context.Context, err error) {
	c.log.Warn().
		Err(err).
		Str("heater_switch", c.cfg.HeaterEntityID).
		Msg("No temperature information, entering failsafe, turning off heater")

	if !c.failsafe {
		metrics.FailsafeTotal.WithLabelValues(c.cfg.ID).Inc()
	}

	c.failsafe = true
	c.commandSwitch(ctx, switchOff)
	c.current = nil
}

func (c *Controller) onSwitchChanged(ctx context.Context, state *hass.State) {
	observed := switchStateOf(state)
	if observed == switchUnknown {
		if c.available {
			c.log.Warn().Str("heater_switch", c.cfg.HeaterEntityID).Msg("Heater switch became unavailable")
		}
		c.available = false
		return
	}

	if !c.available {
		c.log.Info().Str("heater_switch", c.cfg.HeaterEntityID).Msg("Heater switch became available")
	}
	c.available = true

	if c.lastCommanded != switchUnknown && observed != c.lastCommanded {
		c.manualOverride(ctx, observed)
		return
	}

	c.evaluate(ctx)
}

// manualOverride adopts a switch change the controller did not ask for.
func (c *Controller) manualOverride(ctx context.Context, observed switchState) {
	metrics.ManualOverridesTotal.WithLabelValues(c.cfg.ID).Inc()

	previous := c.mode
	switch observed {
	case switchOn:
		if c.mode == ModeOff {
			c.mode = ModeElectric
		}
	case switchOff:
		c.mode = ModeOff
	}
	c.lastCommanded = observed

	c.log.Info().
		Str("switch", observed.String()).
		Str("previous_mode", previous.String()).
		Str("mode", c.mode.String()).
		Msg("Heater switch changed outside of the controller")

	if c.mode != previous {
		c.persist(ctx)
	}

	c.schedule(ManualOverrideSettleDelay, reasonManualOverride)
}

func (c *Controller) persist(ctx context.Context) {
	rec := restore.Record{
		Mode:    string(c.mode),
		SavedAt: c.clock.Now(),
	}
	if c.target != nil {
		t := *c.target
		rec.TargetTemperature = &t
	}

	if err := c.store.Save(ctx, c.cfg.UniqueID(), rec); err != nil {
		c.log.Warn().Err(err).Msg("Failed to save restore state")
	}
}

func (c *Controller) publish() {
	snap := c.buildSnapshot()
	c.snapshot.Store(&snap)

	if snap.CurrentTemperature != nil {
		metrics.CurrentTemperature.WithLabelValues(c.cfg.ID).Set(*snap.CurrentTemperature)
	}
	if snap.TargetTemperature != nil {
		metrics.TargetTemperature.WithLabelValues(c.cfg.ID).Set(*snap.TargetTemperature)
	}
	heating := 0.0
	if snap.HVACAction == HVACActionHeating {
		heating = 1
	}
	metrics.Heating.WithLabelValues(c.cfg.ID).Set(heating)

	c.publisher.PublishState(snap)
}

func (c *Controller) buildSnapshot() Snapshot {
	snap := Snapshot{
		ID:                    c.cfg.ID,
		UniqueID:              c.cfg.UniqueID(),
		Name:                  c.cfg.Name,
		Mode:                  c.mode,
		OperationList:         c.cfg.OperationList(),
		TargetTemperatureStep: c.cfg.TargetTemperatureStep,
		MinTemp:               c.cfg.MinTemp,
		MaxTemp:               c.cfg.MaxTemp,
		Unit:                  c.cfg.Unit,
		Available:             c.available,
		HVACAction:            c.hvacAction(),
		Failsafe:              c.failsafe,
		HeaterEntityID:        c.cfg.HeaterEntityID,
		SensorEntityID:        c.cfg.SensorEntityID,
		UpdatedAt:             c.clock.Now(),
	}
	if c.target != nil {
		t := *c.target
		snap.TargetTemperature = &t
	}
	if c.current != nil {
		t := *c.current
		snap.CurrentTemperature = &t
	}
	return snap
}

func (c *Controller) hvacAction() HVACAction {
	if c.mode == ModeOff {
		return HVACActionOff
	}
	if st, ok := c.host.State(c.cfg.HeaterEntityID); ok && st.State == hass.BooleanOnValue {
		return HVACActionHeating
	}
	return HVACActionIdle
}

type nopPublisher struct{}

func (nopPublisher) PublishState(Snapshot) {}
