package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Controller metrics
	SwitchCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "water_heater_switch_commands_total",
		Help: "The total number of turn_on/turn_off service calls by heater and outcome",
	}, []string{"heater", "service", "status"})

	DeferredEvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "water_heater_deferred_evaluations_total",
		Help: "The total number of deferred control loop runs scheduled, by reason",
	}, []string{"heater", "reason"})

	ManualOverridesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "water_heater_manual_overrides_total",
		Help: "The total number of switch changes not issued by the controller",
	}, []string{"heater"})

	FailsafeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "water_heater_failsafe_total",
		Help: "The total number of times the temperature sensor was lost",
	}, []string{"heater"})

	CurrentTemperature = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "water_heater_current_temperature",
		Help: "Last valid temperature reading",
	}, []string{"heater"})

	TargetTemperature = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "water_heater_target_temperature",
		Help: "Configured target temperature",
	}, []string{"heater"})

	Heating = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "water_heater_heating",
		Help: "Whether the heater switch is on (1=heating, 0=off or idle)",
	}, []string{"heater"})

	// Home Assistant client metrics
	HassConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "water_heater_hass_connection_status",
		Help: "Status of the Home Assistant connection (1=connected, 0=disconnected)",
	})

	HassReconnectTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "water_heater_hass_reconnect_total",
		Help: "Total number of reconnection attempts to Home Assistant",
	})

	EventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "water_heater_events_received_total",
		Help: "The total number of state_changed events routed to controllers",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "water_heater_events_dropped_total",
		Help: "The total number of events dropped because a subscriber was not keeping up",
	})

	// MQTT metrics
	MQTTConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "water_heater_mqtt_connection_status",
		Help: "Status of the MQTT broker connection (1=connected, 0=disconnected)",
	})

	MQTTPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "water_heater_mqtt_publish_errors_total",
		Help: "Total number of failed MQTT publishes",
	})

	MQTTCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "water_heater_mqtt_commands_total",
		Help: "Total number of commands received over MQTT by kind and outcome",
	}, []string{"command", "status"})
)
