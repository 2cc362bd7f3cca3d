// Package waterheater implements a thermostat-style controller for a water
// heater built from a toggleable switch and a temperature sensor.
//
// Each Controller is an independent actor: events and user commands are posted
// to its inbox and handled one at a time by Run. The control loop keeps the
// temperature inside a hysteresis band and turns the heater off when the
// temperature reading is lost. Switch commands closer together than the
// minimum cycle duration are deferred, not dropped.
package waterheater
