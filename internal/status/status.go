// Package status serves the state of the water heaters over HTTP and accepts
// the same mode and temperature commands Home Assistant sends over MQTT.
package status

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/jkaflik/hass-water-heater/waterheater"
)

// Heater is the view of a controller the API needs.
type Heater interface {
	Config() waterheater.Config
	Snapshot() waterheater.Snapshot
	SetTemperature(ctx context.Context, value float64) error
	SetOperationMode(ctx context.Context, mode waterheater.Mode) error
}

type Handler struct {
	order   []string
	heaters map[string]Heater
}

func NewHandler(heaters ...Heater) *Handler {
	h := &Handler{heaters: make(map[string]Heater, len(heaters))}
	for _, heater := range heaters {
		id := heater.Config().ID
		h.order = append(h.order, id)
		h.heaters[id] = heater
	}
	return h
}

// Mount registers the routes under /api/water_heaters.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api/water_heaters", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Put("/{id}/mode", h.setMode)
		r.Put("/{id}/temperature", h.setTemperature)
	})
}

func (h *Handler) list(w http.ResponseWriter, _ *http.Request) {
	snapshots := make([]waterheater.Snapshot, 0, len(h.order))
	for _, id := range h.order {
		snapshots = append(snapshots, h.heaters[id].Snapshot())
	}
	writeJSON(w, http.StatusOK, snapshots)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	heater, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, heater.Snapshot())
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (h *Handler) setMode(w http.ResponseWriter, r *http.Request) {
	heater, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	mode, err := waterheater.ParseMode(req.Mode)
	if err == nil {
		err = heater.SetOperationMode(r.Context(), mode)
	}
	h.commandResult(w, heater, err)
}

type temperatureRequest struct {
	Temperature *float64 `json:"temperature"`
}

func (h *Handler) setTemperature(w http.ResponseWriter, r *http.Request) {
	heater, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req temperatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Temperature == nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.commandResult(w, heater, heater.SetTemperature(r.Context(), *req.Temperature))
}

func (h *Handler) commandResult(w http.ResponseWriter, heater Heater, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, heater.Snapshot())
	case errors.Is(err, waterheater.ErrUnsupportedMode), errors.Is(err, waterheater.ErrInvalidTemperature):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Str("heater", heater.Config().ID).Msg("Water heater command failed")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (Heater, bool) {
	heater, ok := h.heaters[chi.URLParam(r, "id")]
	if !ok {
		writeError(w, http.StatusNotFound, "water heater not found")
	}
	return heater, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
