// Package hasstest runs an in-process Home Assistant websocket API for tests.
//
// The server answers auth, get_states, subscribe_events and call_service.
// homeassistant.turn_on and homeassistant.turn_off flip the target entity and
// broadcast the resulting state_changed event, like a real switch would.
package hasstest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/jkaflik/hass-water-heater/hass"
)

const Version = "2024.6.0"

// Call is a recorded call_service command.
type Call struct {
	Domain   string
	Service  string
	EntityID string
}

type Server struct {
	token string
	srv   *httptest.Server

	upgrader websocket.Upgrader

	mu          sync.Mutex
	states      map[string]hass.State
	calls       []Call
	failService string
	conns       map[*conn]struct{}
	connects    int
}

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	subs []int
}

func (c *conn) send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// NewServer starts a server accepting token.
func NewServer(token string, states ...hass.State) *Server {
	s := &Server{
		token:  token,
		states: make(map[string]hass.State),
		conns:  make(map[*conn]struct{}),
	}
	for _, st := range states {
		s.states[st.EntityID] = st
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.serveWS)
	s.srv = httptest.NewServer(mux)

	return s
}

// URL is the ws:// address to pass to hass.NewClient.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

// DropConnections closes every open websocket, simulating a restart.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// Connects counts authenticated connections.
func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Calls returns the service calls received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// FailService makes calls to service ("domain.service") fail. Empty restores success.
func (s *Server) FailService(service string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failService = service
}

func (s *Server) State(entityID string) (hass.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[entityID]
	return st, ok
}

// SetState changes an entity and broadcasts the state_changed event.
func (s *Server) SetState(entityID, state string) {
	s.mu.Lock()
	old, hadOld := s.states[entityID]
	now := time.Now().UTC()
	next := hass.State{
		EntityID:    entityID,
		State:       state,
		LastChanged: now,
		LastUpdated: now,
	}
	s.states[entityID] = next
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	data := hass.EventData{EntityID: entityID, NewState: &next}
	if hadOld {
		data.OldState = &old
	}

	for _, c := range conns {
		c.mu.Lock()
		subs := append([]int(nil), c.subs...)
		c.mu.Unlock()

		for _, id := range subs {
			_ = c.send(&hass.EventMessage{
				BaseMessage: hass.BaseMessage{ID: id, Type: hass.MessageTypeEvent},
				Event: hass.Event{
					EventType: hass.EventTypeStateChanged,
					TimeFired: now,
					Origin:    "LOCAL",
					Data:      data,
				},
			})
		}
	}
}

// RemoveState deletes an entity and broadcasts a state_changed event without
// a new state.
func (s *Server) RemoveState(entityID string) {
	s.mu.Lock()
	old, ok := s.states[entityID]
	delete(s.states, entityID)
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	for _, c := range conns {
		c.mu.Lock()
		subs := append([]int(nil), c.subs...)
		c.mu.Unlock()

		for _, id := range subs {
			_ = c.send(&hass.EventMessage{
				BaseMessage: hass.BaseMessage{ID: id, Type: hass.MessageTypeEvent},
				Event: hass.Event{
					EventType: hass.EventTypeStateChanged,
					TimeFired: time.Now().UTC(),
					Data:      hass.EventData{EntityID: entityID, OldState: &old},
				},
			})
		}
	}
}

type request struct {
	ID          int            `json:"id"`
	Type        string         `json:"type"`
	AccessToken string         `json:"access_token"`
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data"`
}

type result struct {
	ID      int                      `json:"id"`
	Type    string                   `json:"type"`
	Success bool                     `json:"success"`
	Result  any                      `json:"result"`
	Error   *hass.ResultMessageError `json:"error,omitempty"`
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws}
	defer ws.Close()

	if err := c.send(&hass.AuthRequiredMessage{
		BaseMessage: hass.BaseMessage{Type: hass.MessageTypeAuthRequired},
		Version:     Version,
	}); err != nil {
		return
	}

	var auth request
	if err := ws.ReadJSON(&auth); err != nil {
		return
	}
	if auth.Type != hass.MessageTypeAuth || auth.AccessToken != s.token {
		_ = c.send(&hass.AuthInvalidMessage{
			BaseMessage: hass.BaseMessage{Type: hass.MessageTypeAuthInvalid},
			Message:     "Invalid access token or password",
		})
		return
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.connects++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	if err := c.send(&hass.AuthOKMessage{
		BaseMessage: hass.BaseMessage{Type: hass.MessageTypeAuthOK},
		Version:     Version,
	}); err != nil {
		return
	}

	for {
		var req request
		if err := ws.ReadJSON(&req); err != nil {
			return
		}

		if err := s.handle(c, req); err != nil {
			return
		}
	}
}

func (s *Server) handle(c *conn, req request) error {
	switch req.Type {
	case hass.MessageTypeGetStates:
		s.mu.Lock()
		states := make([]hass.State, 0, len(s.states))
		for _, st := range s.states {
			states = append(states, st)
		}
		s.mu.Unlock()
		return c.send(&result{ID: req.ID, Type: hass.MessageTypeResult, Success: true, Result: states})

	case hass.MessageTypeSubscribeEvents:
		c.mu.Lock()
		c.subs = append(c.subs, req.ID)
		c.mu.Unlock()
		return c.send(&result{ID: req.ID, Type: hass.MessageTypeResult, Success: true})

	case hass.MessageTypeCallService:
		entityID, _ := req.ServiceData["entity_id"].(string)

		s.mu.Lock()
		s.calls = append(s.calls, Call{Domain: req.Domain, Service: req.Service, EntityID: entityID})
		fail := s.failService == req.Domain+"."+req.Service
		_, exists := s.states[entityID]
		s.mu.Unlock()

		if fail {
			return c.send(&result{ID: req.ID, Type: hass.MessageTypeResult, Error: &hass.ResultMessageError{
				Code:    "home_assistant_error",
				Message: "service call failed",
			}})
		}
		if !exists {
			return c.send(&result{ID: req.ID, Type: hass.MessageTypeResult, Error: &hass.ResultMessageError{
				Code:    "not_found",
				Message: "entity not found",
			}})
		}

		if err := c.send(&result{ID: req.ID, Type: hass.MessageTypeResult, Success: true}); err != nil {
			return err
		}

		if req.Domain == hass.DomainHomeAssistant {
			switch req.Service {
			case hass.ServiceTurnOn:
				s.SetState(entityID, hass.BooleanOnValue)
			case hass.ServiceTurnOff:
				s.SetState(entityID, hass.BooleanOffValue)
			}
		}
		return nil

	default:
		return c.send(&result{ID: req.ID, Type: hass.MessageTypeResult, Error: &hass.ResultMessageError{
			Code:    "unknown_command",
			Message: "Unknown command.",
		}})
	}
}
