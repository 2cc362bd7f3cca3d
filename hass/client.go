package hass

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fastjson"

	"github.com/jkaflik/hass-water-heater/internal/metrics"
	"github.com/jkaflik/hass-water-heater/pkg/retry"
)

const userAgent = "hass-water-heater"

var (
	ErrNotConnected     = errors.New("not connected to Home Assistant")
	ErrConnectionClosed = errors.New("home assistant connection closed")
	ErrAuthInvalid      = errors.New("home assistant rejected the access token")
)

// ResultError is returned when Home Assistant answers a command with success=false.
type ResultError struct {
	Code    string
	Message string
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ReconnectConfig controls the backoff used by ConnectWithRetry.
type ReconnectConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// Client is a websocket API client for Home Assistant
type Client struct {
	Host  string
	Token string

	receiverBufferSize int
	requestTimeout     time.Duration
	reconnect          ReconnectConfig

	mtx  sync.Mutex
	sess *session
}

// session is the state of a single websocket connection. Request ids are
// scoped to the connection, so a reconnect starts from a fresh session.
type session struct {
	conn     *websocket.Conn
	writeMtx sync.Mutex

	mtx           sync.Mutex
	lastID        int
	receivers     map[int]chan *fastjson.Value
	subscriptions map[int]chan *EventMessage
	closed        bool

	authenticated chan struct{}
	authOnce      sync.Once
	authErr       error
	done          chan struct{}
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithReconnectConfig sets the backoff used between connection attempts.
func WithReconnectConfig(initial, max time.Duration, multiplier float64) ClientOption {
	return func(c *Client) {
		c.reconnect = ReconnectConfig{
			InitialInterval: initial,
			MaxInterval:     max,
			Multiplier:      multiplier,
		}
	}
}

// WithRequestTimeout bounds how long a command waits for its result.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithReceiverBufferSize sets the capacity of event subscription channels.
func WithReceiverBufferSize(size int) ClientOption {
	return func(c *Client) {
		c.receiverBufferSize = size
	}
}

const (
	requestDefaultTimeout     = time.Second * 5
	receiverDefaultBufferSize = 256
)

func NewClient(host, token string, options ...ClientOption) *Client {
	c := &Client{
		Host:  host,
		Token: token,
		reconnect: ReconnectConfig{
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
			Multiplier:      1.5,
		},
	}

	for _, option := range options {
		option(c)
	}

	return c
}

func (c *Client) session() *session {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.sess
}

func (c *Client) Connect(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/websocket", strings.TrimSuffix(c.Host, "/"))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{
		"User-Agent": []string{userAgent},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Home Assistant: %w", err)
	}

	s := &session{
		conn:          conn,
		receivers:     make(map[int]chan *fastjson.Value),
		subscriptions: make(map[int]chan *EventMessage),
		authenticated: make(chan struct{}),
		done:          make(chan struct{}),
	}

	c.mtx.Lock()
	c.sess = s
	c.mtx.Unlock()

	metrics.HassConnectionStatus.Set(1)

	go c.receive(s)

	return nil
}

// ConnectWithRetry connects and authenticates, backing off between failed
// attempts until it succeeds, the token is rejected or ctx is done.
func (c *Client) ConnectWithRetry(ctx context.Context) error {
	cfg := retry.Config{
		MaxRetries:          retry.Unlimited,
		InitialInterval:     c.reconnect.InitialInterval,
		MaxInterval:         c.reconnect.MaxInterval,
		Multiplier:          c.reconnect.Multiplier,
		RandomizationFactor: 0.2,
	}

	callbacks := retry.Callbacks{
		OnRetryAttempt: func(attempt int, err error, nextBackoff time.Duration) {
			metrics.HassReconnectTotal.Inc()
			log.Warn().
				Err(err).
				Int("attempt", attempt).
				Dur("next_backoff", nextBackoff).
				Msg("Retrying Home Assistant connection")
		},
		OnRetrySuccess: func(attempt int) {
			log.Info().Int("attempt", attempt).Msg("Connected to Home Assistant after retry")
		},
	}

	return retry.DoWithCallbacks(ctx, func() error {
		if err := c.Connect(ctx); err != nil {
			return err
		}
		if err := c.WaitAuthenticated(ctx); err != nil {
			_ = c.Close()
			return err
		}
		return nil
	}, isRetryableConnectError, cfg, callbacks)
}

func isRetryableConnectError(err error) bool {
	return !errors.Is(err, ErrAuthInvalid) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) WaitAuthenticated(ctx context.Context) error {
	s := c.session()
	if s == nil {
		return ErrNotConnected
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.authenticated:
		return s.authErr
	case <-s.done:
		if s.authErr != nil {
			return s.authErr
		}
		return ErrConnectionClosed
	}
}

// Done is closed when the current connection's receive loop stops.
func (c *Client) Done() <-chan struct{} {
	if s := c.session(); s != nil {
		return s.done
	}

	closed := make(chan struct{})
	close(closed)
	return closed
}

// SubscribeEventsOption customises the subscribe_events command.
type SubscribeEventsOption func(*SubscribeEventsMessage)

// SubscribeEventsWithEventType limits the subscription to a single event type.
func SubscribeEventsWithEventType(eventType EventType) SubscribeEventsOption {
	return func(m *SubscribeEventsMessage) {
		m.EventType = eventType
	}
}

// SubscribeEvents subscribes to the Home Assistant event bus. The returned
// channel is closed when the connection ends.
func (c *Client) SubscribeEvents(ctx context.Context, opts ...SubscribeEventsOption) (chan *EventMessage, error) {
	s := c.session()
	if s == nil {
		return nil, ErrNotConnected
	}

	msg := &SubscribeEventsMessage{BaseMessage: BaseMessage{Type: MessageTypeSubscribeEvents}}
	for _, opt := range opts {
		opt(msg)
	}

	bufferSize := receiverDefaultBufferSize
	if c.receiverBufferSize > 0 {
		bufferSize = c.receiverBufferSize
	}
	events := make(chan *EventMessage, bufferSize)

	id, resultChan, err := s.register(events)
	if err != nil {
		return nil, err
	}
	msg.setID(id)

	if err := s.write(msg); err != nil {
		s.release(id)
		return nil, fmt.Errorf("failed to send message to Home Assistant: %w", err)
	}

	if _, err := c.awaitResult(ctx, s, id, resultChan); err != nil {
		s.release(id)
		return nil, fmt.Errorf("subscription failed: %w", err)
	}

	log.Info().
		Int("id", id).
		Str("event_type", string(msg.EventType)).
		Msg("Subscribed to events")

	return events, nil
}

func (c *Client) GetStates(ctx context.Context) ([]State, error) {
	v, err := c.request(ctx, &GetStatesMessage{BaseMessage: BaseMessage{Type: MessageTypeGetStates}})
	if err != nil {
		return nil, fmt.Errorf("failed to get states: %w", err)
	}

	var states []State
	if result := v.Get("result"); result != nil {
		if err := json.Unmarshal(result.MarshalTo(nil), &states); err != nil {
			return nil, fmt.Errorf("failed to decode states: %w", err)
		}
	}

	log.Debug().Int("count", len(states)).Msg("Received states")

	return states, nil
}

// CallService calls a Home Assistant service and waits for it to be accepted.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	_, err := c.request(ctx, &CallServiceMessage{
		BaseMessage: BaseMessage{Type: MessageTypeCallService},
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	})
	if err != nil {
		return fmt.Errorf("failed to call %s.%s: %w", domain, service, err)
	}

	return nil
}

type request interface {
	setID(id int)
}

func (c *Client) request(ctx context.Context, msg request) (*fastjson.Value, error) {
	s := c.session()
	if s == nil {
		return nil, ErrNotConnected
	}

	id, resultChan, err := s.register(nil)
	if err != nil {
		return nil, err
	}
	msg.setID(id)

	if err := s.write(msg); err != nil {
		s.release(id)
		return nil, fmt.Errorf("failed to send message to Home Assistant: %w", err)
	}

	return c.awaitResult(ctx, s, id, resultChan)
}

func (c *Client) awaitResult(ctx context.Context, s *session, id int, resultChan chan *fastjson.Value) (*fastjson.Value, error) {
	timeout := requestDefaultTimeout
	if c.requestTimeout > 0 {
		timeout = c.requestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-ctx.Done():
		s.dropReceiver(id)
		return nil, fmt.Errorf("timeout waiting for Home Assistant result: %w", ctx.Err())
	case v, ok := <-resultChan:
		if !ok {
			return nil, ErrConnectionClosed
		}

		if typ := string(v.GetStringBytes("type")); typ != MessageTypeResult {
			log.Error().Str("type", typ).Msg("Unexpected message type received waiting for a result")

			return nil, fmt.Errorf("unexpected message type received waiting for a result: %s", typ)
		}

		if !v.GetBool("success") {
			resultErr := &ResultError{
				Code:    string(v.GetStringBytes("error", "code")),
				Message: string(v.GetStringBytes("error", "message")),
			}

			log.Error().
				Int("id", id).
				Str("code", resultErr.Code).
				Str("message", resultErr.Message).
				Msg("Home Assistant command failed")

			return nil, resultErr
		}

		return v, nil
	}
}

func (c *Client) receive(s *session) {
	defer c.teardown(s)

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
				log.Info().Msg("Home Assistant websocket connection closed")
				return
			}

			log.Err(err).Msg("Failed to read message from Home Assistant websocket")
			return
		}

		v, err := fastjson.ParseBytes(payload)
		if err != nil {
			log.Err(err).Msg("Received malformed message from Home Assistant")
			continue
		}

		typ := string(v.GetStringBytes("type"))

		if typ == "" {
			log.Error().Msg("Received message from Home Assistant without a type")
			continue
		}

		switch typ {
		case MessageTypeAuthRequired:
			c.authenticate(s)
		case MessageTypeAuthOK:
			version := string(v.GetStringBytes("ha_version"))
			log.Info().Str("version", version).Msg("Authenticated with Home Assistant")
			s.authOnce.Do(func() { close(s.authenticated) })
		case MessageTypeAuthInvalid:
			message := string(v.GetStringBytes("message"))
			log.Error().Str("message", message).Msg("Failed to authenticate with Home Assistant")
			s.authOnce.Do(func() {
				s.authErr = fmt.Errorf("%w: %s", ErrAuthInvalid, message)
				close(s.authenticated)
			})
		case MessageTypeEvent:
			s.handleEvent(v.GetInt("id"), payload)
		default:
			s.handleMessage(v)
		}
	}
}

func (c *Client) teardown(s *session) {
	s.mtx.Lock()
	s.closed = true
	for id, ch := range s.receivers {
		close(ch)
		delete(s.receivers, id)
	}
	for id, ch := range s.subscriptions {
		close(ch)
		delete(s.subscriptions, id)
	}
	s.mtx.Unlock()

	metrics.HassConnectionStatus.Set(0)
	close(s.done)
}

func (c *Client) Close() error {
	s := c.session()
	if s == nil {
		return nil
	}

	log.Info().Msg("Closing Home Assistant websocket connection")

	s.writeMtx.Lock()
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.writeMtx.Unlock()

	err := s.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	select {
	case <-s.done:
	case <-time.After(time.Second):
		log.Warn().Msg("Home Assistant receive loop did not stop in time")
	}

	return err
}

func (c *Client) authenticate(s *session) {
	log.Info().Msg("Authenticating with Home Assistant")

	if err := s.write(&AuthMessage{
		BaseMessage: BaseMessage{Type: MessageTypeAuth},
		AccessToken: c.Token,
	}); err != nil {
		log.Err(err).Msg("Failed to send auth message to Home Assistant")
	}
}

// register allocates a request id and its result channel. When events is
// non-nil, event messages carrying the same id are delivered to it.
func (s *session) register(events chan *EventMessage) (int, chan *fastjson.Value, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return 0, nil, ErrConnectionClosed
	}

	s.lastID++
	id := s.lastID

	resultChan := make(chan *fastjson.Value, 1)
	s.receivers[id] = resultChan
	if events != nil {
		s.subscriptions[id] = events
	}

	return id, resultChan, nil
}

func (s *session) dropReceiver(id int) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.receivers, id)
}

// release forgets a request id, closing its event channel if it had one.
func (s *session) release(id int) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.receivers, id)
	if ch, ok := s.subscriptions[id]; ok {
		close(ch)
		delete(s.subscriptions, id)
	}
}

func (s *session) write(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	s.writeMtx.Lock()
	defer s.writeMtx.Unlock()

	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *session) handleMessage(v *fastjson.Value) {
	id := v.GetInt("id")

	if id == 0 {
		log.Warn().Msg("Received message from Home Assistant without an ID")
		return
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	ch, ok := s.receivers[id]
	if !ok {
		log.Warn().Int("id", id).Str("message", v.String()).Msg("Received message from Home Assistant with an unknown ID")
		return
	}

	delete(s.receivers, id)
	ch <- v
}

func (s *session) handleEvent(id int, payload []byte) {
	msg, err := UnmarshalMessage(payload)
	if err != nil {
		log.Err(err).Int("id", id).Msg("Failed to decode event from Home Assistant")
		return
	}

	event, ok := msg.(*EventMessage)
	if !ok {
		return
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	ch, ok := s.subscriptions[id]
	if !ok {
		log.Warn().Int("id", id).Msg("Received event for an unknown subscription")
		return
	}

	// Never block the receive loop: command results share it.
	select {
	case ch <- event:
	default:
		metrics.EventsDropped.Inc()
		log.Warn().
			Int("id", id).
			Str("entity_id", event.Event.Data.EntityID).
			Msg("Dropping event, subscriber is not keeping up")
	}
}
