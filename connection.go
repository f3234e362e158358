package deepstream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"
)

// messageSender is the outbound surface handlers use. The connection
// implements it; tests substitute a recorder.
type messageSender interface {
	send(raw string)
	sendMsg(topic Topic, action Action, data ...string)
}

// loginCallback receives the outcome of an authentication attempt.
type loginCallback func(success bool, errorEvent Event, data any)

// connection drives the handshake, authentication, reconnection and message
// dispatch for a single hub endpoint. Inbound frames are decoded and fanned
// out to one serial dispatch queue per topic, which gives per-topic ordering
// while topics progress in parallel. Outbound messages sent while the
// connection is not OPEN are buffered and flushed, in order, on the OPEN
// transition.
type connection struct {
	client      *Client
	cfg         Config
	factory     endpointFactory
	logger      *slog.Logger
	originalURL string
	retry       backoff

	mu                  sync.Mutex
	url                 string
	endpoint            endpoint
	state               ConnectionState
	connectivity        GlobalConnectivityState
	buffer              []string
	deliberateClose     bool
	redirecting         bool
	tooManyAuthAttempts bool
	challengeDenied     bool
	reconnectTimer      *time.Timer
	reconnectAttempts   int
	authParams          string
	hasAuthParams       bool
	login               loginCallback

	handlersMu sync.RWMutex
	handlers   map[Topic]func(*Message)

	dispatchers map[Topic]chan *Message
	quit        chan struct{}
	stopOnce    sync.Once
}

func newConnection(client *Client, cfg Config, factory endpointFactory) (*connection, error) {
	normalized, err := normalizeURL(cfg.URL, cfg.Path)
	if err != nil {
		return nil, err
	}

	c := &connection{
		client:       client,
		cfg:          cfg,
		factory:      factory,
		logger:       cfg.Logger,
		originalURL:  normalized,
		url:          normalized,
		retry:        backoff{step: cfg.ReconnectIntervalIncrement, max: cfg.MaxReconnectInterval},
		state:        StateClosed,
		connectivity: GlobalConnected,
		handlers:     make(map[Topic]func(*Message)),
		dispatchers:  make(map[Topic]chan *Message),
		quit:         make(chan struct{}),
	}
	c.startDispatchers()
	return c, nil
}

// normalizeURL validates the scheme, defaults it to ws and appends the
// default path when the URL carries none.
func normalizeURL(raw, defaultPath string) (string, error) {
	if strings.HasPrefix(raw, "http:") || strings.HasPrefix(raw, "https:") {
		return "", fmt.Errorf("HTTP/HTTPS is not supported, use ws or wss instead: %s", raw)
	}
	if strings.HasPrefix(raw, "//") {
		raw = "ws:" + raw
	} else if !strings.HasPrefix(raw, "ws:") && !strings.HasPrefix(raw, "wss:") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Path == "" {
		u.Path = defaultPath
	}
	return u.String(), nil
}

// setHandler wires the serial dispatch queue for a topic to its handler.
func (c *connection) setHandler(topic Topic, handle func(*Message)) {
	c.handlersMu.Lock()
	c.handlers[topic] = handle
	c.handlersMu.Unlock()
}

func (c *connection) startDispatchers() {
	for _, topic := range []Topic{TopicEvent, TopicRPC, TopicRecord, TopicPresence} {
		ch := make(chan *Message, 1024)
		c.dispatchers[topic] = ch
		go c.runDispatcher(topic, ch)
	}
}

func (c *connection) runDispatcher(topic Topic, ch chan *Message) {
	for {
		select {
		case <-c.quit:
			return
		case msg := <-ch:
			c.handlersMu.RLock()
			handle := c.handlers[topic]
			c.handlersMu.RUnlock()
			if handle != nil {
				handle(msg)
			}
		}
	}
}

func (c *connection) stopDispatchers() {
	c.stopOnce.Do(func() { close(c.quit) })
}

// connect creates the endpoint and starts opening it.
func (c *connection) connect() {
	c.createEndpoint()
}

func (c *connection) createEndpoint() {
	c.mu.Lock()
	target := c.url
	c.mu.Unlock()

	uri, err := normalizeURL(target, c.cfg.Path)
	if err != nil {
		c.client.onError(TopicConnection, EventConnectionError, err.Error())
		return
	}

	ep := c.factory(uri, c)
	c.mu.Lock()
	c.endpoint = ep
	c.mu.Unlock()
	ep.open()
}

// send buffers the frame while the connection is not OPEN, otherwise writes
// it straight to the endpoint.
func (c *connection) send(raw string) {
	c.mu.Lock()
	if c.state != StateOpen {
		c.buffer = append(c.buffer, raw)
		c.mu.Unlock()
		return
	}
	ep := c.endpoint
	c.mu.Unlock()

	if ep != nil {
		if err := ep.send(raw); err != nil {
			c.logger.Debug("send failed", "error", err)
		}
	}
}

func (c *connection) sendMsg(topic Topic, action Action, data ...string) {
	c.send(buildMessage(topic, action, data...))
}

// sendDirect bypasses the buffer; used for handshake and auth traffic that
// must flow before the connection reaches OPEN.
func (c *connection) sendDirect(raw string) {
	c.mu.Lock()
	ep := c.endpoint
	c.mu.Unlock()
	if ep != nil {
		if err := ep.send(raw); err != nil {
			c.logger.Debug("send failed", "error", err)
		}
	}
}

// authenticate sends the auth request, or queues it until the handshake
// reaches AWAITING_AUTHENTICATION.
func (c *connection) authenticate(params any, cb loginCallback) {
	encoded := ensureAuthParams(params)

	c.mu.Lock()
	if c.tooManyAuthAttempts || c.challengeDenied {
		c.mu.Unlock()
		c.client.onError(TopicError, EventIsClosed, "this client's connection was closed")
		if cb != nil {
			cb(false, EventIsClosed, nil)
		}
		return
	}
	c.login = cb
	c.authParams = encoded
	c.hasAuthParams = true
	state := c.state
	c.mu.Unlock()

	if state == StateAwaitingAuthentication {
		c.sendAuthMessage()
	}
}

func ensureAuthParams(params any) string {
	if params == nil {
		return "{}"
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

func (c *connection) sendAuthMessage() {
	c.mu.Lock()
	params := c.authParams
	c.mu.Unlock()
	c.setState(StateAuthenticating)
	c.sendDirect(buildMessage(TopicAuth, ActionRequest, params))
}

func (c *connection) getState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connection) setState(state ConnectionState) {
	c.mu.Lock()
	c.state = state
	hasAuth := c.hasAuthParams
	c.mu.Unlock()

	c.logger.Debug("connection state changed", "state", string(state))
	c.client.notifyStateChanged(state)

	if state == StateAwaitingAuthentication && hasAuth {
		c.sendAuthMessage()
	}
}

// onOpen is signalled by the endpoint once the transport is established.
func (c *connection) onOpen() {
	c.setState(StateAwaitingConnection)
}

// onEndpointError is signalled for transport-level failures.
func (c *connection) onEndpointError(errMsg string) {
	c.setState(StateError)
	c.client.onError(TopicConnection, EventConnectionError, errMsg)
}

// onEndpointClose is signalled whenever the transport drops, deliberately
// or not.
func (c *connection) onEndpointClose() {
	c.mu.Lock()
	if c.redirecting {
		c.redirecting = false
		c.mu.Unlock()
		c.createEndpoint()
		return
	}
	if c.deliberateClose {
		c.mu.Unlock()
		c.setState(StateClosed)
		return
	}
	sameURL := c.url == c.originalURL
	c.mu.Unlock()

	c.setState(StateError)
	if sameURL {
		c.tryReconnect()
		return
	}

	// A redirected endpoint dropped; fall back to the original URL.
	c.mu.Lock()
	c.url = c.originalURL
	c.mu.Unlock()
	c.createEndpoint()
}

// onMessage decodes a frame and routes each message: CONNECTION and AUTH
// are handled inline, everything else goes to its topic's serial queue.
func (c *connection) onMessage(frame string) {
	messages := parseFrame(frame, func(raw string, err error) {
		c.client.onError(TopicError, EventMessageParseError, err.Error())
	})

	for _, msg := range messages {
		switch msg.Topic {
		case TopicConnection:
			c.handleConnectionResponse(msg)
		case TopicAuth:
			c.handleAuthResponse(msg)
		case TopicEvent, TopicRPC, TopicRecord, TopicPresence:
			select {
			case c.dispatchers[msg.Topic] <- msg:
			case <-c.quit:
				return
			}
		default:
			c.client.onError(TopicError, EventUnsolicitedMessage, msg.Action.Name())
		}
	}
}

func (c *connection) handleConnectionResponse(msg *Message) {
	switch msg.Action {
	case ActionPing:
		c.sendDirect(buildMessage(TopicConnection, ActionPong))
	case ActionAck:
		c.setState(StateAwaitingAuthentication)
	case ActionChallenge:
		c.setState(StateChallenging)
		c.sendDirect(buildMessage(TopicConnection, ActionChallengeResponse, c.originalURL))
	case ActionRejection:
		c.mu.Lock()
		c.challengeDenied = true
		c.mu.Unlock()
		c.close(false)
	case ActionRedirect:
		if len(msg.Data) == 0 {
			return
		}
		c.mu.Lock()
		c.url = msg.Data[0]
		c.redirecting = true
		ep := c.endpoint
		c.endpoint = nil
		c.mu.Unlock()
		// The endpoint's close signal arrives through onEndpointClose,
		// which reopens against the redirect URL.
		if ep != nil {
			ep.close()
		}
	}
}

func (c *connection) handleAuthResponse(msg *Message) {
	switch msg.Action {
	case ActionError:
		event := Event("")
		if len(msg.Data) > 0 {
			event = Event(msg.Data[0])
		}
		if event == EventTooManyAuthAttempts {
			c.mu.Lock()
			c.deliberateClose = true
			c.tooManyAuthAttempts = true
			c.mu.Unlock()
		} else {
			c.mu.Lock()
			c.hasAuthParams = false
			c.mu.Unlock()
			c.setState(StateAwaitingAuthentication)
		}
		c.invokeLogin(false, event, authResponseData(msg))

	case ActionAck:
		c.mu.Lock()
		c.state = StateOpen
		buffered := c.buffer
		c.buffer = nil
		c.reconnectAttempts = 0
		ep := c.endpoint
		c.mu.Unlock()

		for _, raw := range buffered {
			if ep != nil {
				ep.send(raw)
			}
		}

		c.logger.Debug("connection state changed", "state", string(StateOpen))
		c.client.notifyStateChanged(StateOpen)
		c.invokeLogin(true, "", authResponseData(msg))
	}
}

func authResponseData(msg *Message) any {
	var field string
	switch msg.Action {
	case ActionError:
		if len(msg.Data) < 2 {
			return nil
		}
		field = msg.Data[1]
	default:
		if len(msg.Data) < 1 {
			return nil
		}
		field = msg.Data[0]
	}
	data, err := parseTyped(field)
	if err != nil {
		return nil
	}
	return data
}

func (c *connection) invokeLogin(success bool, event Event, data any) {
	c.mu.Lock()
	cb := c.login
	c.mu.Unlock()
	if cb != nil {
		cb(success, event, data)
	}
}

// tryReconnect arms the backoff timer for the next attempt, or closes the
// connection for good once the budget is spent.
func (c *connection) tryReconnect() {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.mu.Unlock()
		return
	}
	if c.reconnectAttempts >= c.cfg.MaxReconnectAttempts {
		c.reconnectAttempts = 0
		c.mu.Unlock()
		c.close(true)
		return
	}
	if c.connectivity != GlobalConnected {
		c.mu.Unlock()
		return
	}
	delay := c.retry.delay(c.reconnectAttempts)
	c.reconnectAttempts++
	c.reconnectTimer = time.AfterFunc(delay, c.tryOpen)
	attempt := c.reconnectAttempts
	c.mu.Unlock()

	c.logger.Debug("reconnecting", "attempt", attempt, "delay", delay)
	c.setState(StateReconnecting)
}

func (c *connection) tryOpen() {
	c.mu.Lock()
	c.reconnectTimer = nil
	ep := c.endpoint
	c.mu.Unlock()
	if ep != nil {
		ep.open()
	}
}

// setGlobalConnectivity gates reconnection on external network reachability.
func (c *connection) setGlobalConnectivity(state GlobalConnectivityState) {
	c.mu.Lock()
	c.connectivity = state
	current := c.state
	c.mu.Unlock()

	if state == GlobalConnected {
		if current == StateClosed || current == StateError {
			c.tryReconnect()
		}
		return
	}

	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnectAttempts = 0
	ep := c.endpoint
	c.mu.Unlock()
	if ep != nil {
		ep.forceClose()
	}
	c.setState(StateClosed)
}

// close shuts the connection down deliberately and stops the dispatchers.
func (c *connection) close(force bool) {
	c.mu.Lock()
	c.deliberateClose = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	ep := c.endpoint
	c.mu.Unlock()

	if ep != nil {
		if force {
			ep.forceClose()
		} else {
			ep.close()
		}
	}

	c.stopDispatchers()
	c.setState(StateClosed)
}
