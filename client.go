package deepstream

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// stateListener observes connection state transitions. Internal components
// (ack registry, resubscribe notifiers) register themselves alongside
// application callbacks.
type stateListener interface {
	connectionStateChanged(state ConnectionState)
}

// clientHandle is the narrow surface handlers see instead of a back-pointer
// to the full client. It breaks the client/handler reference cycle and lets
// tests drive handlers with a mock.
type clientHandle interface {
	onError(topic Topic, event Event, message string)
	ackRegistry() *ackTimeoutRegistry
	connectionState() ConnectionState
	addStateListener(l stateListener)
	removeStateListener(l stateListener)
	closedCh() <-chan struct{}
}

// LoginResult is the outcome of a Login call.
type LoginResult struct {
	LoggedIn   bool
	ErrorEvent Event
	Data       any
}

// Client is the entry point: it owns the connection and exposes the four
// protocol domains as handlers.
type Client struct {
	// Event is the fire-and-forget pub/sub domain.
	Event *EventHandler
	// RPC is the request/response domain.
	RPC *RpcHandler
	// Record is the versioned document domain.
	Record *RecordHandler
	// Presence tracks peer client logins.
	Presence *PresenceHandler

	cfg    Config
	logger *slog.Logger
	conn   *connection

	registry *ackTimeoutRegistry

	mu             sync.Mutex
	stateListeners []stateListener
	errorHandler   RuntimeErrorHandler
	uidEntropy     *ulid.MonotonicEntropy
	closed         chan struct{}
	closeOnce      sync.Once
}

// New creates a client and starts connecting to cfg.URL. The connection
// handshake proceeds in the background; call Login to authenticate once the
// hub has acknowledged the connection.
func New(cfg Config) (*Client, error) {
	return newClient(cfg, newWebsocketEndpoint)
}

func newClient(cfg Config, factory endpointFactory) (*Client, error) {
	resolved, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:        resolved,
		logger:     resolved.Logger.With("client_id", uuid.NewString()),
		uidEntropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		closed:     make(chan struct{}),
	}
	c.registry = newAckTimeoutRegistry(c)
	c.addStateListener(c.registry)

	conn, err := newConnection(c, resolved, factory)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	c.Event = newEventHandler(resolved, conn, c)
	c.RPC = newRpcHandler(resolved, conn, c)
	c.Record = newRecordHandler(resolved, conn, c)
	c.Presence = newPresenceHandler(resolved, conn, c)

	conn.setHandler(TopicEvent, c.Event.handle)
	conn.setHandler(TopicRPC, c.RPC.handle)
	conn.setHandler(TopicRecord, c.Record.handle)
	conn.setHandler(TopicPresence, c.Presence.handle)

	conn.connect()
	return c, nil
}

// Login authenticates against the hub and blocks until the hub accepts or
// rejects the credentials. params may be nil for anonymous authentication.
func (c *Client) Login(params any) LoginResult {
	result := make(chan LoginResult, 1)
	c.conn.authenticate(params, func(success bool, errorEvent Event, data any) {
		select {
		case result <- LoginResult{LoggedIn: success, ErrorEvent: errorEvent, Data: data}:
		default:
		}
	})

	select {
	case r := <-result:
		return r
	case <-c.closed:
		return LoginResult{LoggedIn: false, ErrorEvent: EventIsClosed}
	}
}

// Close shuts the connection down, cancels every pending timer and wakes all
// blocked callers with IS_CLOSED.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.conn.close(true)
	c.RPC.mu.Lock()
	for _, inv := range c.RPC.pending {
		inv.responseTimer.Stop()
	}
	c.RPC.mu.Unlock()
	return nil
}

// ConnectionState returns the current state of the underlying connection.
func (c *Client) ConnectionState() ConnectionState {
	return c.conn.getState()
}

// AddConnectionChangeListener registers a callback for every connection
// state transition.
func (c *Client) AddConnectionChangeListener(fn func(state ConnectionState)) {
	c.addStateListener(stateListenerFunc(fn))
}

// SetRuntimeErrorHandler installs the sink for asynchronous errors (ack
// timeouts, parse failures, server errors). Without one, errors are logged.
func (c *Client) SetRuntimeErrorHandler(handler RuntimeErrorHandler) {
	c.mu.Lock()
	c.errorHandler = handler
	c.mu.Unlock()
}

// SetGlobalConnectivityState feeds external network reachability into the
// reconnect logic: DISCONNECTED suppresses reconnects and force-closes the
// endpoint, CONNECTED resumes them.
func (c *Client) SetGlobalConnectivityState(state GlobalConnectivityState) {
	c.conn.setGlobalConnectivity(state)
}

// GetUID returns a unique, monotonically increasing identifier.
func (c *Client) GetUID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), c.uidEntropy).String()
}

// stateListenerFunc adapts a plain function to the stateListener interface.
type stateListenerFunc func(state ConnectionState)

func (f stateListenerFunc) connectionStateChanged(state ConnectionState) { f(state) }

func (c *Client) addStateListener(l stateListener) {
	c.mu.Lock()
	c.stateListeners = append(c.stateListeners, l)
	c.mu.Unlock()
}

func (c *Client) removeStateListener(l stateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.stateListeners {
		if existing == l {
			c.stateListeners = append(c.stateListeners[:i:i], c.stateListeners[i+1:]...)
			return
		}
	}
}

func (c *Client) notifyStateChanged(state ConnectionState) {
	c.mu.Lock()
	listeners := make([]stateListener, len(c.stateListeners))
	copy(listeners, c.stateListeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l.connectionStateChanged(state)
	}
}

// onError delivers an asynchronous error to the runtime error handler, or
// logs it when none is installed. Timeouts that happen before the client has
// authenticated almost always mean a missing Login call, so they are
// remapped to a clearer NOT_AUTHENTICATED error.
func (c *Client) onError(topic Topic, event Event, message string) {
	if event == EventAckTimeout || event == EventResponseTimeout {
		if c.connectionState() == StateAwaitingAuthentication {
			c.onError(TopicError, EventNotAuthenticated,
				"your message timed out because you are not authenticated, have you called Login()?")
			return
		}
	}

	c.mu.Lock()
	handler := c.errorHandler
	c.mu.Unlock()

	if handler != nil {
		handler(topic, event, message)
		return
	}
	c.logger.Error("deepstream runtime error",
		"topic", topic.Name(), "event", string(event), "message", message)
}

func (c *Client) ackRegistry() *ackTimeoutRegistry { return c.registry }

func (c *Client) connectionState() ConnectionState { return c.conn.getState() }

func (c *Client) closedCh() <-chan struct{} { return c.closed }
