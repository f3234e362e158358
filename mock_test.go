package deepstream

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// asError reports whether err matches the target error type.
func asError[T error](err error, target *T) bool {
	return errors.As(err, target)
}

// formatWire converts a readable trace like "R|R|name|1|{}+" into the real
// wire form with control separators.
func formatWire(s string) string {
	s = strings.ReplaceAll(s, "|", partSeparator)
	return strings.ReplaceAll(s, "+", messageSeparator)
}

// testConfig returns a resolved config with short timeouts.
func testConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := resolveConfig(Config{
		URL:                        "localhost:6020",
		SubscriptionTimeout:        20 * time.Millisecond,
		RecordReadAckTimeout:       20 * time.Millisecond,
		RecordReadTimeout:          40 * time.Millisecond,
		RecordDeleteTimeout:        20 * time.Millisecond,
		RPCAckTimeout:              20 * time.Millisecond,
		RPCResponseTimeout:         60 * time.Millisecond,
		ReconnectIntervalIncrement: 5 * time.Millisecond,
		Logger:                     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	return cfg
}

// mockConnection records every outbound message, standing in for the real
// connection in handler tests.
type mockConnection struct {
	mu   sync.Mutex
	sent []string
}

func newMockConnection() *mockConnection {
	return &mockConnection{}
}

func (m *mockConnection) send(raw string) {
	m.mu.Lock()
	m.sent = append(m.sent, raw)
	m.mu.Unlock()
}

func (m *mockConnection) sendMsg(topic Topic, action Action, data ...string) {
	m.send(buildMessage(topic, action, data...))
}

func (m *mockConnection) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return ""
	}
	return m.sent[len(m.sent)-1]
}

func (m *mockConnection) all() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockConnection) contains(raw string) bool {
	for _, sent := range m.all() {
		if sent == raw {
			return true
		}
	}
	return false
}

// recordedError is one runtime error captured by the mock client.
type recordedError struct {
	topic   Topic
	event   Event
	message string
}

// mockClient implements clientHandle with a settable connection state,
// mirroring the role of a full client in handler tests.
type mockClient struct {
	mu        sync.Mutex
	state     ConnectionState
	listeners []stateListener
	errors    []recordedError
	registry  *ackTimeoutRegistry
	closed    chan struct{}
}

func newMockClient(state ConnectionState) *mockClient {
	m := &mockClient{
		state:  state,
		closed: make(chan struct{}),
	}
	m.registry = newAckTimeoutRegistry(m)
	m.addStateListener(m.registry)
	return m
}

func (m *mockClient) setConnectionState(state ConnectionState) {
	m.mu.Lock()
	m.state = state
	listeners := make([]stateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()
	for _, l := range listeners {
		l.connectionStateChanged(state)
	}
}

func (m *mockClient) onError(topic Topic, event Event, message string) {
	m.mu.Lock()
	m.errors = append(m.errors, recordedError{topic: topic, event: event, message: message})
	m.mu.Unlock()
}

func (m *mockClient) recordedErrors() []recordedError {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]recordedError, len(m.errors))
	copy(out, m.errors)
	return out
}

// countErrors returns how many captured errors match the given event.
func (m *mockClient) countErrors(event Event) int {
	count := 0
	for _, e := range m.recordedErrors() {
		if e.event == event {
			count++
		}
	}
	return count
}

// waitForError polls until an error with the event arrives or the deadline
// passes.
func (m *mockClient) waitForError(t *testing.T, event Event, timeout time.Duration) recordedError {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, e := range m.recordedErrors() {
			if e.event == event {
				return e
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no %s error within %v, got %v", event, timeout, m.recordedErrors())
	return recordedError{}
}

func (m *mockClient) ackRegistry() *ackTimeoutRegistry { return m.registry }

func (m *mockClient) connectionState() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockClient) addStateListener(l stateListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

func (m *mockClient) removeStateListener(l stateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.listeners {
		if existing == l {
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *mockClient) closedCh() <-chan struct{} { return m.closed }

// mockEndpoint implements endpoint and lets tests drive the connection's
// transport-facing hooks directly.
type mockEndpoint struct {
	mu     sync.Mutex
	conn   *connection
	sent   []string
	opens  int
	closes int
}

func (e *mockEndpoint) open() {
	e.mu.Lock()
	e.opens++
	e.mu.Unlock()
}

func (e *mockEndpoint) send(frame string) error {
	e.mu.Lock()
	e.sent = append(e.sent, frame)
	e.mu.Unlock()
	return nil
}

func (e *mockEndpoint) close() {
	e.mu.Lock()
	e.closes++
	e.mu.Unlock()
}

func (e *mockEndpoint) forceClose() {
	e.mu.Lock()
	e.closes++
	e.mu.Unlock()
}

func (e *mockEndpoint) openCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opens
}

func (e *mockEndpoint) last() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sent) == 0 {
		return ""
	}
	return e.sent[len(e.sent)-1]
}

func (e *mockEndpoint) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.sent))
	copy(out, e.sent)
	return out
}

// sendOpen simulates the transport reaching the hub.
func (e *mockEndpoint) sendOpen() { e.conn.onOpen() }

// sendMessage simulates an inbound frame (in readable trace form).
func (e *mockEndpoint) sendMessage(trace string) { e.conn.onMessage(formatWire(trace)) }

// sendError simulates a transport error.
func (e *mockEndpoint) sendError(msg string) { e.conn.onEndpointError(msg) }

// sendClose simulates the transport dropping.
func (e *mockEndpoint) sendClose() { e.conn.onEndpointClose() }

// newTestClient builds a full client wired to a mock endpoint.
func newTestClient(t *testing.T, cfg Config) (*Client, *mockEndpoint) {
	t.Helper()
	ep := &mockEndpoint{}
	client, err := newClient(cfg, func(uri string, conn *connection) endpoint {
		ep.conn = conn
		return ep
	})
	if err != nil {
		t.Fatalf("newClient: %v", err)
	}
	return client, ep
}

// openTestClient drives a test client through handshake and auth to OPEN.
func openTestClient(t *testing.T, client *Client, ep *mockEndpoint) {
	t.Helper()
	ep.sendOpen()
	ep.sendMessage("C|CH+")
	ep.sendMessage("C|A+")

	done := make(chan LoginResult, 1)
	go func() { done <- client.Login(nil) }()

	waitFor(t, 200*time.Millisecond, func() bool {
		return client.ConnectionState() == StateAuthenticating
	})
	ep.sendMessage("A|A+")

	result := <-done
	if !result.LoggedIn {
		t.Fatalf("login failed: %s", result.ErrorEvent)
	}
}

// waitFor polls a condition with a deadline.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
