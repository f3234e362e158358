package deepstream

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"go.uber.org/goleak"
)

func TestConnection_Handshake(t *testing.T) {
	client, ep := newTestClient(t, testConfig(t))
	defer client.Close()

	assert.Equal(t, client.ConnectionState(), StateClosed)

	ep.sendOpen()
	assert.Equal(t, client.ConnectionState(), StateAwaitingConnection)

	ep.sendMessage("C|CH+")
	assert.Equal(t, client.ConnectionState(), StateChallenging)
	assert.Equal(t, ep.last(), formatWire("C|CHR|ws://localhost:6020/deepstream+"))

	ep.sendMessage("C|A+")
	assert.Equal(t, client.ConnectionState(), StateAwaitingAuthentication)
}

func TestConnection_LoginSuccess(t *testing.T) {
	client, ep := newTestClient(t, testConfig(t))
	defer client.Close()

	ep.sendOpen()
	ep.sendMessage("C|CH+")
	ep.sendMessage("C|A+")

	done := make(chan LoginResult, 1)
	go func() { done <- client.Login(map[string]string{"name": "x"}) }()

	waitFor(t, 200*time.Millisecond, func() bool {
		return client.ConnectionState() == StateAuthenticating
	})
	assert.Equal(t, ep.last(), formatWire(`A|REQ|{"name":"x"}+`))

	ep.sendMessage("A|A+")
	result := <-done

	assert.Equal(t, result.LoggedIn, true)
	assert.Equal(t, result.Data, nil)
	assert.Equal(t, client.ConnectionState(), StateOpen)
}

func TestConnection_LoginSuccessWithData(t *testing.T) {
	client, ep := newTestClient(t, testConfig(t))
	defer client.Close()

	ep.sendOpen()
	ep.sendMessage("C|CH+")
	ep.sendMessage("C|A+")

	done := make(chan LoginResult, 1)
	go func() { done <- client.Login(nil) }()

	waitFor(t, 200*time.Millisecond, func() bool {
		return client.ConnectionState() == StateAuthenticating
	})
	assert.Equal(t, ep.last(), formatWire("A|REQ|{}+"))

	ep.sendMessage(`A|A|O{"role":"admin"}+`)
	result := <-done

	assert.Equal(t, result.LoggedIn, true)
	assert.Equal(t, result.Data, map[string]any{"role": "admin"})
}

func TestConnection_LoginFailureIsRecoverable(t *testing.T) {
	client, ep := newTestClient(t, testConfig(t))
	defer client.Close()

	ep.sendOpen()
	ep.sendMessage("C|CH+")
	ep.sendMessage("C|A+")

	done := make(chan LoginResult, 1)
	go func() { done <- client.Login(map[string]string{"name": "x"}) }()

	waitFor(t, 200*time.Millisecond, func() bool {
		return client.ConnectionState() == StateAuthenticating
	})
	ep.sendMessage("A|E|INVALID_AUTH_DATA|Sinvalid credentials+")
	result := <-done

	assert.Equal(t, result.LoggedIn, false)
	assert.Equal(t, result.ErrorEvent, Event("INVALID_AUTH_DATA"))
	assert.Equal(t, result.Data, "invalid credentials")
	assert.Equal(t, client.ConnectionState(), StateAwaitingAuthentication)

	// A fresh attempt with new credentials still works.
	go func() { done <- client.Login(map[string]string{"name": "y"}) }()
	waitFor(t, 200*time.Millisecond, func() bool {
		return client.ConnectionState() == StateAuthenticating
	})
	ep.sendMessage("A|A+")
	result = <-done
	assert.Equal(t, result.LoggedIn, true)
}

func TestConnection_TooManyAuthAttemptsLatches(t *testing.T) {
	client, ep := newTestClient(t, testConfig(t))
	defer client.Close()
	errors := make(chan Event, 4)
	client.SetRuntimeErrorHandler(func(topic Topic, event Event, message string) {
		errors <- event
	})

	ep.sendOpen()
	ep.sendMessage("C|CH+")
	ep.sendMessage("C|A+")

	done := make(chan LoginResult, 1)
	go func() { done <- client.Login(map[string]string{"name": "x"}) }()
	waitFor(t, 200*time.Millisecond, func() bool {
		return client.ConnectionState() == StateAuthenticating
	})
	ep.sendMessage("A|E|TOO_MANY_AUTH_ATTEMPTS|STOO_MANY_AUTH_ATTEMPTS+")
	result := <-done
	assert.Equal(t, result.LoggedIn, false)
	assert.Equal(t, result.ErrorEvent, EventTooManyAuthAttempts)

	// Any further attempt fails immediately.
	result = client.Login(map[string]string{"name": "x"})
	assert.Equal(t, result.LoggedIn, false)
	assert.Equal(t, result.ErrorEvent, EventIsClosed)
	assert.Equal(t, <-errors, EventIsClosed)
}

func TestConnection_ChallengeRejectionIsFatal(t *testing.T) {
	client, ep := newTestClient(t, testConfig(t))
	defer client.Close()

	ep.sendOpen()
	ep.sendMessage("C|CH+")
	ep.sendMessage("C|REJ+")

	waitFor(t, 200*time.Millisecond, func() bool {
		return client.ConnectionState() == StateClosed
	})

	result := client.Login(nil)
	assert.Equal(t, result.LoggedIn, false)
	assert.Equal(t, result.ErrorEvent, EventIsClosed)
}

func TestConnection_PingPong(t *testing.T) {
	client, ep := newTestClient(t, testConfig(t))
	defer client.Close()

	ep.sendOpen()
	ep.sendMessage("C|PI+")
	assert.Equal(t, ep.last(), formatWire("C|PO+"))
}

func TestConnection_BufferFlushedOnOpen(t *testing.T) {
	client, ep := newTestClient(t, testConfig(t))
	defer client.Close()

	// Sent while CLOSED: must not reach the wire yet.
	client.Event.Emit("news", "first")
	client.Event.Emit("news", "second")
	assert.Equal(t, len(ep.all()), 0)

	openTestClient(t, client, ep)

	sent := ep.all()
	var flushed []string
	for _, raw := range sent {
		if raw == formatWire("E|EVT|news|Sfirst+") || raw == formatWire("E|EVT|news|Ssecond+") {
			flushed = append(flushed, raw)
		}
	}
	assert.Equal(t, len(flushed), 2)
	assert.Equal(t, flushed[0], formatWire("E|EVT|news|Sfirst+"))
	assert.Equal(t, flushed[1], formatWire("E|EVT|news|Ssecond+"))

	// Exactly once: no duplicates anywhere in the stream.
	count := 0
	for _, raw := range sent {
		if raw == formatWire("E|EVT|news|Sfirst+") {
			count++
		}
	}
	assert.Equal(t, count, 1)
}

func TestConnection_Redirect(t *testing.T) {
	cfg := testConfig(t)
	ep := &mockEndpoint{}
	var uris []string
	client, err := newClient(cfg, func(uri string, conn *connection) endpoint {
		uris = append(uris, uri)
		ep.conn = conn
		return ep
	})
	if err != nil {
		t.Fatalf("newClient: %v", err)
	}
	defer client.Close()

	ep.sendOpen()
	ep.sendMessage("C|CH+")
	ep.sendMessage("C|RED|ws://other-host:6020+")

	// The redirected endpoint is closed; its close signal reopens against
	// the new URL.
	ep.sendClose()

	assert.Equal(t, len(uris), 2)
	assert.Equal(t, uris[1], "ws://other-host:6020/deepstream")
}

func TestConnection_ReconnectAfterTransportLoss(t *testing.T) {
	client, ep := newTestClient(t, testConfig(t))
	defer client.Close()
	client.SetRuntimeErrorHandler(func(Topic, Event, string) {})

	openTestClient(t, client, ep)
	opensBefore := ep.openCount()

	ep.sendError("connection reset")
	ep.sendClose()

	waitFor(t, 300*time.Millisecond, func() bool {
		return ep.openCount() > opensBefore
	})
}

func TestConnection_GlobalConnectivityToggle(t *testing.T) {
	client, ep := newTestClient(t, testConfig(t))
	defer client.Close()

	openTestClient(t, client, ep)

	client.SetGlobalConnectivityState(GlobalDisconnected)
	assert.Equal(t, client.ConnectionState(), StateClosed)

	opensBefore := ep.openCount()
	client.SetGlobalConnectivityState(GlobalConnected)
	waitFor(t, 300*time.Millisecond, func() bool {
		return ep.openCount() > opensBefore
	})
}

func TestConnection_URLNormalization(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"localhost:6020", "ws://localhost:6020/deepstream"},
		{"//localhost:6020", "ws://localhost:6020/deepstream"},
		{"wss://hub.example.com", "wss://hub.example.com/deepstream"},
		{"ws://hub.example.com/custom", "ws://hub.example.com/custom"},
	}
	for _, tc := range cases {
		got, err := normalizeURL(tc.in, "/deepstream")
		assert.Equal(t, err, nil)
		assert.Equal(t, got, tc.want)
	}

	_, err := normalizeURL("http://hub.example.com", "/deepstream")
	assert.NotEqual(t, err, nil)
	_, err = normalizeURL("https://hub.example.com", "/deepstream")
	assert.NotEqual(t, err, nil)
}

func TestConnection_CloseReleasesResources(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	client, ep := newTestClient(t, testConfig(t))
	openTestClient(t, client, ep)

	assert.Equal(t, client.Close(), nil)
	assert.Equal(t, client.ConnectionState(), StateClosed)

	// Blocked calls wake with IS_CLOSED after close.
	result := client.Login(nil)
	assert.Equal(t, result.ErrorEvent, EventIsClosed)
}
