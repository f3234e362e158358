package deepstream

import (
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestClient_RequiresURL(t *testing.T) {
	t.Setenv("DEEPSTREAM_URL", "")
	_, err := New(Config{})
	assert.NotEqual(t, err, nil)
}

func TestClient_RejectsHTTPURL(t *testing.T) {
	_, err := newClient(Config{URL: "http://hub.example.com"}, func(string, *connection) endpoint {
		return &mockEndpoint{}
	})
	assert.NotEqual(t, err, nil)
}

func TestClient_GetUIDIsUniqueAndMonotonic(t *testing.T) {
	client, _ := newTestClient(t, testConfig(t))
	defer client.Close()

	uids := make([]string, 0, 100)
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		uid := client.GetUID()
		if _, dup := seen[uid]; dup {
			t.Fatalf("duplicate uid %s", uid)
		}
		seen[uid] = struct{}{}
		uids = append(uids, uid)
	}

	assert.Equal(t, sort.StringsAreSorted(uids), true)
}

func TestClient_ConnectionChangeListener(t *testing.T) {
	client, ep := newTestClient(t, testConfig(t))
	defer client.Close()

	var mu sync.Mutex
	var states []ConnectionState
	client.AddConnectionChangeListener(func(state ConnectionState) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	})

	openTestClient(t, client, ep)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, states[0], StateAwaitingConnection)
	assert.Equal(t, states[len(states)-1], StateOpen)
}

func TestClient_RuntimeErrorHandlerReceivesTimeouts(t *testing.T) {
	client, ep := newTestClient(t, testConfig(t))
	defer client.Close()

	received := make(chan recordedError, 4)
	client.SetRuntimeErrorHandler(func(topic Topic, event Event, message string) {
		received <- recordedError{topic: topic, event: event, message: message}
	})

	openTestClient(t, client, ep)
	client.Event.Subscribe("news", &recordingEventListener{})

	select {
	case err := <-received:
		assert.Equal(t, err.topic, TopicEvent)
		assert.Equal(t, err.event, EventAckTimeout)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("no runtime error delivered")
	}
}

func TestClient_TimeoutBeforeLoginRemapped(t *testing.T) {
	client, ep := newTestClient(t, testConfig(t))
	defer client.Close()

	received := make(chan recordedError, 4)
	client.SetRuntimeErrorHandler(func(topic Topic, event Event, message string) {
		received <- recordedError{topic: topic, event: event, message: message}
	})

	// Handshake done but no login: the connection idles in
	// AWAITING_AUTHENTICATION.
	ep.sendOpen()
	ep.sendMessage("C|CH+")
	ep.sendMessage("C|A+")
	assert.Equal(t, client.ConnectionState(), StateAwaitingAuthentication)

	// A timeout reported in this state points at the missing Login call.
	client.onError(TopicEvent, EventAckTimeout, "No ACK message received in time for SUBSCRIBE news")

	err := <-received
	assert.Equal(t, err.event, EventNotAuthenticated)
	assert.Equal(t, err.topic, TopicError)
}

func TestClient_EndToEndRpcOverConnection(t *testing.T) {
	client, ep := newTestClient(t, testConfig(t))
	defer client.Close()
	client.SetRuntimeErrorHandler(func(Topic, Event, string) {})

	openTestClient(t, client, ep)

	result := make(chan RpcResult, 1)
	go func() {
		result <- client.RPC.Make("addTwo", map[string]any{"numA": 3, "numB": 8})
	}()

	expected := formatWire(`P|REQ|addTwo|1|O{"numA":3,"numB":8}+`)
	waitFor(t, 300*time.Millisecond, func() bool {
		for _, raw := range ep.all() {
			if raw == expected {
				return true
			}
		}
		return false
	})

	// The inbound frame travels through the dispatcher like any other.
	ep.sendMessage("P|A|REQ|addTwo|1+P|RES|addTwo|1|N11+")

	res := <-result
	assert.Equal(t, res.Success(), true)
	assert.Equal(t, res.Data(), float64(11))
}

func TestLogRuntimeErrors(t *testing.T) {
	var mu sync.Mutex
	logged := 0
	handler := slog.NewTextHandler(writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		logged++
		mu.Unlock()
		return len(p), nil
	}), nil)

	sink := LogRuntimeErrors(slog.New(handler))
	sink(TopicEvent, EventAckTimeout, "No ACK message received in time for SUBSCRIBE news")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, logged, 1)
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
