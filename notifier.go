package deepstream

import (
	"fmt"
	"sync"
	"time"
)

// notifyCallback receives the outcome of a one-shot request. Exactly one of
// data and err is meaningful.
type notifyCallback func(name string, data any, err error)

type pendingRequest struct {
	callbacks []notifyCallback
	replay    bool // re-send on reconnect; only the plain request form replays
}

// singleNotifier multiplexes one-shot server requests such as SNAPSHOT, HAS,
// presence QUERY and record writes-with-ack. Concurrent requests for the
// same key share a single server round-trip, and pending plain requests are
// re-sent after a reconnect.
type singleNotifier struct {
	topic    Topic
	action   Action
	timeout  time.Duration
	conn     messageSender
	client   clientHandle
	registry *ackTimeoutRegistry
	resub    *resubscribeNotifier

	mu       sync.Mutex
	requests map[string]*pendingRequest
}

func newSingleNotifier(client clientHandle, conn messageSender, topic Topic, action Action, timeout time.Duration) *singleNotifier {
	n := &singleNotifier{
		topic:    topic,
		action:   action,
		timeout:  timeout,
		conn:     conn,
		client:   client,
		registry: client.ackRegistry(),
		requests: make(map[string]*pendingRequest),
	}
	n.resub = newResubscribeNotifier(client, n.resubscribe)
	return n
}

// hasRequest reports whether a request for name is in flight.
func (n *singleNotifier) hasRequest(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.requests[name]
	return ok
}

// request sends the notifier's action for name unless one is already in
// flight, and queues the callback either way.
func (n *singleNotifier) request(name string, cb notifyCallback) {
	n.mu.Lock()
	pending, ok := n.requests[name]
	if !ok {
		pending = &pendingRequest{replay: true}
		n.requests[name] = pending
		n.conn.sendMsg(n.topic, n.action, name)
	}
	pending.callbacks = append(pending.callbacks, cb)
	n.mu.Unlock()

	n.registry.add(n.topic, n.action, name, EventResponseTimeout, n, n.timeout)
}

// requestWithData is the full-payload form used for record writes with
// acknowledgement, where the key is the new record version and the caller
// supplies the complete action and payload.
func (n *singleNotifier) requestWithData(name string, action Action, data []string, cb notifyCallback) {
	n.mu.Lock()
	pending, ok := n.requests[name]
	if !ok {
		pending = &pendingRequest{}
		n.requests[name] = pending
		n.conn.sendMsg(n.topic, action, data...)
	}
	pending.callbacks = append(pending.callbacks, cb)
	n.mu.Unlock()
}

// receive resolves every callback queued for name. It reports whether a
// request was actually pending.
func (n *singleNotifier) receive(name string, data any, err error) bool {
	n.mu.Lock()
	pending, ok := n.requests[name]
	delete(n.requests, name)
	n.mu.Unlock()
	if !ok {
		return false
	}

	n.registry.clear(n.topic, n.action, name)
	for _, cb := range pending.callbacks {
		cb(name, data, err)
	}
	return true
}

// receiveBatch resolves several keys from one server message; the hub merges
// write acknowledgements for multiple versions into a single frame.
func (n *singleNotifier) receiveBatch(names []string, err error) {
	for _, name := range names {
		n.receive(name, nil, err)
	}
}

func (n *singleNotifier) onTimeout(topic Topic, action Action, event Event, name string) {
	n.receive(name, nil, fmt.Errorf("response for %s timed out", name))
}

func (n *singleNotifier) resubscribe() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for name, pending := range n.requests {
		if pending.replay {
			n.conn.sendMsg(n.topic, n.action, name)
		}
	}
}

func (n *singleNotifier) destroy() {
	n.resub.destroy()
	n.mu.Lock()
	n.requests = make(map[string]*pendingRequest)
	n.mu.Unlock()
}

// responseWaiter is a one-shot rendezvous between a blocking caller and the
// dispatcher that resolves its request.
type responseWaiter struct {
	ch chan waiterResult
}

type waiterResult struct {
	data any
	err  error
}

func newResponseWaiter() *responseWaiter {
	return &responseWaiter{ch: make(chan waiterResult, 1)}
}

func (w *responseWaiter) callback() notifyCallback {
	return func(_ string, data any, err error) {
		select {
		case w.ch <- waiterResult{data: data, err: err}:
		default:
		}
	}
}

// wait blocks until the response arrives or the client closes.
func (w *responseWaiter) wait(closed <-chan struct{}) (any, error) {
	select {
	case res := <-w.ch:
		return res.data, res.err
	case <-closed:
		return nil, ErrClientClosed
	}
}
