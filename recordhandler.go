package deepstream

import (
	"encoding/json"
	"sync"
)

// RecordHandler is the entry point for the record domain: acquiring records,
// lists and anonymous records, one-shot snapshot and existence queries, and
// the provider-side listen flow.
type RecordHandler struct {
	cfg      Config
	conn     messageSender
	client   clientHandle
	registry *ackTimeoutRegistry

	snapshotNotifier *singleNotifier
	hasNotifier      *singleNotifier

	mu             sync.Mutex
	records        map[string]*Record
	pendingDestroy map[string]*Record
	listeners      map[string]*listener
}

func newRecordHandler(cfg Config, conn messageSender, client clientHandle) *RecordHandler {
	h := &RecordHandler{
		cfg:            cfg,
		conn:           conn,
		client:         client,
		registry:       client.ackRegistry(),
		records:        make(map[string]*Record),
		pendingDestroy: make(map[string]*Record),
		listeners:      make(map[string]*listener),
	}
	h.snapshotNotifier = newSingleNotifier(client, conn, TopicRecord, ActionSnapshot, cfg.RecordReadTimeout)
	h.hasNotifier = newSingleNotifier(client, conn, TopicRecord, ActionHas, cfg.RecordReadTimeout)
	return h
}

// GetRecord returns the named record, creating and requesting it on first
// acquisition. Every call adds a reference that Discard releases.
func (h *RecordHandler) GetRecord(name string) *Record {
	h.mu.Lock()
	if record, ok := h.records[name]; ok {
		record.incrementUsage()
		h.mu.Unlock()
		return record
	}

	record := newRecord(name, h.cfg, h.conn, h.client)
	record.addDestroyPendingCallback(h.onDestroyPending)
	h.records[name] = record
	h.mu.Unlock()

	record.start()
	return record
}

// GetList returns a list view over the named record.
func (h *RecordHandler) GetList(name string) *List {
	return newList(h, name)
}

// GetAnonymousRecord returns an unbound record proxy; SetName binds it.
func (h *RecordHandler) GetAnonymousRecord() *AnonymousRecord {
	return newAnonymousRecord(h)
}

// Snapshot fetches the current data of a record without subscribing to it.
// A locally loaded record answers immediately.
func (h *RecordHandler) Snapshot(name string) (any, error) {
	h.mu.Lock()
	record, ok := h.records[name]
	h.mu.Unlock()
	if ok && record.IsReady() {
		return record.Get(), nil
	}

	waiter := newResponseWaiter()
	h.snapshotNotifier.request(name, waiter.callback())
	return waiter.wait(h.client.closedCh())
}

// Has reports whether the record exists on the hub without creating it.
func (h *RecordHandler) Has(name string) (bool, error) {
	h.mu.Lock()
	_, ok := h.records[name]
	h.mu.Unlock()
	if ok {
		return true, nil
	}

	waiter := newResponseWaiter()
	h.hasNotifier.request(name, waiter.callback())
	data, err := waiter.wait(h.client.closedCh())
	if err != nil {
		return false, err
	}
	exists, _ := data.(bool)
	return exists, nil
}

// Listen registers this client as a potential provider for every record
// subscription matching pattern.
func (h *RecordHandler) Listen(pattern string, callback ListenListener) {
	h.mu.Lock()
	if _, exists := h.listeners[pattern]; exists {
		h.mu.Unlock()
		h.client.onError(TopicRecord, EventListenerExists, pattern)
		return
	}
	l := newListener(TopicRecord, pattern, callback, h.cfg, h.client, h.conn)
	h.listeners[pattern] = l
	h.mu.Unlock()

	l.start()
}

// Unlisten withdraws the provider role for pattern.
func (h *RecordHandler) Unlisten(pattern string) {
	h.mu.Lock()
	l, exists := h.listeners[pattern]
	if exists {
		delete(h.listeners, pattern)
	}
	h.mu.Unlock()

	if !exists {
		h.client.onError(TopicRecord, EventNotListening, pattern)
		return
	}
	h.registry.add(TopicRecord, ActionUnlisten, pattern, "", nil, h.cfg.SubscriptionTimeout)
	l.destroy()
}

// handle runs on the RECORD dispatch queue and demultiplexes across records,
// listeners and the one-shot notifiers.
func (h *RecordHandler) handle(msg *Message) {
	if h.routeListenTraffic(msg) {
		return
	}

	name := recordName(msg)
	if name == "" {
		h.client.onError(TopicRecord, EventUnsolicitedMessage, msg.Action.Name())
		return
	}

	h.mu.Lock()
	record, ok := h.records[name]
	h.mu.Unlock()
	if ok {
		record.onMessage(msg)
		return
	}

	// No live record: the message may answer a discard/delete in flight, a
	// snapshot or an existence query.
	if msg.Action == ActionAck && len(msg.Data) > 1 {
		acked := Action(msg.Data[0])
		if acked == ActionUnsubscribe || acked == ActionDelete {
			h.mu.Lock()
			pending, inFlight := h.pendingDestroy[name]
			delete(h.pendingDestroy, name)
			h.mu.Unlock()
			if inFlight {
				pending.onMessage(msg)
				return
			}
			h.client.onError(TopicRecord, EventUnsolicitedMessage, msg.raw)
			return
		}
	}

	switch msg.Action {
	case ActionRead:
		if len(msg.Data) < 3 {
			return
		}
		var data any
		if err := json.Unmarshal([]byte(msg.Data[2]), &data); err != nil {
			h.client.onError(TopicRecord, EventMessageParseError, err.Error())
			return
		}
		if !h.snapshotNotifier.receive(name, data, nil) {
			h.client.onError(TopicRecord, EventUnsolicitedMessage, msg.raw)
		}
	case ActionHas:
		if len(msg.Data) < 2 {
			return
		}
		decoded, err := parseTyped(msg.Data[1])
		if err != nil {
			h.client.onError(TopicRecord, EventMessageParseError, err.Error())
			return
		}
		if !h.hasNotifier.receive(name, decoded, nil) {
			h.client.onError(TopicRecord, EventUnsolicitedMessage, msg.raw)
		}
	case ActionError:
		detail := ""
		if len(msg.Data) > 1 {
			detail = msg.Data[1]
		}
		h.client.onError(TopicRecord, Event(msg.Data[0]), detail)
	default:
		h.client.onError(TopicRecord, EventUnsolicitedMessage, msg.raw)
	}
}

// routeListenTraffic forwards pattern-listen messages to their listener.
func (h *RecordHandler) routeListenTraffic(msg *Message) bool {
	var pattern string
	switch {
	case msg.Action == ActionSubscriptionForPatternFound,
		msg.Action == ActionSubscriptionForPatternRemoved:
		if len(msg.Data) > 0 {
			pattern = msg.Data[0]
		}
	case msg.Action == ActionAck && len(msg.Data) > 1 &&
		(Action(msg.Data[0]) == ActionListen || Action(msg.Data[0]) == ActionUnlisten):
		pattern = msg.Data[1]
	default:
		return false
	}

	h.mu.Lock()
	l := h.listeners[pattern]
	h.mu.Unlock()

	if l != nil {
		l.onMessage(msg)
	} else if msg.Action == ActionAck {
		h.registry.clearMessage(msg)
	}
	return true
}

// recordName extracts the record a message addresses. Acks and errors carry
// the name in their second data field.
func recordName(msg *Message) string {
	if msg.Action == ActionAck || msg.Action == ActionError {
		if len(msg.Data) > 1 {
			return msg.Data[1]
		}
		return ""
	}
	if len(msg.Data) > 0 {
		return msg.Data[0]
	}
	return ""
}

// onDestroyPending moves a record from the live cache to the in-flight
// destroy set so the eventual ack still reaches it.
func (h *RecordHandler) onDestroyPending(name string) {
	h.mu.Lock()
	if record, ok := h.records[name]; ok {
		delete(h.records, name)
		h.pendingDestroy[name] = record
	}
	h.mu.Unlock()
}
