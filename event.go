package deepstream

import "sync"

// EventListener receives events the client is subscribed to, whether they
// originate locally or on a peer.
type EventListener interface {
	OnEvent(eventName string, data any)
}

// EventHandler is the entry point for the pub/sub domain: subscribing,
// emitting and the pattern-listen provider role.
type EventHandler struct {
	cfg      Config
	conn     messageSender
	client   clientHandle
	registry *ackTimeoutRegistry
	emitter  *emitter[EventListener]

	mu            sync.Mutex
	listeners     map[string]*listener
	subscriptions map[string]struct{}
}

func newEventHandler(cfg Config, conn messageSender, client clientHandle) *EventHandler {
	e := &EventHandler{
		cfg:           cfg,
		conn:          conn,
		client:        client,
		registry:      client.ackRegistry(),
		emitter:       newEmitter[EventListener](),
		listeners:     make(map[string]*listener),
		subscriptions: make(map[string]struct{}),
	}
	newResubscribeNotifier(client, e.resubscribe)
	return e
}

// Subscribe registers a listener for eventName. The hub subscription is
// created when the first local listener appears.
func (e *EventHandler) Subscribe(eventName string, listener EventListener) {
	e.mu.Lock()
	first := !e.emitter.hasListeners(eventName)
	e.emitter.on(eventName, listener)
	if first {
		e.subscriptions[eventName] = struct{}{}
		e.registry.add(TopicEvent, ActionSubscribe, eventName, "", nil, e.cfg.SubscriptionTimeout)
		e.conn.sendMsg(TopicEvent, ActionSubscribe, eventName)
	}
	e.mu.Unlock()
}

// Unsubscribe removes a listener. The hub subscription is dropped when the
// last local listener goes away.
func (e *EventHandler) Unsubscribe(eventName string, listener EventListener) {
	e.mu.Lock()
	e.emitter.off(eventName, listener)
	if !e.emitter.hasListeners(eventName) {
		delete(e.subscriptions, eventName)
		e.registry.add(TopicEvent, ActionUnsubscribe, eventName, "", nil, e.cfg.SubscriptionTimeout)
		e.conn.sendMsg(TopicEvent, ActionUnsubscribe, eventName)
	}
	e.mu.Unlock()
}

// Emit publishes an event to all subscribers, local and remote. At most one
// data value is sent with the event.
func (e *EventHandler) Emit(eventName string, data ...any) {
	if len(data) > 0 {
		e.conn.sendMsg(TopicEvent, ActionEvent, eventName, typed(data[0]))
		e.broadcast(eventName, data[0])
		return
	}
	e.conn.sendMsg(TopicEvent, ActionEvent, eventName)
	e.broadcast(eventName, nil)
}

// Listen registers this client as a potential provider for every
// subscription matching pattern. The callback decides per subscription
// whether to accept the provider role.
func (e *EventHandler) Listen(pattern string, callback ListenListener) {
	e.mu.Lock()
	if _, exists := e.listeners[pattern]; exists {
		e.mu.Unlock()
		e.client.onError(TopicEvent, EventListenerExists, pattern)
		return
	}
	l := newListener(TopicEvent, pattern, callback, e.cfg, e.client, e.conn)
	e.listeners[pattern] = l
	e.mu.Unlock()

	l.start()
}

// Unlisten withdraws the provider role for pattern.
func (e *EventHandler) Unlisten(pattern string) {
	e.mu.Lock()
	l, exists := e.listeners[pattern]
	if exists {
		delete(e.listeners, pattern)
	}
	e.mu.Unlock()

	if !exists {
		e.client.onError(TopicEvent, EventNotListening, pattern)
		return
	}
	e.registry.add(TopicEvent, ActionUnlisten, pattern, "", nil, e.cfg.SubscriptionTimeout)
	l.destroy()
}

// handle runs on the EVENT dispatch queue.
func (e *EventHandler) handle(msg *Message) {
	var eventName string
	if msg.Action == ActionAck {
		if len(msg.Data) > 1 {
			eventName = msg.Data[1]
		}
	} else if len(msg.Data) > 0 {
		eventName = msg.Data[0]
	}

	if msg.Action == ActionEvent {
		if len(msg.Data) == 2 {
			data, err := parseTyped(msg.Data[1])
			if err != nil {
				e.client.onError(TopicEvent, EventMessageParseError, err.Error())
				return
			}
			e.broadcast(eventName, data)
		} else {
			e.broadcast(eventName, nil)
		}
		return
	}

	e.mu.Lock()
	l := e.listeners[eventName]
	e.mu.Unlock()

	switch {
	case l != nil:
		l.onMessage(msg)
	case msg.Action == ActionAck:
		e.registry.clearMessage(msg)
	case msg.Action == ActionError && len(msg.Data) > 0:
		detail := ""
		if len(msg.Data) > 1 {
			detail = msg.Data[1]
		}
		e.client.onError(TopicEvent, Event(msg.Data[0]), detail)
	default:
		e.client.onError(TopicEvent, EventUnsolicitedMessage, eventName)
	}
}

func (e *EventHandler) broadcast(eventName string, data any) {
	for _, l := range e.emitter.listeners(eventName) {
		l.OnEvent(eventName, data)
	}
}

func (e *EventHandler) resubscribe() {
	e.mu.Lock()
	names := make([]string, 0, len(e.subscriptions))
	for name := range e.subscriptions {
		names = append(names, name)
	}
	e.mu.Unlock()

	for _, name := range names {
		e.conn.sendMsg(TopicEvent, ActionSubscribe, name)
	}
}
