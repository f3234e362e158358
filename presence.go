package deepstream

import "sync"

// PresenceEventListener is notified when peer clients log in or out.
type PresenceEventListener interface {
	OnClientLogin(username string)
	OnClientLogout(username string)
}

// presenceRegistration is the single emitter key presence listeners share.
const presenceRegistration = "U"

// PresenceHandler exposes peer login notifications and the connected-clients
// query.
type PresenceHandler struct {
	cfg      Config
	conn     messageSender
	client   clientHandle
	registry *ackTimeoutRegistry
	emitter  *emitter[PresenceEventListener]
	notifier *singleNotifier

	mu sync.Mutex
}

func newPresenceHandler(cfg Config, conn messageSender, client clientHandle) *PresenceHandler {
	p := &PresenceHandler{
		cfg:      cfg,
		conn:     conn,
		client:   client,
		registry: client.ackRegistry(),
		emitter:  newEmitter[PresenceEventListener](),
	}
	p.notifier = newSingleNotifier(client, conn, TopicPresence, ActionQuery, cfg.SubscriptionTimeout)
	newResubscribeNotifier(client, p.resubscribe)
	return p
}

// GetAll queries the hub for all currently connected peer clients and
// blocks until the response arrives.
func (p *PresenceHandler) GetAll() ([]string, error) {
	waiter := newResponseWaiter()
	p.notifier.request(string(ActionQuery), waiter.callback())

	data, err := waiter.wait(p.client.closedCh())
	if err != nil {
		return nil, err
	}
	clients, _ := data.([]string)
	return clients, nil
}

// Subscribe registers a listener for peer login and logout events. The hub
// subscription is created when the first listener appears.
func (p *PresenceHandler) Subscribe(listener PresenceEventListener) {
	p.mu.Lock()
	first := !p.emitter.hasListeners(presenceRegistration)
	p.emitter.on(presenceRegistration, listener)
	if first {
		p.registry.add(TopicPresence, ActionSubscribe, string(TopicPresence), "", nil, p.cfg.SubscriptionTimeout)
		p.conn.sendMsg(TopicPresence, ActionSubscribe, string(ActionSubscribe))
	}
	p.mu.Unlock()
}

// Unsubscribe removes a listener; the hub subscription is dropped with the
// last one.
func (p *PresenceHandler) Unsubscribe(listener PresenceEventListener) {
	p.mu.Lock()
	p.emitter.off(presenceRegistration, listener)
	if !p.emitter.hasListeners(presenceRegistration) {
		p.registry.add(TopicPresence, ActionUnsubscribe, string(TopicPresence), "", nil, p.cfg.SubscriptionTimeout)
		p.conn.sendMsg(TopicPresence, ActionUnsubscribe, string(ActionUnsubscribe))
	}
	p.mu.Unlock()
}

// handle runs on the PRESENCE dispatch queue.
func (p *PresenceHandler) handle(msg *Message) {
	if msg.Action == ActionError && len(msg.Data) > 0 && Event(msg.Data[0]) == EventMessageDenied {
		p.registry.clearMessage(msg)
		detail := ""
		if len(msg.Data) > 1 {
			detail = msg.Data[1]
		}
		p.client.onError(TopicPresence, EventMessageDenied, detail)
		return
	}

	switch msg.Action {
	case ActionAck:
		p.registry.clearMessage(msg)
	case ActionPresenceJoin:
		if len(msg.Data) > 0 {
			p.broadcast(true, msg.Data[0])
		}
	case ActionPresenceLeave:
		if len(msg.Data) > 0 {
			p.broadcast(false, msg.Data[0])
		}
	case ActionQuery:
		clients := make([]string, len(msg.Data))
		copy(clients, msg.Data)
		p.notifier.receive(string(ActionQuery), clients, nil)
	default:
		p.client.onError(TopicPresence, EventUnsolicitedMessage, msg.Action.Name())
	}
}

func (p *PresenceHandler) broadcast(login bool, username string) {
	for _, l := range p.emitter.listeners(presenceRegistration) {
		if login {
			l.OnClientLogin(username)
		} else {
			l.OnClientLogout(username)
		}
	}
}

func (p *PresenceHandler) resubscribe() {
	if p.emitter.hasListeners(presenceRegistration) {
		p.conn.sendMsg(TopicPresence, ActionSubscribe, string(ActionSubscribe))
	}
}
