package deepstream

// ListenListener is the application callback for the pattern-listen provider
// role. OnSubscriptionForPatternAdded returns whether this client accepts
// responsibility for providing the subscription.
type ListenListener interface {
	OnSubscriptionForPatternAdded(subscription string) bool
	OnSubscriptionForPatternRemoved(subscription string)
}

// listener implements the provider side of pattern listening for a single
// pattern. It is topic-parametric: events and records share the flow.
type listener struct {
	topic    Topic
	pattern  string
	callback ListenListener
	cfg      Config
	client   clientHandle
	conn     messageSender
	registry *ackTimeoutRegistry
	resub    *resubscribeNotifier
}

func newListener(topic Topic, pattern string, callback ListenListener, cfg Config, client clientHandle, conn messageSender) *listener {
	l := &listener{
		topic:    topic,
		pattern:  pattern,
		callback: callback,
		cfg:      cfg,
		client:   client,
		conn:     conn,
		registry: client.ackRegistry(),
	}
	l.resub = newResubscribeNotifier(client, l.sendListen)
	return l
}

func (l *listener) start() {
	l.sendListen()
}

func (l *listener) sendListen() {
	l.registry.add(l.topic, ActionListen, l.pattern, "", nil, l.cfg.SubscriptionTimeout)
	l.conn.sendMsg(l.topic, ActionListen, l.pattern)
}

func (l *listener) destroy() {
	l.conn.sendMsg(l.topic, ActionUnlisten, l.pattern)
	l.resub.destroy()
}

func (l *listener) onMessage(msg *Message) {
	switch msg.Action {
	case ActionAck:
		l.registry.clearMessage(msg)
	case ActionSubscriptionForPatternFound:
		if len(msg.Data) < 2 {
			return
		}
		subscription := msg.Data[1]
		if l.callback.OnSubscriptionForPatternAdded(subscription) {
			l.conn.sendMsg(l.topic, ActionListenAccept, l.pattern, subscription)
		} else {
			l.conn.sendMsg(l.topic, ActionListenReject, l.pattern, subscription)
		}
	case ActionSubscriptionForPatternRemoved:
		if len(msg.Data) < 2 {
			return
		}
		l.callback.OnSubscriptionForPatternRemoved(msg.Data[1])
	}
}
