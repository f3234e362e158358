package deepstream

import "sync"

// resubscribeNotifier re-runs a callback once per reconnection cycle so that
// subscriptions survive a dropped connection. The RECONNECTING transition
// latches; the following OPEN fires the callback and clears the latch. A
// direct CLOSED to OPEN transition does not fire.
type resubscribeNotifier struct {
	client      clientHandle
	resubscribe func()

	mu           sync.Mutex
	reconnecting bool
}

func newResubscribeNotifier(client clientHandle, resubscribe func()) *resubscribeNotifier {
	n := &resubscribeNotifier{client: client, resubscribe: resubscribe}
	client.addStateListener(n)
	return n
}

func (n *resubscribeNotifier) destroy() {
	n.client.removeStateListener(n)
}

func (n *resubscribeNotifier) connectionStateChanged(state ConnectionState) {
	n.mu.Lock()
	fire := false
	switch state {
	case StateReconnecting:
		n.reconnecting = true
	case StateOpen:
		if n.reconnecting {
			n.reconnecting = false
			fire = true
		}
	}
	n.mu.Unlock()

	if fire {
		n.resubscribe()
	}
}
