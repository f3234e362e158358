package deepstream

import (
	"fmt"
	"sync"
	"time"
)

// timeoutListener lets a component intercept its own ack timeouts instead of
// having them reported through the runtime error handler.
type timeoutListener interface {
	onTimeout(topic Topic, action Action, event Event, name string)
}

type ackEntry struct {
	topic    Topic
	action   Action
	name     string
	event    Event
	listener timeoutListener
	deadline time.Time
	timer    *time.Timer // nil while gated by a non-OPEN connection
}

// ackTimeoutRegistry guards every outgoing request with a deadline. At most
// one entry exists per (topic, action, name); a duplicate add is a no-op.
// Deadlines only fire while the connection is OPEN: entries added earlier
// stay dormant until the OPEN transition, and entries already overdue at
// that point fire immediately.
type ackTimeoutRegistry struct {
	client clientHandle

	mu      sync.Mutex
	entries map[string]*ackEntry
	open    bool
}

func newAckTimeoutRegistry(client clientHandle) *ackTimeoutRegistry {
	return &ackTimeoutRegistry{
		client:  client,
		entries: make(map[string]*ackEntry),
	}
}

func ackKey(topic Topic, action Action, name string) string {
	return string(topic) + partSeparator + string(action) + partSeparator + name
}

// add registers a deadline. The zero Event defaults to ACK_TIMEOUT and a nil
// listener routes the timeout to the runtime error handler.
func (r *ackTimeoutRegistry) add(topic Topic, action Action, name string, event Event, listener timeoutListener, timeout time.Duration) {
	key := ackKey(topic, action, name)
	if event == "" {
		event = EventAckTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists {
		return
	}
	entry := &ackEntry{
		topic:    topic,
		action:   action,
		name:     name,
		event:    event,
		listener: listener,
		deadline: time.Now().Add(timeout),
	}
	r.entries[key] = entry
	if !r.open && r.client.connectionState() == StateOpen {
		r.open = true
	}
	if r.open {
		r.schedule(key, entry)
	}
}

// clear removes an entry and cancels its timer.
func (r *ackTimeoutRegistry) clear(topic Topic, action Action, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(ackKey(topic, action, name))
}

// clearMessage clears the entry an ack message answers. Ack payloads carry
// the acknowledged action in Data[0] and the subject name in Data[1].
func (r *ackTimeoutRegistry) clearMessage(msg *Message) {
	if len(msg.Data) < 2 {
		return
	}
	r.clear(msg.Topic, Action(msg.Data[0]), msg.Data[1])
}

func (r *ackTimeoutRegistry) remove(key string) {
	if entry, ok := r.entries[key]; ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(r.entries, key)
	}
}

// schedule arms the timer for an entry; overdue entries fire immediately.
// Caller holds r.mu.
func (r *ackTimeoutRegistry) schedule(key string, entry *ackEntry) {
	remaining := time.Until(entry.deadline)
	if remaining < 0 {
		remaining = 0
	}
	entry.timer = time.AfterFunc(remaining, func() {
		r.fire(key)
	})
}

func (r *ackTimeoutRegistry) fire(key string) {
	r.mu.Lock()
	entry, ok := r.entries[key]
	if !ok || !r.open {
		// Either cleared concurrently or the connection dropped again
		// before the timer could be stopped; the entry stays gated.
		if ok {
			entry.timer = nil
		}
		r.mu.Unlock()
		return
	}
	delete(r.entries, key)
	r.mu.Unlock()

	if entry.listener != nil {
		entry.listener.onTimeout(entry.topic, entry.action, entry.event, entry.name)
		return
	}
	r.client.onError(entry.topic, entry.event,
		fmt.Sprintf("No ACK message received in time for %s %s", entry.action.Name(), entry.name))
}

// connectionStateChanged gates the timers on the OPEN state.
func (r *ackTimeoutRegistry) connectionStateChanged(state ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wasOpen := r.open
	r.open = state == StateOpen

	switch {
	case r.open && !wasOpen:
		for key, entry := range r.entries {
			if entry.timer == nil {
				r.schedule(key, entry)
			}
		}
	case !r.open && wasOpen:
		for _, entry := range r.entries {
			if entry.timer != nil {
				entry.timer.Stop()
				entry.timer = nil
			}
		}
	}
}
