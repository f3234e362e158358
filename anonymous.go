package deepstream

import "sync"

// AnonymousRecordNameChangedListener is notified after an anonymous record
// is retargeted at a different underlying record.
type AnonymousRecordNameChangedListener interface {
	OnRecordNameChanged(recordName string, anonymousRecord *AnonymousRecord)
}

// anonSubscription is a locally stored subscription that follows the proxy
// across rebinds.
type anonSubscription struct {
	isPath   bool
	path     string
	whole    RecordChangedCallback
	pathCb   RecordPathChangedCallback
	attached bool
}

// AnonymousRecord is a record proxy that starts unbound. SetName binds it to
// a record and moves every locally registered subscription over, firing each
// subscriber whose value differs between the old and new record.
type AnonymousRecord struct {
	handler *RecordHandler

	mu              sync.Mutex
	record          *Record
	name            string
	subscriptions   []*anonSubscription
	eventsListeners []RecordEventsListener
	nameListeners   []AnonymousRecordNameChangedListener
}

func newAnonymousRecord(handler *RecordHandler) *AnonymousRecord {
	return &AnonymousRecord{handler: handler}
}

// Name returns the bound record name, empty while unbound.
func (a *AnonymousRecord) Name() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.name
}

// Get returns the bound record's data, nil while unbound.
func (a *AnonymousRecord) Get() any {
	a.mu.Lock()
	record := a.record
	a.mu.Unlock()
	if record == nil {
		return nil
	}
	return record.Get()
}

// GetPath returns the subtree at path from the bound record.
func (a *AnonymousRecord) GetPath(path string) any {
	a.mu.Lock()
	record := a.record
	a.mu.Unlock()
	if record == nil {
		return nil
	}
	return record.GetPath(path)
}

// Set replaces the bound record's value.
func (a *AnonymousRecord) Set(value any) error {
	a.mu.Lock()
	record := a.record
	a.mu.Unlock()
	if record == nil {
		return &AnonymousRecordUninitializedError{Method: "Set"}
	}
	return record.Set(value)
}

// SetPath writes value at path on the bound record.
func (a *AnonymousRecord) SetPath(path string, value any) error {
	a.mu.Lock()
	record := a.record
	a.mu.Unlock()
	if record == nil {
		return &AnonymousRecordUninitializedError{Method: "SetPath"}
	}
	return record.SetPath(path, value)
}

// Discard releases the bound record.
func (a *AnonymousRecord) Discard() error {
	a.mu.Lock()
	record := a.record
	a.mu.Unlock()
	if record == nil {
		return &AnonymousRecordUninitializedError{Method: "Discard"}
	}
	return record.Discard()
}

// Subscribe registers a whole-record callback that survives rebinds.
func (a *AnonymousRecord) Subscribe(callback RecordChangedCallback) {
	a.addSubscription(&anonSubscription{whole: callback})
}

// SubscribePath registers a path callback that survives rebinds.
func (a *AnonymousRecord) SubscribePath(path string, callback RecordPathChangedCallback) {
	a.addSubscription(&anonSubscription{isPath: true, path: path, pathCb: callback})
}

func (a *AnonymousRecord) addSubscription(sub *anonSubscription) {
	a.mu.Lock()
	a.subscriptions = append(a.subscriptions, sub)
	record := a.record
	a.mu.Unlock()

	if record == nil {
		return
	}
	// Subscriptions added to a bound record attach once it is ready; a
	// rebind in the meantime re-snapshots them through SetName.
	if record.IsReady() {
		a.attach(record, sub)
		return
	}
	record.WhenReady(func(string, *Record) {
		a.attach(record, sub)
	})
}

// Unsubscribe removes a whole-record callback by identity.
func (a *AnonymousRecord) Unsubscribe(callback RecordChangedCallback) {
	a.mu.Lock()
	record := a.record
	for i, sub := range a.subscriptions {
		if !sub.isPath && sub.whole == callback {
			a.subscriptions = append(a.subscriptions[:i:i], a.subscriptions[i+1:]...)
			if sub.attached && record != nil {
				a.mu.Unlock()
				record.Unsubscribe(callback)
				return
			}
			break
		}
	}
	a.mu.Unlock()
}

// UnsubscribePath removes a path callback by identity.
func (a *AnonymousRecord) UnsubscribePath(path string, callback RecordPathChangedCallback) {
	a.mu.Lock()
	record := a.record
	for i, sub := range a.subscriptions {
		if sub.isPath && sub.path == path && sub.pathCb == callback {
			a.subscriptions = append(a.subscriptions[:i:i], a.subscriptions[i+1:]...)
			if sub.attached && record != nil {
				a.mu.Unlock()
				record.UnsubscribePath(path, callback)
				return
			}
			break
		}
	}
	a.mu.Unlock()
}

// AddRecordEventsListener registers a lifecycle listener that follows the
// proxy across rebinds.
func (a *AnonymousRecord) AddRecordEventsListener(listener RecordEventsListener) {
	a.mu.Lock()
	a.eventsListeners = append(a.eventsListeners, listener)
	record := a.record
	a.mu.Unlock()
	if record != nil {
		record.AddRecordEventsListener(listener)
	}
}

// AddRecordNameChangedListener registers a listener notified after every
// SetName.
func (a *AnonymousRecord) AddRecordNameChangedListener(listener AnonymousRecordNameChangedListener) {
	a.mu.Lock()
	a.nameListeners = append(a.nameListeners, listener)
	a.mu.Unlock()
}

// SetName retargets the proxy: the previous record is discarded and all
// subscriptions move to the new one. Once the new record is ready, every
// subscriber whose value differs from the previous record's fires.
func (a *AnonymousRecord) SetName(name string) {
	a.mu.Lock()
	previous := a.record
	subscriptions := make([]*anonSubscription, len(a.subscriptions))
	copy(subscriptions, a.subscriptions)
	eventsListeners := make([]RecordEventsListener, len(a.eventsListeners))
	copy(eventsListeners, a.eventsListeners)
	a.mu.Unlock()

	// Snapshot the values the subscribers last saw so only real differences
	// fire after the rebind.
	oldValues := make(map[int]any, len(subscriptions))
	for i, sub := range subscriptions {
		if previous != nil {
			if sub.isPath {
				oldValues[i] = previous.GetPath(sub.path)
			} else {
				oldValues[i] = previous.Get()
			}
		}
		sub.attached = false
	}

	if previous != nil {
		for _, sub := range subscriptions {
			if sub.isPath {
				previous.UnsubscribePath(sub.path, sub.pathCb)
			} else {
				previous.Unsubscribe(sub.whole)
			}
		}
		for _, l := range eventsListeners {
			previous.RemoveRecordEventsListener(l)
		}
		previous.Discard()
	}

	record := a.handler.GetRecord(name)
	a.mu.Lock()
	a.record = record
	a.name = name
	a.mu.Unlock()

	for _, l := range eventsListeners {
		record.AddRecordEventsListener(l)
	}

	record.WhenReady(func(string, *Record) {
		for i, sub := range subscriptions {
			var newValue any
			if sub.isPath {
				newValue = record.GetPath(sub.path)
			} else {
				newValue = record.Get()
			}
			if !deepEqual(oldValues[i], newValue) {
				if sub.isPath {
					sub.pathCb.OnRecordPathChanged(name, sub.path, newValue)
				} else {
					sub.whole.OnRecordChanged(name, newValue)
				}
			}
			a.attach(record, sub)
		}
	})

	a.mu.Lock()
	nameListeners := make([]AnonymousRecordNameChangedListener, len(a.nameListeners))
	copy(nameListeners, a.nameListeners)
	a.mu.Unlock()
	for _, l := range nameListeners {
		l.OnRecordNameChanged(name, a)
	}
}

// attach wires a stored subscription to the bound record without an
// immediate trigger; rebind notifications are handled by SetName itself.
func (a *AnonymousRecord) attach(record *Record, sub *anonSubscription) {
	a.mu.Lock()
	if sub.attached {
		a.mu.Unlock()
		return
	}
	sub.attached = true
	a.mu.Unlock()
	if sub.isPath {
		record.SubscribePath(sub.path, sub.pathCb, false)
	} else {
		record.Subscribe(sub.whole, false)
	}
}
