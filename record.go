package deepstream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
)

// RecordChangedCallback receives the full record data after any change.
type RecordChangedCallback interface {
	OnRecordChanged(recordName string, data any)
}

// RecordPathChangedCallback receives the subtree at a subscribed path
// whenever that subtree changes.
type RecordPathChangedCallback interface {
	OnRecordPathChanged(recordName, path string, data any)
}

// RecordEventsListener is notified of record lifecycle events.
type RecordEventsListener interface {
	OnRecordDiscarded(recordName string)
	OnRecordDeleted(recordName string)
	OnRecordHasProviderChanged(recordName string, hasProvider bool)
}

// RecordReadyCallback fires once when a record has loaded its server state.
type RecordReadyCallback func(recordName string, record *Record)

// MergeStrategyFunc resolves a version conflict. It receives the record, the
// remote data and version, and returns the data that becomes the new
// authoritative state. Returning an error leaves the record divergent and
// surfaces VERSION_EXISTS through the runtime error handler.
type MergeStrategyFunc func(record *Record, remoteValue any, remoteVersion int) (any, error)

func mergeRemoteWins(record *Record, remoteValue any, remoteVersion int) (any, error) {
	return remoteValue, nil
}

func mergeLocalWins(record *Record, remoteValue any, remoteVersion int) (any, error) {
	return record.Get(), nil
}

func mergeStrategyFor(name MergeStrategy) MergeStrategyFunc {
	switch name {
	case MergeLocalWins:
		return mergeLocalWins
	default:
		return mergeRemoteWins
	}
}

// recordRemoteUpdateHandler brackets remote updates; List uses it to diff
// entries across an update.
type recordRemoteUpdateHandler interface {
	beforeRecordUpdate()
	afterRecordUpdate()
}

// destroyPendingCallback tells the record cache that a discard or delete is
// about to be sent for this record.
type destroyPendingCallback func(recordName string)

// wholeRecordKey marks the whole-document entry in the change snapshots
// taken around every update. Path subscriptions never collide with it
// because it is not a valid user path.
const wholeRecordKey = "\x00all"

// Record is a named, versioned JSON document synchronized through the hub.
// It is obtained via RecordHandler.GetRecord and shared: each call
// increments a reference count that Discard decrements.
type Record struct {
	name     string
	cfg      Config
	conn     messageSender
	client   clientHandle
	registry *ackTimeoutRegistry

	resub       *resubscribeNotifier
	setNotifier *singleNotifier

	usages    atomic.Int64
	destroyed atomic.Bool

	readyMu        sync.Mutex
	ready          bool
	readyCallbacks []RecordReadyCallback

	mu            sync.Mutex
	version       int
	data          any
	discarded     bool
	hasProvider   bool
	mergeStrategy MergeStrategyFunc

	subscribers     []RecordChangedCallback
	pathSubscribers *emitter[RecordPathChangedCallback]

	listenersMu     sync.Mutex
	eventsListeners []RecordEventsListener
	destroyPending  []destroyPendingCallback
	remoteUpdate    recordRemoteUpdateHandler
}

func newRecord(name string, cfg Config, conn messageSender, client clientHandle) *Record {
	r := &Record{
		name:            name,
		cfg:             cfg,
		conn:            conn,
		client:          client,
		registry:        client.ackRegistry(),
		version:         -1,
		data:            map[string]any{},
		mergeStrategy:   mergeStrategyFor(cfg.RecordMergeStrategy),
		pathSubscribers: newEmitter[RecordPathChangedCallback](),
	}
	r.usages.Store(1)
	r.resub = newResubscribeNotifier(client, r.sendRead)
	r.setNotifier = newSingleNotifier(client, conn, TopicRecord, ActionPatch, cfg.SubscriptionTimeout)
	return r
}

// start schedules the read deadlines and requests the record from the hub.
func (r *Record) start() {
	r.scheduleAcks()
	r.sendRead()
}

// Name returns the record name.
func (r *Record) Name() string { return r.name }

// IsReady reports whether the server state has been loaded.
func (r *Record) IsReady() bool {
	r.readyMu.Lock()
	defer r.readyMu.Unlock()
	return r.ready
}

// IsDestroyed reports whether the record was discarded or deleted. A
// destroyed record must be re-acquired via GetRecord before further use.
func (r *Record) IsDestroyed() bool { return r.destroyed.Load() }

// HasProvider reports whether the hub currently has an active provider for
// this record.
func (r *Record) HasProvider() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasProvider
}

// Version returns the current record version, -1 before the first READ.
func (r *Record) Version() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// SetMergeStrategy selects a built-in conflict resolution policy.
func (r *Record) SetMergeStrategy(strategy MergeStrategy) {
	r.mu.Lock()
	r.mergeStrategy = mergeStrategyFor(strategy)
	r.mu.Unlock()
}

// SetCustomMergeStrategy installs a caller-supplied conflict resolver.
func (r *Record) SetCustomMergeStrategy(strategy MergeStrategyFunc) {
	r.mu.Lock()
	r.mergeStrategy = strategy
	r.mu.Unlock()
}

// Get returns a deep copy of the whole record data.
func (r *Record) Get() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return deepCopy(r.data)
}

// GetPath returns a deep copy of the subtree at path; nil when absent.
func (r *Record) GetPath(path string) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return deepCopy(getPath(r.data, path))
}

// Unmarshal decodes the record data into v, typically a struct pointer.
func (r *Record) Unmarshal(v any) error {
	r.mu.Lock()
	data := r.data
	r.mu.Unlock()

	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(encoded, v)
}

// Set replaces the whole record value. Equal values are a no-op.
func (r *Record) Set(value any) error {
	return r.set("", value, false)
}

// SetPath writes value at path, creating intermediate containers as needed.
func (r *Record) SetPath(path string, value any) error {
	return r.set(path, value, false)
}

func (r *Record) set(path string, value any, force bool) error {
	if r.destroyed.Load() {
		return &RecordDestroyedError{Record: r.name, Method: "Set"}
	}

	element := normalizeValue(value)

	r.mu.Lock()
	if !force {
		var current any
		if path == "" {
			current = r.data
		} else {
			current = getPath(r.data, path)
		}
		if deepEqual(current, element) {
			r.mu.Unlock()
			return nil
		}
	}

	oldValues := r.beginChange()
	r.data = setPath(r.data, path, element)
	r.version++
	version := r.version
	data := r.data
	r.mu.Unlock()

	if path == "" {
		encoded, err := json.Marshal(data)
		if err != nil {
			return err
		}
		r.conn.sendMsg(TopicRecord, ActionUpdate, r.name, strconv.Itoa(version), string(encoded))
	} else {
		r.conn.sendMsg(TopicRecord, ActionPatch, r.name, strconv.Itoa(version), path, typed(element))
	}

	r.completeChange(oldValues)
	return nil
}

// SetWithAck replaces the whole record value and blocks until the hub
// confirms the write reached cache and storage.
func (r *Record) SetWithAck(value any) error {
	return r.setWithAck("", value)
}

// SetPathWithAck writes value at path and blocks for the hub's write
// acknowledgement.
func (r *Record) SetPathWithAck(path string, value any) error {
	return r.setWithAck(path, value)
}

func (r *Record) setWithAck(path string, value any) error {
	if r.destroyed.Load() {
		return &RecordDestroyedError{Record: r.name, Method: "SetWithAck"}
	}

	element := normalizeValue(value)

	r.mu.Lock()
	var current any
	if path == "" {
		current = r.data
	} else {
		current = getPath(r.data, path)
	}
	if deepEqual(current, element) {
		r.mu.Unlock()
		return nil
	}

	oldValues := r.beginChange()
	r.data = setPath(r.data, path, element)
	r.version++
	newVersion := strconv.Itoa(r.version)
	data := r.data
	r.mu.Unlock()

	// The writeSuccess flag asks the hub to confirm the write explicitly.
	writeConfig := `{"writeSuccess":true}`
	var payload []string
	var action Action
	if path == "" {
		encoded, err := json.Marshal(data)
		if err != nil {
			return err
		}
		action = ActionUpdate
		payload = []string{r.name, newVersion, string(encoded), writeConfig}
	} else {
		action = ActionPatch
		payload = []string{r.name, newVersion, path, typed(element), writeConfig}
	}

	waiter := newResponseWaiter()
	cb := waiter.callback()
	r.setNotifier.requestWithData(newVersion, action, payload, func(name string, data any, err error) {
		if err == nil {
			r.completeChange(oldValues)
		}
		cb(name, data, err)
	})

	_, err := waiter.wait(r.client.closedCh())
	return err
}

// Subscribe registers a callback for every change to the record. With
// triggerNow the callback fires immediately with the current value.
func (r *Record) Subscribe(callback RecordChangedCallback, triggerNow bool) error {
	if r.destroyed.Load() {
		return &RecordDestroyedError{Record: r.name, Method: "Subscribe"}
	}
	r.mu.Lock()
	r.subscribers = append(r.subscribers, callback)
	r.mu.Unlock()

	if triggerNow {
		callback.OnRecordChanged(r.name, r.Get())
	}
	return nil
}

// Unsubscribe removes a whole-record callback by identity.
func (r *Record) Unsubscribe(callback RecordChangedCallback) error {
	if r.destroyed.Load() {
		return &RecordDestroyedError{Record: r.name, Method: "Unsubscribe"}
	}
	r.mu.Lock()
	for i, cb := range r.subscribers {
		if cb == callback {
			r.subscribers = append(r.subscribers[:i:i], r.subscribers[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	return nil
}

// SubscribePath registers a callback fired whenever the subtree at path
// changes (by JSON value equality).
func (r *Record) SubscribePath(path string, callback RecordPathChangedCallback, triggerNow bool) error {
	if r.destroyed.Load() {
		return &RecordDestroyedError{Record: r.name, Method: "SubscribePath"}
	}
	r.pathSubscribers.on(path, callback)

	if triggerNow {
		callback.OnRecordPathChanged(r.name, path, r.GetPath(path))
	}
	return nil
}

// UnsubscribePath removes a path callback by identity.
func (r *Record) UnsubscribePath(path string, callback RecordPathChangedCallback) error {
	if r.destroyed.Load() {
		return &RecordDestroyedError{Record: r.name, Method: "UnsubscribePath"}
	}
	r.pathSubscribers.off(path, callback)
	return nil
}

// AddRecordEventsListener registers a lifecycle listener.
func (r *Record) AddRecordEventsListener(listener RecordEventsListener) {
	r.listenersMu.Lock()
	r.eventsListeners = append(r.eventsListeners, listener)
	r.listenersMu.Unlock()
}

// RemoveRecordEventsListener removes a lifecycle listener by identity.
func (r *Record) RemoveRecordEventsListener(listener RecordEventsListener) {
	r.listenersMu.Lock()
	for i, l := range r.eventsListeners {
		if l == listener {
			r.eventsListeners = append(r.eventsListeners[:i:i], r.eventsListeners[i+1:]...)
			break
		}
	}
	r.listenersMu.Unlock()
}

// WhenReady invokes the callback once the record has loaded: inline when it
// already has, otherwise when the READ arrives.
func (r *Record) WhenReady(callback RecordReadyCallback) {
	r.readyMu.Lock()
	if r.ready {
		r.readyMu.Unlock()
		callback(r.name, r)
		return
	}
	r.readyCallbacks = append(r.readyCallbacks, callback)
	r.readyMu.Unlock()
}

// Discard releases one reference to the record. When the last reference is
// released the hub subscription ends and the record is destroyed;
// OnRecordDiscarded fires once the hub acknowledges.
func (r *Record) Discard() error {
	if r.destroyed.Load() {
		return &RecordDestroyedError{Record: r.name, Method: "Discard"}
	}
	if r.usages.Add(-1) <= 0 {
		r.finishDiscard()
	}
	return nil
}

func (r *Record) finishDiscard() {
	r.mu.Lock()
	if r.discarded {
		r.mu.Unlock()
		return
	}
	r.discarded = true
	r.mu.Unlock()

	r.WhenReady(func(string, *Record) {
		r.registry.add(TopicRecord, ActionUnsubscribe, r.name, "", nil, r.cfg.SubscriptionTimeout)
		r.conn.sendMsg(TopicRecord, ActionUnsubscribe, r.name)
		r.notifyDestroyPending()
	})
	r.destroy()
}

// Delete removes the record from the hub entirely, for every client.
// OnRecordDeleted fires once the hub acknowledges.
func (r *Record) Delete() error {
	if r.destroyed.Load() {
		return &RecordDestroyedError{Record: r.name, Method: "Delete"}
	}

	r.WhenReady(func(string, *Record) {
		r.registry.add(TopicRecord, ActionDelete, r.name, EventDeleteTimeout, nil, r.cfg.RecordDeleteTimeout)
		r.conn.sendMsg(TopicRecord, ActionDelete, r.name)
		r.notifyDestroyPending()
	})
	return nil
}

// onMessage runs on the RECORD dispatch queue; the handler routes messages
// here by record name.
func (r *Record) onMessage(msg *Message) {
	switch {
	case msg.Action == ActionAck:
		r.processAck(msg)
	case msg.Action == ActionRead && r.Version() == -1:
		r.onRead(msg)
	case msg.Action == ActionRead || msg.Action == ActionUpdate || msg.Action == ActionPatch:
		r.applyUpdate(msg)
	case msg.Action == ActionWriteAcknowledgement:
		r.handleWriteAcknowledgement(msg)
	case msg.Action == ActionSubscriptionHasProvider:
		r.updateHasProvider(msg)
	case msg.Action == ActionError && len(msg.Data) > 0 && Event(msg.Data[0]) == EventVersionExists:
		if len(msg.Data) < 4 {
			return
		}
		remoteVersion, err := strconv.Atoi(msg.Data[2])
		if err != nil {
			return
		}
		var remoteData any
		if err := json.Unmarshal([]byte(msg.Data[3]), &remoteData); err != nil {
			return
		}
		r.recoverRecord(remoteVersion, remoteData)
	case msg.Action == ActionError && len(msg.Data) > 0 && Event(msg.Data[0]) == EventMessageDenied:
		r.clearTimeouts()
	}
}

func (r *Record) processAck(msg *Message) {
	if len(msg.Data) == 0 {
		return
	}
	action := Action(msg.Data[0])
	r.registry.clearMessage(msg)

	switch action {
	case ActionDelete:
		for _, l := range r.copyEventsListeners() {
			l.OnRecordDeleted(r.name)
		}
		r.destroy()
	case ActionUnsubscribe:
		for _, l := range r.copyEventsListeners() {
			l.OnRecordDiscarded(r.name)
		}
		r.destroy()
	}
}

func (r *Record) onRead(msg *Message) {
	if len(msg.Data) < 3 {
		return
	}
	r.clearTimeouts()

	version, err := strconv.Atoi(msg.Data[1])
	if err != nil {
		r.client.onError(TopicRecord, EventMessageParseError, msg.Data[1])
		return
	}
	var data any
	if err := json.Unmarshal([]byte(msg.Data[2]), &data); err != nil {
		r.client.onError(TopicRecord, EventMessageParseError, err.Error())
		return
	}

	r.mu.Lock()
	oldValues := r.beginChange()
	r.version = version
	r.data = data
	r.mu.Unlock()

	r.completeChange(oldValues)
	r.setReady()
}

func (r *Record) applyUpdate(msg *Message) {
	if len(msg.Data) < 2 {
		return
	}
	newVersion, err := strconv.Atoi(msg.Data[1])
	if err != nil {
		r.client.onError(TopicRecord, EventMessageParseError, msg.Data[1])
		return
	}

	var patchValue any
	var patchDelete bool
	var updateData any
	if msg.Action == ActionPatch {
		if len(msg.Data) < 4 {
			return
		}
		decoded, err := parseTyped(msg.Data[3])
		if err != nil {
			r.client.onError(TopicRecord, EventMessageParseError, err.Error())
			return
		}
		if _, isUndefined := decoded.(undefinedValue); isUndefined {
			patchDelete = true
		} else {
			patchValue = decoded
		}
	} else {
		if len(msg.Data) < 3 {
			return
		}
		if err := json.Unmarshal([]byte(msg.Data[2]), &updateData); err != nil {
			r.client.onError(TopicRecord, EventMessageParseError, err.Error())
			return
		}
	}

	r.mu.Lock()
	version := r.version
	r.mu.Unlock()

	if version != -1 && version+1 != newVersion {
		if msg.Action == ActionPatch {
			// A patch cannot be reconciled without the full state; fetch a
			// snapshot whose READ reply feeds the merge strategy.
			r.conn.sendMsg(TopicRecord, ActionSnapshot, r.name)
		} else {
			r.recoverRecord(newVersion, updateData)
		}
		return
	}

	if handler := r.remoteUpdateHandler(); handler != nil {
		handler.beforeRecordUpdate()
	}

	r.mu.Lock()
	oldValues := r.beginChange()
	r.version = newVersion
	if msg.Action == ActionPatch {
		if patchDelete {
			r.data = deletePath(r.data, msg.Data[2])
		} else {
			r.data = setPath(r.data, msg.Data[2], patchValue)
		}
	} else {
		r.data = updateData
	}
	r.mu.Unlock()

	r.completeChange(oldValues)

	if handler := r.remoteUpdateHandler(); handler != nil {
		handler.afterRecordUpdate()
	}
}

// recoverRecord reconciles a version conflict through the merge strategy.
func (r *Record) recoverRecord(remoteVersion int, remoteData any) {
	r.mu.Lock()
	strategy := r.mergeStrategy
	localVersion := r.version
	r.mu.Unlock()

	merged, err := strategy(r, remoteData, remoteVersion)
	if err != nil {
		r.client.onError(TopicRecord, EventVersionExists,
			fmt.Sprintf("received update for version %d but local version is %d", remoteVersion, localVersion))
		return
	}

	r.mu.Lock()
	r.version = remoteVersion
	r.mu.Unlock()
	if err := r.set("", merged, true); err != nil {
		r.client.onError(TopicRecord, EventVersionExists, err.Error())
	}
}

func (r *Record) handleWriteAcknowledgement(msg *Message) {
	if len(msg.Data) < 3 {
		return
	}
	var versions []any
	if err := json.Unmarshal([]byte(msg.Data[1]), &versions); err != nil {
		r.client.onError(TopicRecord, EventMessageParseError, err.Error())
		return
	}
	keys := make([]string, 0, len(versions))
	for _, v := range versions {
		switch version := v.(type) {
		case float64:
			keys = append(keys, strconv.Itoa(int(version)))
		case string:
			keys = append(keys, version)
		}
	}

	errData, parseErr := parseTyped(msg.Data[2])
	if parseErr != nil {
		r.client.onError(TopicRecord, EventMessageParseError, parseErr.Error())
		return
	}
	if errData != nil {
		r.setNotifier.receiveBatch(keys, fmt.Errorf("%v", errData))
		return
	}
	r.setNotifier.receiveBatch(keys, nil)
}

func (r *Record) updateHasProvider(msg *Message) {
	if len(msg.Data) < 2 {
		return
	}
	decoded, err := parseTyped(msg.Data[1])
	if err != nil {
		return
	}
	hasProvider, _ := decoded.(bool)

	r.mu.Lock()
	r.hasProvider = hasProvider
	r.mu.Unlock()

	for _, l := range r.copyEventsListeners() {
		l.OnRecordHasProviderChanged(r.name, hasProvider)
	}
}

// beginChange snapshots the current value of every subscribed path (and the
// whole document when whole-record subscribers exist). Caller holds r.mu.
func (r *Record) beginChange() map[string]any {
	oldValues := make(map[string]any)
	for _, path := range r.pathSubscribers.events() {
		oldValues[path] = deepCopy(getPath(r.data, path))
	}
	if len(r.subscribers) > 0 {
		oldValues[wholeRecordKey] = deepCopy(r.data)
	}
	if len(oldValues) == 0 {
		return nil
	}
	return oldValues
}

// completeChange compares the snapshots with the new state and notifies
// every subscriber whose value actually changed.
func (r *Record) completeChange(oldValues map[string]any) {
	if len(oldValues) == 0 {
		return
	}

	if oldValue, ok := oldValues[wholeRecordKey]; ok {
		delete(oldValues, wholeRecordKey)
		newValue := r.Get()
		if !deepEqual(oldValue, newValue) {
			r.mu.Lock()
			subscribers := make([]RecordChangedCallback, len(r.subscribers))
			copy(subscribers, r.subscribers)
			r.mu.Unlock()
			for _, cb := range subscribers {
				cb.OnRecordChanged(r.name, deepCopy(newValue))
			}
		}
	}

	for path, oldValue := range oldValues {
		newValue := r.GetPath(path)
		if !deepEqual(oldValue, newValue) {
			for _, cb := range r.pathSubscribers.listeners(path) {
				cb.OnRecordPathChanged(r.name, path, deepCopy(newValue))
			}
		}
	}
}

func (r *Record) setReady() {
	r.readyMu.Lock()
	r.ready = true
	callbacks := r.readyCallbacks
	r.readyCallbacks = nil
	r.readyMu.Unlock()

	for _, cb := range callbacks {
		cb(r.name, r)
	}
}

// sendRead requests the record, initially and after reconnects. While the
// connection is not OPEN the request waits in the outbound buffer.
func (r *Record) sendRead() {
	r.conn.sendMsg(TopicRecord, ActionCreateOrRead, r.name)
}

func (r *Record) scheduleAcks() {
	r.registry.add(TopicRecord, ActionSubscribe, r.name, EventAckTimeout, nil, r.cfg.RecordReadAckTimeout)
	r.registry.add(TopicRecord, ActionRead, r.name, EventResponseTimeout, nil, r.cfg.RecordReadTimeout)
}

func (r *Record) clearTimeouts() {
	r.registry.clear(TopicRecord, ActionSubscribe, r.name)
	r.registry.clear(TopicRecord, ActionRead, r.name)
}

func (r *Record) setRemoteUpdateHandler(handler recordRemoteUpdateHandler) {
	r.listenersMu.Lock()
	r.remoteUpdate = handler
	r.listenersMu.Unlock()
}

func (r *Record) remoteUpdateHandler() recordRemoteUpdateHandler {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	return r.remoteUpdate
}

func (r *Record) addDestroyPendingCallback(cb destroyPendingCallback) {
	r.listenersMu.Lock()
	r.destroyPending = append(r.destroyPending, cb)
	r.listenersMu.Unlock()
}

func (r *Record) notifyDestroyPending() {
	r.listenersMu.Lock()
	callbacks := make([]destroyPendingCallback, len(r.destroyPending))
	copy(callbacks, r.destroyPending)
	r.listenersMu.Unlock()
	for _, cb := range callbacks {
		cb(r.name)
	}
}

func (r *Record) copyEventsListeners() []RecordEventsListener {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	out := make([]RecordEventsListener, len(r.eventsListeners))
	copy(out, r.eventsListeners)
	return out
}

func (r *Record) incrementUsage() {
	r.usages.Add(1)
}

// destroy tears the record down; further API calls fail with
// RecordDestroyedError.
func (r *Record) destroy() {
	r.clearTimeouts()
	r.resub.destroy()
	r.setNotifier.destroy()

	r.readyMu.Lock()
	r.ready = false
	r.readyMu.Unlock()
	r.destroyed.Store(true)
}
