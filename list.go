package deepstream

import "sync"

// ListChangedListener receives the full entry slice after any change.
type ListChangedListener interface {
	OnListChanged(listName string, entries []string)
}

// ListEntryChangedListener receives the individual diff events derived from
// a change: entries added, removed or moved, with their positions.
type ListEntryChangedListener interface {
	OnEntryAdded(listName, entry string, position int)
	OnEntryRemoved(listName, entry string, position int)
	OnEntryMoved(listName, entry string, position int)
}

// List is a record whose data is an ordered array of strings. Local edits
// and remote updates both emit diff events describing how the sequence
// changed relative to its previous state.
type List struct {
	record *Record

	mu               sync.Mutex
	changedListeners []ListChangedListener
	entryListeners   []ListEntryChangedListener
	beforeUpdate     []string
}

func newList(handler *RecordHandler, name string) *List {
	l := &List{}
	l.record = handler.GetRecord(name)
	l.record.setRemoteUpdateHandler(l)
	return l
}

// Name returns the underlying record name.
func (l *List) Name() string { return l.record.Name() }

// IsReady reports whether the server state has been loaded.
func (l *List) IsReady() bool { return l.record.IsReady() }

// IsEmpty reports whether the list currently has no entries.
func (l *List) IsEmpty() bool { return len(l.GetEntries()) == 0 }

// WhenReady invokes the callback once the underlying record has loaded.
func (l *List) WhenReady(callback func(listName string, list *List)) {
	l.record.WhenReady(func(name string, _ *Record) {
		callback(name, l)
	})
}

// GetEntries returns the current entries. Items that are not strings are
// skipped; a record that does not hold an array yields an empty slice.
func (l *List) GetEntries() []string {
	raw, _ := l.record.Get().([]any)
	entries := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			entries = append(entries, s)
		}
	}
	return entries
}

// SetEntries replaces the whole list.
func (l *List) SetEntries(entries []string) error {
	return l.applyLocal(entries)
}

// AddEntry appends an entry, or inserts it at the given index.
func (l *List) AddEntry(entry string, index ...int) error {
	entries := l.GetEntries()
	if len(index) > 0 && index[0] >= 0 && index[0] <= len(entries) {
		at := index[0]
		entries = append(entries[:at:at], append([]string{entry}, entries[at:]...)...)
	} else {
		entries = append(entries, entry)
	}
	return l.applyLocal(entries)
}

// RemoveEntry removes the first occurrence of entry, or the occurrence at
// the given index.
func (l *List) RemoveEntry(entry string, index ...int) error {
	entries := l.GetEntries()
	out := make([]string, 0, len(entries))
	removed := false
	for i, existing := range entries {
		if !removed && existing == entry && (len(index) == 0 || index[0] == i) {
			removed = true
			continue
		}
		out = append(out, existing)
	}
	return l.applyLocal(out)
}

// Subscribe registers a listener for whole-list changes.
func (l *List) Subscribe(listener ListChangedListener) {
	l.mu.Lock()
	l.changedListeners = append(l.changedListeners, listener)
	l.mu.Unlock()
}

// Unsubscribe removes a whole-list listener by identity.
func (l *List) Unsubscribe(listener ListChangedListener) {
	l.mu.Lock()
	for i, existing := range l.changedListeners {
		if existing == listener {
			l.changedListeners = append(l.changedListeners[:i:i], l.changedListeners[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
}

// SubscribeEntryChanges registers a listener for per-entry diff events.
func (l *List) SubscribeEntryChanges(listener ListEntryChangedListener) {
	l.mu.Lock()
	l.entryListeners = append(l.entryListeners, listener)
	l.mu.Unlock()
}

// UnsubscribeEntryChanges removes a per-entry listener by identity.
func (l *List) UnsubscribeEntryChanges(listener ListEntryChangedListener) {
	l.mu.Lock()
	for i, existing := range l.entryListeners {
		if existing == listener {
			l.entryListeners = append(l.entryListeners[:i:i], l.entryListeners[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
}

// AddRecordEventsListener registers a lifecycle listener on the underlying
// record.
func (l *List) AddRecordEventsListener(listener RecordEventsListener) {
	l.record.AddRecordEventsListener(listener)
}

// Discard releases one reference to the underlying record.
func (l *List) Discard() error { return l.record.Discard() }

// Delete removes the underlying record from the hub.
func (l *List) Delete() error { return l.record.Delete() }

func (l *List) applyLocal(entries []string) error {
	old := l.GetEntries()
	values := make([]any, len(entries))
	for i, entry := range entries {
		values[i] = entry
	}
	if err := l.record.Set(values); err != nil {
		return err
	}
	l.notifyChanges(old, entries)
	return nil
}

// beforeRecordUpdate captures the entries before a remote update lands.
func (l *List) beforeRecordUpdate() {
	l.mu.Lock()
	l.beforeUpdate = nil
	l.mu.Unlock()
	entries := l.GetEntries()
	l.mu.Lock()
	l.beforeUpdate = entries
	l.mu.Unlock()
}

// afterRecordUpdate diffs the entries across the remote update.
func (l *List) afterRecordUpdate() {
	l.mu.Lock()
	old := l.beforeUpdate
	l.beforeUpdate = nil
	l.mu.Unlock()
	l.notifyChanges(old, l.GetEntries())
}

func (l *List) notifyChanges(old, current []string) {
	l.mu.Lock()
	entryListeners := make([]ListEntryChangedListener, len(l.entryListeners))
	copy(entryListeners, l.entryListeners)
	changedListeners := make([]ListChangedListener, len(l.changedListeners))
	copy(changedListeners, l.changedListeners)
	l.mu.Unlock()

	if len(entryListeners) > 0 {
		for _, event := range diffEntries(old, current) {
			for _, listener := range entryListeners {
				switch event.kind {
				case entryAdded:
					listener.OnEntryAdded(l.Name(), event.entry, event.position)
				case entryMoved:
					listener.OnEntryMoved(l.Name(), event.entry, event.position)
				case entryRemoved:
					listener.OnEntryRemoved(l.Name(), event.entry, event.position)
				}
			}
		}
	}

	if !stringSlicesEqual(old, current) {
		for _, listener := range changedListeners {
			listener.OnListChanged(l.Name(), append([]string(nil), current...))
		}
	}
}

type entryEventKind int

const (
	entryAdded entryEventKind = iota
	entryMoved
	entryRemoved
)

type entryEvent struct {
	kind     entryEventKind
	entry    string
	position int
}

// diffEntries derives (added, moved, removed) events between two sequences.
// The nth occurrence of a value in the old sequence pairs with the nth in
// the new one; surplus new occurrences are additions at their new index,
// surplus old occurrences removals at their old index, and surviving
// occurrences whose index changed are moves reported at the new index.
// Events are emitted in the order adds, moves, removes.
func diffEntries(old, current []string) []entryEvent {
	oldPositions := make(map[string][]int)
	for i, entry := range old {
		oldPositions[entry] = append(oldPositions[entry], i)
	}

	var adds, moves []entryEvent
	seen := make(map[string]int)
	for i, entry := range current {
		n := seen[entry]
		seen[entry] = n + 1
		positions := oldPositions[entry]
		if n >= len(positions) {
			adds = append(adds, entryEvent{kind: entryAdded, entry: entry, position: i})
			continue
		}
		if positions[n] != i {
			moves = append(moves, entryEvent{kind: entryMoved, entry: entry, position: i})
		}
	}

	var removes []entryEvent
	newCounts := make(map[string]int)
	for _, entry := range current {
		newCounts[entry]++
	}
	surviving := make(map[string]int)
	for i, entry := range old {
		n := surviving[entry]
		surviving[entry] = n + 1
		if n >= newCounts[entry] {
			removes = append(removes, entryEvent{kind: entryRemoved, entry: entry, position: i})
		}
	}

	events := make([]entryEvent, 0, len(adds)+len(moves)+len(removes))
	events = append(events, adds...)
	events = append(events, moves...)
	events = append(events, removes...)
	return events
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
