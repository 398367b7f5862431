// Package notify delivers cache lifecycle events to registered listeners.
// Events are dispatched synchronously on the caller's goroutine.
package notify

import (
	"sync"

	"github.com/devrev/distcache/internal/algorithm"
	"github.com/devrev/distcache/internal/model"
	"go.uber.org/zap"
)

// EventType identifies a cache event
type EventType string

const (
	// EventEntryActivated fires when a passivated entry is removed from the store on access
	EventEntryActivated EventType = "entry_activated"
	// EventEntryLoaded fires when a missing entry is loaded from the store
	EventEntryLoaded EventType = "entry_loaded"
	// EventEntryPassivated fires when an evicted entry is written to the store
	EventEntryPassivated EventType = "entry_passivated"
	// EventTopologyChanged fires around every consistent hash installation
	EventTopologyChanged EventType = "topology_changed"
)

// Event is delivered twice for each occurrence: once with Pre set before
// the change is applied and once after.
type Event struct {
	Type    EventType
	Key     string
	Pre     bool
	Context *model.InvocationContext
	OldHash algorithm.ConsistentHash
	NewHash algorithm.ConsistentHash
}

// Listener receives cache events
type Listener interface {
	OnEvent(evt Event)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(evt Event)

// OnEvent calls f(evt)
func (f ListenerFunc) OnEvent(evt Event) {
	f(evt)
}

// Notifier keeps the listener registry of one cache. A nil *Notifier drops every event.
type Notifier struct {
	listeners map[EventType][]Listener
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewNotifier creates an empty registry
func NewNotifier(logger *zap.Logger) *Notifier {
	return &Notifier{
		listeners: make(map[EventType][]Listener),
		logger:    logger,
	}
}

// AddListener registers l for the given event types, or for all of them when none are given
func (n *Notifier) AddListener(l Listener, types ...EventType) {
	if len(types) == 0 {
		types = []EventType{EventEntryActivated, EventEntryLoaded, EventEntryPassivated, EventTopologyChanged}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, t := range types {
		n.listeners[t] = append(n.listeners[t], l)
	}
}

// HasListeners reports whether anything listens for t
func (n *Notifier) HasListeners(t EventType) bool {
	if n == nil {
		return false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.listeners[t]) > 0
}

// NotifyEntryActivated emits an activation event
func (n *Notifier) NotifyEntryActivated(key string, pre bool, ictx *model.InvocationContext) {
	n.dispatch(Event{Type: EventEntryActivated, Key: key, Pre: pre, Context: ictx})
}

// NotifyEntryLoaded emits a load event
func (n *Notifier) NotifyEntryLoaded(key string, pre bool, ictx *model.InvocationContext) {
	n.dispatch(Event{Type: EventEntryLoaded, Key: key, Pre: pre, Context: ictx})
}

// NotifyEntryPassivated emits a passivation event
func (n *Notifier) NotifyEntryPassivated(key string, pre bool) {
	n.dispatch(Event{Type: EventEntryPassivated, Key: key, Pre: pre})
}

// NotifyTopologyChanged emits a topology event
func (n *Notifier) NotifyTopologyChanged(oldCH, newCH algorithm.ConsistentHash, pre bool) {
	n.dispatch(Event{Type: EventTopologyChanged, Pre: pre, OldHash: oldCH, NewHash: newCH})
}

func (n *Notifier) dispatch(evt Event) {
	if n == nil {
		return
	}
	n.mu.RLock()
	listeners := n.listeners[evt.Type]
	n.mu.RUnlock()

	for _, l := range listeners {
		n.safeDeliver(l, evt)
	}
}

// safeDeliver isolates the caller from a panicking listener
func (n *Notifier) safeDeliver(l Listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Listener panic recovered",
				zap.String("event", string(evt.Type)),
				zap.String("key", evt.Key),
				zap.Any("panic", r))
		}
	}()
	l.OnEvent(evt)
}
