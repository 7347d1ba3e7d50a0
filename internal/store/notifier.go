package store

import (
	"sync"
	"time"
)

// EventKind represents the type of a store change event.
type EventKind int

const (
	TableUpserted EventKind = iota
	TableRemoved
	TableRowsUpdated
)

// Event is published after every mutation of the table set.
type Event struct {
	Kind      EventKind
	TableID   string
	Timestamp int64
}

// Notifier is an in-process pub/sub bus for table-set change visibility.
// Subscribers diff snapshots themselves; events only say that something
// changed, not what the new state is.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
}

// NewNotifier creates a new notifier instance.
func NewNotifier(bufferSize int) *Notifier {
	return &Notifier{bufferSize: bufferSize}
}

// Publish sends an event to all subscribers.
// Non-blocking: if a subscriber's channel is full, the event is dropped.
// Dropping is safe because subscribers re-read the full snapshot on wake.
func (n *Notifier) Publish(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixNano()
	}
	n.subscribers.Range(func(key, value interface{}) bool {
		sub := value.(*subscriber)
		select {
		case sub.ch <- ev:
		default:
		}
		return true
	})
}

// Subscribe registers a subscriber under the given id and returns its
// event channel.
func (n *Notifier) Subscribe(id string) <-chan Event {
	ch := make(chan Event, n.bufferSize)
	n.subscribers.Store(id, &subscriber{id: id, ch: ch})
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(id string) {
	if value, ok := n.subscribers.LoadAndDelete(id); ok {
		close(value.(*subscriber).ch)
	}
}

type subscriber struct {
	id string
	ch chan Event
}
