package engine

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each run subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 16

// RunEvent is a status change observed for a run.
type RunEvent struct {
	RunID  string    `json:"run_id"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// StatusBroker fans run status changes out to subscribers. It is safe for
// concurrent use and only carries notifications; the store stays the
// source of truth. A topic lives only while it has subscribers or until
// its run is closed.
type StatusBroker struct {
	mu     sync.Mutex
	topics map[string]*runTopic
}

type runTopic struct {
	subs   map[int]chan RunEvent
	nextID int
}

// NewStatusBroker creates a new status broker.
func NewStatusBroker() *StatusBroker {
	return &StatusBroker{
		topics: make(map[string]*runTopic),
	}
}

// Subscribe returns a channel of events for the given run and an
// unsubscribe function. Callers learn about a run that is already terminal
// from the store, not from the broker.
func (b *StatusBroker) Subscribe(runID string) (<-chan RunEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		t = &runTopic{subs: make(map[int]chan RunEvent)}
		b.topics[runID] = t
	}

	ch := make(chan RunEvent, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
		if len(t.subs) == 0 && b.topics[runID] == t {
			delete(b.topics, runID)
		}
	}
}

// Publish sends an event to all subscribers of its run. Events are dropped
// for subscribers whose buffers are full.
func (b *StatusBroker) Publish(ev RunEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.RunID]
	if !ok {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close signals that the run will not change again. Subscriber channels
// are closed and the topic is dropped.
func (b *StatusBroker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		return
	}
	delete(b.topics, runID)
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
