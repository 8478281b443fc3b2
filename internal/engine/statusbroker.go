package engine

import (
	"sync"

	"github.com/kestrelci/kestrel/internal/model"
)

// subscriberBufferSize is the channel buffer for each status subscriber.
// Events are dropped if a subscriber falls this far behind; the push channel
// is best-effort and clients reconcile via the REST read.
const subscriberBufferSize = 16

// StatusBroker delivers run status transitions from worker goroutines to
// subscribers without blocking the workers. It is safe for concurrent use.
//
// Events for one run are published from that run's single worker in
// transition order, and each subscriber channel preserves that order.
// Ordering across different runs is not guaranteed.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a run finishes) receive a closed channel instead of
// blocking forever. Each marker is a few bytes, which is acceptable for the
// expected run volume.
type StatusBroker struct {
	mu       sync.Mutex
	topics   map[string]*statusTopic
	firehose map[int]chan model.StatusEvent
	nextSub  int
}

type statusTopic struct {
	subs   map[int]chan model.StatusEvent
	nextID int
	closed bool
}

// NewStatusBroker creates a new status broker.
func NewStatusBroker() *StatusBroker {
	return &StatusBroker{
		topics:   make(map[string]*statusTopic),
		firehose: make(map[int]chan model.StatusEvent),
	}
}

// Subscribe returns a channel that receives status events for the given run
// and an unsubscribe function. If the run has already finished (Close was
// called), the returned channel is immediately closed.
func (b *StatusBroker) Subscribe(runID string) (<-chan model.StatusEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		t = &statusTopic{subs: make(map[int]chan model.StatusEvent)}
		b.topics[runID] = t
	}

	ch := make(chan model.StatusEvent, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// SubscribeAll returns a channel receiving every run's status events and an
// unsubscribe function. The firehose never closes on run completion.
func (b *StatusBroker) SubscribeAll() (<-chan model.StatusEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.StatusEvent, subscriberBufferSize)
	id := b.nextSub
	b.nextSub++
	b.firehose[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.firehose, id)
	}
}

// Publish sends a status event to all subscribers of the given run and to
// the firehose. It never blocks the calling worker: events are dropped for
// subscribers whose buffers are full.
func (b *StatusBroker) Publish(runID, status string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ev := model.StatusEvent{RunID: runID, Status: status}

	for _, ch := range b.firehose {
		select {
		case ch <- ev:
		default:
			// Drop for slow firehose subscribers.
		}
	}

	t, ok := b.topics[runID]
	if !ok || t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers to avoid blocking execution.
		}
	}
}

// Close signals that no more events will be published for the given run.
// All per-run subscriber channels are closed and future Subscribe calls for
// it return a closed channel.
func (b *StatusBroker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		b.topics[runID] = &statusTopic{subs: make(map[int]chan model.StatusEvent), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
