package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event names shared with collaborators.
const (
	TerminalCreated   = "terminal-created"
	TerminalClosed    = "terminal-closed"
	BackendSpawned    = "backend-spawned"
	BackendReady      = "backend-ready"
	BackendTerminated = "backend-terminated"
	AppClosing        = "app-closing"
)

// Event is a fire-and-forget notification.
type Event struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Emitter is what the supervisors depend on.
type Emitter interface {
	Emit(name string, payload any)
}

// Bus fans events out to subscribers. Subscribe channels drop events when
// the reader falls behind; SubscribeAll queues them instead.
type Bus struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
	queues      map[*queue]struct{}
	closed      bool
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[chan Event]struct{}),
		queues:      make(map[*queue]struct{}),
	}
}

// Emit publishes an event to all current subscribers without blocking.
func (b *Bus) Emit(name string, payload any) {
	ev := Event{
		ID:      uuid.NewString(),
		Name:    name,
		Payload: payload,
		At:      time.Now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// Slow subscriber, drop event
		}
	}
	for q := range b.queues {
		q.push(ev)
	}
}

// Subscribe returns a channel of events and an unsubscribe function.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subscribers[ch]; ok {
				delete(b.subscribers, ch)
				close(ch)
			}
		})
	}
	return ch, unsub
}

// SubscribeAll is Subscribe without drops. Events wait in an unbounded
// queue until the reader takes them, and Close lets the reader drain the
// queue before the channel closes. Unsubscribing discards whatever is
// still queued.
func (b *Bus) SubscribeAll() (<-chan Event, func()) {
	q := newQueue()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(q.out)
		return q.out, func() {}
	}
	b.queues[q] = struct{}{}
	b.mu.Unlock()

	go q.run()

	unsub := func() {
		b.mu.Lock()
		delete(b.queues, q)
		b.mu.Unlock()
		q.abandon()
	}
	return q.out, unsub
}

// Close closes every subscriber channel. Later Emits are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
	for q := range b.queues {
		q.finish()
		delete(b.queues, q)
	}
}

// queue feeds one SubscribeAll reader.
type queue struct {
	mu       sync.Mutex
	items    []Event
	finished bool

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	out      chan Event
}

func newQueue() *queue {
	return &queue{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		out:  make(chan Event),
	}
}

func (q *queue) push(ev Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.signal()
}

// finish lets run deliver what is queued and then close out.
func (q *queue) finish() {
	q.mu.Lock()
	q.finished = true
	q.mu.Unlock()
	q.signal()
}

// abandon stops run without draining.
func (q *queue) abandon() {
	q.stopOnce.Do(func() { close(q.stop) })
}

func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		batch := q.items
		q.items = nil
		finished := q.finished
		q.mu.Unlock()

		for _, ev := range batch {
			select {
			case q.out <- ev:
			case <-q.stop:
				return
			}
		}
		// Nothing is pushed after finish, so the batch taken with it was
		// the last one.
		if finished {
			return
		}
		select {
		case <-q.wake:
		case <-q.stop:
			return
		}
	}
}

// Discard is an Emitter that drops everything.
type Discard struct{}

func (Discard) Emit(string, any) {}

var (
	_ Emitter = (*Bus)(nil)
	_ Emitter = Discard{}
)
