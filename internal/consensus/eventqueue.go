package consensus

import (
	"sync"

	"github.com/reimint-labs/reimint/internal/types"
)

// EventKind tags which field of Event is populated.
type EventKind int

const (
	EventProposal EventKind = iota
	EventVote
	EventProposalBlock
	EventTimeout
)

// Event is a single item on the state machine's queue: a peer-sourced
// consensus message (PeerID non-empty) or a self-sourced one — the
// node's own proposal and proposal block, or a fired timeout (PeerID
// empty). The node's own votes do not pass through the queue.
type Event struct {
	Kind    EventKind
	PeerID  string
	Proposal *types.Proposal
	Vote     *types.Vote
	Block    *types.Block
	Timeout  TimeoutInfo
}

// EventQueue is the single bounded multi-producer/single-consumer queue
// that feeds the state machine: the Reactor (one producer per peer) and
// the TimeoutTicker (one producer) both push into it, and exactly one
// goroutine drains it, so the engine itself never needs locks around
// its own state. When full, the oldest queued event is dropped to make
// room — favoring freshness over completeness, since a stale vote or
// timeout is less useful than a new one.
type EventQueue struct {
	mu       sync.Mutex
	notEmpty chan struct{}
	items    []Event
	capacity int
}

// NewEventQueue creates an EventQueue holding at most capacity events.
func NewEventQueue(capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &EventQueue{
		notEmpty: make(chan struct{}, 1),
		capacity: capacity,
	}
}

// Push enqueues ev, dropping the oldest queued event first if the
// queue is already at capacity.
func (q *EventQueue) Push(ev Event) {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// Pop blocks until an event is available (respecting stop) and returns
// it. ok is false if stop fired before an event arrived.
func (q *EventQueue) Pop(stop <-chan struct{}) (ev Event, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev = q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, true
		}
		q.mu.Unlock()

		select {
		case <-q.notEmpty:
			continue
		case <-stop:
			return Event{}, false
		}
	}
}

// Len reports how many events are currently queued.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
