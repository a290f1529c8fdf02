package broker

import (
	"time"

	"github.com/eapache/queue"
)

// waiter is a single parked consumer awaiting the next available message on
// a channel. It is a single-shot future: resolved with exactly one message
// or with nil (when its channel is drained), never both, never twice. A
// waiter whose wait times out or is cancelled is removed from its queue
// rather than resolved.
//
// resultCh is buffered with capacity 1 so the engine's executor can resolve
// (or nil-resolve) a waiter without blocking on a consumer goroutine that
// might have already walked away.
type waiter struct {
	channel string

	resultCh chan *Message

	// preDCount/preShow capture the message's scheduling state immediately
	// before a delivery was handed to this waiter, so a cancellation that
	// races with delivery can restore the message to its pre-delivery state.
	preDCount int
	preShow   time.Time
}

func newWaiter(channel string) *waiter {
	return &waiter{channel: channel, resultCh: make(chan *Message, 1)}
}

// resolve delivers msg to the waiter. Never blocks: resultCh has capacity 1
// and a waiter is only ever resolved once.
func (w *waiter) resolve(msg *Message) {
	select {
	case w.resultCh <- msg:
	default:
	}
}

// drain non-blockingly removes and returns any message already sent to this
// waiter, or nil if none was pending. Used by cancellation to reclaim a
// delivery the consumer never read.
func (w *waiter) drain() *Message {
	select {
	case msg := <-w.resultCh:
		return msg
	default:
		return nil
	}
}

// waiterQueue is the strictly-FIFO parked-consumer list for one channel,
// backed by eapache/queue's ring buffer. Removal by identity is an uncommon
// path (cancellation, timeout) so it is a linear rebuild rather than an
// indexed structure.
type waiterQueue struct {
	q *queue.Queue
}

func newWaiterQueue() *waiterQueue {
	return &waiterQueue{q: queue.New()}
}

func (wq *waiterQueue) pushBack(w *waiter) {
	wq.q.Add(w)
}

// popFront removes and returns the head waiter, or nil if the queue is empty.
func (wq *waiterQueue) popFront() *waiter {
	if wq.q.Length() == 0 {
		return nil
	}
	return wq.q.Remove().(*waiter)
}

func (wq *waiterQueue) len() int {
	return wq.q.Length()
}

// remove removes target from wherever it sits in the FIFO, preserving the
// relative order of the remaining waiters. Returns true if target was found.
func (wq *waiterQueue) remove(target *waiter) bool {
	n := wq.q.Length()
	found := false
	for i := 0; i < n; i++ {
		w := wq.q.Remove().(*waiter)
		if w == target {
			found = true
			continue
		}
		wq.q.Add(w)
	}
	return found
}
