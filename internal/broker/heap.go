package broker

import "container/heap"

// readyHeap is the per-channel ready collection: a min-heap ordered by the
// lexicographic (-priority, show, id) key, with O(log n) removal by id via
// an index embedded directly on *Message (Message.readyIndex).
//
// Built on container/heap rather than gods' binaryheap (gods' treemap and
// hashset back this package's registries) because binaryheap exposes only
// Push/Pop/Peek — no remove-by-key — and deleting a still-ready message
// needs to pull an arbitrary entry out of the middle of the heap in
// O(log n). The id-to-entry map is implicit: every *Message already lives
// in the engine's message store, so the heap only tracks position.
type readyHeap struct {
	items []*Message
}

func newReadyHeap() *readyHeap {
	return &readyHeap{}
}

func (h *readyHeap) Len() int { return len(h.items) }

func (h *readyHeap) Less(i, j int) bool {
	return h.items[i].key().less(h.items[j].key())
}

func (h *readyHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].readyIndex = i
	h.items[j].readyIndex = j
}

func (h *readyHeap) Push(x any) {
	m := x.(*Message)
	m.readyIndex = len(h.items)
	h.items = append(h.items, m)
}

func (h *readyHeap) Pop() any {
	old := h.items
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	m.readyIndex = -1
	h.items = old[:n-1]
	return m
}

// insert adds m to the heap, maintaining heap order.
func (h *readyHeap) insert(m *Message) {
	heap.Push(h, m)
}

// peek returns the minimum-key message without removing it, or nil if empty.
func (h *readyHeap) peek() *Message {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

// extractMin removes and returns the minimum-key message, or nil if empty.
func (h *readyHeap) extractMin() *Message {
	if len(h.items) == 0 {
		return nil
	}
	return heap.Pop(h).(*Message)
}

// removeByID removes m from wherever it currently sits in the heap. m must
// currently be a member of this heap (readyIndex valid); the caller is
// responsible for that invariant.
func (h *readyHeap) removeByID(m *Message) {
	if m.readyIndex < 0 || m.readyIndex >= len(h.items) || h.items[m.readyIndex] != m {
		return
	}
	heap.Remove(h, m.readyIndex)
}
