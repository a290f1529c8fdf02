package broker

import "sync/atomic"

// store is the mapping from message id to message record plus the id
// allocator. It is only ever touched from inside the engine's executor
// goroutine except for allocate, which is a lock-free atomic counter safe to
// call from any goroutine. The counter starts at 0 so the first allocated id
// is 1.
type store struct {
	nextID  int64
	records map[int64]*Message
}

func newStore() *store {
	return &store{records: make(map[int64]*Message)}
}

// allocate returns the next monotonically increasing message id, starting
// at 1.
func (s *store) allocate() int64 {
	return atomic.AddInt64(&s.nextID, 1)
}

func (s *store) put(m *Message) {
	s.records[m.ID] = m
}

func (s *store) get(id int64) *Message {
	return s.records[id]
}

func (s *store) remove(id int64) {
	delete(s.records, id)
}

func (s *store) len() int {
	return len(s.records)
}
