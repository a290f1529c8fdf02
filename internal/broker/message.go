package broker

import "time"

// Message is a single unit of work owned by exactly one channel at a time.
//
// Identity fields (id, channel, topic, body, mimetype, priority) never change
// after creation. Scheduling fields (dcount, show, purge) are mutated only by
// get_message, touch_message_from_id, and timer callbacks, and only while the
// message is owned by the engine's single executor goroutine — nothing outside
// internal/broker ever holds a *Message across a yield point.
type Message struct {
	ID       int64
	Channel  string
	Topic    string
	Body     []byte
	Mimetype string
	Priority int

	Ts      time.Time
	Timeout time.Duration
	Linger  time.Duration // 0 means "never purge"
	Deliver int           // 0 means unbounded

	DCount int
	Show   time.Time
	Purge  time.Time // zero value means no linger deadline

	// readyIndex is maintained by the channel's ready heap (container/heap)
	// for O(log n) removal by id. It is meaningless while the message is
	// hidden/terminal and is not part of the message's logical identity.
	readyIndex int
}

// newMessage constructs a message record at creation time: dcount starts at
// 0, show equals ts, purge is the linger deadline (zero value if linger is
// 0, meaning no deadline). The message starts outside any ready heap
// (readyIndex -1) until the caller either inserts it into a channel's ready
// heap or hands it directly to a parked waiter.
func newMessage(id int64, channel, topicName string, body []byte, mimetype string, priority int, ts time.Time, timeout time.Duration, deliver int, linger time.Duration) *Message {
	m := &Message{
		ID:         id,
		Channel:    channel,
		Topic:      topicName,
		Body:       body,
		Mimetype:   mimetype,
		Priority:   priority,
		Ts:         ts,
		Timeout:    timeout,
		Linger:     linger,
		Deliver:    deliver,
		DCount:     0,
		Show:       ts,
		readyIndex: -1,
	}
	if linger > 0 {
		m.Purge = ts.Add(linger)
	}
	return m
}

// hasPurge reports whether the message has a linger deadline at all.
func (m *Message) hasPurge() bool {
	return !m.Purge.IsZero()
}

// isPurgeable reports whether "now" is at or past the message's linger
// deadline. A message with no linger deadline is never purgeable this way.
func (m *Message) isPurgeable(now time.Time) bool {
	return m.hasPurge() && !now.Before(m.Purge)
}

// Snapshot returns a copy of the message safe to hand to a caller outside
// the executor. Body is not copied; it is treated as immutable once set.
func (m *Message) Snapshot() *Message {
	cp := *m
	cp.readyIndex = -1
	return &cp
}

// readyKey is the delivery total order within a channel: higher priority
// first, then earliest due time, then earliest id.
type readyKey struct {
	priority int
	show     time.Time
	id       int64
}

func (m *Message) key() readyKey {
	return readyKey{priority: m.Priority, show: m.Show, id: m.ID}
}

// less implements the lexicographic (-priority, show, id) ordering.
func (k readyKey) less(other readyKey) bool {
	if k.priority != other.priority {
		return k.priority > other.priority // higher priority sorts first
	}
	if !k.show.Equal(other.show) {
		return k.show.Before(other.show)
	}
	return k.id < other.id
}
