package broker

// channel owns one named point-to-point queue: a ready heap, the set of all
// messages it currently owns (ready or hidden), a FIFO of parked consumers,
// and a count of subscriptions targeting it.
//
// A channel exists iff it owns at least one message, has at least one
// subscription, or has at least one parked waiter; the registry's
// removeIfEmpty enforces that lifecycle rule.
type channel struct {
	name string

	ready   *readyHeap
	waiters *waiterQueue

	// members is every message this channel currently owns, ready or hidden
	// (not purged/deleted). Hidden messages live only behind a clock timer,
	// not in any heap, so draining needs this to enumerate them and delete
	// needs it for O(1) existence checks scoped to this channel.
	members map[int64]*Message

	subscriptionCount int
}

func newChannel(name string) *channel {
	return &channel{
		name:    name,
		ready:   newReadyHeap(),
		waiters: newWaiterQueue(),
		members: make(map[int64]*Message),
	}
}

func (c *channel) readyCount() int {
	return c.ready.Len()
}

func (c *channel) hiddenCount() int {
	return len(c.members) - c.ready.Len()
}

func (c *channel) totalCount() int {
	return len(c.members)
}

// isEmpty reports whether this channel holds no messages and no
// subscriptions; the registry reclaims a channel when this holds and no
// waiter is parked on it.
func (c *channel) isEmpty() bool {
	return len(c.members) == 0 && c.subscriptionCount == 0
}

func (c *channel) addMember(m *Message) {
	c.members[m.ID] = m
}

func (c *channel) removeMember(id int64) {
	delete(c.members, id)
}
