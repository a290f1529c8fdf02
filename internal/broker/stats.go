package broker

import "sort"

// ChannelStats is a point-in-time snapshot of one channel's queue state:
// counts of ready, hidden, and total messages, plus how many subscriptions
// and parked waiters the channel currently has.
type ChannelStats struct {
	Name              string
	Ready             int
	Hidden            int
	Total             int
	SubscriptionCount int
	WaiterCount       int
}

// ChannelStats reports one channel's queue state, or false if the channel
// doesn't exist.
func (b *Broker) ChannelStats(name string) (ChannelStats, bool) {
	var stats ChannelStats
	var ok bool
	b.exec.do(func() {
		c := b.channels.get(name)
		if c == nil {
			return
		}
		stats = ChannelStats{
			Name:              name,
			Ready:             c.readyCount(),
			Hidden:            c.hiddenCount(),
			Total:             c.totalCount(),
			SubscriptionCount: c.subscriptionCount,
			WaiterCount:       c.waiters.len(),
		}
		ok = true
	})
	return stats, ok
}

// Stats is a broker-wide snapshot for the admin surface.
type Stats struct {
	CurrentMessages int
	Ready           int
	Hidden          int
	Channels        int
	Topics          int
	Waiters         int
}

// Stats reports broker-wide totals across every channel and topic.
func (b *Broker) Stats() Stats {
	var s Stats
	b.exec.do(func() {
		s.CurrentMessages = b.store.len()
		s.Channels = b.channels.size()
		s.Topics = b.topics.size()
		for _, c := range b.channels.all() {
			s.Ready += c.readyCount()
			s.Hidden += c.hiddenCount()
			s.Waiters += c.waiters.len()
		}
	})
	return s
}

// ListChannels returns every known channel name in sorted order.
func (b *Broker) ListChannels() []string {
	var names []string
	b.exec.do(func() {
		names = b.channels.names()
	})
	return names
}

// ListTopics returns every known topic name in sorted order.
func (b *Broker) ListTopics() []string {
	var names []string
	b.exec.do(func() {
		names = b.topics.names()
	})
	return names
}

// ListTopicsForChannel returns the topics channelName currently subscribes
// to, in sorted order.
func (b *Broker) ListTopicsForChannel(channelName string) []string {
	var names []string
	b.exec.do(func() {
		names = b.topics.topicsForChannel(channelName)
	})
	return names
}

// ListChannelsForTopic returns the channels currently subscribed to
// topicName, in sorted order.
func (b *Broker) ListChannelsForTopic(topicName string) []string {
	var names []string
	b.exec.do(func() {
		t := b.topics.get(topicName)
		if t == nil {
			return
		}
		for chanName := range t.subscriptions {
			names = append(names, chanName)
		}
	})
	sort.Strings(names)
	return names
}
