package broker

import (
	"sort"

	"github.com/emirpasic/gods/v2/maps/treemap"
	"github.com/emirpasic/gods/v2/sets/hashset"
)

// channelRegistry maps channel name to channel state. Backed by a red-black
// tree rather than a plain Go map so ListChannels enumerates in sorted order
// for free, at the same asymptotic ensure/remove cost.
type channelRegistry struct {
	byName *treemap.Map[string, *channel]
}

func newChannelRegistry() *channelRegistry {
	return &channelRegistry{byName: treemap.New[string, *channel]()}
}

// ensure returns the channel, creating it if absent.
func (r *channelRegistry) ensure(name string) *channel {
	if c, ok := r.byName.Get(name); ok {
		return c
	}
	c := newChannel(name)
	r.byName.Put(name, c)
	return c
}

// get returns the channel if it exists, or nil.
func (r *channelRegistry) get(name string) *channel {
	c, _ := r.byName.Get(name)
	return c
}

// removeIfEmpty drops the channel from the registry once it owns no
// messages, no subscriptions, and has no parked waiters.
func (r *channelRegistry) removeIfEmpty(name string) {
	c, ok := r.byName.Get(name)
	if !ok {
		return
	}
	if c.isEmpty() && c.waiters.len() == 0 {
		r.byName.Remove(name)
	}
}

// names returns all channel names in sorted order.
func (r *channelRegistry) names() []string {
	return r.byName.Keys()
}

// all returns every registered channel, in name order.
func (r *channelRegistry) all() []*channel {
	return r.byName.Values()
}

func (r *channelRegistry) size() int {
	return r.byName.Size()
}

// topicRegistry maps topic name to topic state, plus the reverse index
// (channel -> subscribed topic names) ListTopicsForChannel needs without
// scanning every topic's subscription map.
type topicRegistry struct {
	byName        *treemap.Map[string, *topic]
	topicsForChan map[string]*hashset.Set[string]
}

func newTopicRegistry() *topicRegistry {
	return &topicRegistry{
		byName:        treemap.New[string, *topic](),
		topicsForChan: make(map[string]*hashset.Set[string]),
	}
}

func (r *topicRegistry) ensure(name string) *topic {
	if t, ok := r.byName.Get(name); ok {
		return t
	}
	t := newTopic(name)
	r.byName.Put(name, t)
	return t
}

func (r *topicRegistry) get(name string) *topic {
	t, _ := r.byName.Get(name)
	return t
}

func (r *topicRegistry) removeIfEmpty(name string) {
	t, ok := r.byName.Get(name)
	if !ok {
		return
	}
	if t.isEmpty() {
		r.byName.Remove(name)
	}
}

func (r *topicRegistry) names() []string {
	return r.byName.Keys()
}

func (r *topicRegistry) size() int {
	return r.byName.Size()
}

// link records that channel subscribes to topic, for the reverse index.
func (r *topicRegistry) link(channel, topic string) {
	set, ok := r.topicsForChan[channel]
	if !ok {
		set = hashset.New[string]()
		r.topicsForChan[channel] = set
	}
	set.Add(topic)
}

// unlink removes the (channel, topic) reverse-index entry, pruning the
// per-channel set once it is empty.
func (r *topicRegistry) unlink(channel, topic string) {
	set, ok := r.topicsForChan[channel]
	if !ok {
		return
	}
	set.Remove(topic)
	if set.Size() == 0 {
		delete(r.topicsForChan, channel)
	}
}

// topicsForChannel returns the topic names channel subscribes to, sorted to
// match the ordering the treemap-backed listings give for free.
func (r *topicRegistry) topicsForChannel(channel string) []string {
	set, ok := r.topicsForChan[channel]
	if !ok {
		return nil
	}
	names := set.Values()
	sort.Strings(names)
	return names
}
