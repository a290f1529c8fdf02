package broker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/lingerd/internal/clock"
	"github.com/adred-codev/lingerd/internal/metrics"
)

// clockSource is the subset of clock.Service the engine depends on, so tests
// can substitute clock.Fake without the engine knowing the difference.
type clockSource interface {
	Now() time.Time
	Schedule(at time.Time, key clock.Key, fn func())
	Cancel(key clock.Key)
	CancelAllForID(id int64)
	Stop()
}

// Broker is the queue engine: channels, topics, and messages, mutated
// exclusively on the single executor goroutine. Every exported method is
// either a synchronous call into that goroutine (exec.do) or, for
// GetMessage's long-poll path, a park-and-wait that blocks only the calling
// consumer goroutine.
type Broker struct {
	exec *executor
	clk  clockSource

	store    *store
	channels *channelRegistry
	topics   *topicRegistry

	logger zerolog.Logger
}

// Config bundles the knobs New needs.
type Config struct {
	Logger        zerolog.Logger
	ExecutorQueue int // buffered task queue depth; 0 uses a sane default
}

// New constructs a Broker with a real clock and starts its executor. Callers
// must call Stop when done.
func New(cfg Config) *Broker {
	queueSize := cfg.ExecutorQueue
	if queueSize <= 0 {
		queueSize = 1024
	}
	exec := newExecutor(cfg.Logger, queueSize)
	b := &Broker{
		exec:     exec,
		clk:      clock.New(exec.submit),
		store:    newStore(),
		channels: newChannelRegistry(),
		topics:   newTopicRegistry(),
		logger:   cfg.Logger,
	}
	exec.start()
	return b
}

// newForTest wires a Broker around a caller-supplied clockSource (normally
// clock.Fake), submitting its dispatch closures through the same executor
// the broker already uses, so fired timers serialize exactly like production.
func newForTest(logger zerolog.Logger, mkClock func(dispatch func(func())) clockSource) *Broker {
	exec := newExecutor(logger, 1024)
	b := &Broker{
		exec:     exec,
		clk:      mkClock(exec.submit),
		store:    newStore(),
		channels: newChannelRegistry(),
		topics:   newTopicRegistry(),
		logger:   logger,
	}
	exec.start()
	return b
}

// Stop drains and stops the executor and cancels every pending timer.
func (b *Broker) Stop() {
	b.exec.do(func() {
		b.clk.Stop()
	})
	b.exec.stop()
}

// AddMessageParams is the full set of inputs to AddMessage.
type AddMessageParams struct {
	Channel  string
	Body     []byte
	Mimetype string
	Priority int
	Timeout  time.Duration // hide window after each delivery
	Deliver  int           // max delivery count, 0 = unbounded
	Linger   time.Duration // time-to-live from creation, 0 = never purge
}

// AddMessage enqueues body directly onto a channel, creating the channel if
// it doesn't already exist. Returns the new message's id.
func (b *Broker) AddMessage(p AddMessageParams) (int64, error) {
	if p.Channel == "" {
		return 0, invalidArgument("add_message", "channel must not be empty")
	}
	if p.Timeout < 0 {
		return 0, invalidArgument("add_message", "timeout must be >= 0")
	}
	if p.Deliver < 0 {
		return 0, invalidArgument("add_message", "deliver must be >= 0, got %d", p.Deliver)
	}
	if p.Linger < 0 {
		return 0, invalidArgument("add_message", "linger must be >= 0")
	}

	var id int64
	b.exec.do(func() {
		id = b.store.allocate()
		now := b.clk.Now()
		m := newMessage(id, p.Channel, "", p.Body, p.Mimetype, p.Priority, now, p.Timeout, p.Deliver, p.Linger)
		b.produce(m)
		metrics.MessagesAddedTotal.WithLabelValues(p.Channel).Inc()
		b.syncGauges()
	})
	return id, nil
}

// PublishMessage fans body out to every channel currently subscribed to
// topicName, instantiating one independent message per subscribing channel
// using that channel's subscription defaults. The fan-out is atomic with
// respect to every other engine operation. Unknown or unsubscribed topics
// yield an empty mapping, not an error.
func (b *Broker) PublishMessage(topicName string, body []byte, mimetype string) (map[string]int64, error) {
	if topicName == "" {
		return nil, invalidArgument("publish_message", "topic must not be empty")
	}

	ids := make(map[string]int64)
	b.exec.do(func() {
		t := b.topics.get(topicName)
		if t == nil {
			return
		}
		now := b.clk.Now()
		for chanName, sub := range t.subscriptions {
			id := b.store.allocate()
			m := newMessage(id, chanName, topicName, body, mimetype, sub.Priority, now, sub.Timeout, sub.Deliver, sub.Linger)
			b.produce(m)
			ids[chanName] = id
		}
		metrics.MessagesPublishedTotal.WithLabelValues(topicName).Add(float64(len(ids)))
		b.syncGauges()
	})
	return ids, nil
}

// produce installs a newly created message on its channel and, if a consumer
// is already parked there, hands it off immediately instead of touching the
// ready heap at all. Must run on the executor.
func (b *Broker) produce(m *Message) {
	c := b.channels.ensure(m.Channel)
	c.addMember(m)
	b.store.put(m)

	if m.hasPurge() {
		b.clk.Schedule(m.Purge, clock.Key{ID: m.ID, Purpose: clock.PurposeLinger}, func() {
			b.onLingerExpiry(m.ID)
		})
	}

	if w := c.waiters.popFront(); w != nil {
		b.deliverToWaiter(c, m, w)
		return
	}
	c.ready.insert(m)
}

// GetMessage fetches the next ready message on channelName. With nowait set
// it returns immediately (nil if nothing is ready). Otherwise the calling
// goroutine (never the executor) parks until a producer hands it a message,
// waitTimeout elapses (0 means wait forever), or ctx is cancelled. ctx
// cancellation and waitTimeout race the same way: whichever fires first
// cancels the park and, if a message had already been delivered in the same
// tick, restores it to ready with its pre-delivery scheduling state intact.
func (b *Broker) GetMessage(ctx context.Context, channelName string, nowait bool, waitTimeout time.Duration) (*Message, error) {
	if channelName == "" {
		return nil, invalidArgument("get_message", "channel must not be empty")
	}

	type parkResult struct {
		msg *Message
		w   *waiter
	}
	resultCh := make(chan parkResult, 1)

	b.exec.do(func() {
		now := b.clk.Now()
		if c := b.channels.get(channelName); c != nil {
			if m := b.popReady(c, now); m != nil {
				b.hideOnDelivery(m)
				b.syncGauges()
				resultCh <- parkResult{msg: m}
				return
			}
		}
		if nowait {
			resultCh <- parkResult{}
			return
		}
		c := b.channels.ensure(channelName)
		w := newWaiter(channelName)
		c.waiters.pushBack(w)
		b.syncGauges()
		resultCh <- parkResult{w: w}
	})

	first := <-resultCh
	if first.msg != nil {
		return first.msg.Snapshot(), nil
	}
	if first.w == nil {
		return nil, nil
	}
	w := first.w
	parkedAt := time.Now()

	var timeoutCh <-chan time.Time
	if waitTimeout > 0 {
		timer := time.NewTimer(waitTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case msg := <-w.resultCh:
		metrics.GetMessageWaitSeconds.Observe(time.Since(parkedAt).Seconds())
		if msg == nil {
			return nil, nil
		}
		return msg.Snapshot(), nil
	case <-timeoutCh:
		b.exec.do(func() { b.cancelWaiter(channelName, w) })
		metrics.GetMessageWaitSeconds.Observe(time.Since(parkedAt).Seconds())
		return nil, nil
	case <-ctx.Done():
		b.exec.do(func() { b.cancelWaiter(channelName, w) })
		return nil, ctx.Err()
	}
}

// popReady returns the next deliverable message from c's ready heap, purging
// on the way any message whose linger deadline has already passed but whose
// timer hasn't fired yet — a purgeable message must never be delivered. Must
// run on the executor.
func (b *Broker) popReady(c *channel, now time.Time) *Message {
	for {
		m := c.ready.peek()
		if m == nil {
			return nil
		}
		if m.isPurgeable(now) {
			metrics.MessagesExpiredTotal.WithLabelValues(c.name, "linger_expiry").Inc()
			b.purgeLocked(c, m.ID)
			continue
		}
		return c.ready.extractMin()
	}
}

// deliverToWaiter hides m and resolves w with it, capturing the pre-delivery
// scheduling state so a racing cancellation can restore it. Must run on the
// executor.
func (b *Broker) deliverToWaiter(c *channel, m *Message, w *waiter) {
	w.preDCount = m.DCount
	w.preShow = m.Show
	b.hideOnDelivery(m)
	w.resolve(m)
}

// hideOnDelivery applies get_message's effect to m: bump dcount, move to
// hidden (or terminal-hidden when the delivery cap is reached), and schedule
// the matching timer. Must run on the executor.
func (b *Broker) hideOnDelivery(m *Message) {
	m.DCount++
	m.Show = b.clk.Now().Add(m.Timeout)
	metrics.MessagesDeliveredTotal.WithLabelValues(m.Channel).Inc()

	if m.Deliver > 0 && m.DCount >= m.Deliver {
		b.clk.Schedule(m.Show, clock.Key{ID: m.ID, Purpose: clock.PurposeTerminalPurge}, func() {
			b.onTerminalPurge(m.ID)
		})
		return
	}

	b.clk.Schedule(m.Show, clock.Key{ID: m.ID, Purpose: clock.PurposeVisibility}, func() {
		b.onVisibilityExpiry(m.ID)
	})
}

// cancelWaiter removes w from channelName's waiter queue if it is still
// parked there, or — if a message had already been handed to it in the same
// executor tick — reclaims that message and restores it to ready with its
// pre-delivery dcount/show. The message's linger timer is left untouched:
// linger runs from creation regardless of delivery state, so only the
// visibility/terminal-purge timer this delivery just scheduled is cancelled.
func (b *Broker) cancelWaiter(channelName string, w *waiter) {
	c := b.channels.get(channelName)
	if c == nil {
		return
	}
	defer b.syncGauges()
	if c.waiters.remove(w) {
		b.channels.removeIfEmpty(channelName)
		return
	}

	msg := w.drain()
	if msg == nil {
		// Already resolved and the result was claimed by GetMessage before
		// this cancellation reached the executor; nothing to restore.
		return
	}

	b.clk.Cancel(clock.Key{ID: msg.ID, Purpose: clock.PurposeVisibility})
	b.clk.Cancel(clock.Key{ID: msg.ID, Purpose: clock.PurposeTerminalPurge})

	msg.DCount = w.preDCount
	msg.Show = w.preShow
	c.ready.insert(msg)
}

// TouchMessageFromID extends a hidden message's visibility window: show
// becomes now + timeout and the pending expiry timer is rescheduled. dcount
// never changes. Returns false if the message doesn't exist or isn't
// currently hidden.
func (b *Broker) TouchMessageFromID(id int64) bool {
	var ok bool
	b.exec.do(func() {
		m := b.store.get(id)
		if m == nil || m.readyIndex >= 0 {
			return
		}
		m.Show = b.clk.Now().Add(m.Timeout)

		if m.Deliver > 0 && m.DCount >= m.Deliver {
			b.clk.Schedule(m.Show, clock.Key{ID: id, Purpose: clock.PurposeTerminalPurge}, func() {
				b.onTerminalPurge(id)
			})
		} else {
			b.clk.Schedule(m.Show, clock.Key{ID: id, Purpose: clock.PurposeVisibility}, func() {
				b.onVisibilityExpiry(id)
			})
		}
		ok = true
	})
	return ok
}

// DeleteMessageFromID removes a message outright: cancels every pending
// timer for it, drops it from its channel and the store, and reclaims the
// channel if it's now empty. Returns false if no such message existed.
// Idempotent.
func (b *Broker) DeleteMessageFromID(id int64) bool {
	var ok bool
	b.exec.do(func() {
		m := b.store.get(id)
		if m == nil {
			return
		}
		c := b.channels.get(m.Channel)
		if c == nil {
			return
		}
		b.purgeLocked(c, id)
		metrics.MessagesDeletedTotal.WithLabelValues(m.Channel).Inc()
		b.syncGauges()
		ok = true
	})
	return ok
}

// purgeLocked removes message id from channel c unconditionally: cancels its
// timers, removes it from the ready heap if present, drops channel
// membership and the store record, and reclaims the channel if now empty.
// Must run on the executor.
func (b *Broker) purgeLocked(c *channel, id int64) {
	m := c.members[id]
	if m == nil {
		return
	}
	b.clk.CancelAllForID(id)
	if m.readyIndex >= 0 {
		c.ready.removeByID(m)
	}
	c.removeMember(id)
	b.store.remove(id)
	b.channels.removeIfEmpty(c.name)
}

// DrainChannel deletes every message currently owned by channelName (ready
// or hidden) and resolves every parked waiter with nil. Subscriptions are
// not affected. Returns the number of messages removed.
func (b *Broker) DrainChannel(channelName string) int {
	var n int
	b.exec.do(func() {
		c := b.channels.get(channelName)
		if c == nil {
			return
		}
		for id := range c.members {
			b.clk.CancelAllForID(id)
			c.removeMember(id)
			b.store.remove(id)
			n++
		}
		c.ready = newReadyHeap()
		for {
			w := c.waiters.popFront()
			if w == nil {
				break
			}
			w.resolve(nil)
		}
		b.channels.removeIfEmpty(channelName)
		metrics.MessagesDrainedTotal.WithLabelValues(channelName).Add(float64(n))
		b.syncGauges()
	})
	return n
}

// Subscription is a channel's per-topic delivery defaults: every message
// fanned out to the channel by a publish on that topic is instantiated with
// these values.
type Subscription struct {
	Priority int
	Timeout  time.Duration
	Deliver  int
	Linger   time.Duration
}

// AddSubscription records that channelName should receive a copy of every
// future message published to topicName, using the given delivery defaults.
// Creates both the channel and the topic if absent. Subscribing the same
// (channel, topic) pair again replaces the defaults; it never causes double
// delivery.
func (b *Broker) AddSubscription(channelName, topicName string, sub Subscription) error {
	if channelName == "" || topicName == "" {
		return invalidArgument("add_subscription", "channel and topic must not be empty")
	}
	if sub.Timeout < 0 {
		return invalidArgument("add_subscription", "timeout must be >= 0")
	}
	if sub.Deliver < 0 || sub.Linger < 0 {
		return invalidArgument("add_subscription", "deliver and linger must be >= 0")
	}

	b.exec.do(func() {
		c := b.channels.ensure(channelName)
		t := b.topics.ensure(topicName)
		if _, existed := t.subscriptions[channelName]; !existed {
			c.subscriptionCount++
		}
		t.subscriptions[channelName] = subscription{
			Priority: sub.Priority,
			Timeout:  sub.Timeout,
			Deliver:  sub.Deliver,
			Linger:   sub.Linger,
		}
		b.topics.link(channelName, topicName)
		b.syncGauges()
	})
	return nil
}

// DeleteSubscription removes channelName's subscription to topicName, if
// any. Reclaims the topic and/or channel if either is now empty. Returns
// false if no such subscription existed.
func (b *Broker) DeleteSubscription(channelName, topicName string) bool {
	var ok bool
	b.exec.do(func() {
		t := b.topics.get(topicName)
		if t == nil {
			return
		}
		if _, existed := t.subscriptions[channelName]; !existed {
			return
		}
		delete(t.subscriptions, channelName)
		b.topics.unlink(channelName, topicName)
		if c := b.channels.get(channelName); c != nil {
			c.subscriptionCount--
			b.channels.removeIfEmpty(channelName)
		}
		b.topics.removeIfEmpty(topicName)
		b.syncGauges()
		ok = true
	})
	return ok
}

// onVisibilityExpiry fires when a hidden message's visibility window elapses
// with no touch or delete: it becomes ready again, or is delivered straight
// to a waiter already parked on its channel. A message whose linger deadline
// has also passed is purged instead of redelivered.
func (b *Broker) onVisibilityExpiry(id int64) {
	m := b.store.get(id)
	if m == nil {
		return
	}
	c := b.channels.get(m.Channel)
	if c == nil {
		b.logger.Error().Int64("message_id", id).Msg("visibility expiry fired for message with no owning channel")
		b.store.remove(id)
		return
	}
	if m.isPurgeable(b.clk.Now()) {
		metrics.MessagesExpiredTotal.WithLabelValues(c.name, "linger_expiry").Inc()
		b.purgeLocked(c, id)
		b.syncGauges()
		return
	}
	if w := c.waiters.popFront(); w != nil {
		b.deliverToWaiter(c, m, w)
		b.syncGauges()
		return
	}
	c.ready.insert(m)
}

// onTerminalPurge fires when a delivery-cap-exhausted message's final hide
// window elapses without an explicit delete: it is purged.
func (b *Broker) onTerminalPurge(id int64) {
	m := b.store.get(id)
	if m == nil {
		return
	}
	c := b.channels.get(m.Channel)
	if c == nil {
		return
	}
	metrics.MessagesExpiredTotal.WithLabelValues(c.name, "terminal_purge").Inc()
	b.purgeLocked(c, id)
	b.syncGauges()
}

// onLingerExpiry fires at a message's absolute linger deadline regardless of
// delivery state: ready, hidden, or terminal, it is purged outright.
func (b *Broker) onLingerExpiry(id int64) {
	m := b.store.get(id)
	if m == nil {
		return
	}
	c := b.channels.get(m.Channel)
	if c == nil {
		return
	}
	metrics.MessagesExpiredTotal.WithLabelValues(c.name, "linger_expiry").Inc()
	b.purgeLocked(c, id)
	b.syncGauges()
}

// syncGauges refreshes the registry-level gauges after a mutation. Must run
// on the executor.
func (b *Broker) syncGauges() {
	metrics.ChannelsActive.Set(float64(b.channels.size()))
	metrics.TopicsActive.Set(float64(b.topics.size()))
	waiters := 0
	for _, c := range b.channels.all() {
		waiters += c.waiters.len()
	}
	metrics.WaitersParked.Set(float64(waiters))
}
