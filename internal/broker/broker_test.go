package broker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/lingerd/internal/clock"
)

// testBroker wires a Broker around a clock.Fake so timer-driven behavior is
// deterministic: nothing fires until the test calls advance.
type testBroker struct {
	*Broker
	fake *clock.Fake
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()
	var fake *clock.Fake
	b := newForTest(zerolog.Nop(), func(dispatch func(func())) clockSource {
		fake = clock.NewFake(time.Unix(0, 0), dispatch)
		return fake
	})
	t.Cleanup(b.Stop)
	return &testBroker{Broker: b, fake: fake}
}

// advance moves the fake clock forward and lets every due callback run on
// the executor before returning, by round-tripping a no-op through it.
func (tb *testBroker) advance(d time.Duration) {
	tb.fake.Advance(d)
	tb.exec.do(func() {})
}

func (tb *testBroker) getNowait(t *testing.T, channel string) *Message {
	t.Helper()
	msg, err := tb.GetMessage(context.Background(), channel, true, 0)
	if err != nil {
		t.Fatalf("GetMessage(%s, nowait): %v", channel, err)
	}
	return msg
}

func TestAddMessageThenGetMessageReady(t *testing.T) {
	tb := newTestBroker(t)

	id, err := tb.AddMessage(AddMessageParams{Channel: "orders", Body: []byte("Do this!"), Timeout: 30 * time.Second, Linger: 10 * time.Minute})
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	msg := tb.getNowait(t, "orders")
	if msg == nil {
		t.Fatal("expected a ready message, got nil")
	}
	if msg.ID != id {
		t.Fatalf("got id %d, want %d", msg.ID, id)
	}
	if string(msg.Body) != "Do this!" {
		t.Fatalf("got body %q, want %q", msg.Body, "Do this!")
	}
	if msg.DCount != 1 {
		t.Fatalf("got dcount %d, want 1 after first delivery", msg.DCount)
	}
	wantShow := tb.fake.Now().Add(30 * time.Second)
	if !msg.Show.Equal(wantShow) {
		t.Fatalf("got show %v, want %v", msg.Show, wantShow)
	}
}

func TestAddMessageRejectsInvalidArguments(t *testing.T) {
	tb := newTestBroker(t)

	cases := []AddMessageParams{
		{Channel: "", Timeout: time.Second},
		{Channel: "orders", Timeout: -time.Second},
		{Channel: "orders", Deliver: -1},
		{Channel: "orders", Linger: -time.Second},
	}
	for i, p := range cases {
		if _, err := tb.AddMessage(p); !IsInvalidArgument(err) {
			t.Errorf("case %d: got err %v, want invalid-argument", i, err)
		}
	}

	if s := tb.Stats(); s.CurrentMessages != 0 {
		t.Fatalf("got %d messages after rejected adds, want 0", s.CurrentMessages)
	}
}

func TestGetMessageNowaitOnEmptyChannelReturnsNil(t *testing.T) {
	tb := newTestBroker(t)

	if msg := tb.getNowait(t, "nothing-here"); msg != nil {
		t.Fatalf("got %+v from empty channel, want nil", msg)
	}
	// A nowait read must not leave a phantom channel behind.
	if chans := tb.ListChannels(); len(chans) != 0 {
		t.Fatalf("got channels %v after nowait read, want none", chans)
	}
}

func TestGetMessageParksThenDeliversOnProduce(t *testing.T) {
	tb := newTestBroker(t)

	resultCh := make(chan *Message, 1)
	go func() {
		msg, err := tb.GetMessage(context.Background(), "orders", false, 5*time.Second)
		if err != nil {
			t.Errorf("GetMessage: %v", err)
		}
		resultCh <- msg
	}()

	// Give the consumer goroutine a chance to park before producing.
	time.Sleep(20 * time.Millisecond)

	if _, err := tb.AddMessage(AddMessageParams{Channel: "orders", Body: []byte("hi"), Timeout: time.Minute}); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	select {
	case msg := <-resultCh:
		if msg == nil {
			t.Fatal("expected delivered message, got nil")
		}
		if msg.DCount != 1 {
			t.Fatalf("got dcount %d on waiter handoff, want 1", msg.DCount)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for parked GetMessage to resolve")
	}

	// The handoff must have bypassed the ready heap entirely.
	stats, _ := tb.ChannelStats("orders")
	if stats.Ready != 0 || stats.Hidden != 1 {
		t.Fatalf("got ready=%d hidden=%d after handoff, want ready=0 hidden=1", stats.Ready, stats.Hidden)
	}
}

func TestWaitersServedFIFO(t *testing.T) {
	tb := newTestBroker(t)

	firstCh := make(chan *Message, 1)
	go func() {
		msg, _ := tb.GetMessage(context.Background(), "orders", false, 5*time.Second)
		firstCh <- msg
	}()
	time.Sleep(20 * time.Millisecond)

	secondCh := make(chan *Message, 1)
	go func() {
		msg, _ := tb.GetMessage(context.Background(), "orders", false, 5*time.Second)
		secondCh <- msg
	}()
	time.Sleep(20 * time.Millisecond)

	id1, _ := tb.AddMessage(AddMessageParams{Channel: "orders", Body: []byte("a"), Timeout: time.Minute})
	id2, _ := tb.AddMessage(AddMessageParams{Channel: "orders", Body: []byte("b"), Timeout: time.Minute})

	select {
	case msg := <-firstCh:
		if msg == nil || msg.ID != id1 {
			t.Fatalf("eldest waiter got %+v, want id %d", msg, id1)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first waiter")
	}
	select {
	case msg := <-secondCh:
		if msg == nil || msg.ID != id2 {
			t.Fatalf("second waiter got %+v, want id %d", msg, id2)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second waiter")
	}
}

func TestGetMessageWaitTimeoutResolvesNil(t *testing.T) {
	tb := newTestBroker(t)

	start := time.Now()
	msg, err := tb.GetMessage(context.Background(), "orders", false, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg != nil {
		t.Fatalf("got %+v after wait timeout, want nil", msg)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("GetMessage returned before its wait timeout elapsed")
	}

	stats, ok := tb.ChannelStats("orders")
	if ok && stats.WaiterCount != 0 {
		t.Fatalf("got %d waiters after timeout, want 0", stats.WaiterCount)
	}
}

func TestGetMessageContextCancelRemovesWaiter(t *testing.T) {
	tb := newTestBroker(t)

	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan error, 1)
	go func() {
		_, err := tb.GetMessage(ctx, "orders", false, 0)
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-resultCh:
		if err != context.Canceled {
			t.Fatalf("got err %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancelled GetMessage to return")
	}

	// With no messages and no subscriptions left, the channel is reclaimed.
	if _, ok := tb.ChannelStats("orders"); ok {
		t.Fatal("expected channel reclaimed once its only waiter was cancelled")
	}
}

func TestVisibilityExpiryReturnsMessageToReady(t *testing.T) {
	tb := newTestBroker(t)

	id, _ := tb.AddMessage(AddMessageParams{Channel: "orders", Body: []byte("hi"), Timeout: 10 * time.Second})

	msg := tb.getNowait(t, "orders")
	if msg == nil || msg.ID != id {
		t.Fatalf("first GetMessage: got %+v", msg)
	}
	firstShow := msg.Show

	if second := tb.getNowait(t, "orders"); second != nil {
		t.Fatalf("got %+v while message hidden, want nil", second)
	}

	tb.advance(10 * time.Second)

	msg2 := tb.getNowait(t, "orders")
	if msg2 == nil || msg2.ID != id {
		t.Fatalf("redelivery: got %+v", msg2)
	}
	if msg2.DCount != 2 {
		t.Fatalf("got dcount %d on redelivery, want 2", msg2.DCount)
	}
	if !msg2.Show.After(firstShow) {
		t.Fatalf("got show %v on redelivery, want strictly after %v", msg2.Show, firstShow)
	}
}

func TestVisibilityExpiryHandsOffToParkedWaiter(t *testing.T) {
	tb := newTestBroker(t)

	id, _ := tb.AddMessage(AddMessageParams{Channel: "orders", Body: []byte("hi"), Timeout: time.Second})
	if msg := tb.getNowait(t, "orders"); msg == nil || msg.ID != id {
		t.Fatalf("first delivery: got %+v", msg)
	}

	resultCh := make(chan *Message, 1)
	go func() {
		msg, _ := tb.GetMessage(context.Background(), "orders", false, 5*time.Second)
		resultCh <- msg
	}()
	time.Sleep(20 * time.Millisecond)

	tb.advance(time.Second)

	select {
	case msg := <-resultCh:
		if msg == nil || msg.ID != id || msg.DCount != 2 {
			t.Fatalf("got %+v, want redelivery of id %d with dcount 2", msg, id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for expiry handoff to parked waiter")
	}
}

func TestDeliverCapReachesTerminalThenPurges(t *testing.T) {
	tb := newTestBroker(t)

	id, _ := tb.AddMessage(AddMessageParams{Channel: "orders", Body: []byte("hi"), Timeout: time.Second, Deliver: 2})

	for want := 1; want <= 2; want++ {
		msg := tb.getNowait(t, "orders")
		if msg == nil || msg.ID != id || msg.DCount != want {
			t.Fatalf("delivery %d: got %+v", want, msg)
		}
		if want < 2 {
			tb.advance(time.Second)
		}
	}

	// Cap reached: invisible during the final hide window...
	if msg := tb.getNowait(t, "orders"); msg != nil {
		t.Fatalf("got %+v during terminal hide window, want nil", msg)
	}

	// ...and gone for good once it elapses with no delete.
	tb.advance(time.Second)
	if msg := tb.getNowait(t, "orders"); msg != nil {
		t.Fatalf("got %+v after terminal purge, want nil", msg)
	}
	if s := tb.Stats(); s.CurrentMessages != 0 {
		t.Fatalf("got %d messages after terminal purge, want 0", s.CurrentMessages)
	}
}

func TestDeleteBeforeTerminalPurgeFreesMessage(t *testing.T) {
	tb := newTestBroker(t)

	id, _ := tb.AddMessage(AddMessageParams{Channel: "orders", Body: []byte("hi"), Timeout: time.Minute, Deliver: 1})
	if msg := tb.getNowait(t, "orders"); msg == nil {
		t.Fatal("expected delivery")
	}

	if !tb.DeleteMessageFromID(id) {
		t.Fatal("DeleteMessageFromID: want true for existing terminal-hidden message")
	}
	// A second delete is an idempotent no-op.
	if tb.DeleteMessageFromID(id) {
		t.Fatal("DeleteMessageFromID: want false on repeat delete")
	}

	tb.advance(time.Minute) // stale purge timer must be a no-op
	if s := tb.Stats(); s.CurrentMessages != 0 {
		t.Fatalf("got %d messages, want 0", s.CurrentMessages)
	}
}

func TestTouchExtendsHiddenWindowPreservingDCount(t *testing.T) {
	tb := newTestBroker(t)

	id, _ := tb.AddMessage(AddMessageParams{Channel: "orders", Body: []byte("hi"), Timeout: 5 * time.Second})
	if msg := tb.getNowait(t, "orders"); msg == nil {
		t.Fatal("expected delivery")
	}

	for i := 0; i < 3; i++ {
		tb.advance(4 * time.Second)
		if !tb.TouchMessageFromID(id) {
			t.Fatalf("touch %d: want true while hidden", i)
		}
		if msg := tb.getNowait(t, "orders"); msg != nil {
			t.Fatalf("got %+v right after touch %d, want nil", msg, i)
		}
	}

	tb.advance(5 * time.Second)
	msg := tb.getNowait(t, "orders")
	if msg == nil || msg.ID != id {
		t.Fatalf("got %+v after extended window elapsed, want id %d", msg, id)
	}
	if msg.DCount != 2 {
		t.Fatalf("got dcount %d, want 2 (touch must not count as delivery)", msg.DCount)
	}
}

func TestTouchReadyOrMissingMessageReturnsFalse(t *testing.T) {
	tb := newTestBroker(t)

	id, _ := tb.AddMessage(AddMessageParams{Channel: "orders", Body: []byte("hi"), Timeout: time.Minute})
	if tb.TouchMessageFromID(id) {
		t.Fatal("touch on a ready (never delivered) message: want false")
	}
	if tb.TouchMessageFromID(id + 100) {
		t.Fatal("touch on a nonexistent id: want false")
	}
}

func TestDeleteMessageRemovesItOutright(t *testing.T) {
	tb := newTestBroker(t)

	id, _ := tb.AddMessage(AddMessageParams{Channel: "orders", Body: []byte("hi"), Timeout: time.Minute})

	if !tb.DeleteMessageFromID(id) {
		t.Fatal("DeleteMessageFromID: want true")
	}

	if _, exists := tb.ChannelStats("orders"); exists {
		t.Fatal("expected channel to be reclaimed once its only message is deleted")
	}
}

func TestLingerExpiryPurgesRegardlessOfState(t *testing.T) {
	tb := newTestBroker(t)

	// One message stays ready, the other is hidden mid-delivery; linger
	// removes both at its absolute deadline.
	tb.AddMessage(AddMessageParams{Channel: "orders", Body: []byte("a"), Timeout: time.Minute, Linger: 5 * time.Second})
	tb.AddMessage(AddMessageParams{Channel: "orders", Body: []byte("b"), Timeout: time.Minute, Linger: 5 * time.Second})
	if msg := tb.getNowait(t, "orders"); msg == nil {
		t.Fatal("expected delivery of first message")
	}

	tb.advance(5 * time.Second)

	if _, exists := tb.ChannelStats("orders"); exists {
		t.Fatal("expected all messages and the channel purged at linger deadline")
	}
	if s := tb.Stats(); s.CurrentMessages != 0 {
		t.Fatalf("got %d messages after linger, want 0", s.CurrentMessages)
	}
}

func TestPublishMessageFansOutToSubscribers(t *testing.T) {
	tb := newTestBroker(t)

	if err := tb.AddSubscription("reviews", "orders.created", Subscription{Timeout: time.Minute}); err != nil {
		t.Fatalf("AddSubscription reviews: %v", err)
	}
	if err := tb.AddSubscription("shipping", "orders.created", Subscription{Timeout: time.Minute}); err != nil {
		t.Fatalf("AddSubscription shipping: %v", err)
	}

	ids, err := tb.PublishMessage("orders.created", []byte("Have you heard?"), "text/plain")
	if err != nil {
		t.Fatalf("PublishMessage: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d fanned-out messages, want 2", len(ids))
	}

	for _, chanName := range []string{"reviews", "shipping"} {
		id, ok := ids[chanName]
		if !ok {
			t.Fatalf("no id mapped for channel %s in %v", chanName, ids)
		}
		msg := tb.getNowait(t, chanName)
		if msg == nil || msg.ID != id {
			t.Fatalf("channel %s: got %+v, want id %d", chanName, msg, id)
		}
		if string(msg.Body) != "Have you heard?" || msg.Mimetype != "text/plain" {
			t.Fatalf("channel %s: got body %q mimetype %q", chanName, msg.Body, msg.Mimetype)
		}
		if msg.Topic != "orders.created" {
			t.Fatalf("channel %s: got topic %q, want orders.created", chanName, msg.Topic)
		}
	}
}

func TestPublishToUnsubscribedTopicIsNoop(t *testing.T) {
	tb := newTestBroker(t)

	ids, err := tb.PublishMessage("nobody.listens", []byte("Not getting through!"), "text/plain")
	if err != nil {
		t.Fatalf("PublishMessage: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("got ids %v for unsubscribed topic, want none", ids)
	}
	if s := tb.Stats(); s.CurrentMessages != 0 {
		t.Fatalf("got %d messages, want 0 (publish to no-one creates nothing)", s.CurrentMessages)
	}
}

func TestAddSubscriptionIsIdempotent(t *testing.T) {
	tb := newTestBroker(t)

	for i := 0; i < 3; i++ {
		if err := tb.AddSubscription("reviews", "orders.created", Subscription{Timeout: time.Minute}); err != nil {
			t.Fatalf("AddSubscription %d: %v", i, err)
		}
	}

	ids, _ := tb.PublishMessage("orders.created", []byte("once"), "text/plain")
	if len(ids) != 1 {
		t.Fatalf("got %d deliveries after repeated subscribe, want exactly 1", len(ids))
	}
	stats, _ := tb.ChannelStats("reviews")
	if stats.Ready != 1 || stats.SubscriptionCount != 1 {
		t.Fatalf("got ready=%d subs=%d, want 1/1", stats.Ready, stats.SubscriptionCount)
	}
}

func TestAddSubscriptionReplacesDefaults(t *testing.T) {
	tb := newTestBroker(t)

	tb.AddSubscription("reviews", "orders.created", Subscription{Priority: 1, Timeout: time.Minute})
	tb.AddSubscription("reviews", "orders.created", Subscription{Priority: 7, Timeout: time.Minute})

	tb.PublishMessage("orders.created", []byte("x"), "text/plain")
	msg := tb.getNowait(t, "reviews")
	if msg == nil || msg.Priority != 7 {
		t.Fatalf("got %+v, want priority 7 from the replacing subscription", msg)
	}
}

func TestDeleteSubscriptionStopsFutureFanout(t *testing.T) {
	tb := newTestBroker(t)

	tb.AddSubscription("reviews", "orders.created", Subscription{Timeout: time.Minute})

	if !tb.DeleteSubscription("reviews", "orders.created") {
		t.Fatal("DeleteSubscription: want true")
	}
	if tb.DeleteSubscription("reviews", "orders.created") {
		t.Fatal("DeleteSubscription: want false on repeat")
	}

	ids, _ := tb.PublishMessage("orders.created", []byte("x"), "text/plain")
	if len(ids) != 0 {
		t.Fatalf("got %d fanned-out messages after unsubscribing, want 0", len(ids))
	}

	// Last subscription gone: both topic and channel are reclaimed.
	if topics := tb.ListTopics(); len(topics) != 0 {
		t.Fatalf("got topics %v, want none", topics)
	}
	if chans := tb.ListChannels(); len(chans) != 0 {
		t.Fatalf("got channels %v, want none", chans)
	}
}

func TestDrainChannelKeepsSubscriptions(t *testing.T) {
	tb := newTestBroker(t)

	tb.AddSubscription("reviews", "orders.created", Subscription{Timeout: time.Minute})
	tb.PublishMessage("orders.created", []byte("a"), "text/plain")
	tb.AddMessage(AddMessageParams{Channel: "reviews", Body: []byte("b"), Timeout: time.Minute})
	tb.getNowait(t, "reviews") // hide one of the two

	n := tb.DrainChannel("reviews")
	if n != 2 {
		t.Fatalf("got %d drained, want 2 (ready and hidden both count)", n)
	}

	stats, ok := tb.ChannelStats("reviews")
	if !ok {
		t.Fatal("expected channel kept alive by its subscription")
	}
	if stats.Ready+stats.Hidden+stats.Total != 0 {
		t.Fatalf("got stats %+v after drain, want all message counts 0", stats)
	}
	if stats.SubscriptionCount != 1 {
		t.Fatalf("got %d subscriptions after drain, want 1 (drain must not unsubscribe)", stats.SubscriptionCount)
	}
}

func TestDrainChannelCancelsWaitersWithNil(t *testing.T) {
	tb := newTestBroker(t)

	resultCh := make(chan *Message, 1)
	go func() {
		msg, _ := tb.GetMessage(context.Background(), "orders", false, 5*time.Second)
		resultCh <- msg
	}()
	time.Sleep(20 * time.Millisecond)

	if n := tb.DrainChannel("orders"); n != 0 {
		t.Fatalf("got %d messages drained, want 0 (only a waiter was parked)", n)
	}

	select {
	case msg := <-resultCh:
		if msg != nil {
			t.Fatalf("expected nil message after drain cancelled the waiter, got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for drained waiter to resolve")
	}
}

func TestReadyOrderingByPriorityThenID(t *testing.T) {
	tb := newTestBroker(t)

	tb.AddMessage(AddMessageParams{Channel: "orders", Body: []byte("1"), Priority: 0, Timeout: time.Minute})
	tb.AddMessage(AddMessageParams{Channel: "orders", Body: []byte("2"), Priority: 1, Timeout: time.Minute})
	tb.AddMessage(AddMessageParams{Channel: "orders", Body: []byte("0"), Priority: -1, Timeout: time.Minute})

	for _, want := range []string{"2", "1", "0"} {
		msg := tb.getNowait(t, "orders")
		if msg == nil || string(msg.Body) != want {
			t.Fatalf("got %+v, want body %q next", msg, want)
		}
	}
}

func TestEqualPriorityDeliversInInsertionOrder(t *testing.T) {
	tb := newTestBroker(t)

	var wantIDs []int64
	for i := 0; i < 5; i++ {
		id, _ := tb.AddMessage(AddMessageParams{Channel: "orders", Body: []byte{byte('a' + i)}, Timeout: time.Minute})
		wantIDs = append(wantIDs, id)
	}

	for i, want := range wantIDs {
		msg := tb.getNowait(t, "orders")
		if msg == nil || msg.ID != want {
			t.Fatalf("delivery %d: got %+v, want id %d", i, msg, want)
		}
	}
}

func TestListChannelsAndTopicsSorted(t *testing.T) {
	tb := newTestBroker(t)

	tb.AddMessage(AddMessageParams{Channel: "zzz", Body: []byte("x"), Timeout: time.Minute})
	tb.AddMessage(AddMessageParams{Channel: "aaa", Body: []byte("x"), Timeout: time.Minute})
	tb.AddSubscription("zzz", "ztopic", Subscription{Timeout: time.Minute})
	tb.AddSubscription("aaa", "atopic", Subscription{Timeout: time.Minute})

	channels := tb.ListChannels()
	if len(channels) != 2 || channels[0] != "aaa" || channels[1] != "zzz" {
		t.Fatalf("got channels %v, want sorted [aaa zzz]", channels)
	}

	topics := tb.ListTopics()
	if len(topics) != 2 || topics[0] != "atopic" || topics[1] != "ztopic" {
		t.Fatalf("got topics %v, want sorted [atopic ztopic]", topics)
	}

	forChan := tb.ListTopicsForChannel("aaa")
	if len(forChan) != 1 || forChan[0] != "atopic" {
		t.Fatalf("got topics-for-channel %v, want [atopic]", forChan)
	}
	forTopic := tb.ListChannelsForTopic("ztopic")
	if len(forTopic) != 1 || forTopic[0] != "zzz" {
		t.Fatalf("got channels-for-topic %v, want [zzz]", forTopic)
	}
}

func TestSubscriptionListingsSortedWithMultipleEntries(t *testing.T) {
	tb := newTestBroker(t)

	// One channel on two topics, one topic with two channels, subscribed in
	// reverse name order so map iteration order can't pass by accident.
	tb.AddSubscription("mychan", "ztopic", Subscription{Timeout: time.Minute})
	tb.AddSubscription("mychan", "atopic", Subscription{Timeout: time.Minute})
	tb.AddSubscription("zchan", "atopic", Subscription{Timeout: time.Minute})
	tb.AddSubscription("achan", "atopic", Subscription{Timeout: time.Minute})

	forChan := tb.ListTopicsForChannel("mychan")
	if len(forChan) != 2 || forChan[0] != "atopic" || forChan[1] != "ztopic" {
		t.Fatalf("got topics-for-channel %v, want sorted [atopic ztopic]", forChan)
	}

	forTopic := tb.ListChannelsForTopic("atopic")
	if len(forTopic) != 3 || forTopic[0] != "achan" || forTopic[1] != "mychan" || forTopic[2] != "zchan" {
		t.Fatalf("got channels-for-topic %v, want sorted [achan mychan zchan]", forTopic)
	}
}

func TestStatsCountsAcrossChannels(t *testing.T) {
	tb := newTestBroker(t)

	tb.AddMessage(AddMessageParams{Channel: "a", Body: []byte("1"), Timeout: time.Minute})
	tb.AddMessage(AddMessageParams{Channel: "b", Body: []byte("2"), Timeout: time.Minute})
	tb.AddMessage(AddMessageParams{Channel: "b", Body: []byte("3"), Timeout: time.Minute})
	tb.getNowait(t, "b")

	s := tb.Stats()
	if s.CurrentMessages != 3 {
		t.Fatalf("got %d total messages, want 3", s.CurrentMessages)
	}
	if s.Ready != 2 || s.Hidden != 1 {
		t.Fatalf("got ready=%d hidden=%d, want 2/1", s.Ready, s.Hidden)
	}
	if s.Channels != 2 {
		t.Fatalf("got %d channels, want 2", s.Channels)
	}
}
