package clock

import (
	"sync"
	"testing"
	"time"
)

// syncDispatch runs callbacks synchronously, enough to exercise Service in
// isolation from any executor.
func syncDispatch(fn func()) { fn() }

func TestScheduleFiresAfterDelay(t *testing.T) {
	s := New(syncDispatch)
	defer s.Stop()

	var mu sync.Mutex
	fired := false
	s.Schedule(time.Now().Add(20*time.Millisecond), Key{ID: 1, Purpose: PurposeVisibility}, func() {
		mu.Lock()
		fired = true
		mu.Unlock()
	})

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if !fired {
		t.Fatal("expected scheduled callback to have fired")
	}
}

func TestScheduleCoalescesSameKey(t *testing.T) {
	s := New(syncDispatch)
	defer s.Stop()

	var mu sync.Mutex
	calls := 0
	key := Key{ID: 1, Purpose: PurposeVisibility}

	s.Schedule(time.Now().Add(10*time.Millisecond), key, func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	// Reschedule before the first fires: this must replace, not add, a timer.
	s.Schedule(time.Now().Add(30*time.Millisecond), key, func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("got %d fires for a coalesced key, want exactly 1", calls)
	}
}

func TestCancelPreventsFire(t *testing.T) {
	s := New(syncDispatch)
	defer s.Stop()

	var mu sync.Mutex
	fired := false
	key := Key{ID: 1, Purpose: PurposeLinger}
	s.Schedule(time.Now().Add(10*time.Millisecond), key, func() {
		mu.Lock()
		fired = true
		mu.Unlock()
	})
	s.Cancel(key)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired {
		t.Fatal("cancelled timer fired anyway")
	}
}

func TestCancelAllForIDCancelsEveryPurpose(t *testing.T) {
	s := New(syncDispatch)
	defer s.Stop()

	var mu sync.Mutex
	fires := 0
	for _, p := range []Purpose{PurposeVisibility, PurposeTerminalPurge, PurposeLinger} {
		s.Schedule(time.Now().Add(10*time.Millisecond), Key{ID: 7, Purpose: p}, func() {
			mu.Lock()
			fires++
			mu.Unlock()
		})
	}
	s.CancelAllForID(7)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fires != 0 {
		t.Fatalf("got %d fires after CancelAllForID, want 0", fires)
	}
}

func TestFakeAdvanceFiresDueTimersInDeadlineOrder(t *testing.T) {
	var order []int
	f := NewFake(time.Unix(0, 0), func(fn func()) { fn() })

	f.Schedule(time.Unix(0, 0).Add(5*time.Second), Key{ID: 2, Purpose: PurposeVisibility}, func() { order = append(order, 2) })
	f.Schedule(time.Unix(0, 0).Add(1*time.Second), Key{ID: 1, Purpose: PurposeVisibility}, func() { order = append(order, 1) })
	f.Schedule(time.Unix(0, 0).Add(10*time.Second), Key{ID: 3, Purpose: PurposeVisibility}, func() { order = append(order, 3) })

	f.Advance(5 * time.Second)

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("got fire order %v, want [1 2] after advancing past their deadlines but not id 3's", order)
	}

	f.Advance(5 * time.Second)
	if len(order) != 3 || order[2] != 3 {
		t.Fatalf("got fire order %v, want id 3 to fire on the second advance", order)
	}
}

func TestFakeNowOnlyMovesOnAdvance(t *testing.T) {
	start := time.Unix(100, 0)
	f := NewFake(start, func(fn func()) { fn() })

	if !f.Now().Equal(start) {
		t.Fatalf("got Now() %v, want %v before any Advance", f.Now(), start)
	}
	f.Advance(3 * time.Second)
	want := start.Add(3 * time.Second)
	if !f.Now().Equal(want) {
		t.Fatalf("got Now() %v, want %v after Advance", f.Now(), want)
	}
}
