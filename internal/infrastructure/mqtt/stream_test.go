package mqtt

import (
	"sync/atomic"
	"testing"
)

func TestFeed_FanOut(t *testing.T) {
	f := newFeed[int]()

	a := f.subscribe(false, nil)
	defer a.Close()
	b := f.subscribe(false, nil)
	defer b.Close()

	if n := f.send(1); n != 2 {
		t.Errorf("send() = %d, want 2", n)
	}

	if got := receive(t, a); got != 1 {
		t.Errorf("a got %d, want 1", got)
	}
	if got := receive(t, b); got != 1 {
		t.Errorf("b got %d, want 1", got)
	}
}

func TestFeed_OnlyValuesAfterSubscribe(t *testing.T) {
	f := newFeed[int]()
	f.send(1)

	s := f.subscribe(false, nil)
	defer s.Close()
	f.send(2)

	if got := receive(t, s); got != 2 {
		t.Errorf("got %d, want 2", got)
	}
}

func TestFeed_ReplayLast(t *testing.T) {
	f := newFeed[string]()

	empty := f.subscribe(true, nil)
	defer empty.Close()
	expectNothing(t, empty)

	f.send("a")
	f.send("b")

	s := f.subscribe(true, nil)
	defer s.Close()
	f.send("c")

	if got := receive(t, s); got != "b" {
		t.Errorf("replayed %q, want %q", got, "b")
	}
	if got := receive(t, s); got != "c" {
		t.Errorf("got %q, want %q", got, "c")
	}
}

func TestStream_SlowReaderDoesNotBlock(t *testing.T) {
	f := newFeed[int]()
	slow := f.subscribe(false, nil)
	defer slow.Close()

	// Nobody reads while these are sent.
	for i := 0; i < 1000; i++ {
		f.send(i)
	}

	for i := 0; i < 1000; i++ {
		if got := receive(t, slow); got != i {
			t.Fatalf("got %d, want %d", got, i)
		}
	}
}

func TestStream_CloseReleasesOnce(t *testing.T) {
	f := newFeed[int]()
	var released atomic.Int32

	s := f.subscribe(false, func() { released.Add(1) })
	s.Close()
	s.Close()

	if got := released.Load(); got != 1 {
		t.Errorf("release called %d times, want 1", got)
	}
	if got := f.len(); got != 0 {
		t.Errorf("feed streams = %d, want 0", got)
	}
	if n := f.send(1); n != 0 {
		t.Errorf("send() after Close = %d, want 0", n)
	}

	select {
	case <-s.Done():
	default:
		t.Error("Done() not closed after Close")
	}
	expectClosed(t, s)
}

func TestFeed_CloseDrainsQueued(t *testing.T) {
	f := newFeed[int]()
	s := f.subscribe(false, nil)
	defer s.Close()

	f.send(1)
	f.send(2)
	f.close()
	f.close()

	if got := receive(t, s); got != 1 {
		t.Errorf("got %d, want 1", got)
	}
	if got := receive(t, s); got != 2 {
		t.Errorf("got %d, want 2", got)
	}
	expectClosed(t, s)

	if n := f.send(3); n != 0 {
		t.Errorf("send() after close = %d, want 0", n)
	}
}

func TestFeed_SubscribeAfterClose(t *testing.T) {
	f := newFeed[int]()
	f.send(7)
	f.close()

	// A replaying subscriber still gets the last value before the end.
	s := f.subscribe(true, nil)
	defer s.Close()
	if got := receive(t, s); got != 7 {
		t.Errorf("got %d, want 7", got)
	}
	expectClosed(t, s)

	last, ok := f.lastValue()
	if !ok || last != 7 {
		t.Errorf("lastValue() = %d, %v, want 7, true", last, ok)
	}
}
