package fanout

import "testing"

func TestPublishReachesOnlyKeySubscribers(t *testing.T) {
	h := NewHub[int](4)
	a := h.Subscribe("ride-a")
	b := h.Subscribe("ride-b")
	defer a.Close()
	defer b.Close()

	if n := h.Publish("ride-a", 1); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}
	if v := <-a.C(); v != 1 {
		t.Fatalf("expected 1, got %d", v)
	}
	select {
	case v := <-b.C():
		t.Fatalf("ride-b received %d", v)
	default:
	}
}

func TestSlowSubscriberKeepsLatest(t *testing.T) {
	h := NewHub[int](2)
	s := h.Subscribe("k")
	defer s.Close()
	for i := 1; i <= 5; i++ {
		h.Publish("k", i)
	}
	got := []int{<-s.C(), <-s.C()}
	if got[0] != 4 || got[1] != 5 {
		t.Fatalf("expected [4 5], got %v", got)
	}
	if s.Dropped() != 3 {
		t.Fatalf("expected 3 dropped, got %d", s.Dropped())
	}
}

func TestCloseKeyEndsSubscriptions(t *testing.T) {
	h := NewHub[string](1)
	s := h.Subscribe("k")
	h.CloseKey("k")
	if _, ok := <-s.C(); ok {
		t.Fatalf("expected closed channel")
	}
	s.Close()
	if h.Count("k") != 0 {
		t.Fatalf("expected no subscribers")
	}
	if n := h.Publish("k", "x"); n != 0 {
		t.Fatalf("expected publish to nobody, got %d", n)
	}
}
