package server

import (
	"testing"

	"github.com/wesm/offlinesales/internal/db"
	"github.com/wesm/offlinesales/internal/sync"
)

func TestProgressHub_FanOut(t *testing.T) {
	h := NewProgressHub()
	a, unsubA := h.Subscribe()
	b, unsubB := h.Subscribe()
	defer unsubB()

	p := sync.Progress{Type: db.TypeCreateOrder, Phase: sync.PhaseSyncing, Total: 2}
	h.Publish(p)

	for name, ch := range map[string]<-chan sync.Progress{"a": a, "b": b} {
		select {
		case got := <-ch:
			if got != p {
				t.Errorf("%s got %+v, want %+v", name, got, p)
			}
		default:
			t.Errorf("%s received nothing", name)
		}
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Error("channel open after unsubscribe")
	}
	if n := h.Subscribers(); n != 1 {
		t.Errorf("Subscribers = %d, want 1", n)
	}
}

func TestProgressHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewProgressHub()
	ch, unsub := h.Subscribe()
	defer unsub()

	for i := 0; i < subscriberBuffer+10; i++ {
		h.Publish(sync.Progress{Done: i})
	}
	if len(ch) != subscriberBuffer {
		t.Fatalf("buffered %d events, want %d", len(ch), subscriberBuffer)
	}
	if first := <-ch; first.Done != 0 {
		t.Errorf("first event Done = %d, want 0", first.Done)
	}
}
