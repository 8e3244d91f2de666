package stream

import (
	"context"
	"testing"
	"time"

	"memvault.org/internal/audit"
)

func TestHubBroadcast(t *testing.T) {
	h := NewHub(nil)
	a, cancelA := h.Subscribe()
	defer cancelA()
	b, cancelB := h.Subscribe()
	defer cancelB()

	e := audit.NewEvent(audit.ActionDecrypt, "addr-1", "doc-1", "ok")
	h.Record(context.Background(), e)

	for _, ch := range []<-chan audit.Event{a, b} {
		select {
		case got := <-ch:
			if got.ID != e.ID {
				t.Fatalf("event mismatch: %s != %s", got.ID, e.ID)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(nil)
	ch, cancel := h.Subscribe()
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	// Publishing after unsubscribe must not panic.
	h.Record(context.Background(), audit.NewEvent(audit.ActionGrant, "a", "", "ok"))
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	h := NewHub(nil)
	ch, cancel := h.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		h.Record(context.Background(), audit.NewEvent(audit.ActionEncrypt, "a", "", "ok"))
	}
	if len(ch) != subscriberBuffer {
		t.Fatalf("expected full buffer, got %d", len(ch))
	}
}

func TestHubClose(t *testing.T) {
	h := NewHub(nil)
	ch, _ := h.Subscribe()
	h.Close()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	late, cancel := h.Subscribe()
	defer cancel()
	if _, ok := <-late; ok {
		t.Fatal("post-close subscription should be closed immediately")
	}
}
