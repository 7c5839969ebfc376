package ws

import (
	"testing"
	"time"
)

type channelSubscriber struct {
	ch     chan []byte
	closed chan struct{}
}

func newChannelSubscriber() *channelSubscriber {
	return &channelSubscriber{ch: make(chan []byte, 4), closed: make(chan struct{})}
}

func (s *channelSubscriber) Send(payload []byte) error {
	s.ch <- payload
	return nil
}

func (s *channelSubscriber) Close() {
	close(s.closed)
}

func TestHubBroadcastScopedToShop(t *testing.T) {
	hub := NewHub()
	first := newChannelSubscriber()
	second := newChannelSubscriber()
	hub.Register("shop-1", first)
	hub.Register("shop-2", second)

	hub.Broadcast("shop-1", []byte(`{"event":"one"}`))

	select {
	case payload := <-first.ch:
		if string(payload) != `{"event":"one"}` {
			t.Fatalf("unexpected payload %s", payload)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected shop-1 subscriber to receive broadcast")
	}

	select {
	case payload := <-second.ch:
		t.Fatalf("shop-2 subscriber should not receive shop-1 broadcast, got %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubUnregisterStopsDelivery(t *testing.T) {
	hub := NewHub()
	sub := newChannelSubscriber()
	hub.Register("shop-1", sub)
	hub.Unregister("shop-1", sub)

	hub.Broadcast("shop-1", []byte("payload"))

	select {
	case payload := <-sub.ch:
		t.Fatalf("unregistered subscriber should not receive broadcast, got %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}
