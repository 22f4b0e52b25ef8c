package bus

import (
	"testing"
	"time"
)

func TestLocalBusDeliversToSubscribers(t *testing.T) {
	b := NewLocalBus()
	defer b.Close()

	received := make(chan Message, 1)
	unsubscribe := b.Subscribe(func(m Message) {
		received <- m
	})
	defer unsubscribe()

	b.Publish(Message{Protocol: ProtocolSeparated, Kind: "test"})

	select {
	case m := <-received:
		if m.Kind != "test" {
			t.Errorf("Kind = %q, want %q", m.Kind, "test")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestLocalBusFansOutToEverySubscriber(t *testing.T) {
	b := NewLocalBus()
	defer b.Close()

	a := make(chan Message, 1)
	c := make(chan Message, 1)
	b.Subscribe(func(m Message) { a <- m })
	b.Subscribe(func(m Message) { c <- m })

	b.Publish(Message{Kind: "broadcast"})

	for _, ch := range []chan Message{a, c} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out delivery")
		}
	}
}

func TestLocalBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewLocalBus()
	defer b.Close()

	received := make(chan Message, 4)
	unsubscribe := b.Subscribe(func(m Message) { received <- m })
	unsubscribe()

	b.Publish(Message{Kind: "after-unsubscribe"})

	select {
	case <-received:
		t.Error("should not receive messages after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLocalBusClosedDropsPublishes(t *testing.T) {
	b := NewLocalBus()
	received := make(chan Message, 1)
	b.Subscribe(func(m Message) { received <- m })
	b.Close()

	b.Publish(Message{Kind: "after-close"})

	select {
	case <-received:
		t.Error("closed bus should drop publishes")
	case <-time.After(100 * time.Millisecond):
	}
}
