package display

import (
	"encoding/json"
	"testing"
	"time"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus := NewBus("127.0.0.1:0")
	if err := bus.Start(); err != nil {
		t.Fatalf("failed to start bus: %v", err)
	}
	t.Cleanup(bus.Stop)
	return bus
}

func openTestChannel(t *testing.T, bus *Bus) (*Channel, chan Message) {
	t.Helper()
	received := make(chan Message, 16)
	ch := OpenChannel(bus.Addr(), func(msg Message) {
		received <- msg
	})
	if !ch.Supported() {
		t.Fatal("expected channel to connect to the bus")
	}
	t.Cleanup(ch.Close)
	return ch, received
}

func TestCartBroadcastReachesOtherChannels(t *testing.T) {
	bus := newTestBus(t)
	register, registerRecv := openTestChannel(t, bus)
	_, displayRecv := openTestChannel(t, bus)

	cart := map[string]interface{}{
		"items": []map[string]interface{}{
			{"name": "Americano", "qty": 2, "price": 3.5},
		},
		"total": 7.0,
	}
	if err := register.BroadcastCart(cart); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}

	select {
	case msg := <-displayRecv:
		if msg.Type != TypeCartUpdate {
			t.Errorf("expected %s, got %s", TypeCartUpdate, msg.Type)
		}
		var decoded map[string]interface{}
		if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
			t.Fatalf("failed to decode payload: %v", err)
		}
		if decoded["total"] != 7.0 {
			t.Errorf("expected total 7.0, got %v", decoded["total"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("display never received the cart update")
	}

	// The sender does not hear its own broadcast.
	select {
	case msg := <-registerRecv:
		t.Errorf("sender received its own %s", msg.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClearAndWelcome(t *testing.T) {
	bus := newTestBus(t)
	register, _ := openTestChannel(t, bus)
	_, displayRecv := openTestChannel(t, bus)

	if err := register.BroadcastClear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if err := register.BroadcastWelcome(); err != nil {
		t.Fatalf("welcome failed: %v", err)
	}

	var types []string
	deadline := time.After(2 * time.Second)
	for len(types) < 2 {
		select {
		case msg := <-displayRecv:
			types = append(types, msg.Type)
		case <-deadline:
			t.Fatalf("expected 2 messages, got %v", types)
		}
	}
	if types[0] != TypeClear || types[1] != TypeWelcome {
		t.Errorf("expected clear then welcome, got %v", types)
	}
}

func TestUnsupportedChannelIsHarmless(t *testing.T) {
	// Nothing listens on this port.
	ch := OpenChannel("127.0.0.1:1", nil)
	if ch.Supported() {
		t.Fatal("expected unsupported channel without a bus")
	}
	if err := ch.BroadcastCart(map[string]interface{}{"total": 1.0}); err != nil {
		t.Errorf("unsupported send should be a no-op, got %v", err)
	}
	if err := ch.BroadcastClear(); err != nil {
		t.Errorf("unsupported send should be a no-op, got %v", err)
	}
	ch.Close()
}

func TestChannelDetectsBusShutdown(t *testing.T) {
	bus := newTestBus(t)
	ch, _ := openTestChannel(t, bus)

	bus.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !ch.Supported() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("channel never noticed the bus going away")
}
