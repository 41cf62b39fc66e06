package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/chaz8081/rf433-gateway/internal/radio"
)

func TestFollowRecordsConnectedGateway(t *testing.T) {
	store := &memStore{snap: Snapshot{Device: Device{Address: "AA:BB:CC:DD:EE:FF", Name: "Kitchen"}}}
	c := Open(context.Background(), store, nil)
	bus := radio.NewBus(8, nil)
	sub := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		c.Follow(context.Background(), sub)
		close(done)
	}()

	// Reconnecting to the known gateway keeps its name.
	bus.Publish(radio.Event{Kind: radio.EventState, State: radio.Connected, Device: "AA:BB:CC:DD:EE:FF"})
	bus.Publish(radio.Event{Kind: radio.EventState, State: radio.Connecting, Device: "11:22:33:44:55:66"})
	bus.Publish(radio.Event{Kind: radio.EventNotify, Device: "11:22:33:44:55:66"})
	bus.Publish(radio.Event{Kind: radio.EventState, State: radio.Connected, Device: "11:22:33:44:55:66"})
	sub.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Follow did not return after the subscription closed")
	}

	if got := c.Device(); got.Address != "11:22:33:44:55:66" || got.Name != "" {
		t.Errorf("Device() = %+v", got)
	}
	if store.saves != 1 {
		t.Errorf("saves = %d, want 1", store.saves)
	}
}

func TestFollowStopsOnContext(t *testing.T) {
	c := Open(context.Background(), &memStore{}, nil)
	sub := radio.NewBus(1, nil).Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Follow(ctx, sub) // returns immediately
}
