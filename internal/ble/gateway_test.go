package ble

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/rf433-gateway/internal/radio"
)

const testMAC = "AA:BB:CC:DD:EE:FF"

func zeroDelayOpts() GatewayOptions {
	opts := DefaultGatewayOptions()
	opts.ReconnectMax = 0
	opts.ConnectTimeout = time.Second
	return opts
}

func newTestGateway(t *testing.T, adapter Adapter, opts GatewayOptions) (*Gateway, *radio.Queue) {
	t.Helper()
	q := radio.NewQueue(radio.NewBus(16, nil), radio.QueueOptions{OperationTimeout: time.Second})
	g := NewGateway(adapter, q, opts)
	t.Cleanup(func() { g.Close() })
	return g, q
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGatewayConnectReportsStates(t *testing.T) {
	adapter := newMockAdapter(nil)
	g, q := newTestGateway(t, adapter, zeroDelayOpts())
	sub := q.Bus().Subscribe()
	defer sub.Close()

	if err := g.Connect(context.Background(), testMAC); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	for _, want := range []radio.State{radio.Connecting, radio.Connected} {
		e := <-sub.C
		if e.Kind != radio.EventState || e.State != want || e.Device != testMAC {
			t.Errorf("event = %+v, want %s for %s", e, want, testMAC)
		}
	}
	if q.State() != radio.Connected {
		t.Errorf("queue state = %s", q.State())
	}
	if g.Address() != testMAC {
		t.Errorf("Address() = %q", g.Address())
	}

	// Connecting again to the same device is a no-op.
	if err := g.Connect(context.Background(), testMAC); err != nil {
		t.Fatal(err)
	}
	if adapter.connectCount() != 1 {
		t.Errorf("connects = %d, want 1", adapter.connectCount())
	}
}

func TestGatewayConnectFailure(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.failConnect = 1
	g, q := newTestGateway(t, adapter, zeroDelayOpts())

	err := g.Connect(context.Background(), testMAC)
	if !errors.Is(err, errMockConnect) {
		t.Fatalf("Connect() error = %v, want errMockConnect", err)
	}
	if q.State() != radio.Disconnected {
		t.Errorf("queue state = %s, want Disconnected", q.State())
	}
	if _, err := q.EnqueueWrite(TransmitCharUUID, []byte{1}); !errors.Is(err, radio.ErrDisconnected) {
		t.Errorf("EnqueueWrite() err = %v, want ErrDisconnected", err)
	}
}

func TestGatewayDispatchWrite(t *testing.T) {
	adapter := newMockAdapter(nil)
	g, q := newTestGateway(t, adapter, zeroDelayOpts())
	if err := g.Connect(context.Background(), testMAC); err != nil {
		t.Fatal(err)
	}

	payload := []byte{0x51, 0x15, 0, 0, 185, 0, 0, 0, 24, 1}
	ticket, err := q.EnqueueWrite(TransmitCharUUID, payload)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := ticket.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	writes := adapter.latestConnection().char(TransmitCharUUID).writes
	if len(writes) != 1 || !bytes.Equal(writes[0], payload) {
		t.Errorf("transmit writes = %x", writes)
	}
}

func TestGatewayDispatchWriteFailureAdvances(t *testing.T) {
	adapter := newMockAdapter(nil)
	g, q := newTestGateway(t, adapter, zeroDelayOpts())
	if err := g.Connect(context.Background(), testMAC); err != nil {
		t.Fatal(err)
	}
	sniff := adapter.latestConnection().char(SniffCharUUID)
	sniff.writeErr = errors.New("gatt: write not permitted")

	first, err := q.EnqueueWrite(SniffCharUUID, []byte{1})
	if err != nil {
		t.Fatal(err)
	}
	second, err := q.EnqueueWrite(TransmitCharUUID, []byte{2})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := first.Wait(ctx); err == nil {
		t.Error("first write should fail")
	}
	if _, err := second.Wait(ctx); err != nil {
		t.Errorf("second write error = %v", err)
	}
}

func TestGatewayDispatchRead(t *testing.T) {
	adapter := newMockAdapter(nil)
	g, q := newTestGateway(t, adapter, zeroDelayOpts())
	if err := g.Connect(context.Background(), testMAC); err != nil {
		t.Fatal(err)
	}
	adapter.latestConnection().char(StatusCharUUID).value = []byte("ready")

	ticket, err := q.EnqueueRead(StatusCharUUID)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r, err := ticket.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(r.Value) != "ready" {
		t.Errorf("read value = %q, want ready", r.Value)
	}
}

func TestGatewayForwardsCaptureNotifications(t *testing.T) {
	adapter := newMockAdapter(nil)
	g, q := newTestGateway(t, adapter, zeroDelayOpts())
	if err := g.Connect(context.Background(), testMAC); err != nil {
		t.Fatal(err)
	}
	sub := q.Bus().Subscribe()
	defer sub.Close()

	capture := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	adapter.latestConnection().char(CaptureCharUUID).SimulateNotification(capture)

	select {
	case e := <-sub.C:
		if e.Kind != radio.EventNotify || e.Characteristic != CaptureCharUUID || !bytes.Equal(e.Value, capture) {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no notify event")
	}
}

func TestGatewayExplicitDisconnect(t *testing.T) {
	adapter := newMockAdapter(nil)
	g, q := newTestGateway(t, adapter, zeroDelayOpts())
	if err := g.Connect(context.Background(), testMAC); err != nil {
		t.Fatal(err)
	}
	conn := adapter.latestConnection()

	if err := g.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if !conn.isDisconnected() {
		t.Error("connection not closed")
	}
	if q.State() != radio.Disconnected {
		t.Errorf("queue state = %s", q.State())
	}

	// A late drop callback for the old connection must not reconnect.
	conn.SimulateDisconnect()
	time.Sleep(20 * time.Millisecond)
	if adapter.connectCount() != 1 {
		t.Errorf("connects = %d, want 1", adapter.connectCount())
	}
}

func TestGatewaySwitchesDevice(t *testing.T) {
	adapter := newMockAdapter(nil)
	g, q := newTestGateway(t, adapter, zeroDelayOpts())
	if err := g.Connect(context.Background(), testMAC); err != nil {
		t.Fatal(err)
	}
	first := adapter.latestConnection()

	const other = "11:22:33:44:55:66"
	if err := g.Connect(context.Background(), other); err != nil {
		t.Fatal(err)
	}
	if !first.isDisconnected() {
		t.Error("previous gateway not disconnected")
	}
	if q.Device() != other || g.Address() != other {
		t.Errorf("device = %q / %q, want %q", q.Device(), g.Address(), other)
	}
}

func TestGatewayDispatchWithoutConnection(t *testing.T) {
	adapter := newMockAdapter(nil)
	_, q := newTestGateway(t, adapter, zeroDelayOpts())

	// Connecting accepts operations; they wait for Connected.
	q.SetState(radio.Connecting, testMAC)
	ticket, err := q.EnqueueWrite(TransmitCharUUID, []byte{1})
	if err != nil {
		t.Fatal(err)
	}
	// Force dispatch with no characteristics discovered.
	q.SetState(radio.Connected, testMAC)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := ticket.Wait(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Wait() err = %v, want ErrNotConnected", err)
	}
}

func TestGatewayRefusesPeripheralWithoutCaptures(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.missing = []string{CaptureCharUUID}
	g, q := newTestGateway(t, adapter, zeroDelayOpts())

	err := g.Connect(context.Background(), testMAC)
	if err == nil {
		t.Fatal("Connect() error = nil for a peripheral without the capture characteristic")
	}
	if !adapter.latestConnection().isDisconnected() {
		t.Error("connection to the wrong peripheral left open")
	}
	if q.State() == radio.Connected {
		t.Errorf("queue state = %s, want not connected", q.State())
	}
}
