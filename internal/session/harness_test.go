package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/rf433-gateway/internal/ble"
	"github.com/chaz8081/rf433-gateway/internal/catalog"
	"github.com/chaz8081/rf433-gateway/internal/message"
	"github.com/chaz8081/rf433-gateway/internal/radio"
)

// memStore is an in-memory catalog.Store.
type memStore struct {
	mu    sync.Mutex
	snap  catalog.Snapshot
	saves int
}

func (m *memStore) Load(context.Context) (catalog.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, nil
}

func (m *memStore) Save(_ context.Context, s catalog.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.snap = s
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// fakeLink completes every operation immediately and drives the queue
// state on connect and disconnect.
type fakeLink struct {
	q *radio.Queue

	mu         sync.Mutex
	ops        []radio.Operation
	connects   []string
	readValue  []byte
	connectErr error
}

func (l *fakeLink) Dispatch(op radio.Operation) {
	l.mu.Lock()
	l.ops = append(l.ops, op)
	var value []byte
	if op.Kind == radio.Read {
		value = l.readValue
	}
	l.mu.Unlock()
	l.q.Complete(radio.Completion{Seq: op.Seq, Kind: op.Kind, Value: value})
}

func (l *fakeLink) Connect(_ context.Context, mac string) error {
	l.mu.Lock()
	l.connects = append(l.connects, mac)
	err := l.connectErr
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.q.SetState(radio.Connecting, mac)
	l.q.SetState(radio.Connected, mac)
	return nil
}

func (l *fakeLink) Disconnect() error {
	l.q.SetState(radio.Disconnected, l.q.Device())
	return nil
}

func (l *fakeLink) opsFor(characteristic string) []radio.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []radio.Operation
	for _, op := range l.ops {
		if op.Characteristic == characteristic {
			out = append(out, op)
		}
	}
	return out
}

func (l *fakeLink) connectCalls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.connects...)
}

type fakeScanner struct {
	devices []ble.Device
	err     error
}

func (s fakeScanner) ScanForDevices(context.Context, time.Duration) ([]ble.Device, error) {
	return s.devices, s.err
}

// outbox records unsolicited messages.
type outbox struct {
	ch chan message.Message
}

func newOutbox() *outbox {
	return &outbox{ch: make(chan message.Message, 64)}
}

func (o *outbox) send(m message.Message) {
	select {
	case o.ch <- m:
	default:
	}
}

// waitFor returns the first unsolicited message whose response contains
// text, failing the test after a second.
func (o *outbox) waitFor(t *testing.T, text string) message.Message {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case m := <-o.ch:
			if strings.Contains(m.Response, text) {
				return m
			}
		case <-timeout:
			t.Fatalf("no unsolicited message containing %q", text)
			return message.Message{}
		}
	}
}

type harness struct {
	deps  Deps
	store *memStore
	link  *fakeLink
	queue *radio.Queue
	out   *outbox
}

// newHarness builds shared deps. With hardware the fake gateway is already
// connected.
func newHarness(t *testing.T, hardware bool) *harness {
	t.Helper()
	h := &harness{store: &memStore{}, out: newOutbox()}
	h.deps = Deps{
		Catalog:      catalog.Open(context.Background(), h.store, nil),
		ScanDuration: 10 * time.Millisecond,
	}
	if hardware {
		h.queue = radio.NewQueue(radio.NewBus(64, nil), radio.QueueOptions{})
		h.link = &fakeLink{q: h.queue}
		h.queue.Attach(h.link)
		h.deps.Queue = h.queue
		h.deps.Link = h.link
		h.deps.Scanner = fakeScanner{devices: []ble.Device{
			{Name: "Porch-Gateway", MAC: "11:22:33:44:55:66", RSSI: -40},
			{Name: "RF433-Gateway", MAC: "AA:BB:CC:DD:EE:FF", RSSI: -60},
		}}
	}
	return h
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	if err := h.link.Connect(context.Background(), "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatal(err)
	}
}

func ping() message.Message { return message.Message{Action: message.ActionPing} }

func action(a string) message.Message { return message.Message{Action: a} }

func assertCommands(t *testing.T, got message.Message, want ...string) {
	t.Helper()
	if len(got.Commands) != len(want) {
		t.Fatalf("commands = %q, want %q", got.Commands, want)
	}
	for i := range want {
		if got.Commands[i] != want[i] {
			t.Fatalf("commands = %q, want %q", got.Commands, want)
		}
	}
}
