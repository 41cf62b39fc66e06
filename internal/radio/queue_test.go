package radio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeLink records dispatched operations. It never completes anything on
// its own; tests drive completions through Queue.Complete.
type fakeLink struct {
	mu          sync.Mutex
	ops         []Operation
	disconnects int
}

func (l *fakeLink) Dispatch(op Operation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *fakeLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects++
	return nil
}

// last returns the most recently dispatched operation of kind.
func (l *fakeLink) last(kind Kind) Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.ops) - 1; i >= 0; i-- {
		if l.ops[i].Kind == kind {
			return l.ops[i]
		}
	}
	return Operation{}
}

func (l *fakeLink) dispatched() []Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Operation, len(l.ops))
	copy(out, l.ops)
	return out
}

// recordingObserver counts results.
type recordingObserver struct {
	mu      sync.Mutex
	results []Result
	depths  map[Kind]int
}

func (o *recordingObserver) OperationDone(r Result, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, r)
}

func (o *recordingObserver) QueueDepth(kind Kind, depth int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.depths == nil {
		o.depths = make(map[Kind]int)
	}
	o.depths[kind] = depth
}

func newConnectedQueue(t *testing.T, opts QueueOptions) (*Queue, *fakeLink) {
	t.Helper()
	q := NewQueue(NewBus(0, nil), opts)
	link := &fakeLink{}
	q.Attach(link)
	q.SetState(Connected, "AA:BB:CC:DD:EE:FF")
	return q, link
}

func TestEnqueueRejectedWhileDisconnected(t *testing.T) {
	q := NewQueue(NewBus(0, nil), QueueOptions{})
	q.Attach(&fakeLink{})

	if _, err := q.EnqueueWrite("tx", []byte{1}); !errors.Is(err, ErrDisconnected) {
		t.Errorf("EnqueueWrite() error = %v, want ErrDisconnected", err)
	}
	if _, err := q.EnqueueRead("status"); !errors.Is(err, ErrDisconnected) {
		t.Errorf("EnqueueRead() error = %v, want ErrDisconnected", err)
	}
}

func TestSecondWriteWaitsForFirstCompletion(t *testing.T) {
	q, link := newConnectedQueue(t, QueueOptions{})

	w1, err := q.EnqueueWrite("tx", []byte("W1"))
	if err != nil {
		t.Fatalf("EnqueueWrite(W1) error = %v", err)
	}
	if _, err := q.EnqueueWrite("tx", []byte("W2")); err != nil {
		t.Fatalf("EnqueueWrite(W2) error = %v", err)
	}

	ops := link.dispatched()
	if len(ops) != 1 || string(ops[0].Payload) != "W1" {
		t.Fatalf("dispatched before completion = %v, want only W1", ops)
	}

	q.Complete(Completion{Seq: link.last(Write).Seq, Kind: Write})

	ops = link.dispatched()
	if len(ops) != 2 || string(ops[1].Payload) != "W2" {
		t.Fatalf("dispatched after completion = %v, want W1 then W2", ops)
	}

	r, err := w1.Wait(context.Background())
	if err != nil {
		t.Fatalf("W1 Wait() error = %v", err)
	}
	if string(r.Payload) != "W1" {
		t.Errorf("W1 result payload = %q", r.Payload)
	}
}

func TestWritesAreFIFOWithOneOutstanding(t *testing.T) {
	q, link := newConnectedQueue(t, QueueOptions{})
	const n = 20

	tickets := make([]*Ticket, n)
	for i := 0; i < n; i++ {
		tk, err := q.EnqueueWrite("tx", []byte(fmt.Sprintf("w%02d", i)))
		if err != nil {
			t.Fatalf("EnqueueWrite(%d) error = %v", i, err)
		}
		tickets[i] = tk
	}

	for i := 0; i < n; i++ {
		ops := link.dispatched()
		if len(ops) != i+1 {
			t.Fatalf("step %d: %d operations dispatched, want %d", i, len(ops), i+1)
		}
		if want := fmt.Sprintf("w%02d", i); string(ops[i].Payload) != want {
			t.Fatalf("step %d: dispatched %q, want %q", i, ops[i].Payload, want)
		}
		q.Complete(Completion{Seq: ops[i].Seq, Kind: Write})
	}

	for i, tk := range tickets {
		select {
		case r := <-tk.Done():
			if r.Err != nil {
				t.Errorf("ticket %d error = %v", i, r.Err)
			}
		default:
			t.Errorf("ticket %d not resolved", i)
		}
	}
	if q.Pending(Write) != 0 {
		t.Errorf("Pending(Write) = %d, want 0", q.Pending(Write))
	}
}

func TestReadsAndWritesQueueIndependently(t *testing.T) {
	q, link := newConnectedQueue(t, QueueOptions{})

	if _, err := q.EnqueueWrite("tx", []byte{1}); err != nil {
		t.Fatal(err)
	}
	rd, err := q.EnqueueRead("status")
	if err != nil {
		t.Fatal(err)
	}

	if got := len(link.dispatched()); got != 2 {
		t.Fatalf("dispatched = %d, want 2 (one read and one write in flight)", got)
	}

	q.Complete(Completion{Seq: link.last(Read).Seq, Kind: Read, Value: []byte("v1.2")})
	r, err := rd.Wait(context.Background())
	if err != nil {
		t.Fatalf("read Wait() error = %v", err)
	}
	if !bytes.Equal(r.Value, []byte("v1.2")) {
		t.Errorf("read value = %q, want %q", r.Value, "v1.2")
	}
	if q.Pending(Write) != 1 {
		t.Errorf("Pending(Write) = %d, want 1", q.Pending(Write))
	}
}

func TestFailedCompletionAdvancesQueue(t *testing.T) {
	obs := &recordingObserver{}
	q, link := newConnectedQueue(t, QueueOptions{Observer: obs})

	w1, _ := q.EnqueueWrite("tx", []byte("W1"))
	_, _ = q.EnqueueWrite("tx", []byte("W2"))

	hwErr := errors.New("gatt status 133")
	q.Complete(Completion{Seq: link.last(Write).Seq, Kind: Write, Err: hwErr})

	if _, err := w1.Wait(context.Background()); !errors.Is(err, hwErr) {
		t.Errorf("W1 Wait() error = %v, want %v", err, hwErr)
	}
	if got := len(link.dispatched()); got != 2 {
		t.Errorf("dispatched = %d, want 2 after failed completion", got)
	}
	if len(obs.results) != 1 {
		t.Errorf("observer saw %d results, want 1", len(obs.results))
	}
}

func TestCompletionWithoutOperationIgnored(t *testing.T) {
	q, link := newConnectedQueue(t, QueueOptions{})
	q.Complete(Completion{Kind: Write})
	if len(link.dispatched()) != 0 {
		t.Error("spurious completion dispatched something")
	}
}

func TestQueuedWhileConnectingDispatchOnConnect(t *testing.T) {
	q := NewQueue(NewBus(0, nil), QueueOptions{})
	link := &fakeLink{}
	q.Attach(link)
	q.SetState(Connecting, "AA")

	if _, err := q.EnqueueWrite("tx", []byte{9}); err != nil {
		t.Fatalf("EnqueueWrite() while connecting error = %v", err)
	}
	if len(link.dispatched()) != 0 {
		t.Fatal("operation dispatched before Connected")
	}

	q.SetState(Connected, "AA")
	if len(link.dispatched()) != 1 {
		t.Fatal("queued operation not dispatched on Connected")
	}
}

func TestDisconnectFailsPending(t *testing.T) {
	q, _ := newConnectedQueue(t, QueueOptions{})
	w1, _ := q.EnqueueWrite("tx", []byte{1})
	w2, _ := q.EnqueueWrite("tx", []byte{2})
	r1, _ := q.EnqueueRead("status")

	q.SetState(Disconnected, "")

	for i, tk := range []*Ticket{w1, w2, r1} {
		if _, err := tk.Wait(context.Background()); !errors.Is(err, ErrDisconnected) {
			t.Errorf("ticket %d error = %v, want ErrDisconnected", i, err)
		}
	}
	if q.Pending(Write) != 0 || q.Pending(Read) != 0 {
		t.Error("queues not empty after disconnect")
	}
}

func TestOperationTimeoutHoldsKindUntilLateCompletion(t *testing.T) {
	// Long enough that the second timeout cannot fire before the late
	// completion below.
	q, link := newConnectedQueue(t, QueueOptions{OperationTimeout: 200 * time.Millisecond})

	w1, _ := q.EnqueueWrite("tx", []byte("W1"))
	w2, _ := q.EnqueueWrite("tx", []byte("W2"))
	_, _ = q.EnqueueWrite("tx", []byte("W3"))
	seq1 := link.last(Write).Seq

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := w1.Wait(ctx); !errors.Is(err, ErrTimeout) {
		t.Fatalf("W1 Wait() error = %v, want ErrTimeout", err)
	}
	// W1 may still be on the air, so W2 must not go out yet.
	if got := len(link.dispatched()); got != 1 {
		t.Fatalf("dispatched = %d right after timeout, want 1", got)
	}

	// W1's real completion arrives late. It resolves nothing and lets W2 out.
	q.Complete(Completion{Seq: seq1, Kind: Write})
	select {
	case r := <-w2.Done():
		t.Fatalf("W2 resolved by W1's late completion: %+v", r)
	default:
	}
	ops := link.dispatched()
	if len(ops) != 2 || string(ops[1].Payload) != "W2" {
		t.Fatalf("dispatched after late completion = %v, want W1 then W2", ops)
	}

	// A second stray completion for W1 must not complete W2 or release W3.
	q.Complete(Completion{Seq: seq1, Kind: Write})
	if got := len(link.dispatched()); got != 2 {
		t.Errorf("dispatched = %d after duplicate completion, want 2", got)
	}
	if q.Pending(Write) != 2 {
		t.Errorf("Pending(Write) = %d, want 2 (W2 in flight, W3 queued)", q.Pending(Write))
	}

	q.Complete(Completion{Seq: ops[1].Seq, Kind: Write})
	if _, err := w2.Wait(ctx); err != nil {
		t.Errorf("W2 Wait() error = %v", err)
	}
	if ops := link.dispatched(); len(ops) != 3 || string(ops[2].Payload) != "W3" {
		t.Errorf("dispatched = %v, want W3 third", ops)
	}
}

func TestTimedOutOperationIsAbandonedEventually(t *testing.T) {
	q, link := newConnectedQueue(t, QueueOptions{OperationTimeout: 10 * time.Millisecond})

	w1, _ := q.EnqueueWrite("tx", []byte("W1"))
	_, _ = q.EnqueueWrite("tx", []byte("W2"))
	if _, err := w1.Wait(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Fatalf("W1 error = %v, want ErrTimeout", err)
	}

	deadline := time.Now().Add(time.Second)
	for len(link.dispatched()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("W2 never dispatched after W1's completion was abandoned")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLateCompletionAfterTimeoutDoesNotResolveNext(t *testing.T) {
	q, link := newConnectedQueue(t, QueueOptions{OperationTimeout: 100 * time.Millisecond})

	w1, _ := q.EnqueueWrite("tx", []byte("W1"))
	seq1 := link.last(Write).Seq
	if _, err := w1.Wait(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Fatalf("W1 error = %v, want ErrTimeout", err)
	}
	q.Complete(Completion{Seq: seq1, Kind: Write})
	if q.Pending(Write) != 0 {
		t.Errorf("Pending(Write) = %d, want 0", q.Pending(Write))
	}

	// The queue is usable again straight away.
	w2, err := q.EnqueueWrite("tx", []byte("W2"))
	if err != nil {
		t.Fatal(err)
	}
	if got := link.last(Write); string(got.Payload) != "W2" {
		t.Fatalf("last dispatched = %q, want W2", got.Payload)
	}
	q.Complete(Completion{Seq: link.last(Write).Seq, Kind: Write})
	if _, err := w2.Wait(context.Background()); err != nil {
		t.Errorf("W2 Wait() error = %v", err)
	}
}

func TestCompletionForWrongOperationIgnored(t *testing.T) {
	q, link := newConnectedQueue(t, QueueOptions{})
	w1, _ := q.EnqueueWrite("tx", []byte("W1"))

	q.Complete(Completion{Seq: link.last(Write).Seq + 7, Kind: Write})
	select {
	case r := <-w1.Done():
		t.Fatalf("W1 resolved by a completion for another operation: %+v", r)
	default:
	}
	if q.Pending(Write) != 1 {
		t.Errorf("Pending(Write) = %d, want 1", q.Pending(Write))
	}
}

func TestStateChangesArePublished(t *testing.T) {
	bus := NewBus(0, nil)
	sub := bus.Subscribe()
	defer sub.Close()

	q := NewQueue(bus, QueueOptions{})
	q.SetState(Connecting, "AA")
	q.SetState(Connecting, "AA") // no change, no event
	q.SetState(Connected, "AA")

	for _, want := range []State{Connecting, Connected} {
		select {
		case e := <-sub.C:
			if e.Kind != EventState || e.State != want || e.Device != "AA" {
				t.Errorf("event = %+v, want state %v", e, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("no event for %v", want)
		}
	}
	select {
	case e := <-sub.C:
		t.Errorf("unexpected extra event %+v", e)
	default:
	}
}

func TestNotifyCopiesValue(t *testing.T) {
	bus := NewBus(0, nil)
	sub := bus.Subscribe()
	defer sub.Close()
	q := NewQueue(bus, QueueOptions{})

	buf := []byte{1, 2, 3}
	q.Notify("capture", buf)
	buf[0] = 9

	e := <-sub.C
	if e.Kind != EventNotify || e.Characteristic != "capture" || e.Value[0] != 1 {
		t.Errorf("event = %+v", e)
	}
}

func TestReleaseDisconnectsWhenIdle(t *testing.T) {
	q, link := newConnectedQueue(t, QueueOptions{DisconnectWhenIdle: true})
	q.Acquire()
	q.Acquire()

	q.Release()
	if link.disconnects != 0 {
		t.Fatal("disconnected while a holder remains")
	}
	q.Release()
	if link.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", link.disconnects)
	}
	if q.Holders() != 0 {
		t.Errorf("Holders() = %d, want 0", q.Holders())
	}
}

func TestReleaseKeepsLinkByDefault(t *testing.T) {
	q, link := newConnectedQueue(t, QueueOptions{})
	q.Acquire()
	q.Release()
	if link.disconnects != 0 {
		t.Error("link disconnected without DisconnectWhenIdle")
	}
}

func TestCloseRejectsAndFails(t *testing.T) {
	q, _ := newConnectedQueue(t, QueueOptions{})
	w1, _ := q.EnqueueWrite("tx", []byte{1})
	q.Close()

	if _, err := w1.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("pending Wait() error = %v, want ErrClosed", err)
	}
	if _, err := q.EnqueueWrite("tx", []byte{2}); !errors.Is(err, ErrClosed) {
		t.Errorf("EnqueueWrite() after Close error = %v, want ErrClosed", err)
	}
}

func TestStateEventsFollowStoredOrder(t *testing.T) {
	bus := NewBus(4096, nil)
	sub := bus.Subscribe()
	defer sub.Close()
	q := NewQueue(bus, QueueOptions{})

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				q.SetState(State((g+i)%3), "AA")
			}
		}(g)
	}
	wg.Wait()

	var last Event
drain:
	for {
		select {
		case e := <-sub.C:
			last = e
		default:
			break drain
		}
	}
	if last.Kind != EventState || last.State != q.State() {
		t.Errorf("last event state = %v, stored state = %v", last.State, q.State())
	}
}
