// Package radio serializes characteristic reads and writes against the one
// hardware connection to the RF-433 gateway.
//
// The radio stack tolerates a single in-flight operation per kind. The Queue
// keeps one FIFO per kind and dispatches the next operation only after the
// hardware reports completion of the previous one, so operations are never
// reordered, overlapped or dropped.
package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Queue errors.
var (
	ErrDisconnected = errors.New("radio: gateway not connected")
	ErrClosed       = errors.New("radio: queue closed")
	ErrTimeout      = errors.New("radio: operation timed out")
)

// State is the gateway connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Kind is the operation kind. Reads and writes are queued independently.
type Kind int

const (
	Write Kind = iota
	Read
)

func (k Kind) String() string {
	if k == Read {
		return "read"
	}
	return "write"
}

// Operation is one characteristic access. Seq is assigned by the queue and
// must be echoed in the Completion that reports it.
type Operation struct {
	Seq            uint64
	Kind           Kind
	Characteristic string
	Payload        []byte // writes only
}

// Result is the outcome of an Operation. Value holds the bytes of a read.
type Result struct {
	Operation
	Value []byte
	Err   error
}

// Completion is what the hardware reports when the in-flight operation of
// a kind finishes. Seq identifies that operation.
type Completion struct {
	Seq   uint64
	Kind  Kind
	Value []byte
	Err   error
}

// Link is the hardware side of the queue.
type Link interface {
	// Dispatch starts op and returns immediately. The outcome must later be
	// reported through Queue.Complete.
	Dispatch(op Operation)
	// Disconnect drops the hardware connection.
	Disconnect() error
}

// Observer receives queue statistics. Implementations must not block.
type Observer interface {
	OperationDone(r Result, latency time.Duration)
	QueueDepth(kind Kind, depth int)
}

// Ticket tracks one enqueued operation.
type Ticket struct {
	op         Operation
	seq        uint64
	done       chan Result
	dispatched bool
	started    time.Time
	timer      *time.Timer
}

// Operation returns the operation the ticket was issued for.
func (t *Ticket) Operation() Operation { return t.op }

// Done delivers exactly one Result once the operation finishes.
func (t *Ticket) Done() <-chan Result { return t.done }

// Wait blocks until the operation finishes or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-t.done:
		return r, r.Err
	case <-ctx.Done():
		return Result{Operation: t.op}, ctx.Err()
	}
}

func (t *Ticket) resolve(value []byte, err error) Result {
	if t.timer != nil {
		t.timer.Stop()
	}
	r := Result{Operation: t.op, Value: value, Err: err}
	t.done <- r
	close(t.done)
	return r
}

// QueueOptions configures a Queue.
type QueueOptions struct {
	// OperationTimeout fails a dispatched operation whose completion never
	// arrives. The kind stays blocked until the late completion shows up or
	// a second timeout passes, so the hardware never sees two operations of
	// one kind at once. Zero disables the watchdog.
	OperationTimeout time.Duration
	// DisconnectWhenIdle drops the link when the last holder releases it.
	DisconnectWhenIdle bool
	Logger             *slog.Logger
	Observer           Observer
}

// Queue is the radio operation queue shared by every session.
type Queue struct {
	bus  *Bus
	opts QueueOptions
	log  *slog.Logger

	// stateMu orders SetState calls end to end so state events reach the
	// bus in the order the state was stored.
	stateMu sync.Mutex

	mu      sync.Mutex
	link    Link
	state   State
	device  string
	pending [2][]*Ticket
	seq     uint64
	holders int
	closed  bool

	// stale is the Seq of a timed-out operation that may still be on the
	// air, per kind. Zero means none.
	stale      [2]uint64
	staleTimer [2]*time.Timer
}

// NewQueue returns a disconnected queue publishing state changes and
// notifications on bus.
func NewQueue(bus *Bus, opts QueueOptions) *Queue {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		bus:  bus,
		opts: opts,
		log:  logger.With("component", "radio.queue"),
	}
}

// Attach sets the hardware link operations are dispatched to.
func (q *Queue) Attach(link Link) {
	q.mu.Lock()
	q.link = link
	q.mu.Unlock()
}

// Bus returns the event bus the queue publishes on.
func (q *Queue) Bus() *Bus { return q.bus }

// State returns the current connection state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Device returns the address of the gateway the state refers to.
func (q *Queue) Device() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.device
}

// Pending returns the number of queued operations of kind, including the
// one in flight.
func (q *Queue) Pending(kind Kind) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[kind])
}

// EnqueueWrite queues a characteristic write.
func (q *Queue) EnqueueWrite(characteristic string, payload []byte) (*Ticket, error) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return q.enqueue(Operation{Kind: Write, Characteristic: characteristic, Payload: buf})
}

// EnqueueRead queues a characteristic read.
func (q *Queue) EnqueueRead(characteristic string) (*Ticket, error) {
	return q.enqueue(Operation{Kind: Read, Characteristic: characteristic})
}

func (q *Queue) enqueue(op Operation) (*Ticket, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	if q.state == Disconnected {
		q.mu.Unlock()
		return nil, ErrDisconnected
	}
	q.seq++
	op.Seq = q.seq
	t := &Ticket{op: op, seq: q.seq, done: make(chan Result, 1)}
	q.pending[op.Kind] = append(q.pending[op.Kind], t)
	depth := len(q.pending[op.Kind])
	next, link := q.takeHeadLocked(op.Kind)
	q.mu.Unlock()

	q.observeDepth(op.Kind, depth)
	q.dispatch(link, next)
	return t, nil
}

// takeHeadLocked marks the head of kind as dispatched and returns it when
// it may go to the hardware now. Caller holds mu.
func (q *Queue) takeHeadLocked(kind Kind) (*Ticket, Link) {
	if q.state != Connected || q.link == nil || len(q.pending[kind]) == 0 || q.stale[kind] != 0 {
		return nil, nil
	}
	head := q.pending[kind][0]
	if head.dispatched {
		return nil, nil
	}
	head.dispatched = true
	head.started = time.Now()
	if q.opts.OperationTimeout > 0 {
		seq := head.seq
		head.timer = time.AfterFunc(q.opts.OperationTimeout, func() {
			q.expire(kind, seq)
		})
	}
	return head, q.link
}

func (q *Queue) dispatch(link Link, t *Ticket) {
	if t == nil {
		return
	}
	q.log.Debug("dispatching operation",
		"kind", t.op.Kind.String(), "characteristic", t.op.Characteristic, "bytes", len(t.op.Payload))
	link.Dispatch(t.op)
}

// Complete is called from the hardware callback when the in-flight
// operation of c.Kind finishes. Failures are logged and the queue advances.
// A completion for anything but the operation in flight is dropped.
func (q *Queue) Complete(c Completion) {
	q.mu.Lock()
	if c.Seq != 0 && q.stale[c.Kind] == c.Seq {
		q.clearStaleLocked(c.Kind)
		next, link := q.takeHeadLocked(c.Kind)
		q.mu.Unlock()
		q.log.Debug("late completion after timeout", "kind", c.Kind.String(), "seq", c.Seq)
		q.dispatch(link, next)
		return
	}
	list := q.pending[c.Kind]
	if len(list) == 0 || !list[0].dispatched || list[0].seq != c.Seq {
		q.mu.Unlock()
		q.log.Warn("completion without matching operation in flight", "kind", c.Kind.String(), "seq", c.Seq)
		return
	}
	head := list[0]
	q.pending[c.Kind] = list[1:]
	depth := len(q.pending[c.Kind])
	next, link := q.takeHeadLocked(c.Kind)
	q.mu.Unlock()

	q.finish(head, c.Value, c.Err)
	q.observeDepth(c.Kind, depth)
	q.dispatch(link, next)
}

// expire fails the in-flight operation seq if it is still at the head. The
// kind is held back until its completion arrives or abandon gives up on it.
func (q *Queue) expire(kind Kind, seq uint64) {
	q.mu.Lock()
	list := q.pending[kind]
	if len(list) == 0 || list[0].seq != seq || !list[0].dispatched {
		q.mu.Unlock()
		return
	}
	head := list[0]
	q.pending[kind] = list[1:]
	depth := len(q.pending[kind])
	q.stale[kind] = seq
	q.staleTimer[kind] = time.AfterFunc(q.opts.OperationTimeout, func() {
		q.abandon(kind, seq)
	})
	q.mu.Unlock()

	q.finish(head, nil, ErrTimeout)
	q.observeDepth(kind, depth)
}

// abandon stops waiting for the completion of the timed-out operation seq
// and lets the next operation of kind through.
func (q *Queue) abandon(kind Kind, seq uint64) {
	q.mu.Lock()
	if q.stale[kind] != seq {
		q.mu.Unlock()
		return
	}
	q.clearStaleLocked(kind)
	next, link := q.takeHeadLocked(kind)
	q.mu.Unlock()

	q.log.Warn("no completion for timed-out operation, assuming it was lost",
		"kind", kind.String(), "seq", seq)
	q.dispatch(link, next)
}

func (q *Queue) clearStaleLocked(kind Kind) {
	q.stale[kind] = 0
	if q.staleTimer[kind] != nil {
		q.staleTimer[kind].Stop()
		q.staleTimer[kind] = nil
	}
}

func (q *Queue) finish(t *Ticket, value []byte, err error) {
	if err != nil {
		q.log.Warn("radio operation failed",
			"kind", t.op.Kind.String(), "characteristic", t.op.Characteristic, "error", err)
	}
	r := t.resolve(value, err)
	if q.opts.Observer != nil {
		var latency time.Duration
		if !t.started.IsZero() {
			latency = time.Since(t.started)
		}
		q.opts.Observer.OperationDone(r, latency)
	}
}

func (q *Queue) observeDepth(kind Kind, depth int) {
	if q.opts.Observer != nil {
		q.opts.Observer.QueueDepth(kind, depth)
	}
}

// SetState is called from the hardware callback on every connection state
// transition. Becoming Connected dispatches whatever queued up while
// connecting; becoming Disconnected fails everything still pending.
func (q *Queue) SetState(s State, device string) {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()

	q.mu.Lock()
	if q.state == s && q.device == device {
		q.mu.Unlock()
		return
	}
	q.state = s
	q.device = device
	// A new or dropped connection has nothing left on the air.
	q.clearStaleLocked(Write)
	q.clearStaleLocked(Read)

	var failed []*Ticket
	var nextW, nextR *Ticket
	var linkW, linkR Link
	switch s {
	case Disconnected:
		failed = append(q.pending[Write], q.pending[Read]...)
		q.pending[Write], q.pending[Read] = nil, nil
	case Connected:
		nextW, linkW = q.takeHeadLocked(Write)
		nextR, linkR = q.takeHeadLocked(Read)
	}
	q.mu.Unlock()

	q.log.Info("gateway state changed", "state", s.String(), "device", device)
	for _, t := range failed {
		q.finish(t, nil, ErrDisconnected)
	}
	if s == Disconnected {
		q.observeDepth(Write, 0)
		q.observeDepth(Read, 0)
	}
	q.dispatch(linkW, nextW)
	q.dispatch(linkR, nextR)

	q.bus.Publish(Event{Kind: EventState, State: s, Device: device})
}

// Notify is called from the hardware callback when the gateway pushes a
// characteristic value.
func (q *Queue) Notify(characteristic string, value []byte) {
	buf := make([]byte, len(value))
	copy(buf, value)
	q.bus.Publish(Event{Kind: EventNotify, Characteristic: characteristic, Value: buf})
}

// Acquire registers a session as a user of the shared queue.
func (q *Queue) Acquire() {
	q.mu.Lock()
	q.holders++
	q.mu.Unlock()
}

// Release drops a session's hold. When the last holder leaves and the queue
// was built with DisconnectWhenIdle, the link is disconnected.
func (q *Queue) Release() {
	q.mu.Lock()
	if q.holders > 0 {
		q.holders--
	}
	idle := q.holders == 0 && q.opts.DisconnectWhenIdle && q.state != Disconnected
	link := q.link
	q.mu.Unlock()

	if idle && link != nil {
		q.log.Info("last session released the gateway, disconnecting")
		if err := link.Disconnect(); err != nil {
			q.log.Warn("idle disconnect failed", "error", err)
		}
	}
}

// Holders returns the number of sessions currently holding the queue.
func (q *Queue) Holders() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.holders
}

// Close fails every pending operation and rejects further enqueues.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.clearStaleLocked(Write)
	q.clearStaleLocked(Read)
	failed := append(q.pending[Write], q.pending[Read]...)
	q.pending[Write], q.pending[Read] = nil, nil
	q.mu.Unlock()

	for _, t := range failed {
		q.finish(t, nil, ErrClosed)
	}
}
