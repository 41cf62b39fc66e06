package server

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/chaz8081/rf433-gateway/internal/message"
)

// outbox is the single writer of one connection. Replies and unsolicited
// messages are queued here so they never interleave mid-line.
type outbox struct {
	conn    net.Conn
	w       *message.Writer
	ch      chan message.Message
	stop    chan struct{}
	done    chan struct{}
	timeout time.Duration
	log     *slog.Logger
	written func(message.Message)

	once   sync.Once
	failed bool // only touched by run
}

func newOutbox(conn net.Conn, size int, timeout time.Duration, log *slog.Logger, written func(message.Message)) *outbox {
	return &outbox{
		conn:    conn,
		w:       message.NewWriter(conn),
		ch:      make(chan message.Message, size),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		timeout: timeout,
		log:     log,
		written: written,
	}
}

func (o *outbox) run() {
	defer close(o.done)
	for {
		select {
		case m := <-o.ch:
			o.write(m)
		case <-o.stop:
			for {
				select {
				case m := <-o.ch:
					o.write(m)
				default:
					return
				}
			}
		}
	}
}

func (o *outbox) write(m message.Message) {
	if o.failed {
		return
	}
	if o.timeout > 0 {
		_ = o.conn.SetWriteDeadline(time.Now().Add(o.timeout))
	}
	if err := o.w.Write(m); err != nil {
		o.failed = true
		o.log.Warn("write failed, closing connection", "error", err)
		// Unblocks the reader so the worker tears the session down.
		_ = o.conn.Close()
		return
	}
	if o.written != nil {
		o.written(m)
	}
}

// Send queues a reply, waiting for room. It reports false once the outbox
// is closed.
func (o *outbox) Send(m message.Message) bool {
	select {
	case <-o.stop:
		return false
	default:
	}
	select {
	case o.ch <- m:
		return true
	case <-o.stop:
		return false
	}
}

// TrySend queues an unsolicited message without blocking. The message is
// dropped when the client is not keeping up.
func (o *outbox) TrySend(m message.Message) {
	select {
	case <-o.stop:
		return
	default:
	}
	select {
	case o.ch <- m:
	default:
		o.log.Warn("outbox full, dropping message", "key", m.Key)
	}
}

// Close writes whatever is still queued and stops the writer.
func (o *outbox) Close() {
	o.once.Do(func() { close(o.stop) })
	<-o.done
}
