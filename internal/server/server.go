// Package server accepts client connections and runs one session per
// connection over the line-delimited JSON protocol.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/chaz8081/rf433-gateway/internal/message"
	"github.com/chaz8081/rf433-gateway/internal/session"
)

const (
	defaultOutboxSize   = 32
	defaultWriteTimeout = 10 * time.Second
)

// Observer receives connection statistics. Implementations must not block.
type Observer interface {
	SessionOpened()
	SessionClosed(lifetime time.Duration)
	MessageIn(action string)
	MessageOut(key string)
}

// Options configures a Server.
type Options struct {
	// Addr is the listen address. Empty means an OS-chosen port on all
	// interfaces.
	Addr string
	// Deps is shared by every session.
	Deps     session.Deps
	Logger   *slog.Logger
	Observer Observer
	// OutboxSize bounds the messages queued for one client.
	OutboxSize   int
	WriteTimeout time.Duration
}

// Server is the connection server. Each accepted connection gets its own
// worker goroutine and session.Dispatcher.
type Server struct {
	opts Options
	log  *slog.Logger

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// New returns a Server that is not yet listening.
func New(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":0"
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = defaultOutboxSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		opts:  opts,
		log:   log.With("component", "server"),
		conns: make(map[net.Conn]struct{}),
	}
}

// Listen binds the listener. It is separate from Serve so the chosen port
// can be advertised before the first connection is accepted.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Port returns the bound TCP port, or 0 before Listen.
func (s *Server) Port() int {
	if a, ok := s.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Serve accepts connections until ctx is cancelled, then closes every open
// connection and waits for their workers. Listen is called if it has not
// been already.
func (s *Server) Serve(ctx context.Context) error {
	if s.Addr() == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		s.closeConns()
	})
	defer stop()

	var err error
	for {
		conn, aerr := ln.Accept()
		if aerr != nil {
			if ctx.Err() == nil && !errors.Is(aerr, net.ErrClosed) {
				err = fmt.Errorf("accept: %w", aerr)
			}
			break
		}
		if !s.track(conn) {
			_ = conn.Close()
			break
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handle(ctx, conn)
		}()
	}

	_ = ln.Close()
	s.closeConns()
	s.wg.Wait()
	s.log.Info("stopped")
	return err
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeConns() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for c := range conns {
		_ = c.Close()
	}
}

// Conns returns the number of open connections.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// handle runs one connection: greeting first, then one reply per line
// until EOF, an I/O error, or a reply that says goodbye.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	start := time.Now()
	log := s.log.With("remote", conn.RemoteAddr().String())
	log.Info("session opened")
	if s.opts.Observer != nil {
		s.opts.Observer.SessionOpened()
	}

	out := newOutbox(conn, s.opts.OutboxSize, s.opts.WriteTimeout, log, func(m message.Message) {
		if s.opts.Observer != nil {
			s.opts.Observer.MessageOut(m.Key)
		}
	})
	go out.run()

	deps := s.opts.Deps
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("remote", conn.RemoteAddr().String())
	d := session.NewDispatcher(deps, out.TrySend)

	defer func() {
		d.Close()
		out.Close()
		_ = conn.Close()
		log.Info("session closed", "duration", time.Since(start).Round(time.Millisecond))
		if s.opts.Observer != nil {
			s.opts.Observer.SessionClosed(time.Since(start))
		}
	}()

	if !out.Send(d.Greeting()) {
		return
	}

	r := message.NewReader(conn)
	for {
		in, err := r.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn("read failed", "error", err)
			}
			return
		}
		if s.opts.Observer != nil {
			s.opts.Observer.MessageIn(message.Normalize(in.Action))
		}
		log.Debug("message received", "action", in.Action, "key", in.Key)

		resp := d.Process(ctx, in)
		if !out.Send(resp) {
			return
		}
		if resp.Response == message.Bye {
			log.Debug("client said goodbye")
			return
		}
	}
}
