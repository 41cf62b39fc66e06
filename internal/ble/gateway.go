package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/rf433-gateway/internal/radio"
)

// ErrNotConnected is reported for operations dispatched without a link.
var ErrNotConnected = errors.New("ble: gateway not connected")

// GatewayOptions configures the gateway link.
type GatewayOptions struct {
	ReconnectMax   int           // max reconnect backoff in seconds; 0 retries immediately
	ConnectTimeout time.Duration // per-attempt connect timeout
	Reconnect      bool          // reconnect after an unexpected drop
	Logger         *slog.Logger
}

// DefaultGatewayOptions returns sensible defaults.
func DefaultGatewayOptions() GatewayOptions {
	return GatewayOptions{
		ReconnectMax:   30,
		ConnectTimeout: 10 * time.Second,
		Reconnect:      true,
	}
}

// Gateway is the hardware side of the radio queue. It owns the one BLE
// connection to the RF-433 gateway and implements radio.Link.
type Gateway struct {
	adapter Adapter
	queue   *radio.Queue
	opts    GatewayOptions
	log     *slog.Logger

	enableOnce sync.Once
	enableErr  error

	mu     sync.Mutex
	conn   Connection
	chars  map[string]Characteristic
	mac    string // device currently connected
	wanted string // device to stay connected to; empty after Disconnect
	stop   chan struct{}
	closed bool

	reconnecting atomic.Bool
}

// NewGateway creates a gateway link and attaches it to queue.
func NewGateway(adapter Adapter, queue *radio.Queue, opts GatewayOptions) *Gateway {
	if opts.ReconnectMax < 0 {
		opts.ReconnectMax = 30
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		adapter: adapter,
		queue:   queue,
		opts:    opts,
		log:     logger.With("component", "ble.gateway"),
		stop:    make(chan struct{}),
	}
	queue.Attach(g)
	return g
}

func (g *Gateway) enable() error {
	g.enableOnce.Do(func() {
		if err := g.adapter.Enable(); err != nil {
			g.enableErr = fmt.Errorf("ble: enable adapter: %w", err)
		}
	})
	return g.enableErr
}

// Address returns the address of the connected gateway, or "".
func (g *Gateway) Address() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mac
}

// Connect opens the link to the gateway at mac, replacing any existing
// connection to a different device.
func (g *Gateway) Connect(ctx context.Context, mac string) error {
	if err := g.enable(); err != nil {
		return err
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return radio.ErrClosed
	}
	if g.conn != nil && g.mac == mac {
		g.mu.Unlock()
		return nil
	}
	old := g.conn
	g.conn, g.chars, g.mac = nil, nil, ""
	g.wanted = mac
	g.mu.Unlock()

	if old != nil {
		g.log.Info("[BLE] switching gateway", "mac", mac)
		if err := old.Disconnect(); err != nil {
			g.log.Warn("[BLE] disconnect of previous gateway failed", "error", err)
		}
	}

	g.queue.SetState(radio.Connecting, mac)
	if err := g.dial(ctx, mac); err != nil {
		g.queue.SetState(radio.Disconnected, mac)
		return err
	}
	g.log.Info("[BLE] connected", "mac", mac)
	return nil
}

// dial connects, discovers the gateway characteristics and reports Connected.
func (g *Gateway) dial(ctx context.Context, mac string) error {
	ctx, cancel := context.WithTimeout(ctx, g.opts.ConnectTimeout)
	defer cancel()

	conn, err := g.adapter.Connect(ctx, mac)
	if err != nil {
		return fmt.Errorf("ble: connect to %s: %w", mac, err)
	}

	chars := make(map[string]Characteristic, len(gatewayChars))
	for _, id := range gatewayChars {
		c, err := conn.DiscoverCharacteristic(ServiceUUID, id)
		if err != nil {
			_ = conn.Disconnect()
			return fmt.Errorf("ble: discover %s: %w", id, err)
		}
		chars[id] = c
	}
	if err := chars[CaptureCharUUID].Subscribe(func(data []byte) {
		g.queue.Notify(CaptureCharUUID, data)
	}); err != nil {
		_ = conn.Disconnect()
		return fmt.Errorf("ble: subscribe to captures: %w", err)
	}

	g.mu.Lock()
	if g.closed || g.wanted != mac {
		g.mu.Unlock()
		_ = conn.Disconnect()
		return ErrNotConnected
	}
	g.conn, g.chars, g.mac = conn, chars, mac
	g.mu.Unlock()

	conn.OnDisconnect(func() { g.handleDrop(conn) })
	g.queue.SetState(radio.Connected, mac)
	return nil
}

// handleDrop runs when the peripheral goes away without being asked to.
func (g *Gateway) handleDrop(conn Connection) {
	g.mu.Lock()
	if g.conn != conn {
		g.mu.Unlock()
		return
	}
	mac := g.mac
	g.conn, g.chars, g.mac = nil, nil, ""
	retry := g.opts.Reconnect && !g.closed && g.wanted == mac
	g.mu.Unlock()

	g.log.Warn("[BLE] disconnected", "mac", mac)
	g.queue.SetState(radio.Disconnected, mac)
	if retry && g.reconnecting.CompareAndSwap(false, true) {
		go g.reconnectLoop(mac)
	}
}

// Disconnect drops the link on request. No reconnect follows.
func (g *Gateway) Disconnect() error {
	g.mu.Lock()
	conn, mac := g.conn, g.mac
	g.conn, g.chars, g.mac = nil, nil, ""
	if mac == "" {
		mac = g.wanted
	}
	g.wanted = ""
	g.mu.Unlock()

	var err error
	if conn != nil {
		if err = conn.Disconnect(); err != nil {
			err = fmt.Errorf("ble: disconnect: %w", err)
		}
		g.log.Info("[BLE] disconnected on request", "mac", mac)
	}
	g.queue.SetState(radio.Disconnected, mac)
	return err
}

// Close disconnects and stops any reconnect loop.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	close(g.stop)
	g.mu.Unlock()
	return g.Disconnect()
}

// Dispatch starts op on its characteristic and reports the outcome to the
// queue from a separate goroutine.
func (g *Gateway) Dispatch(op radio.Operation) {
	g.mu.Lock()
	c, ok := g.chars[op.Characteristic]
	g.mu.Unlock()

	go func() {
		if !ok {
			g.queue.Complete(radio.Completion{Seq: op.Seq, Kind: op.Kind, Err: ErrNotConnected})
			return
		}
		var value []byte
		var err error
		switch op.Kind {
		case radio.Write:
			err = c.Write(op.Payload)
		case radio.Read:
			value, err = c.Read()
		}
		if err != nil {
			err = fmt.Errorf("ble: %s %s: %w", op.Kind, op.Characteristic, err)
		}
		g.queue.Complete(radio.Completion{Seq: op.Seq, Kind: op.Kind, Value: value, Err: err})
	}()
}

var _ radio.Link = (*Gateway)(nil)

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	max := time.Duration(maxSeconds) * time.Second
	if attempt >= 31 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// reconnectLoop retries mac with exponential backoff until it connects,
// the gateway is closed, or another device is requested.
func (g *Gateway) reconnectLoop(mac string) {
	defer g.reconnecting.Store(false)

	for attempt := 0; ; attempt++ {
		// First attempt is immediate; later ones back off.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, g.opts.ReconnectMax)
			g.log.Info("[BLE] reconnect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-g.stop:
				return
			}
		}

		g.mu.Lock()
		give := g.closed || g.wanted != mac || g.conn != nil
		g.mu.Unlock()
		if give {
			return
		}

		g.queue.SetState(radio.Connecting, mac)
		if err := g.dial(context.Background(), mac); err != nil {
			g.log.Warn("[BLE] reconnect failed", "error", err, "attempt", attempt+1)
			g.queue.SetState(radio.Disconnected, mac)
			continue
		}
		g.log.Info("[BLE] reconnected", "mac", mac)
		return
	}
}
