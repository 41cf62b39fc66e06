package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"github.com/chaz8081/rf433-gateway/internal/ble"
	"github.com/chaz8081/rf433-gateway/internal/catalog"
	"github.com/chaz8081/rf433-gateway/internal/message"
	"github.com/chaz8081/rf433-gateway/internal/radio"
)

// DeviceScan commands.
const (
	CommandScan       = "Scan"
	CommandConnect    = "Connect"
	CommandDisconnect = "Disconnect"
	CommandStatus     = "Status"
)

// DeviceScan finds gateways nearby and manages the connection to one.
type DeviceScan struct {
	deps Deps
	send Sender
	log  *slog.Logger

	ctx    context.Context // ends at Close
	cancel context.CancelFunc
	events *listener
	wg     sync.WaitGroup

	mu       sync.Mutex
	scanning bool
	found    []ble.Device
	closed   bool
}

// NewDeviceScan binds a DeviceScan to the gateway hardware. deps must have
// hardware.
func NewDeviceScan(deps Deps, send Sender) *DeviceScan {
	ctx, cancel := context.WithCancel(context.Background())
	d := &DeviceScan{
		deps:   deps,
		send:   send,
		log:    deps.logger().With("protocol", DeviceScanName),
		ctx:    ctx,
		cancel: cancel,
	}
	deps.Queue.Acquire()
	d.events = listen(deps.Queue.Bus(), d.handleEvent)
	return d
}

func (d *DeviceScan) Name() string { return DeviceScanName }

func (d *DeviceScan) commands() []string {
	d.mu.Lock()
	var cmds []string
	for _, dev := range d.found {
		cmds = append(cmds, dev.Name)
	}
	scanning := d.scanning
	d.mu.Unlock()

	if !scanning {
		cmds = append(cmds, CommandScan)
	}
	switch d.deps.gatewayState() {
	case radio.Connected:
		cmds = append(cmds, CommandStatus, CommandDisconnect)
	case radio.Connecting:
		cmds = append(cmds, CommandDisconnect)
	default:
		if d.deps.Catalog.Device().Address != "" {
			cmds = append(cmds, CommandConnect)
		}
	}
	return append(cmds, CommandReset)
}

func (d *DeviceScan) Process(ctx context.Context, in message.Message) message.Message {
	switch {
	case in.IsPing():
		return reply(DeviceScanName, describeState(d.deps.gatewayState(), d.deps.queueDevice()), d.commands())
	case in.Is(CommandScan):
		return d.scan()
	case in.Is(CommandConnect):
		last := d.deps.Catalog.Device()
		if last.Address == "" {
			return reply(DeviceScanName, "No saved gateway. Scan first.", d.commands())
		}
		return d.connect(last)
	case in.Is(CommandDisconnect):
		if err := d.deps.Link.Disconnect(); err != nil {
			d.log.Warn("disconnect failed", "error", err)
		}
		return reply(DeviceScanName, "Disconnected", d.commands())
	case in.Is(CommandStatus):
		return d.status()
	}

	if dev, ok := d.lookup(in.Action); ok {
		if err := d.deps.Catalog.SetDevice(ctx, catalog.Device{Address: dev.MAC, Name: dev.Name}); err != nil {
			d.log.Warn("saving gateway failed", "error", err)
		}
		return d.connect(catalog.Device{Address: dev.MAC, Name: dev.Name})
	}
	return reply(DeviceScanName, fmt.Sprintf("Unknown command %q", in.Action), d.commands())
}

func (d *DeviceScan) lookup(name string) (ble.Device, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	want := message.Normalize(name)
	for _, dev := range d.found {
		if message.Normalize(dev.Name) == want {
			return dev, true
		}
	}
	return ble.Device{}, false
}

func (d *DeviceScan) scan() message.Message {
	d.mu.Lock()
	if d.scanning {
		d.mu.Unlock()
		return reply(DeviceScanName, "Already scanning", d.commands())
	}
	d.scanning = true
	d.mu.Unlock()

	duration := d.deps.ScanDuration
	if duration <= 0 {
		duration = ble.DefaultScanDuration
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		devices, err := d.deps.Scanner.ScanForDevices(d.ctx, duration)

		d.mu.Lock()
		d.scanning = false
		if err == nil {
			d.found = devices
		}
		d.mu.Unlock()

		if err != nil {
			d.log.Warn("scan failed", "error", err)
			d.push(reply(DeviceScanName, "Scan failed: "+err.Error(), d.commands()))
			return
		}
		d.log.Info("scan finished", "devices", len(devices))
		d.push(reply(DeviceScanName, fmt.Sprintf("Found %d devices", len(devices)), d.commands()))
	}()
	return reply(DeviceScanName, fmt.Sprintf("Scanning for %s", duration), d.commands())
}

func (d *DeviceScan) connect(dev catalog.Device) message.Message {
	label := dev.Name
	if label == "" {
		label = dev.Address
	}
	// The connection is shared, so leaving this session does not abort it.
	ctx := context.WithoutCancel(d.ctx)
	go func() {
		if err := d.deps.Link.Connect(ctx, dev.Address); err != nil {
			d.log.Warn("connect failed", "mac", dev.Address, "error", err)
			d.push(reply(DeviceScanName, fmt.Sprintf("Connecting to %s failed: %v", label, err), d.commands()))
		}
	}()
	return reply(DeviceScanName, "Connecting to "+label, d.commands())
}

func (d *DeviceScan) status() message.Message {
	ticket, err := d.deps.Queue.EnqueueRead(ble.StatusCharUUID)
	if err != nil {
		return reply(DeviceScanName, radioError(err), d.commands())
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case res := <-ticket.Done():
			if res.Err != nil {
				d.push(reply(DeviceScanName, "Status failed: "+radioError(res.Err), d.commands()))
				return
			}
			d.push(message.Message{
				Key:      DeviceScanName,
				Response: "Gateway status: " + printable(res.Value),
				Data:     fmt.Sprintf("%x", res.Value),
				Commands: d.commands(),
			})
		case <-d.ctx.Done():
		}
	}()
	return reply(DeviceScanName, "Reading gateway status", d.commands())
}

// printable renders a status value as text when it is text, hex otherwise.
func printable(b []byte) string {
	s := strings.TrimRight(string(b), "\x00")
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return fmt.Sprintf("%x", b)
		}
	}
	return s
}

func (d *DeviceScan) handleEvent(e radio.Event) {
	if e.Kind != radio.EventState {
		return
	}
	d.push(reply(DeviceScanName, describeState(e.State, e.Device), d.commands()))
}

func (d *DeviceScan) push(m message.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.send == nil {
		return
	}
	d.send(m)
}

// Scanning reports whether a scan is in progress.
func (d *DeviceScan) Scanning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scanning
}

func (d *DeviceScan) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.events.stop()
	d.wg.Wait()
	d.deps.Queue.Release()
}

func (d *DeviceScan) sealed() {}
