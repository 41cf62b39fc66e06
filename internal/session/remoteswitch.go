package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/chaz8081/rf433-gateway/internal/ble"
	"github.com/chaz8081/rf433-gateway/internal/ble/protocol"
	"github.com/chaz8081/rf433-gateway/internal/catalog"
	"github.com/chaz8081/rf433-gateway/internal/message"
	"github.com/chaz8081/rf433-gateway/internal/radio"
	"github.com/chaz8081/rf433-gateway/internal/rfswitch"
)

// RemoteSwitch commands.
const (
	CommandRefresh  = "Refresh"
	CommandSniff    = "Sniff"
	CommandTransmit = "Transmit"
	CommandRename   = "Rename"
	CommandDelete   = "Delete"
)

// RemoteSwitch manages the switch catalog, learns new switches from radio
// captures and transmits codes through the gateway.
type RemoteSwitch struct {
	deps Deps
	send Sender
	log  *slog.Logger
	ctx  context.Context // ends at Close; used for writes from the listener

	cancel context.CancelFunc
	events *listener

	mu       sync.Mutex
	capture  *rfswitch.Capture
	sniffing bool
	closed   bool
}

// NewRemoteSwitch binds a RemoteSwitch to the shared catalog and, when a
// gateway is present, to the radio queue and its events.
func NewRemoteSwitch(deps Deps, send Sender) *RemoteSwitch {
	ctx, cancel := context.WithCancel(context.Background())
	r := &RemoteSwitch{
		deps:    deps,
		send:    send,
		log:     deps.logger().With("protocol", RemoteSwitchName),
		ctx:     ctx,
		cancel:  cancel,
		capture: rfswitch.NewCapture(),
	}
	if deps.Queue != nil {
		deps.Queue.Acquire()
		r.events = listen(deps.Queue.Bus(), r.handleEvent)
	}
	return r
}

func (r *RemoteSwitch) Name() string { return RemoteSwitchName }

// commands lists what is legal now. Radio actions need a connected gateway.
func (r *RemoteSwitch) commands() []string {
	cmds := []string{CommandRefresh}
	if r.deps.gatewayState() == radio.Connected {
		cmds = append(cmds, CommandSniff, CommandTransmit)
	}
	return append(cmds, CommandRename, CommandDelete, CommandReset)
}

func (r *RemoteSwitch) withCatalog(response string) message.Message {
	m := reply(RemoteSwitchName, response, r.commands())
	data, err := r.deps.Catalog.Encode()
	if err != nil {
		r.log.Error("encoding catalog failed", "error", err)
		return m
	}
	m.Data = data
	return m
}

func (r *RemoteSwitch) Process(ctx context.Context, in message.Message) message.Message {
	switch {
	case in.IsPing():
		return r.withCatalog(fmt.Sprintf("%d switches. %s", r.deps.Catalog.Len(),
			describeState(r.deps.gatewayState(), r.deps.queueDevice())))
	case in.Is(CommandRefresh):
		return r.withCatalog(fmt.Sprintf("%d switches", r.deps.Catalog.Len()))
	case in.Is(CommandSniff):
		return r.sniff()
	case in.Is(CommandTransmit):
		return r.transmit(in.Data)
	case in.Is(CommandRename):
		return r.rename(ctx, in.Data)
	case in.Is(CommandDelete):
		return r.delete(ctx, in.Data)
	default:
		return reply(RemoteSwitchName, fmt.Sprintf("Unknown command %q", in.Action), r.commands())
	}
}

func (r *RemoteSwitch) sniff() message.Message {
	if r.deps.Queue == nil {
		return reply(RemoteSwitchName, "No gateway available", r.commands())
	}
	if _, err := r.deps.Queue.EnqueueWrite(ble.SniffCharUUID, protocol.SniffCommand(true)); err != nil {
		return reply(RemoteSwitchName, radioError(err), r.commands())
	}
	r.mu.Lock()
	r.capture.Reset()
	r.sniffing = true
	r.mu.Unlock()
	return reply(RemoteSwitchName, "Sniffing. Press the ON button on the remote.", r.commands())
}

func (r *RemoteSwitch) transmit(data string) message.Message {
	if r.deps.Queue == nil {
		return reply(RemoteSwitchName, "No gateway available", r.commands())
	}
	payload, err := base64.StdEncoding.DecodeString(data)
	if err != nil || len(payload) == 0 {
		return reply(RemoteSwitchName, "Transmit needs base64 data", r.commands())
	}
	ticket, err := r.deps.Queue.EnqueueWrite(ble.TransmitCharUUID, payload)
	if err != nil {
		return reply(RemoteSwitchName, radioError(err), r.commands())
	}
	go func() {
		res := <-ticket.Done()
		if res.Err != nil {
			r.push(reply(RemoteSwitchName, "Transmit failed: "+radioError(res.Err), r.commands()))
		}
	}()
	return reply(RemoteSwitchName, fmt.Sprintf("Transmitting %d bytes", len(payload)), r.commands())
}

func (r *RemoteSwitch) rename(ctx context.Context, data string) message.Message {
	target, err := rfswitch.Decode(data)
	if err != nil {
		return reply(RemoteSwitchName, "Rename needs a switch", r.commands())
	}
	name := strings.TrimSpace(target.Name)
	if name == "" {
		return reply(RemoteSwitchName, "Rename needs a new name", r.commands())
	}
	sw, err := r.deps.Catalog.Rename(ctx, target, name)
	if errors.Is(err, catalog.ErrNotFound) {
		return r.withCatalog("no such switch")
	}
	if err != nil {
		r.log.Warn("rename not persisted", "error", err)
	}
	return r.withCatalog(fmt.Sprintf("Renamed to %s", sw.Name))
}

func (r *RemoteSwitch) delete(ctx context.Context, data string) message.Message {
	target, err := rfswitch.Decode(data)
	if err != nil {
		return reply(RemoteSwitchName, "Delete needs a switch", r.commands())
	}
	sw, err := r.deps.Catalog.Delete(ctx, target)
	if errors.Is(err, catalog.ErrNotFound) {
		return r.withCatalog("no such switch")
	}
	if err != nil {
		r.log.Warn("delete not persisted", "error", err)
	}
	return r.withCatalog(fmt.Sprintf("Deleted %s", sw))
}

// handleEvent runs on the listener goroutine.
func (r *RemoteSwitch) handleEvent(e radio.Event) {
	switch e.Kind {
	case radio.EventState:
		if e.State == radio.Disconnected {
			r.mu.Lock()
			r.sniffing = false
			r.capture.Reset()
			r.mu.Unlock()
		}
		r.push(reply(RemoteSwitchName, describeState(e.State, e.Device), r.commands()))
	case radio.EventNotify:
		if e.Characteristic == ble.CaptureCharUUID {
			r.handleCapture(e.Value)
		}
	}
}

func (r *RemoteSwitch) handleCapture(raw []byte) {
	r.mu.Lock()
	if !r.sniffing {
		r.mu.Unlock()
		return
	}
	sw, done, err := r.capture.Feed(raw)
	if done {
		r.sniffing = false
	}
	r.mu.Unlock()

	switch {
	case errors.Is(err, rfswitch.ErrSameCode):
		r.push(reply(RemoteSwitchName, "Got the ON code again. Press the OFF button.", r.commands()))
		return
	case err != nil:
		r.log.Warn("capture rejected", "error", err)
		r.push(reply(RemoteSwitchName, "Capture rejected: "+err.Error(), r.commands()))
		return
	case !done:
		r.log.Debug("captured on code")
		r.push(reply(RemoteSwitchName, "Got ON code. Press the OFF button.", r.commands()))
		return
	}

	r.log.Debug("captured switch", "on_code", sw.OnCode, "off_code", sw.OffCode)
	if _, err := r.deps.Queue.EnqueueWrite(ble.SniffCharUUID, protocol.SniffCommand(false)); err != nil {
		r.log.Warn("stopping capture mode failed", "error", err)
	}

	sw.Name = fmt.Sprintf("Switch %d", r.deps.Catalog.Len()+1)
	stored, added, err := r.deps.Catalog.Add(r.ctx, sw)
	if err != nil {
		r.log.Warn("learned switch not persisted", "error", err)
	}
	if r.deps.Observer != nil {
		r.deps.Observer.SwitchLearned(added)
	}
	if !added {
		r.push(r.withCatalog(fmt.Sprintf("Already known as %s", stored.Name)))
		return
	}
	r.log.Info("learned switch", "name", stored.Name)
	r.push(r.withCatalog(fmt.Sprintf("Learned %s", stored.Name)))
}

// push sends an unsolicited message unless the protocol is closed.
func (r *RemoteSwitch) push(m message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.send == nil {
		return
	}
	r.send(m)
}

// Sniffing reports whether a capture pair is being collected.
func (r *RemoteSwitch) Sniffing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sniffing
}

// CaptureState returns the state of the capture machine.
func (r *RemoteSwitch) CaptureState() rfswitch.CaptureState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capture.State()
}

func (r *RemoteSwitch) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.events.stop()
	if r.deps.Queue != nil {
		r.deps.Queue.Release()
	}
}

func (r *RemoteSwitch) sealed() {}

func radioError(err error) string {
	switch {
	case errors.Is(err, radio.ErrDisconnected):
		return "Gateway not connected"
	case errors.Is(err, radio.ErrTimeout):
		return "Gateway did not respond"
	default:
		return err.Error()
	}
}
