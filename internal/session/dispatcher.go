package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chaz8081/rf433-gateway/internal/message"
)

// DispatcherKey identifies messages produced by the dispatcher itself.
const DispatcherKey = "Session"

const chooseProtocol = "Choose a protocol"

// Dispatcher owns the active sub-protocol of one connection. It is driven
// by a single goroutine; unsolicited messages from the sub-protocol go out
// through the Sender it was built with.
type Dispatcher struct {
	deps Deps
	send Sender
	log  *slog.Logger

	active Protocol // nil while choosing
}

// NewDispatcher returns a dispatcher in the choosing state.
func NewDispatcher(deps Deps, send Sender) *Dispatcher {
	return &Dispatcher{
		deps: deps,
		send: send,
		log:  deps.logger().With("component", "session"),
	}
}

// Protocols lists the sub-protocols on offer, in menu order.
func (d *Dispatcher) Protocols() []string {
	names := []string{KnockKnockName, RemoteSwitchName}
	if d.deps.HasHardware() {
		names = append(names, DeviceScanName)
	}
	return names
}

func (d *Dispatcher) menu(prefix string) message.Message {
	return reply(DispatcherKey, prefix+chooseProtocol, message.MergeCommands(d.Protocols(), CommandReset))
}

// Greeting is the first message written on a new connection.
func (d *Dispatcher) Greeting() message.Message {
	return d.menu("")
}

// Active returns the name of the bound sub-protocol, or "" while choosing.
func (d *Dispatcher) Active() string {
	if d.active == nil {
		return ""
	}
	return d.active.Name()
}

// Process routes one client message.
func (d *Dispatcher) Process(ctx context.Context, in message.Message) message.Message {
	if in.Is(message.ActionReset) {
		d.closeActive()
		return d.menu("")
	}
	if d.active != nil {
		return d.active.Process(ctx, in)
	}
	if in.IsPing() {
		return d.menu("")
	}

	p := d.choose(in.Action)
	if p == nil {
		return d.menu(fmt.Sprintf("Invalid command %q. ", in.Action))
	}
	d.active = p
	d.log.Info("protocol chosen", "protocol", p.Name())
	if d.deps.Observer != nil {
		d.deps.Observer.ProtocolChosen(p.Name())
	}

	out := p.Process(ctx, message.Message{Action: message.ActionPing})
	header := "Chose Protocol: " + p.Name()
	if out.Response != "" {
		header += "\n" + out.Response
	}
	out.Response = header
	out.Commands = message.MergeCommands(out.Commands, CommandReset)
	return out
}

// choose builds the named sub-protocol, or returns nil when the name is not
// on offer.
func (d *Dispatcher) choose(name string) Protocol {
	switch message.Normalize(name) {
	case message.Normalize(KnockKnockName):
		return NewKnockKnock()
	case message.Normalize(RemoteSwitchName):
		return NewRemoteSwitch(d.deps, d.send)
	case message.Normalize(DeviceScanName):
		if d.deps.HasHardware() {
			return NewDeviceScan(d.deps, d.send)
		}
	}
	return nil
}

func (d *Dispatcher) closeActive() {
	if d.active == nil {
		return
	}
	d.log.Debug("closing protocol", "protocol", d.active.Name())
	d.active.Close()
	d.active = nil
}

// Close releases the active sub-protocol.
func (d *Dispatcher) Close() {
	d.closeActive()
}
