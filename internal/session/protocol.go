// Package session runs the conversation of one client connection.
//
// A Dispatcher first offers a menu of sub-protocols. Once the client picks
// one, every further message is routed to it until the client sends reset.
// The set of sub-protocols is closed: KnockKnock, RemoteSwitch and
// DeviceScan, all defined here.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/chaz8081/rf433-gateway/internal/ble"
	"github.com/chaz8081/rf433-gateway/internal/catalog"
	"github.com/chaz8081/rf433-gateway/internal/message"
	"github.com/chaz8081/rf433-gateway/internal/radio"
)

// Sub-protocol names, as offered in the menu.
const (
	KnockKnockName   = "KnockKnock"
	RemoteSwitchName = "RemoteSwitch"
	DeviceScanName   = "DeviceScan"
)

// CommandReset is the menu spelling of message.ActionReset.
const CommandReset = "Reset"

// Protocol is a sub-protocol bound to one session.
type Protocol interface {
	// Name returns the menu name of the protocol.
	Name() string
	// Process handles one client message and returns the reply.
	Process(ctx context.Context, in message.Message) message.Message
	// Close releases everything the protocol holds. No message is sent
	// after Close returns.
	Close()

	sealed()
}

// Link is the gateway connection a session can open and close.
type Link interface {
	Connect(ctx context.Context, mac string) error
	Disconnect() error
}

// Observer receives session statistics. Implementations must not block.
type Observer interface {
	ProtocolChosen(name string)
	SwitchLearned(added bool)
}

// Deps is what a session shares with every other session.
type Deps struct {
	Catalog *catalog.Catalog
	// Queue, Link and Scanner are nil when no BLE adapter is present.
	Queue        *radio.Queue
	Link         Link
	Scanner      ble.Scanner
	ScanDuration time.Duration
	Logger       *slog.Logger
	Observer     Observer
}

// HasHardware reports whether a gateway radio is available.
func (d Deps) HasHardware() bool {
	return d.Queue != nil && d.Link != nil && d.Scanner != nil
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d Deps) gatewayState() radio.State {
	if d.Queue == nil {
		return radio.Disconnected
	}
	return d.Queue.State()
}

func (d Deps) queueDevice() string {
	if d.Queue == nil {
		return ""
	}
	return d.Queue.Device()
}

// Sender delivers a message to the client outside the request/response
// cycle. It must not block and must be safe for concurrent use.
type Sender func(message.Message)

func reply(key, response string, commands []string) message.Message {
	return message.Message{Key: key, Response: response, Commands: commands}
}
