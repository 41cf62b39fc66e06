package rfswitch

import (
	"errors"
	"fmt"

	"github.com/chaz8081/rf433-gateway/internal/ble/protocol"
)

// CaptureState is the position of a Capture within an on/off pair.
type CaptureState int

const (
	AwaitingOn CaptureState = iota
	AwaitingOff
)

func (s CaptureState) String() string {
	switch s {
	case AwaitingOn:
		return "AwaitingOn"
	case AwaitingOff:
		return "AwaitingOff"
	default:
		return fmt.Sprintf("CaptureState(%d)", int(s))
	}
}

// Capture errors.
var (
	ErrCaptureLength = errors.New("rfswitch: capture has wrong length")
	ErrNoOnCode      = errors.New("rfswitch: off code captured before on code")
	ErrSameCode      = errors.New("rfswitch: off code equals on code")
)

// Capture assembles a Switch from two consecutive radio captures: first the
// on button, then the off button. It is not safe for concurrent use and
// assumes captures for different switches are never interleaved.
type Capture struct {
	state CaptureState
	on    protocol.Frame
}

// NewCapture returns a Capture awaiting an on code.
func NewCapture() *Capture {
	return &Capture{}
}

// State returns the current state.
func (c *Capture) State() CaptureState {
	return c.state
}

// Reset discards a half-finished pair.
func (c *Capture) Reset() {
	c.state = AwaitingOn
	c.on = protocol.Frame{}
}

// WithOnCode records the on capture and moves to AwaitingOff. Calling it
// again before an off code replaces the earlier capture.
func (c *Capture) WithOnCode(raw []byte) error {
	f, err := protocol.DecodeFrame(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCaptureLength, err)
	}
	c.on = f
	c.state = AwaitingOff
	return nil
}

// WithOffCode records the off capture and returns the assembled switch.
// Pulse lengths of both captures are averaged; bit length and protocol come
// from the on capture. On success the machine returns to AwaitingOn.
func (c *Capture) WithOffCode(raw []byte) (Switch, error) {
	if c.state != AwaitingOff {
		return Switch{}, ErrNoOnCode
	}
	f, err := protocol.DecodeFrame(raw)
	if err != nil {
		return Switch{}, fmt.Errorf("%w: %w", ErrCaptureLength, err)
	}
	if f.Code == c.on.Code {
		return Switch{}, ErrSameCode
	}

	sw := Switch{
		OnCode:      c.on.Code,
		OffCode:     f.Code,
		PulseLength: uint32((uint64(c.on.PulseLength) + uint64(f.PulseLength)) / 2),
		BitLength:   c.on.BitLength,
		Protocol:    c.on.Protocol,
	}
	c.Reset()
	return sw, nil
}

// Feed routes a capture according to the current state. done is true when
// the capture completed a switch.
func (c *Capture) Feed(raw []byte) (sw Switch, done bool, err error) {
	if c.state == AwaitingOn {
		return Switch{}, false, c.WithOnCode(raw)
	}
	sw, err = c.WithOffCode(raw)
	if err != nil {
		return Switch{}, false, err
	}
	return sw, true, nil
}
