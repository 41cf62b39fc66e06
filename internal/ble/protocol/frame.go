// Package protocol implements the byte frames exchanged with the RF-433
// gateway firmware over its GATT characteristics.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameLen is the size of a capture or transmission frame.
const FrameLen = 10

// ErrFrameLength is returned when a frame is not exactly FrameLen bytes.
var ErrFrameLength = errors.New("protocol: frame must be 10 bytes")

// Sniff command values written to the sniff characteristic.
const (
	SniffStop  byte = 0x00
	SniffStart byte = 0x01
)

// Frame is one RF code as the gateway reports a capture and as it expects a
// transmission.
//
//	bytes 0-3 (uint32 LE): code
//	bytes 4-7 (uint32 LE): pulse length in microseconds
//	byte  8   (uint8):     bit length
//	byte  9   (uint8):     RC protocol id
type Frame struct {
	Code        uint32
	PulseLength uint32
	BitLength   uint8
	Protocol    uint8
}

// DecodeFrame parses a 10-byte frame.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) != FrameLen {
		return Frame{}, fmt.Errorf("%w: got %d", ErrFrameLength, len(b))
	}
	return Frame{
		Code:        binary.LittleEndian.Uint32(b[0:4]),
		PulseLength: binary.LittleEndian.Uint32(b[4:8]),
		BitLength:   b[8],
		Protocol:    b[9],
	}, nil
}

// Marshal encodes the frame in wire order.
func (f Frame) Marshal() []byte {
	buf := make([]byte, FrameLen)
	binary.LittleEndian.PutUint32(buf[0:4], f.Code)
	binary.LittleEndian.PutUint32(buf[4:8], f.PulseLength)
	buf[8] = f.BitLength
	buf[9] = f.Protocol
	return buf
}

// SniffCommand returns the payload that switches capture mode on or off.
func SniffCommand(on bool) []byte {
	if on {
		return []byte{SniffStart}
	}
	return []byte{SniffStop}
}
