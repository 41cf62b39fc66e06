// Package rfswitch models RF-433 power switches and learns new ones from
// pairs of raw radio captures.
package rfswitch

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalid is returned when switch data cannot be decoded.
var ErrInvalid = errors.New("rfswitch: invalid switch data")

// Switch is one remote-controlled outlet. Identity is the (OnCode, OffCode)
// pair; Name is only a label.
type Switch struct {
	Name        string `json:"name"`
	OnCode      uint32 `json:"on_code"`
	OffCode     uint32 `json:"off_code"`
	PulseLength uint32 `json:"pulse_length"`
	BitLength   uint8  `json:"bit_length"`
	Protocol    uint8  `json:"protocol"`
}

// Equal reports whether s and o address the same physical switch.
func (s Switch) Equal(o Switch) bool {
	return s.OnCode == o.OnCode && s.OffCode == o.OffCode
}

// Renamed returns a copy of s carrying name.
func (s Switch) Renamed(name string) Switch {
	s.Name = name
	return s
}

func (s Switch) String() string {
	if s.Name == "" {
		return fmt.Sprintf("%06x/%06x", s.OnCode, s.OffCode)
	}
	return s.Name
}

// Decode parses a single switch from its JSON form.
func Decode(data string) (Switch, error) {
	var s Switch
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return Switch{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if s.OnCode == 0 && s.OffCode == 0 {
		return Switch{}, fmt.Errorf("%w: missing codes", ErrInvalid)
	}
	return s, nil
}

// EncodeList serializes switches as a JSON array. A nil list encodes as [].
func EncodeList(list []Switch) (string, error) {
	if list == nil {
		list = []Switch{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("rfswitch: encode list: %w", err)
	}
	return string(b), nil
}

// DecodeList parses a JSON array of switches.
func DecodeList(data []byte) ([]Switch, error) {
	var list []Switch
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return list, nil
}

// Index returns the position of the first switch in list equal to s, or -1.
func Index(list []Switch, s Switch) int {
	for i, c := range list {
		if c.Equal(s) {
			return i
		}
	}
	return -1
}
