// Package message defines the newline-delimited JSON messages exchanged
// between a client and a gateway session.
//
// Every outbound message is self-describing: Commands lists the actions the
// sender will accept next, so a client can render a menu without knowing the
// protocol in advance.
package message

import (
	"errors"
	"strings"
)

// Well-known actions understood by every session.
const (
	ActionPing  = "ping"
	ActionReset = "reset"
)

// Bye is the response text that ends a conversation. The connection server
// closes the socket after writing a message carrying it.
const Bye = "Bye."

// ErrEmpty is returned by Validate for an outbound message that carries
// neither a response nor a command list.
var ErrEmpty = errors.New("message: response and commands are both empty")

// Message is one line on the wire.
type Message struct {
	// Key identifies the sub-protocol that produced the message.
	Key string `json:"key,omitempty"`
	// Action is the command the sender is invoking. Empty on a plain connect.
	Action string `json:"action,omitempty"`
	// Data is an opaque payload, e.g. a base64 transmission or a serialized catalog.
	Data string `json:"data,omitempty"`
	// Response is human-readable text for display.
	Response string `json:"response,omitempty"`
	// Commands are the actions that are legal next. Always encoded, so an
	// empty list survives a round trip.
	Commands []string `json:"commands"`
}

// Normalize folds an action for comparison: surrounding whitespace is
// dropped and case is ignored.
func Normalize(action string) string {
	return strings.ToLower(strings.TrimSpace(action))
}

// Is reports whether the message invokes the given action.
func (m Message) Is(action string) bool {
	return Normalize(m.Action) == Normalize(action)
}

// IsPing reports whether the message is a ping. A message without an action
// (the first message of a plain connect) counts as a ping.
func (m Message) IsPing() bool {
	a := Normalize(m.Action)
	return a == "" || a == ActionPing
}

// HasCommand reports whether cmd is among the message's legal next actions.
func (m Message) HasCommand(cmd string) bool {
	return containsFold(m.Commands, cmd)
}

// Validate checks the invariant every outbound message must satisfy.
func (m Message) Validate() error {
	if m.Response == "" && len(m.Commands) == 0 {
		return ErrEmpty
	}
	return nil
}

// MergeCommands returns cmds followed by every entry of extra that is not
// already present. Comparison ignores case. cmds is never modified.
func MergeCommands(cmds []string, extra ...string) []string {
	out := make([]string, 0, len(cmds)+len(extra))
	out = append(out, cmds...)
	for _, e := range extra {
		if !containsFold(out, e) {
			out = append(out, e)
		}
	}
	return out
}

func containsFold(list []string, s string) bool {
	want := Normalize(s)
	for _, c := range list {
		if Normalize(c) == want {
			return true
		}
	}
	return false
}
