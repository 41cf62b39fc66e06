package session

import (
	"fmt"

	"github.com/chaz8081/rf433-gateway/internal/radio"
)

// listener feeds bus events to a sub-protocol on its own goroutine.
type listener struct {
	sub  *radio.Subscription
	done chan struct{}
}

func listen(bus *radio.Bus, fn func(radio.Event)) *listener {
	l := &listener{sub: bus.Subscribe(), done: make(chan struct{})}
	go func() {
		defer close(l.done)
		for e := range l.sub.C {
			fn(e)
		}
	}()
	return l
}

// stop unsubscribes and waits for the last event to be handled. The caller
// must not hold a lock fn takes.
func (l *listener) stop() {
	if l == nil {
		return
	}
	l.sub.Close()
	<-l.done
}

func describeState(s radio.State, device string) string {
	switch s {
	case radio.Connected:
		return fmt.Sprintf("Gateway connected to %s", device)
	case radio.Connecting:
		return fmt.Sprintf("Gateway connecting to %s", device)
	default:
		return "Gateway disconnected"
	}
}
