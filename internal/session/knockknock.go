package session

import (
	"context"
	"fmt"

	"github.com/chaz8081/rf433-gateway/internal/message"
)

const (
	whosThere   = "who's there?"
	knockKnock  = "Knock! Knock!"
	wantAnother = "Want another? (y/n)"
)

type joke struct {
	clue   string
	answer string
}

var jokes = []joke{
	{"Turnip", "Turnip the heat, it's cold in here!"},
	{"Little Old Lady", "I didn't know you could yodel!"},
	{"Atch", "Bless you!"},
	{"Who", "Is there an owl in here?"},
	{"Who", "Is there an echo in here?"},
}

type kkState int

const (
	kkWaiting kkState = iota
	kkSentSetup
	kkSentClue
	kkAskAnother
)

// KnockKnock tells knock-knock jokes. It touches no hardware.
type KnockKnock struct {
	state   kkState
	current int
}

// NewKnockKnock returns a KnockKnock waiting to start the first joke.
func NewKnockKnock() *KnockKnock {
	return &KnockKnock{}
}

func (k *KnockKnock) Name() string { return KnockKnockName }

// Current returns the index of the joke being told.
func (k *KnockKnock) Current() int { return k.current }

func (k *KnockKnock) clueWho() string {
	return jokes[k.current].clue + " who?"
}

func (k *KnockKnock) setup(prefix string) message.Message {
	k.state = kkSentSetup
	return reply(KnockKnockName, prefix+knockKnock, []string{whosThere, CommandReset})
}

func (k *KnockKnock) Process(_ context.Context, in message.Message) message.Message {
	switch k.state {
	case kkSentSetup:
		if in.IsPing() {
			return k.setup("")
		}
		if in.Is(whosThere) {
			k.state = kkSentClue
			return reply(KnockKnockName, jokes[k.current].clue, []string{k.clueWho(), CommandReset})
		}
		return k.setup(fmt.Sprintf("You're supposed to say %q! Try again. ", whosThere))

	case kkSentClue:
		if in.IsPing() {
			return reply(KnockKnockName, jokes[k.current].clue, []string{k.clueWho(), CommandReset})
		}
		if in.Is(k.clueWho()) {
			k.state = kkAskAnother
			return reply(KnockKnockName, jokes[k.current].answer+" "+wantAnother, []string{"y", "n", CommandReset})
		}
		return k.setup(fmt.Sprintf("You're supposed to say %q! Try again. ", k.clueWho()))

	case kkAskAnother:
		switch {
		case in.Is("y"):
			k.current = (k.current + 1) % len(jokes)
			return k.setup("")
		case in.Is("n"):
			k.state = kkWaiting
			return reply(KnockKnockName, message.Bye, nil)
		default:
			return reply(KnockKnockName, wantAnother, []string{"y", "n", CommandReset})
		}

	default: // kkWaiting
		return k.setup("")
	}
}

func (k *KnockKnock) Close() {}

func (k *KnockKnock) sealed() {}
