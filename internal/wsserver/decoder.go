package wsserver

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"switchboard/internal/wsproto"
)

// State is one of the decoder's four states (spec §4.G / §9's redesign of
// the original's generator-based command coroutines into an explicit
// step function).
type State int

const (
	StateIdle State = iota
	StateRunning
	StateWaitingForInput
	StateFinished
)

// Coroutine is one command's resumable body. Called with "" to start (and
// again with "" for any internal auto-continuation step); called with the
// user's reply once the previous step returned StateWaitingForInput.
type Coroutine func(input string) (wsproto.Response, State)

// CommandFunc builds a fresh Coroutine for one invocation of a named
// command, given its string arguments.
type CommandFunc func(args []string) Coroutine

// Decoder is the per-connection command state machine. IDLE accepts a new
// named command; RUNNING/WAITING_FOR_INPUT belong to whatever coroutine is
// live; a command arriving on top of a live coroutine is rejected, not
// interrupted (spec §9 Open Question: resolved as REJECT).
type Decoder struct {
	mu       sync.Mutex
	state    State
	active   Coroutine
	commands map[string]CommandFunc
	log      *logrus.Logger
}

func NewDecoder(commands map[string]CommandFunc, log *logrus.Logger) *Decoder {
	return &Decoder{state: StateIdle, commands: commands, log: log}
}

// Handle processes one inbound ws_ctrl frame and returns every response to
// emit, in order.
func (d *Decoder) Handle(raw []byte) []wsproto.Response {
	in, err := wsproto.ParseIncoming(raw)
	if err != nil {
		return []wsproto.Response{finishedErr(err.Error())}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if in.Command == wsproto.UserInputCommand {
		if d.state != StateWaitingForInput {
			return []wsproto.Response{finishedErr("no command is waiting for input")}
		}
		return d.runUntilYield(in.Text)
	}

	if d.state != StateIdle {
		if d.log != nil {
			d.log.WithField("command", in.Command).Warn("ignoring command: another command is still in progress")
		}
		return []wsproto.Response{finishedErr(fmt.Sprintf("a command is already in progress, ignoring %q", in.Command))}
	}

	factory, ok := d.commands[in.Command]
	if !ok {
		return []wsproto.Response{finishedErr(fmt.Sprintf("unknown command %q", in.Command))}
	}

	d.active = factory(in.Args)
	d.state = StateRunning
	return d.runUntilYield("")
}

// runUntilYield drives the active coroutine, auto-continuing on
// StateRunning, until it needs input or finishes (spec §4.G: "loop next
// until WAITING_FOR_INPUT or FINISHED").
func (d *Decoder) runUntilYield(input string) []wsproto.Response {
	var responses []wsproto.Response
	for {
		resp, next := d.active(input)
		responses = append(responses, resp)
		d.state = next
		switch next {
		case StateFinished:
			d.active = nil
			d.state = StateIdle
			return responses
		case StateWaitingForInput:
			return responses
		default:
			input = ""
		}
	}
}

func finishedOK(text string) wsproto.Response {
	return wsproto.Response{Command: "response", DisplayText: text, CommandFinished: true}
}

func finishedErr(text string) wsproto.Response {
	return wsproto.Response{Command: "response", DisplayText: text, CommandFinished: true, CommandStatus: wsproto.StatusError}
}

func waitingWarn(text string) wsproto.Response {
	return wsproto.Response{Command: "response", DisplayText: text, GetInput: true, CommandStatus: wsproto.StatusWarning}
}

func waitingInfo(text string) wsproto.Response {
	return wsproto.Response{Command: "response", DisplayText: text, GetInput: true}
}
