package wsserver

import (
	"encoding/json"
	"testing"

	"switchboard/internal/wsproto"
)

func mustEncode(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestDecoderSingleStepCommand(t *testing.T) {
	calls := 0
	commands := map[string]CommandFunc{
		"ping": func(args []string) Coroutine {
			return func(string) (wsproto.Response, State) {
				calls++
				return finishedOK("pong"), StateFinished
			}
		},
	}
	d := NewDecoder(commands, nil)

	resp := d.Handle(mustEncode(t, wsproto.Incoming{Command: "ping"}))
	if len(resp) != 1 || !resp[0].CommandFinished || resp[0].DisplayText != "pong" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one step, got %d", calls)
	}
	if d.state != StateIdle {
		t.Fatalf("expected decoder to return to IDLE, got %v", d.state)
	}
}

func TestDecoderRejectsCommandWhileOneInProgress(t *testing.T) {
	commands := map[string]CommandFunc{
		"wait": func(args []string) Coroutine {
			first := true
			return func(string) (wsproto.Response, State) {
				if first {
					first = false
					return waitingInfo("say something"), StateWaitingForInput
				}
				return finishedOK("done"), StateFinished
			}
		},
		"other": func(args []string) Coroutine {
			return func(string) (wsproto.Response, State) {
				return finishedOK("should not run"), StateFinished
			}
		},
	}
	d := NewDecoder(commands, nil)

	resp := d.Handle(mustEncode(t, wsproto.Incoming{Command: "wait"}))
	if len(resp) != 1 || !resp[0].GetInput {
		t.Fatalf("expected the wait command to ask for input, got %+v", resp)
	}

	resp = d.Handle(mustEncode(t, wsproto.Incoming{Command: "other"}))
	if len(resp) != 1 || resp[0].CommandStatus != wsproto.StatusError {
		t.Fatalf("expected the second command to be rejected with an error, got %+v", resp)
	}
	if d.state != StateWaitingForInput {
		t.Fatalf("expected the original coroutine to remain untouched, got state %v", d.state)
	}

	resp = d.Handle(mustEncode(t, wsproto.Incoming{Command: wsproto.UserInputCommand, Text: "hello"}))
	if len(resp) != 1 || !resp[0].CommandFinished || resp[0].DisplayText != "done" {
		t.Fatalf("expected the original wait command to resume and finish, got %+v", resp)
	}
}

func TestDecoderUserInputWhileIdleIsAnError(t *testing.T) {
	d := NewDecoder(map[string]CommandFunc{}, nil)
	resp := d.Handle(mustEncode(t, wsproto.Incoming{Command: wsproto.UserInputCommand, Text: "y"}))
	if len(resp) != 1 || resp[0].CommandStatus != wsproto.StatusError {
		t.Fatalf("expected an error response, got %+v", resp)
	}
}

func TestDecoderUnknownCommand(t *testing.T) {
	d := NewDecoder(map[string]CommandFunc{}, nil)
	resp := d.Handle(mustEncode(t, wsproto.Incoming{Command: "bogus"}))
	if len(resp) != 1 || resp[0].CommandStatus != wsproto.StatusError {
		t.Fatalf("expected an error response, got %+v", resp)
	}
}
