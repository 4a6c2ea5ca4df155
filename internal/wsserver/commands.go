package wsserver

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"switchboard/internal/device"
	"switchboard/internal/engine"
	"switchboard/internal/module"
	"switchboard/internal/supervisor"
	"switchboard/internal/swbconfig"
	"switchboard/internal/wsproto"
)

// CommandContext is the dependency set every command constructor closes
// over, built once at server startup.
type CommandContext struct {
	Engine     *engine.Engine
	Supervisor *supervisor.Supervisor
	Config     *swbconfig.Store
}

// BuildCommands registers every named ws_ctrl command (spec §4.G's eleven,
// plus listclients/listmodules). ctx bounds every blocking call a command
// makes (client HTTP fetches, app negotiation); callers pass the server's
// lifetime context.
func BuildCommands(ctx context.Context, cc *CommandContext) map[string]CommandFunc {
	return map[string]CommandFunc{
		"addclient":    cmdAddClient(ctx, cc),
		"updateclient": cmdUpdateClient(ctx, cc),
		"launchapp":    cmdLaunchApp(ctx, cc),
		"killapp":      cmdKillApp(cc),
		"addmodule":    cmdAddModule(cc),
		"remove":       cmdRemove(cc),
		"enable":       cmdEnable(cc),
		"disable":      cmdDisable(cc),
		"set":          cmdSet(ctx, cc),
		"start":        cmdStart(cc),
		"stop":         cmdStop(cc),
		"listclients":  cmdListClients(cc),
		"listmodules":  cmdListModules(cc),
	}
}

func single(f func() (wsproto.Response, State)) Coroutine {
	return func(string) (wsproto.Response, State) { return f() }
}

func cmdAddClient(ctx context.Context, cc *CommandContext) CommandFunc {
	return func(args []string) Coroutine {
		return single(func() (wsproto.Response, State) {
			if len(args) < 2 {
				return finishedErr("usage: addclient <alias> <url> [poll_period]"), StateFinished
			}
			alias, url := args[0], args[1]
			var pollPeriod *float64
			if len(args) > 2 {
				v, err := strconv.ParseFloat(args[2], 64)
				if err != nil {
					return finishedErr(fmt.Sprintf("invalid poll period %q", args[2])), StateFinished
				}
				pollPeriod = &v
			}
			if err := cc.Engine.AddClient(ctx, alias, url, pollPeriod); err != nil {
				return finishedErr(err.Error()), StateFinished
			}
			return finishedOK(fmt.Sprintf("client %q added", alias)), StateFinished
		})
	}
}

func cmdUpdateClient(ctx context.Context, cc *CommandContext) CommandFunc {
	return func(args []string) Coroutine {
		return single(func() (wsproto.Response, State) {
			if len(args) < 1 {
				return finishedErr("usage: updateclient <alias>"), StateFinished
			}
			if err := cc.Engine.UpdateClient(ctx, args[0]); err != nil {
				return finishedErr(err.Error()), StateFinished
			}
			return finishedOK(fmt.Sprintf("client %q updated", args[0])), StateFinished
		})
	}
}

// cmdLaunchApp bridges the supervisor's synchronous, prompt-callback-driven
// Launch into a resumable coroutine: a goroutine runs Launch, its Prompter
// forwards each prompt over promptCh and blocks on inputCh for the reply
// that arrives via the next Step call.
func cmdLaunchApp(ctx context.Context, cc *CommandContext) CommandFunc {
	return func(args []string) Coroutine {
		if len(args) < 2 {
			return single(func() (wsproto.Response, State) {
				return finishedErr("usage: launchapp <name> <path>"), StateFinished
			})
		}

		name, binPath := args[0], args[1]
		promptCh := make(chan string)
		inputCh := make(chan string)
		doneCh := make(chan error, 1)
		started := false

		prompter := func(text string) (string, error) {
			promptCh <- text
			reply, ok := <-inputCh
			if !ok {
				return "", fmt.Errorf("connection closed while waiting for input")
			}
			return reply, nil
		}

		return func(input string) (wsproto.Response, State) {
			if !started {
				started = true
				go func() {
					_, err := cc.Supervisor.Launch(ctx, name, binPath, prompter)
					doneCh <- err
				}()
			} else {
				inputCh <- input
			}

			select {
			case prompt := <-promptCh:
				return waitingInfo(prompt), StateWaitingForInput
			case err := <-doneCh:
				if err != nil {
					return finishedErr(err.Error()), StateFinished
				}
				return finishedOK(fmt.Sprintf("app %q launched", name)), StateFinished
			}
		}
	}
}

func cmdKillApp(cc *CommandContext) CommandFunc {
	return func(args []string) Coroutine {
		return single(func() (wsproto.Response, State) {
			if len(args) < 1 {
				return finishedErr("usage: killapp <name>"), StateFinished
			}
			if err := cc.Supervisor.Kill(args[0]); err != nil {
				return finishedErr(err.Error()), StateFinished
			}
			return finishedOK(fmt.Sprintf("app %q killed", args[0])), StateFinished
		})
	}
}

func cmdAddModule(cc *CommandContext) CommandFunc {
	return func(args []string) Coroutine {
		return single(func() (wsproto.Response, State) {
			if len(args) < 1 {
				return finishedErr("usage: addmodule <ref>"), StateFinished
			}
			desc, ok := module.Lookup(args[0])
			if !ok {
				return finishedErr(fmt.Sprintf("unknown module reference %q", args[0])), StateFinished
			}
			if err := cc.Engine.UpsertModule(desc); err != nil {
				return finishedErr(err.Error()), StateFinished
			}
			return finishedOK(fmt.Sprintf("module %q registered", args[0])), StateFinished
		})
	}
}

// cmdRemove dispatches alias-vs-module and, when removing a client would
// orphan any module bound to its devices, prompts for confirmation before
// removing both (spec §4.G "remove", end-to-end scenario 6).
func cmdRemove(cc *CommandContext) CommandFunc {
	return func(args []string) Coroutine {
		target := ""
		if len(args) > 0 {
			target = args[0]
		}
		var dependents []string
		started := false

		first := func() (wsproto.Response, State) {
			if target == "" {
				return finishedErr("usage: remove <alias-or-module-ref>"), StateFinished
			}
			if containsString(cc.Engine.ClientAliases(), target) {
				dependents = cc.Engine.ModulesUsingClient(target)
				if len(dependents) > 0 {
					prompt := fmt.Sprintf("removing client %q will also remove dependent module(s) %s, continue? [y/n] ",
						target, strings.Join(dependents, ", "))
					return waitingWarn(prompt), StateWaitingForInput
				}
				if err := cc.Engine.RemoveClient(target); err != nil {
					return finishedErr(err.Error()), StateFinished
				}
				return finishedOK(fmt.Sprintf("client %q removed", target)), StateFinished
			}
			if containsString(cc.Engine.ModuleRefs(), target) {
				if err := cc.Engine.RemoveModule(target); err != nil {
					return finishedErr(err.Error()), StateFinished
				}
				return finishedOK(fmt.Sprintf("module %q removed", target)), StateFinished
			}
			return finishedErr(fmt.Sprintf("no such client or module %q", target)), StateFinished
		}

		return func(input string) (wsproto.Response, State) {
			if !started {
				started = true
				return first()
			}
			if strings.EqualFold(strings.TrimSpace(input), "y") {
				for _, ref := range dependents {
					_ = cc.Engine.RemoveModule(ref)
				}
				if err := cc.Engine.RemoveClient(target); err != nil {
					return finishedErr(err.Error()), StateFinished
				}
				return finishedOK(fmt.Sprintf("client %q and dependent module(s) removed", target)), StateFinished
			}
			return finishedOK(fmt.Sprintf("cancelled: %q not removed", target)), StateFinished
		}
	}
}

func cmdEnable(cc *CommandContext) CommandFunc {
	return func(args []string) Coroutine {
		return single(func() (wsproto.Response, State) {
			if len(args) < 1 {
				return finishedErr("usage: enable <module-ref>"), StateFinished
			}
			if err := cc.Engine.EnableModule(args[0]); err != nil {
				return finishedErr(err.Error()), StateFinished
			}
			return finishedOK(fmt.Sprintf("module %q enabled", args[0])), StateFinished
		})
	}
}

func cmdDisable(cc *CommandContext) CommandFunc {
	return func(args []string) Coroutine {
		return single(func() (wsproto.Response, State) {
			if len(args) < 1 {
				return finishedErr("usage: disable <module-ref>"), StateFinished
			}
			if err := cc.Engine.DisableModule(args[0]); err != nil {
				return finishedErr(err.Error()), StateFinished
			}
			return finishedOK(fmt.Sprintf("module %q disabled", args[0])), StateFinished
		})
	}
}

// cmdSet forwards args[1] as-is as the device's new raw JSON value — the
// wire contract (spec §6) requires callers to already encode it as a JSON
// scalar.
func cmdSet(ctx context.Context, cc *CommandContext) CommandFunc {
	return func(args []string) Coroutine {
		return single(func() (wsproto.Response, State) {
			if len(args) < 2 {
				return finishedErr("usage: set <device> <value>"), StateFinished
			}
			if err := cc.Engine.SetRemoteDeviceValue(ctx, args[0], device.Value(args[1])); err != nil {
				return finishedErr(err.Error()), StateFinished
			}
			return finishedOK(fmt.Sprintf("%s set to %s", args[0], args[1])), StateFinished
		})
	}
}

func cmdStart(cc *CommandContext) CommandFunc {
	return func(args []string) Coroutine {
		return single(func() (wsproto.Response, State) {
			cc.Engine.SetRunning(true)
			return finishedOK("engine running"), StateFinished
		})
	}
}

func cmdStop(cc *CommandContext) CommandFunc {
	return func(args []string) Coroutine {
		return single(func() (wsproto.Response, State) {
			cc.Engine.SetRunning(false)
			return finishedOK("engine stopped"), StateFinished
		})
	}
}

func cmdListClients(cc *CommandContext) CommandFunc {
	return func(args []string) Coroutine {
		return single(func() (wsproto.Response, State) {
			aliases := cc.Engine.ClientAliases()
			sort.Strings(aliases)
			return finishedOK(strings.Join(aliases, ", ")), StateFinished
		})
	}
}

func cmdListModules(cc *CommandContext) CommandFunc {
	return func(args []string) Coroutine {
		return single(func() (wsproto.Response, State) {
			refs := cc.Engine.ModuleRefs()
			return finishedOK(strings.Join(refs, ", ")), StateFinished
		})
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
