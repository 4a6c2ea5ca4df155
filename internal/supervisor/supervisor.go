// Package supervisor implements Switchboard's app supervisor: the
// five-state machine that spawns a child process, negotiates its
// command-line arguments over a tiny `--getconf` RPC, and (if the child is
// itself a device client) wires its HTTP endpoint back into the engine
// (spec §4.H).
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"switchboard/internal/engine"
	"switchboard/internal/swberr"
)

// Prompter asks the controlling UI for a value during negotiation —
// routed through ws_ctrl's WAITING_FOR_INPUT mechanism in the running
// system (spec §1 excludes a local terminal frontend, not a wire prompt).
type Prompter func(prompt string) (string, error)

// ArgInfo mirrors one entry of the `--getconf` JSON descriptor: a
// command-line flag and the argparse-style kwargs describing it.
type ArgInfo struct {
	Args   []string       `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

const (
	wsIODataPortArg = "WSIOData port"
	wsIODataHostArg = "WSIOData host"
	clientPortArg   = "Client port"
	autokillArg     = "autokill"

	crashCheckWindow    = time.Second
	registerPollWindow  = time.Second
	registerPollRetries = 5
	getconfTimeout      = 3 * time.Second
	infoPollTimeout     = 500 * time.Millisecond
)

// App is a supervised child process, optionally also a registered device
// client.
type App struct {
	Name        string
	Command     string // the populated launch command, for display
	ClientPort  int
	ClientAlias string

	cmd *exec.Cmd
}

// Supervisor owns every live App. wsPort is pre-filled into negotiated
// "WSIOData port" arguments.
type Supervisor struct {
	mu     sync.Mutex
	eng    *engine.Engine
	wsPort int
	apps   map[string]*App
	log    *logrus.Logger
}

func New(eng *engine.Engine, wsPort int, log *logrus.Logger) *Supervisor {
	return &Supervisor{eng: eng, wsPort: wsPort, apps: map[string]*App{}, log: log}
}

func (s *Supervisor) SetWSPort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wsPort = port
}

// Launch drives a child process through SPAWN_GETCONF -> NEGOTIATE ->
// LAUNCH -> REGISTER_IF_CLIENT -> RUNNING. Any failure in the first four
// states rolls the app back entirely: no process left running, no client
// added, no app record retained (spec §7 Supervisor class, Testable
// Property 7).
func (s *Supervisor) Launch(ctx context.Context, name, binPath string, prompt Prompter) (*App, error) {
	descJSON, err := s.spawnGetconf(ctx, binPath)
	if err != nil {
		return nil, swberr.Supervisor("SPAWN_GETCONF", fmt.Sprintf("app %q failed to report its config", name), err)
	}

	argv, clientPort, err := s.negotiate(binPath, descJSON, prompt)
	if err != nil {
		return nil, swberr.Supervisor("NEGOTIATE", fmt.Sprintf("app %q argument negotiation failed", name), err)
	}

	cmd, err := s.launch(argv)
	if err != nil {
		return nil, swberr.Supervisor("LAUNCH", fmt.Sprintf("app %q failed to launch or crashed within %s", name, crashCheckWindow), err)
	}

	app := &App{Name: name, Command: joinArgv(argv), ClientPort: clientPort, cmd: cmd}

	if clientPort > 0 {
		alias, err := prompt("Please enter a host alias for this client: ")
		if err != nil {
			s.terminate(cmd)
			return nil, swberr.Supervisor("NEGOTIATE", "no client alias supplied", err)
		}
		url := fmt.Sprintf("http://localhost:%d", clientPort)
		if err := s.registerIfClient(ctx, url); err != nil {
			s.terminate(cmd)
			return nil, swberr.Supervisor("REGISTER_IF_CLIENT", fmt.Sprintf("app %q client endpoint never came up", name), err)
		}
		if err := s.eng.AddClient(ctx, alias, url, nil); err != nil {
			s.terminate(cmd)
			return nil, swberr.Supervisor("REGISTER_IF_CLIENT", fmt.Sprintf("app %q could not be added as a client", name), err)
		}
		app.ClientAlias = alias
	}

	s.mu.Lock()
	s.apps[name] = app
	s.mu.Unlock()
	if s.log != nil {
		s.log.WithFields(logrus.Fields{"app": name, "command": app.Command}).Info("app launched")
	}
	return app, nil
}

func (s *Supervisor) spawnGetconf(ctx context.Context, binPath string) (map[string]ArgInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, getconfTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, binPath, "--getconf")
	setpgid(cmd)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("running %q --getconf: %w", binPath, err)
	}

	var args map[string]ArgInfo
	if err := json.Unmarshal(out, &args); err != nil {
		return nil, fmt.Errorf("parsing --getconf output of %q: %w", binPath, err)
	}
	return args, nil
}

// negotiate builds the populated launch command by appending one
// flag/value pair per recognised argument, pre-filling the well-known
// names and prompting for the rest, then tokenizes it into argv.
func (s *Supervisor) negotiate(binPath string, args map[string]ArgInfo, prompt Prompter) ([]string, int, error) {
	s.mu.Lock()
	wsPort := s.wsPort
	s.mu.Unlock()

	command := binPath
	clientPort := 0

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		info := args[name]
		switch name {
		case wsIODataPortArg:
			command += formatArg(info, fmt.Sprint(wsPort))
		case wsIODataHostArg:
			command += formatArg(info, "localhost")
		case clientPortArg:
			port, err := freePort()
			if err != nil {
				return nil, 0, err
			}
			clientPort = port
			command += formatArg(info, fmt.Sprint(port))
		case autokillArg:
			if len(info.Args) > 0 {
				command += " " + info.Args[0]
			}
		default:
			help, _ := info.Kwargs["help"].(string)
			if action, _ := info.Kwargs["action"].(string); action == "store_true" {
				answer, err := prompt(fmt.Sprintf("%s? [y/n] ", help))
				if err != nil {
					return nil, 0, err
				}
				if answer == "y" && len(info.Args) > 0 {
					command += " " + info.Args[0]
				}
				continue
			}
			if def, ok := info.Kwargs["default"]; ok {
				value, err := prompt(fmt.Sprintf("Please enter a value for the %s [%v]: ", help, def))
				if err != nil {
					return nil, 0, err
				}
				if value != "" {
					command += formatArg(info, value)
				}
				continue
			}
			value, err := prompt(fmt.Sprintf("Please enter a value for the %s: ", help))
			if err != nil {
				return nil, 0, err
			}
			command += formatArg(info, value)
		}
	}

	argv, err := shlex.Split(command)
	if err != nil {
		return nil, 0, fmt.Errorf("tokenizing launch command %q: %w", command, err)
	}
	return argv, clientPort, nil
}

func formatArg(info ArgInfo, value string) string {
	if len(info.Args) == 0 {
		return ""
	}
	return fmt.Sprintf(" %s %s", info.Args[0], value)
}

// launch starts the process in its own process group and fails if it
// exits within crashCheckWindow.
func (s *Supervisor) launch(argv []string) (*exec.Cmd, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty launch command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	setpgid(cmd)
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return nil, fmt.Errorf("process exited immediately: %w", err)
	case <-time.After(crashCheckWindow):
		return cmd, nil
	}
}

// registerIfClient polls GET /devices_info up to registerPollRetries times,
// registerPollWindow apart, until the endpoint answers.
func (s *Supervisor) registerIfClient(ctx context.Context, url string) error {
	httpClient := &http.Client{Timeout: infoPollTimeout}
	var lastErr error
	for attempt := 0; attempt < registerPollRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(registerPollWindow):
			}
		}
		resp, err := httpClient.Get(url + "/devices_info")
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		return nil
	}
	return fmt.Errorf("endpoint %s never became reachable: %w", url, lastErr)
}

// Kill signals the app's process group and drops both the client (if any)
// and the app record, regardless of the process's own exit behaviour.
func (s *Supervisor) Kill(name string) error {
	s.mu.Lock()
	app, ok := s.apps[name]
	if ok {
		delete(s.apps, name)
	}
	s.mu.Unlock()
	if !ok {
		return swberr.Contract("unknown app %q", name)
	}

	s.terminate(app.cmd)
	if app.ClientAlias != "" {
		_ = s.eng.RemoveClient(app.ClientAlias)
	}
	if s.log != nil {
		s.log.WithField("app", name).Info("app killed")
	}
	return nil
}

// KillAll terminates every supervised process, used on engine shutdown
// regardless of each app's individual state.
func (s *Supervisor) KillAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.apps))
	for name := range s.apps {
		names = append(names, name)
	}
	s.mu.Unlock()
	for _, name := range names {
		_ = s.Kill(name)
	}
}

func (s *Supervisor) terminate(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
}

func setpgid(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// freePort asks the OS to allocate an ephemeral port, then releases it
// immediately (utils.py's get_free_port trick — there is an inherent,
// accepted race between releasing and the child binding it).
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func joinArgv(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}
