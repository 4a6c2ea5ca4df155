// Package engine implements Switchboard's scheduler: the single-lock
// object that owns every client, device and module, and drives the
// per-tick poll/evaluate/snapshot loop (spec §4.E, §5).
package engine

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"switchboard/internal/client"
	"switchboard/internal/device"
	"switchboard/internal/module"
	"switchboard/internal/statetable"
	"switchboard/internal/swbconfig"
	"switchboard/internal/swberr"
)

// Engine owns every client, device and module behind a single mutex
// (spec §5): the concurrency model calls for one lock covering this whole
// graph, with suspension points restricted to bounded HTTP calls, which
// this type holds the lock across rather than releasing for.
type Engine struct {
	mu sync.Mutex

	cfg *swbconfig.Store
	log *logrus.Logger

	clients map[string]*client.Proxy  // alias -> proxy
	devices map[string]*device.Device // full name (alias.local.suffix, or bare signal name) -> device

	modules     map[string]*module.Binding // ref -> binding
	moduleOrder []string                   // registration order, evaluated in this order each tick

	table   *statetable.Builder
	running bool
}

// New builds an empty Engine. cfg and log may be nil (tests, or a
// not-yet-configured run); a nil log disables transition logging, a nil
// cfg disables on-disk persistence of mutations.
func New(cfg *swbconfig.Store, log *logrus.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		log:     log,
		clients: map[string]*client.Proxy{},
		devices: map[string]*device.Device{},
		modules: map[string]*module.Binding{},
		table:   statetable.NewBuilder(),
	}
}

// AddClient registers a new remote device client: fetches its device
// catalogue, builds devices for every entry, and only then commits —
// the strong exception guarantee from spec §4.C/Testable Property 5. No
// engine state is mutated if FetchInfo or any device's construction
// fails.
func (e *Engine) AddClient(ctx context.Context, alias, url string, pollPeriod *float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.upsertClientLocked(ctx, alias, url, pollPeriod, false)
}

// UpdateClient re-fetches a previously registered client from its
// recorded URL and rebuilds its devices (Open Question 3: resolved by
// following engine.py's update_client, which reads client_url from the
// already-registered client rather than accepting a new one).
func (e *Engine) UpdateClient(ctx context.Context, alias string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev, ok := e.clients[alias]
	if !ok {
		return swberr.Contract("unknown client alias %q", alias)
	}
	return e.upsertClientLocked(ctx, alias, prev.URL, prev.PollPeriod, true)
}

func (e *Engine) upsertClientLocked(ctx context.Context, alias, url string, pollPeriod *float64, isUpdate bool) error {
	if alias == "" {
		return swberr.Contract("client alias must not be empty")
	}
	if _, exists := e.clients[alias]; exists && !isUpdate {
		return swberr.Contract("client alias %q already registered", alias)
	}
	if !isUpdate {
		if _, exists := e.clients[alias]; !exists {
			for a, c := range e.clients {
				if c.URL == url {
					return swberr.Contract("client url %q already registered under alias %q", url, a)
				}
			}
		}
	} else {
		for a, c := range e.clients {
			if a != alias && c.URL == url {
				return swberr.Contract("client url %q already registered under alias %q", url, a)
			}
		}
	}

	p := client.NewProxy(url, alias, pollPeriod)
	infos, err := p.FetchInfo(ctx)
	if err != nil {
		return err
	}

	newDevices := make(map[string]*device.Device, len(infos))
	for _, info := range infos {
		localName := info.Name
		d, err := device.NewRESTDevice(info, url, func(dev *device.Device, v device.Value) error {
			return p.Set(context.Background(), localName, v)
		})
		if err != nil {
			return err
		}
		fullName := alias + "." + localName
		if _, exists := newDevices[fullName]; exists {
			return swberr.Contract("device %q exists twice on client %q", fullName, alias)
		}
		d.Name = fullName
		newDevices[fullName] = d
		p.Devices[localName] = d
	}

	if old, existed := e.clients[alias]; existed {
		for name := range old.Devices {
			delete(e.devices, alias+"."+name)
		}
	}
	e.clients[alias] = p
	for name, d := range newDevices {
		e.devices[name] = d
	}
	e.table.Reset()

	if e.cfg != nil {
		pp := ""
		if pollPeriod != nil {
			pp = strconv.FormatFloat(*pollPeriod, 'f', -1, 64)
		}
		e.cfg.AddClient(alias, url, pp)
	}
	if e.log != nil {
		e.log.WithFields(logrus.Fields{"alias": alias, "url": url, "devices": len(infos)}).Info("client registered")
	}
	return nil
}

// RemoveClient deregisters a client and every device it owns.
func (e *Engine) RemoveClient(alias string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.clients[alias]
	if !ok {
		return swberr.Contract("unknown client alias %q", alias)
	}
	delete(e.clients, alias)
	for name := range p.Devices {
		delete(e.devices, alias+"."+name)
	}
	e.table.Reset()

	if e.cfg != nil {
		e.cfg.RemoveClient(alias)
	}
	if e.log != nil {
		e.log.WithField("alias", alias).Info("client removed")
	}
	return nil
}

// UpsertModule binds desc against the live device set and registers it,
// replacing any existing binding under the same reference (re-import on
// upsert, spec §1) by releasing its output ownership first so the rebind
// does not trip the single-driver check against itself.
func (e *Engine) UpsertModule(desc *module.Descriptor) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	old, existed := e.modules[desc.Ref]
	if existed {
		old.Unbind()
	}

	b, err := module.Bind(desc, e.devices)
	if err != nil {
		if existed {
			// Rebind failed: restore the previous binding's output
			// ownership so a failed re-import does not leave the module
			// undriven.
			restored, rebindErr := module.Bind(old.Descriptor, e.devices)
			if rebindErr == nil {
				restored.Enabled = old.Enabled
				e.modules[desc.Ref] = restored
			}
		}
		return err
	}

	if !existed {
		e.moduleOrder = append(e.moduleOrder, desc.Ref)
	}
	e.modules[desc.Ref] = b
	e.table.Reset()

	if e.cfg != nil {
		e.cfg.AddModule(desc.Ref)
	}
	if e.log != nil {
		e.log.WithField("module", desc.Ref).Info("module registered")
	}
	return nil
}

// RemoveModule releases a module's output ownership and deregisters it.
func (e *Engine) RemoveModule(ref string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.modules[ref]
	if !ok {
		return swberr.Contract("unknown module %q", ref)
	}
	b.Unbind()
	delete(e.modules, ref)
	for i, r := range e.moduleOrder {
		if r == ref {
			e.moduleOrder = append(e.moduleOrder[:i], e.moduleOrder[i+1:]...)
			break
		}
	}

	if e.cfg != nil {
		e.cfg.RemoveModule(ref)
	}
	if e.log != nil {
		e.log.WithField("module", ref).Info("module removed")
	}
	return nil
}

// EnableModule and DisableModule are idempotent (Testable Property 6):
// calling either twice in a row leaves the module in the same state as
// calling it once.
func (e *Engine) EnableModule(ref string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.modules[ref]
	if !ok {
		return swberr.Contract("unknown module %q", ref)
	}
	b.Enabled = true
	if e.cfg != nil {
		e.cfg.EnableModule(ref)
	}
	return nil
}

func (e *Engine) DisableModule(ref string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.modules[ref]
	if !ok {
		return swberr.Contract("unknown module %q", ref)
	}
	b.Enabled = false
	if e.cfg != nil {
		e.cfg.DisableModule(ref)
	}
	return nil
}

// SetRunning toggles whether modules are evaluated on each tick (the
// ws_ctrl "start"/"stop" commands), independent of whether clients are
// still polled.
func (e *Engine) SetRunning(v bool) {
	e.mu.Lock()
	e.running = v
	e.mu.Unlock()
	if e.cfg != nil {
		e.cfg.SetRunning(v)
	}
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// SetRemoteDeviceValue resolves fullName's alias and forwards the set to
// that client's proxy, stringifying per the documented wire contract
// (internal/client.Proxy.Set). fullName's alias is everything before the
// first '.'; the remainder, including any further dots and the suffix, is
// the name as the remote client knows it.
func (e *Engine) SetRemoteDeviceValue(ctx context.Context, fullName string, value device.Value) error {
	parts := strings.SplitN(fullName, ".", 2)
	if len(parts) != 2 {
		return swberr.Contract("invalid device name %q", fullName)
	}
	alias, localName := parts[0], parts[1]

	e.mu.Lock()
	p, ok := e.clients[alias]
	e.mu.Unlock()
	if !ok {
		return swberr.Contract("unknown client alias %q", alias)
	}
	return p.Set(ctx, localName, value)
}

// Tick runs one scheduling cycle: poll every client due for an update,
// evaluate every module in registration order if running, then hand a
// locked-copy of (clients, devices) to the state table builder after
// releasing the lock (spec §4.E step 5).
func (e *Engine) Tick(ctx context.Context) *statetable.Event {
	e.mu.Lock()

	for alias, p := range e.clients {
		if !p.DoUpdate() {
			continue
		}
		err := p.PollValues(ctx)
		if err != nil {
			if changed := p.OnError(err.Error()); changed && e.log != nil {
				e.log.WithField("client", alias).Warn(err)
			}
		} else if changed := p.OnNoError(); changed && e.log != nil {
			e.log.WithField("client", alias).Info("client recovered")
		}
	}

	if e.running {
		for _, ref := range e.moduleOrder {
			if b, ok := e.modules[ref]; ok {
				b.Tick()
			}
		}
	}

	clientsCopy := make(map[string]statetable.ClientSource, len(e.clients))
	for alias, p := range e.clients {
		clientsCopy[alias] = statetable.ClientSource{URL: p.URL, Alias: alias, Devices: p.Devices}
	}
	devicesCopy := make(map[string]*device.Device, len(e.devices))
	for name, d := range e.devices {
		devicesCopy[name] = d
	}

	e.mu.Unlock()

	return e.table.Snapshot(clientsCopy, devicesCopy)
}

// CurrentTable returns the last-built state table, for a ws_iodata
// subscriber that connects between ticks.
func (e *Engine) CurrentTable() statetable.Table {
	return e.table.Current()
}

// ClientAliases and ModuleRefs support read-only introspection (the
// ws_ctrl listclients/listmodules commands).
func (e *Engine) ClientAliases() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.clients))
	for alias := range e.clients {
		out = append(out, alias)
	}
	return out
}

func (e *Engine) ModuleRefs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.moduleOrder))
	copy(out, e.moduleOrder)
	return out
}

// ModulesUsingClient returns every module ref that binds at least one
// device belonging to alias, sorted, for the ws_ctrl "remove" command's
// dependent-module confirmation prompt.
func (e *Engine) ModulesUsingClient(alias string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	prefix := alias + "."
	var refs []string
	for ref, b := range e.modules {
		for _, name := range b.DeviceNames() {
			if strings.HasPrefix(name, prefix) {
				refs = append(refs, ref)
				break
			}
		}
	}
	sort.Strings(refs)
	return refs
}

// ModuleEnabled reports a module's current enabled state.
func (e *Engine) ModuleEnabled(ref string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.modules[ref]
	if !ok {
		return false, swberr.Contract("unknown module %q", ref)
	}
	return b.Enabled, nil
}

// ClientStates reports, for every registered client, "error" if its last
// poll failed or "ok" otherwise — for internal/metrics' swb_clients_total
// gauge.
func (e *Engine) ClientStates() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	states := make(map[string]string, len(e.clients))
	for alias, p := range e.clients {
		if p.Error() != "" {
			states[alias] = "error"
		} else {
			states[alias] = "ok"
		}
	}
	return states
}

// ModuleStates reports, for every registered module, "error", "disabled"
// or "enabled" — for internal/metrics' swb_modules_total gauge.
func (e *Engine) ModuleStates() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	states := make(map[string]string, len(e.modules))
	for ref, b := range e.modules {
		switch {
		case b.Error != "":
			states[ref] = "error"
		case !b.Enabled:
			states[ref] = "disabled"
		default:
			states[ref] = "enabled"
		}
	}
	return states
}

// DeviceCount returns the total number of devices the engine holds — every
// client's devices plus the in-process signal devices auto-created by
// module binding — for internal/metrics' swb_devices_total gauge.
func (e *Engine) DeviceCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.devices)
}
