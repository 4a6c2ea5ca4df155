// Package module implements Switchboard's module registry: binding a
// descriptor's declared inputs/outputs to devices (with auto-creation of
// in-process signal devices, single-driver enforcement, and error-gated
// evaluation).
package module

import (
	"fmt"
	"sync"

	"switchboard/internal/device"
	"switchboard/internal/swberr"
)

// Factory builds a fresh Descriptor for a registered module reference.
// Registration happens at process init time (package-level var blocks
// calling Register), mirroring the original's dynamic load_attribute but
// resolved at compile time since Go has no runtime module loader.
type Factory func() *Descriptor

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// Register adds ref to the closed set of module references addmodule can
// resolve. Panics on duplicate registration, since that can only be a
// programming error (two packages claiming the same ref).
func Register(ref string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[ref]; exists {
		panic(fmt.Sprintf("module: duplicate registration for %q", ref))
	}
	registry[ref] = f
}

// Lookup resolves ref to a fresh Descriptor, or false if unregistered.
func Lookup(ref string) (*Descriptor, bool) {
	registryMu.Lock()
	f, ok := registry[ref]
	registryMu.Unlock()
	if !ok {
		return nil, false
	}
	d := f()
	d.Ref = ref
	return d, true
}

// Registered lists every known module reference, sorted by the caller if
// needed.
func Registered() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]string, 0, len(registry))
	for ref := range registry {
		out = append(out, ref)
	}
	return out
}

// OutputSpec names a declared output device and its optional latched error
// value (nil means no error-value policy for this output).
type OutputSpec struct {
	Name       string
	ErrorValue device.Value
}

// Body is the user-supplied reactive function. b exposes the bound signals
// and statics; returning an error marks the module's runtime error state
// for this tick (spec §7, "module runtime" class).
type Body func(b *Binding) error

// Descriptor is a registered module: its declared I/O, optional statics
// (free-function modules only), and its body. Binding is a separate,
// explicit step (Bind) that returns a Binding or a contract error — the
// decorator-configured-modules redesign from spec §9.
type Descriptor struct {
	Ref             string // the registered reference, e.g. "pkg.MyModule"
	Inputs          []string
	Outputs         []OutputSpec
	Statics         map[string]any
	EvaluateIfError bool
	IsClassMethod   bool
	Body            Body
}

// validate enforces the decoration-time constraint: a class-method module
// may not declare static variables.
func (d *Descriptor) validate() error {
	if d.IsClassMethod && len(d.Statics) > 0 {
		return swberr.Contract("module %q: class-method modules may not declare static_variables", d.Ref)
	}
	return nil
}

// Binding is the resolved, live module: its argument vector of signals,
// its statics (copied from the descriptor at bind time, one binding per
// registered reference per spec §9's open-question resolution), and its
// runtime state (enabled/error).
type Binding struct {
	Descriptor *Descriptor

	inputs  []*device.InputSignal
	outputs []boundOutput

	Statics map[string]any

	Enabled bool
	Error   string

	errorLatched bool
}

type boundOutput struct {
	spec   OutputSpec
	signal *device.OutputSignal
}

// getSignal resolves name to a device, auto-creating an in-process signal
// device if the suffix is `.s` and none exists yet, matching module.py's
// _get_signal.
func getSignal(devices map[string]*device.Device, name string) (*device.Device, error) {
	if d, ok := devices[name]; ok {
		return d, nil
	}
	suffix, ok := device.SplitSuffix(name)
	if ok && suffix == device.SuffixSignal {
		d, err := device.NewSignalDevice(name)
		if err != nil {
			return nil, err
		}
		devices[name] = d
		return d, nil
	}
	return nil, swberr.Contract("unknown device %q", name)
}

// Bind resolves a descriptor's declared inputs/outputs against devices,
// enforcing single-driver and readability/writeability, and returns the
// bound module only if every check passes (create_argument_list, module.py).
// devices may be mutated (to insert auto-created signal devices) even on a
// failed bind for inputs/outputs already processed successfully before the
// failing one — this matches the original, which does not roll back
// auto-created signal devices on a later failure in the same call.
func Bind(desc *Descriptor, devices map[string]*device.Device) (*Binding, error) {
	if err := desc.validate(); err != nil {
		return nil, err
	}

	b := &Binding{Descriptor: desc, Statics: copyStatics(desc.Statics)}

	for _, name := range desc.Inputs {
		d, err := getSignal(devices, name)
		if err != nil {
			return nil, err
		}
		if !d.IsInput {
			return nil, swberr.Contract("device %q is not an input, cannot bind as module input", name)
		}
		b.inputs = append(b.inputs, d.InputSignal())
	}

	for _, spec := range desc.Outputs {
		d, err := getSignal(devices, spec.Name)
		if err != nil {
			return nil, err
		}
		if !d.IsOutput {
			return nil, swberr.Contract("device %q is not an output, cannot bind as module output", spec.Name)
		}
		out := d.OutputSignal()
		if out.DrivingModule != "" && out.DrivingModule != desc.Ref {
			return nil, swberr.Contract("device %q is already driven by module %q", spec.Name, out.DrivingModule)
		}
		b.outputs = append(b.outputs, boundOutput{spec: spec, signal: out})
	}

	// Only now, with every check passed, record ownership.
	for _, bo := range b.outputs {
		bo.signal.DrivingModule = desc.Ref
	}

	return b, nil
}

// Unbind releases this binding's ownership of its outputs' DrivingModule,
// so the engine can rebind the same reference (re-import on upsert, spec
// §1) or remove it without leaving a stale single-driver claim behind.
func (b *Binding) Unbind() {
	for _, bo := range b.outputs {
		if bo.signal.DrivingModule == b.Descriptor.Ref {
			bo.signal.DrivingModule = ""
		}
	}
}

// DeviceNames returns every device name (inputs then outputs) this binding
// touches, for dependency checks (e.g. whether removing a client affects
// this module).
func (b *Binding) DeviceNames() []string {
	names := make([]string, 0, len(b.inputs)+len(b.outputs))
	for _, in := range b.inputs {
		names = append(names, in.Name())
	}
	for _, bo := range b.outputs {
		names = append(names, bo.signal.Name())
	}
	return names
}

func copyStatics(src map[string]any) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Input returns the i-th bound input signal.
func (b *Binding) Input(i int) *device.InputSignal { return b.inputs[i] }

// Output returns the i-th bound output signal.
func (b *Binding) Output(i int) *device.OutputSignal { return b.outputs[i].signal }

// checkIOError scans every bound signal for a non-empty error. On the
// healthy→error transition it latches: drives every output whose ErrorValue
// is non-nil (and whose descriptor is not EvaluateIfError) to its error
// value, exactly once, until the error clears (module.py's
// check_module_io_error).
func (b *Binding) checkIOError() string {
	var found string
	for _, in := range b.inputs {
		if e := in.Error(); e != "" {
			found = e
			break
		}
	}
	if found == "" {
		for _, bo := range b.outputs {
			if e := bo.signal.Error(); e != "" {
				found = e
				break
			}
		}
	}

	if found != "" {
		if !b.errorLatched {
			b.errorLatched = true
			if !b.Descriptor.EvaluateIfError {
				for _, bo := range b.outputs {
					if bo.spec.ErrorValue != nil {
						_ = bo.signal.SetValue(bo.spec.ErrorValue)
					}
				}
			}
		}
	} else if b.errorLatched {
		b.errorLatched = false
	}

	return found
}

// Tick evaluates the module once, implementing module.py's __call__
// decorator: disabled modules do nothing; an I/O error short-circuits the
// body (unless EvaluateIfError); a body error is caught and recorded.
func (b *Binding) Tick() {
	if !b.Enabled {
		return
	}

	ioErr := b.checkIOError()
	if ioErr != "" {
		b.Error = ioErr
		if !b.Descriptor.EvaluateIfError {
			return
		}
	} else {
		b.Error = ""
	}

	if err := b.runBody(); err != nil {
		b.Error = err.Error()
	} else if ioErr == "" {
		b.Error = ""
	}
}

func (b *Binding) runBody() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("module %q panicked: %v", b.Descriptor.Ref, r)
		}
	}()
	return b.Descriptor.Body(b)
}
