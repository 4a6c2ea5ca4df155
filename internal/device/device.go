// Package device implements Switchboard's typed input/output signal model:
// devices, their input/output signal handles, the in-process signal device
// used by modules, and the remote-client-backed REST device.
package device

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"switchboard/internal/swberr"
)

// Suffix identifies a device's direction.
type Suffix string

const (
	SuffixInput       Suffix = "i"
	SuffixOutput      Suffix = "o"
	SuffixInputOutput Suffix = "io"
	SuffixSignal      Suffix = "s"
)

var validSuffixes = map[Suffix]bool{
	SuffixInput:       true,
	SuffixOutput:      true,
	SuffixInputOutput: true,
	SuffixSignal:      true,
}

// SplitSuffix returns the trailing dotted component of name and whether it
// is one of the four recognised device suffixes. Non-suffix tokens in the
// name are opaque, per the device-name grammar in the spec.
func SplitSuffix(name string) (Suffix, bool) {
	if !strings.Contains(name, ".") {
		return "", false
	}
	parts := strings.Split(name, ".")
	suffix := Suffix(parts[len(parts)-1])
	if !validSuffixes[suffix] {
		return "", false
	}
	return suffix, true
}

// Value is the wire/internal representation of a device value: raw JSON,
// preserving whatever scalar shape the remote client reported.
type Value = json.RawMessage

// Device is a single named I/O point. All mutable fields are guarded by mu;
// the zero value is not usable, use NewSignalDevice or NewRESTDevice.
type Device struct {
	mu sync.Mutex

	Name string

	value         Value
	previousValue Value
	lastSetValue  Value
	lastUpdate    time.Time
	errMsg        string

	IsInput  bool
	IsOutput bool

	inputSignal  *InputSignal
	outputSignal *OutputSignal

	// setter is how OutputSignal.SetValue delegates to the owning proxy:
	// the in-process signal device stores the value directly, a REST
	// device forwards it to the remote client's PUT /device_set.
	setter func(v Value) error
}

// InputSignal is the module-facing read-only view of a device.
type InputSignal struct{ d *Device }

func (s *InputSignal) Value() Value  { return s.d.Get() }
func (s *InputSignal) Error() string { return s.d.Error() }
func (s *InputSignal) Name() string  { return s.d.Name }

// HasChanged reports whether the device's value differs from its previous
// value, comparing the raw JSON bytes (matching Python's `!=` on whatever
// scalar it holds).
func (s *InputSignal) HasChanged() bool {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return !jsonEqual(s.d.value, s.d.previousValue)
}

// OutputSignal is the module-facing write view of a device. DrivingModule
// records which module (if any) owns this output, enforcing the
// single-driver rule at bind time in internal/module.
type OutputSignal struct {
	d             *Device
	DrivingModule string // registered module reference, "" if unbound
}

func (s *OutputSignal) Error() string { return s.d.Error() }
func (s *OutputSignal) Name() string  { return s.d.Name }

// SetValue stamps LastUpdateTime/LastSetValue and delegates to the device's
// owner. Fails with a contract error if the device is not an output.
func (s *OutputSignal) SetValue(v Value) error {
	d := s.d
	if !d.IsOutput {
		return swberr.Contract("device %q is not an output", d.Name)
	}
	d.mu.Lock()
	d.lastUpdate = time.Now()
	d.lastSetValue = v
	setter := d.setter
	d.mu.Unlock()
	return setter(v)
}

func jsonEqual(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return string(a) == string(b)
}

// NewSignalDevice builds an engine-internal signal device: suffix must be
// `.s`, it is both readable and writable, and its value is held purely in
// process memory (SetValue just stores it).
func NewSignalDevice(name string) (*Device, error) {
	suffix, ok := SplitSuffix(name)
	if !ok || suffix != SuffixSignal {
		return nil, swberr.Contract("invalid device suffix for %q: must be .s for switchboard signals", name)
	}

	d := &Device{Name: name, IsInput: true, IsOutput: true, lastUpdate: time.Now()}
	d.setter = func(v Value) error {
		d.mu.Lock()
		d.value = v
		d.mu.Unlock()
		return nil
	}
	d.inputSignal = &InputSignal{d: d}
	d.outputSignal = &OutputSignal{d: d}
	return d, nil
}

// RESTDeviceInfo mirrors the shape reported by GET /devices_info.
type RESTDeviceInfo struct {
	Name      string `json:"name"`
	Readable  bool   `json:"readable"`
	Writeable bool   `json:"writeable"`
}

// NewRESTDevice builds a device backed by a remote client. suffix must be
// one of i/o/io and must agree with the reported readable/writeable flags,
// using the same substring check as the original (so "io" satisfies both).
// setCB is invoked by SetValue with (device, value) to perform the remote
// PUT /device_set.
func NewRESTDevice(info RESTDeviceInfo, clientURL string, setCB func(d *Device, v Value) error) (*Device, error) {
	suffix, ok := SplitSuffix(info.Name)
	if !ok || (suffix != SuffixInput && suffix != SuffixOutput && suffix != SuffixInputOutput) {
		return nil, swberr.Contract("invalid suffix for device %q: must be .i, .o or .io for switchboard REST devices", info.Name)
	}

	d := &Device{Name: info.Name, lastUpdate: time.Now()}

	if strings.Contains(string(suffix), "i") {
		if !info.Readable {
			return nil, swberr.Contract("invalid device %q: is an input ('i' suffix) but is not listed as readable", info.Name)
		}
		d.IsInput = true
		d.inputSignal = &InputSignal{d: d}
	}

	if strings.Contains(string(suffix), "o") {
		if !info.Writeable {
			return nil, swberr.Contract("invalid device %q: is an output ('o' suffix) but is not listed as writeable", info.Name)
		}
		d.IsOutput = true
		d.outputSignal = &OutputSignal{d: d}
	}

	d.setter = func(v Value) error {
		if !d.IsOutput {
			return swberr.Contract("cannot set value on %q: not an output device", d.Name)
		}
		return setCB(d, v)
	}

	return d, nil
}

// UpdateValue is the engine-only path: shifts value into previous_value and
// stamps LastUpdateTime. Must not be called for module-driven writes (use
// OutputSignal.SetValue for those).
func (d *Device) UpdateValue(v Value) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.previousValue = d.value
	d.value = v
	d.lastUpdate = time.Now()
}

func (d *Device) Get() Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.value
}

func (d *Device) LastSetValue() Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSetValue
}

func (d *Device) LastUpdateTime() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastUpdate
}

func (d *Device) Error() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errMsg
}

// SetError records a transport/runtime error for this device. An empty
// string clears it. Returns whether this call changed the error message
// (set, cleared, or replaced by a different one), so callers can log once
// per transition.
func (d *Device) SetError(msg string) (changed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	changed = d.errMsg != msg
	d.errMsg = msg
	return changed
}

func (d *Device) InputSignal() *InputSignal   { return d.inputSignal }
func (d *Device) OutputSignal() *OutputSignal { return d.outputSignal }
