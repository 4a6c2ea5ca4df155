package device

import "testing"

func TestSplitSuffix(t *testing.T) {
	cases := []struct {
		name   string
		suffix Suffix
		ok     bool
	}{
		{"c1.in.i", SuffixInput, true},
		{"c1.out.o", SuffixOutput, true},
		{"c1.thing.io", SuffixInputOutput, true},
		{"sig.s", SuffixSignal, true},
		{"noSuffix", "", false},
		{"c1.in.x", "", false},
	}
	for _, c := range cases {
		suffix, ok := SplitSuffix(c.name)
		if ok != c.ok || suffix != c.suffix {
			t.Errorf("SplitSuffix(%q) = (%q, %v), want (%q, %v)", c.name, suffix, ok, c.suffix, c.ok)
		}
	}
}

func TestNewSignalDeviceRejectsWrongSuffix(t *testing.T) {
	if _, err := NewSignalDevice("foo.i"); err == nil {
		t.Fatal("expected error for non-.s suffix")
	}
}

func TestSignalDeviceRoundTrip(t *testing.T) {
	d, err := NewSignalDevice("sig.s")
	if err != nil {
		t.Fatal(err)
	}
	if !d.IsInput || !d.IsOutput {
		t.Fatal("signal device must be both input and output")
	}
	if err := d.OutputSignal().SetValue(Value(`42`)); err != nil {
		t.Fatal(err)
	}
	// SetValue on a signal device stores straight into value (no engine
	// poll loop involved), so InputSignal should observe it immediately.
	if string(d.InputSignal().Value()) != "42" {
		t.Fatalf("got %s", d.InputSignal().Value())
	}
}

func TestRESTDeviceSuffixVsReadableWriteable(t *testing.T) {
	// suffix "io" satisfies both checks via substring containment even
	// though it is a single token, matching the original's behaviour.
	info := RESTDeviceInfo{Name: "c1.x.io", Readable: true, Writeable: true}
	d, err := NewRESTDevice(info, "http://x", func(*Device, Value) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if !d.IsInput || !d.IsOutput {
		t.Fatal("io device must be both input and output")
	}

	if _, err := NewRESTDevice(RESTDeviceInfo{Name: "c1.x.i", Readable: false}, "http://x", nil); err == nil {
		t.Fatal("expected error: input device not listed as readable")
	}
	if _, err := NewRESTDevice(RESTDeviceInfo{Name: "c1.x.o", Writeable: false}, "http://x", nil); err == nil {
		t.Fatal("expected error: output device not listed as writeable")
	}
	if _, err := NewRESTDevice(RESTDeviceInfo{Name: "c1.x.bad"}, "http://x", nil); err == nil {
		t.Fatal("expected error: invalid suffix")
	}
}

func TestOutputSignalSetValueRejectsNonOutput(t *testing.T) {
	info := RESTDeviceInfo{Name: "c1.x.i", Readable: true}
	d, err := NewRESTDevice(info, "http://x", func(*Device, Value) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if d.OutputSignal() != nil {
		t.Fatal("input-only device must have no output signal")
	}
	if err := (&OutputSignal{d: d}).SetValue(Value(`1`)); err == nil {
		t.Fatal("expected SetValue on a non-output device to fail")
	}
}

func TestHasChanged(t *testing.T) {
	d, _ := NewSignalDevice("sig.s")
	if d.InputSignal().HasChanged() {
		t.Fatal("fresh device should report no change (nil == nil)")
	}
	d.UpdateValue(Value(`1`))
	if !d.InputSignal().HasChanged() {
		t.Fatal("value went from nil to 1, should report changed")
	}
	d.UpdateValue(Value(`1`))
	if d.InputSignal().HasChanged() {
		t.Fatal("value unchanged across update, should report unchanged")
	}
}

func TestSetErrorTransition(t *testing.T) {
	d, _ := NewSignalDevice("sig.s")
	if changed := d.SetError("boom"); !changed {
		t.Fatal("first error should report a transition")
	}
	if changed := d.SetError("boom"); changed {
		t.Fatal("same error repeated should not report a transition")
	}
	if changed := d.SetError(""); !changed {
		t.Fatal("clearing error should report a transition")
	}
}
