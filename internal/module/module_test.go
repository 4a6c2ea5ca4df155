package module

import (
	"testing"

	"switchboard/internal/device"
)

func devices() map[string]*device.Device {
	return map[string]*device.Device{}
}

func mustSignal(t *testing.T, devices map[string]*device.Device, name string) *device.Device {
	t.Helper()
	d, err := device.NewSignalDevice(name)
	if err != nil {
		t.Fatal(err)
	}
	devices[name] = d
	return d
}

func TestBindAutoCreatesSignalDevices(t *testing.T) {
	devs := devices()
	desc := &Descriptor{
		Ref:     "m1",
		Inputs:  []string{"a.s"},
		Outputs: []OutputSpec{{Name: "b.s"}},
		Body:    func(b *Binding) error { return nil },
	}
	b, err := Bind(desc, devs)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := devs["a.s"]; !ok {
		t.Fatal("expected auto-created input signal device")
	}
	if _, ok := devs["b.s"]; !ok {
		t.Fatal("expected auto-created output signal device")
	}
	if b.Output(0).DrivingModule != "m1" {
		t.Fatalf("got driving module %q", b.Output(0).DrivingModule)
	}
}

func TestBindFailsOnMissingNonSignalDevice(t *testing.T) {
	devs := devices()
	desc := &Descriptor{Ref: "m1", Inputs: []string{"c1.in.i"}, Body: func(*Binding) error { return nil }}
	if _, err := Bind(desc, devs); err == nil {
		t.Fatal("expected contract error for missing non-signal device")
	}
}

func TestBindEnforcesSingleDriver(t *testing.T) {
	devs := devices()
	mustSignal(t, devs, "x.s")

	d1 := &Descriptor{Ref: "m1", Outputs: []OutputSpec{{Name: "x.s"}}, Body: func(*Binding) error { return nil }}
	if _, err := Bind(d1, devs); err != nil {
		t.Fatal(err)
	}

	d2 := &Descriptor{Ref: "m2", Outputs: []OutputSpec{{Name: "x.s"}}, Body: func(*Binding) error { return nil }}
	if _, err := Bind(d2, devs); err == nil {
		t.Fatal("expected single-driver contract error")
	}
}

func TestClassMethodForbidsStatics(t *testing.T) {
	devs := devices()
	desc := &Descriptor{
		Ref:           "m1",
		IsClassMethod: true,
		Statics:       map[string]any{"count": 0},
		Body:          func(*Binding) error { return nil },
	}
	if _, err := Bind(desc, devs); err == nil {
		t.Fatal("expected contract error for statics on class-method module")
	}
}

func TestTickDrivesOutputFromInput(t *testing.T) {
	devs := devices()
	in := mustSignal(t, devs, "in.s")
	in.UpdateValue(device.Value(`5`))

	desc := &Descriptor{
		Ref:     "doubler",
		Inputs:  []string{"in.s"},
		Outputs: []OutputSpec{{Name: "out.s"}},
		Body: func(b *Binding) error {
			return b.Output(0).SetValue(b.Input(0).Value())
		},
	}
	b, err := Bind(desc, devs)
	if err != nil {
		t.Fatal(err)
	}
	b.Enabled = true
	b.Tick()

	if string(devs["out.s"].Get()) != "5" {
		t.Fatalf("got %s", devs["out.s"].Get())
	}
}

func TestTickSkipsDisabled(t *testing.T) {
	devs := devices()
	called := false
	desc := &Descriptor{Ref: "m1", Body: func(*Binding) error { called = true; return nil }}
	b, _ := Bind(desc, devs)
	b.Tick()
	if called {
		t.Fatal("disabled module body should not run")
	}
}

func TestErrorValueLatchedOnce(t *testing.T) {
	devs := devices()
	in := mustSignal(t, devs, "in.s")

	setCount := 0
	desc := &Descriptor{
		Ref:     "m1",
		Inputs:  []string{"in.s"},
		Outputs: []OutputSpec{{Name: "out.s", ErrorValue: device.Value(`-1`)}},
		Body: func(b *Binding) error {
			setCount++
			return b.Output(0).SetValue(device.Value(`99`))
		},
	}
	b, err := Bind(desc, devs)
	if err != nil {
		t.Fatal(err)
	}
	b.Enabled = true

	in.SetError("broken")
	b.Tick()
	b.Tick()
	b.Tick()

	if string(devs["out.s"].Get()) != "-1" {
		t.Fatalf("expected error value -1 latched, got %s", devs["out.s"].Get())
	}
	if setCount != 0 {
		t.Fatalf("body should not have run while errored, ran %d times", setCount)
	}

	in.SetError("")
	b.Tick()
	if setCount != 1 {
		t.Fatalf("body should resume once error clears, ran %d times", setCount)
	}
	if string(devs["out.s"].Get()) != "99" {
		t.Fatalf("got %s", devs["out.s"].Get())
	}
}

func TestRegisterAndLookup(t *testing.T) {
	Register("test.Echo", func() *Descriptor {
		return &Descriptor{Inputs: []string{"in.s"}, Body: func(*Binding) error { return nil }}
	})
	d, ok := Lookup("test.Echo")
	if !ok {
		t.Fatal("expected lookup to find registered module")
	}
	if d.Ref != "test.Echo" {
		t.Fatalf("expected Lookup to stamp Ref, got %q", d.Ref)
	}
	if _, ok := Lookup("test.DoesNotExist"); ok {
		t.Fatal("expected lookup of unregistered ref to fail")
	}
}

func TestEvaluateIfErrorSkipsShortCircuit(t *testing.T) {
	devs := devices()
	in := mustSignal(t, devs, "in.s")
	in.SetError("broken")

	ran := false
	desc := &Descriptor{
		Ref:             "m1",
		Inputs:          []string{"in.s"},
		EvaluateIfError: true,
		Body:            func(*Binding) error { ran = true; return nil },
	}
	b, _ := Bind(desc, devs)
	b.Enabled = true
	b.Tick()
	if !ran {
		t.Fatal("evaluate_if_error=true should still run the body")
	}
}
