package statetable

import (
	"testing"

	"switchboard/internal/device"
)

func setup(t *testing.T) (map[string]ClientSource, map[string]*device.Device) {
	t.Helper()
	d1, err := device.NewRESTDevice(device.RESTDeviceInfo{Name: "temp.i", Readable: true}, "http://h1", nil)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := device.NewRESTDevice(device.RESTDeviceInfo{Name: "fan.o", Writeable: true}, "http://h1", nil)
	if err != nil {
		t.Fatal(err)
	}

	devices := map[string]*device.Device{
		"c1.temp.i": d1,
		"c1.fan.o":  d2,
	}
	clients := map[string]ClientSource{
		"c1": {
			URL:   "http://h1",
			Alias: "c1",
			Devices: map[string]*device.Device{
				"temp.i": d1,
				"fan.o":  d2,
			},
		},
	}
	// Device.Name as recorded in the catalogue is the full name.
	d1.Name = "c1.temp.i"
	d2.Name = "c1.fan.o"
	return clients, devices
}

func TestFirstSnapshotIsFullReset(t *testing.T) {
	clients, devices := setup(t)
	b := NewBuilder()

	ev := b.Snapshot(clients, devices)
	if ev == nil || !ev.IsReset {
		t.Fatal("expected a reset event on first snapshot")
	}
	if len(ev.Table) != 1 || len(ev.Table[0].Devices) != 2 {
		t.Fatalf("got %+v", ev.Table)
	}
	// Sorted by client alias, then by device name.
	if ev.Table[0].Devices[0].Name != "c1.fan.o" || ev.Table[0].Devices[1].Name != "c1.temp.i" {
		t.Fatalf("expected sorted device order, got %+v", ev.Table[0].Devices)
	}
}

func TestNoChangeEmitsNothing(t *testing.T) {
	clients, devices := setup(t)
	b := NewBuilder()
	b.Snapshot(clients, devices)

	if ev := b.Snapshot(clients, devices); ev != nil {
		t.Fatalf("expected nil event when nothing changed, got %+v", ev)
	}
}

func TestDiffDetectsChangedValue(t *testing.T) {
	clients, devices := setup(t)
	b := NewBuilder()
	b.Snapshot(clients, devices)

	devices["c1.temp.i"].UpdateValue(device.Value(`21.5`))

	ev := b.Snapshot(clients, devices)
	if ev == nil || ev.IsReset {
		t.Fatal("expected a non-reset diff event")
	}
	if len(ev.Updates) != 1 || ev.Updates[0].Device != "c1.temp.i" {
		t.Fatalf("got %+v", ev.Updates)
	}
	if string(ev.Updates[0].Value) != "21.5" {
		t.Fatalf("got %s", ev.Updates[0].Value)
	}

	// Cache mutated in place: a second identical snapshot is a no-op.
	if ev := b.Snapshot(clients, devices); ev != nil {
		t.Fatalf("expected cache to have absorbed the diff, got %+v", ev)
	}
}

func TestResetForcesFullRebuildAfterClientChange(t *testing.T) {
	clients, devices := setup(t)
	b := NewBuilder()
	b.Snapshot(clients, devices)

	b.Reset()
	ev := b.Snapshot(clients, devices)
	if ev == nil || !ev.IsReset {
		t.Fatal("expected reset event after cache invalidation")
	}
}
