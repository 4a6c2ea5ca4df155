package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"switchboard/internal/device"
)

func TestFetchInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(devicesInfoResponse{
			Devices: []device.RESTDeviceInfo{{Name: "in.i", Readable: true}},
		})
	}))
	defer srv.Close()

	p := NewProxy(srv.URL, "c1", nil)
	infos, err := p.FetchInfo(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].Name != "in.i" {
		t.Fatalf("got %+v", infos)
	}
}

func TestPollValuesAppliesToDevices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"devices":[{"name":"in.i","value":7}]}`))
	}))
	defer srv.Close()

	p := NewProxy(srv.URL, "c1", nil)
	d, err := device.NewRESTDevice(device.RESTDeviceInfo{Name: "in.i", Readable: true}, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	p.Devices["in.i"] = d

	if err := p.PollValues(context.Background()); err != nil {
		t.Fatal(err)
	}
	if string(d.Get()) != "7" {
		t.Fatalf("got %s", d.Get())
	}
}

func TestPollValuesDeviceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"devices":[{"name":"in.i","error":"broken"}]}`))
	}))
	defer srv.Close()

	p := NewProxy(srv.URL, "c1", nil)
	d, _ := device.NewRESTDevice(device.RESTDeviceInfo{Name: "in.i", Readable: true}, srv.URL, nil)
	p.Devices["in.i"] = d

	if err := p.PollValues(context.Background()); err != nil {
		t.Fatal(err)
	}
	if d.Error() != "broken" {
		t.Fatalf("got %q", d.Error())
	}
}

func TestPollValuesMalformedShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"devices":[{"name":"in.i"}]}`)) // neither value nor error
	}))
	defer srv.Close()

	p := NewProxy(srv.URL, "c1", nil)
	if err := p.PollValues(context.Background()); err == nil {
		t.Fatal("expected error for device with neither value nor error")
	}
}

func TestDoUpdateGating(t *testing.T) {
	period := 0.05
	p := NewProxy("http://x", "c1", &period)
	if !p.DoUpdate() {
		t.Fatal("first call should always update")
	}
	if p.DoUpdate() {
		t.Fatal("immediate second call should be gated")
	}
	time.Sleep(70 * time.Millisecond)
	if !p.DoUpdate() {
		t.Fatal("call after poll period elapsed should update")
	}
}

func TestOnErrorCascadesAndTransitionsOnce(t *testing.T) {
	p := NewProxy("http://x", "c1", nil)
	d, _ := device.NewSignalDevice("sig.s")
	p.Devices["sig.s"] = d

	if changed := p.OnError("down"); !changed {
		t.Fatal("expected transition on first error")
	}
	if d.Error() == "" {
		t.Fatal("device error should cascade")
	}
	if changed := p.OnError("down"); changed {
		t.Fatal("repeated identical error should not re-transition")
	}
	if changed := p.OnNoError(); !changed {
		t.Fatal("expected transition on recovery")
	}
	if d.Error() != "" {
		t.Fatal("device error should clear on recovery")
	}
}

func TestSetStringifiesValue(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	p := NewProxy(srv.URL, "c1", nil)
	if err := p.Set(context.Background(), "out.o", device.Value(`10`)); err != nil {
		t.Fatal(err)
	}
	if gotBody["value"] != "10" {
		t.Fatalf("expected stringified value \"10\", got %q", gotBody["value"])
	}
}
