// Package client implements Switchboard's remote client proxy: polling one
// remote HTTP device endpoint, holding its devices, and exposing a
// set-value RPC back to it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"switchboard/internal/device"
)

const (
	infoTimeout   = 3 * time.Second
	valuesTimeout = 5 * time.Second
	setTimeout    = 1 * time.Second
)

// devicesInfoResponse is the shape of GET /devices_info.
type devicesInfoResponse struct {
	Devices []device.RESTDeviceInfo `json:"devices"`
}

// deviceValueEntry is one entry of GET /devices_value's "devices" array.
type deviceValueEntry struct {
	Name  string        `json:"name"`
	Value device.Value  `json:"value,omitempty"`
	Error string        `json:"error,omitempty"`
}

// devicesValueResponse is the shape of GET /devices_value.
type devicesValueResponse struct {
	Error   string             `json:"error,omitempty"`
	Devices []deviceValueEntry `json:"devices"`
}

// Proxy is the engine-facing handle for one remote device client: URL,
// alias, connectivity/error state, its devices, and poll gating.
type Proxy struct {
	mu sync.Mutex

	URL        string
	Alias      string
	Connected  bool
	errMsg     string
	Devices    map[string]*device.Device // local name -> device
	PollPeriod *float64                  // seconds; nil = poll every tick
	lastPolled time.Time

	httpClient *http.Client
}

// NewProxy constructs a Proxy with no devices yet; FetchInfo populates
// Devices.
func NewProxy(url, alias string, pollPeriod *float64) *Proxy {
	return &Proxy{
		URL:        url,
		Alias:      alias,
		PollPeriod: pollPeriod,
		Devices:    map[string]*device.Device{},
		httpClient: &http.Client{},
	}
}

// FetchInfo performs GET /devices_info and returns the raw catalogue; it
// does not mutate the proxy, so callers can validate before committing
// (strong exception guarantee upsert, spec §4.C).
func (p *Proxy) FetchInfo(ctx context.Context) ([]device.RESTDeviceInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, infoTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL+"/devices_info", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s/devices_info: %w", p.URL, err)
	}
	defer resp.Body.Close()

	var parsed devicesInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("invalid json from %s/devices_info: %w", p.URL, err)
	}
	return parsed.Devices, nil
}

// DoUpdate reports whether this proxy should be polled this tick: always
// true if PollPeriod is nil, otherwise true only once wall clock has
// advanced strictly more than PollPeriod seconds since the last poll (and,
// on that branch, stamps lastPolled — matching the original's
// time.time() - last_polled > poll_period gate).
func (p *Proxy) DoUpdate() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PollPeriod == nil {
		return true
	}
	if time.Since(p.lastPolled).Seconds() > *p.PollPeriod {
		p.lastPolled = time.Now()
		return true
	}
	return false
}

// PollValues performs GET /devices_value, validates its shape, and applies
// values/errors onto this proxy's devices. Returns an error describing a
// malformed response or connectivity failure; the caller (engine) is the
// sole decision point for the resulting OnError/OnNoError transition, so
// it is logged exactly once.
func (p *Proxy) PollValues(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, valuesTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL+"/devices_value", nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.mu.Lock()
		p.Connected = false
		p.mu.Unlock()
		return fmt.Errorf("unable to access client %s: %w", p.URL, err)
	}
	defer resp.Body.Close()

	p.mu.Lock()
	p.Connected = true
	p.mu.Unlock()

	var parsed devicesValueResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("invalid json formatting for client %s: %w", p.URL, err)
	}

	if parsed.Error != "" {
		return fmt.Errorf("error for client %s: %s", p.URL, parsed.Error)
	}

	for _, entry := range parsed.Devices {
		if entry.Name == "" {
			return fmt.Errorf("error for client %s: found device with no name", p.URL)
		}
		if entry.Value == nil && entry.Error == "" {
			return fmt.Errorf("error for client %s: device %s has no value or error field", p.URL, entry.Name)
		}
	}

	for _, entry := range parsed.Devices {
		p.applyDeviceValue(entry)
	}
	return nil
}

func (p *Proxy) applyDeviceValue(entry deviceValueEntry) {
	p.mu.Lock()
	d, ok := p.Devices[entry.Name]
	p.mu.Unlock()
	if !ok {
		return
	}

	if entry.Error != "" {
		d.SetError(entry.Error)
		return
	}
	d.SetError("")
	d.UpdateValue(entry.Value)
}

// OnError sets this proxy's error state and cascades "Client error …" onto
// every owned device, but only when the error message changes (healthy→error
// or one error to a different one); repeating the same error is a no-op.
// The caller logs once per such change using the returned bool.
func (p *Proxy) OnError(msg string) (changed bool) {
	p.mu.Lock()
	changed = p.errMsg != msg
	p.errMsg = msg
	devices := make([]*device.Device, 0, len(p.Devices))
	for _, d := range p.Devices {
		devices = append(devices, d)
	}
	p.mu.Unlock()

	if changed {
		cascaded := fmt.Sprintf("Client error %q", msg)
		for _, d := range devices {
			d.SetError(cascaded)
		}
	}
	return changed
}

// OnNoError clears this proxy's and every owned device's error state, only
// acting on the error→healthy transition.
func (p *Proxy) OnNoError() (changed bool) {
	p.mu.Lock()
	changed = p.errMsg != ""
	p.errMsg = ""
	devices := make([]*device.Device, 0, len(p.Devices))
	for _, d := range p.Devices {
		devices = append(devices, d)
	}
	p.mu.Unlock()

	if changed {
		for _, d := range devices {
			d.SetError("")
		}
	}
	return changed
}

func (p *Proxy) Error() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errMsg
}

// Set performs PUT /device_set against the remote, stringifying value per
// the documented wire contract (spec §6: body {"name","value"} with value
// a string).
func (p *Proxy) Set(ctx context.Context, localName string, value device.Value) error {
	ctx, cancel := context.WithTimeout(ctx, setTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{
		"name":  localName,
		"value": string(value),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.URL+"/device_set", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("exception setting device %s to %s: %w", localName, value, err)
	}
	defer resp.Body.Close()

	var result struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && result.Error != "" {
		return fmt.Errorf("%s", result.Error)
	}
	return nil
}
