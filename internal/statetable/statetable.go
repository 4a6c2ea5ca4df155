// Package statetable builds Switchboard's canonical, deterministically
// ordered state table and computes per-tick diffs against the last
// snapshot (spec §4.F).
package statetable

import (
	"sort"
	"sync"
	"time"

	"switchboard/internal/device"
)

// DeviceEntry is one device's row in the canonical table.
type DeviceEntry struct {
	Name           string       `json:"name"`
	Value          device.Value `json:"value"`
	LastSetValue   device.Value `json:"last_set_value"`
	LastUpdateTime string       `json:"last_update_time"`
}

// ClientEntry is one client's row, owning a sorted list of its devices.
type ClientEntry struct {
	ClientURL   string        `json:"client_url"`
	ClientAlias string        `json:"client_alias"`
	Devices     []DeviceEntry `json:"devices"`
}

// Table is the full canonical snapshot: clients sorted by alias, each
// client's devices sorted by local name.
type Table []ClientEntry

// FieldUpdate is one changed device entry emitted as part of an
// update_fields diff event.
type FieldUpdate struct {
	Device         string       `json:"device"`
	Value          device.Value `json:"value"`
	LastSetValue   device.Value `json:"last_set_value"`
	LastUpdateTime string       `json:"last_update_time"`
}

// ClientSource is the minimal view the builder needs of a live client
// proxy, decoupling this package from internal/client.
type ClientSource struct {
	URL     string
	Alias   string
	Devices map[string]*device.Device // local name -> device
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

// build constructs a brand-new table from the live clients, exactly
// mirroring _make_state_table: sorted by client alias, then by local
// device name within each client.
func build(clients map[string]ClientSource) Table {
	aliases := make([]string, 0, len(clients))
	for alias := range clients {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	table := make(Table, 0, len(aliases))
	for _, alias := range aliases {
		c := clients[alias]
		names := make([]string, 0, len(c.Devices))
		for name := range c.Devices {
			names = append(names, name)
		}
		sort.Strings(names)

		entries := make([]DeviceEntry, 0, len(names))
		for _, name := range names {
			d := c.Devices[name]
			entries = append(entries, DeviceEntry{
				Name:           d.Name,
				Value:          d.Get(),
				LastSetValue:   d.LastSetValue(),
				LastUpdateTime: formatTime(d.LastUpdateTime()),
			})
		}
		table = append(table, ClientEntry{ClientURL: c.URL, ClientAlias: alias, Devices: entries})
	}
	return table
}

// Builder holds the cached table between ticks (ws_ctrl.py's
// current_state_table) and determines whether to emit a full reset or an
// incremental diff.
type Builder struct {
	mu    sync.Mutex
	cache Table
}

// NewBuilder returns a Builder with an empty cache, which forces the next
// Snapshot call to emit a full reset.
func NewBuilder() *Builder { return &Builder{} }

// Reset clears the cache, forcing the next Snapshot to rebuild and emit a
// full reset event. Called whenever clients/devices are added or removed.
func (b *Builder) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache = nil
}

// Current returns a copy of the last-built table, for a newly connecting
// ws_iodata subscriber that arrives between ticks.
func (b *Builder) Current() Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out Table
	for _, c := range b.cache {
		c.Devices = append([]DeviceEntry(nil), c.Devices...)
		out = append(out, c)
	}
	return out
}

// Event is either a Reset (full table) or an Update (diff list plus
// current table, per spec §4.F/§6).
type Event struct {
	IsReset bool
	Table   Table
	Updates []FieldUpdate
}

// Snapshot takes a snapshot of the live clients/devices and returns the
// event to broadcast, or nil if nothing changed. Global devices is keyed
// by full device name (alias.local.suffix), used to resolve entries in the
// cached table (whose entries were recorded by full device name too).
func (b *Builder) Snapshot(clients map[string]ClientSource, devices map[string]*device.Device) *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.cache) == 0 {
		b.cache = build(clients)
		return &Event{IsReset: true, Table: b.cache}
	}

	var updates []FieldUpdate
	for ci := range b.cache {
		entries := b.cache[ci].Devices
		for di := range entries {
			entry := &entries[di]
			d, ok := devices[entry.Name]
			if !ok {
				continue
			}
			newTime := formatTime(d.LastUpdateTime())
			newValue := d.Get()
			newLastSet := d.LastSetValue()

			if !bytesEqual(entry.Value, newValue) || !bytesEqual(entry.LastSetValue, newLastSet) || entry.LastUpdateTime != newTime {
				updates = append(updates, FieldUpdate{
					Device:         entry.Name,
					Value:          newValue,
					LastSetValue:   newLastSet,
					LastUpdateTime: newTime,
				})
				entry.Value = newValue
				entry.LastSetValue = newLastSet
				entry.LastUpdateTime = newTime
			}
		}
	}

	if len(updates) == 0 {
		return nil
	}
	return &Event{Table: b.cache, Updates: updates}
}

func bytesEqual(a, b device.Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return string(a) == string(b)
}
