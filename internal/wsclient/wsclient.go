// Package wsclient implements Switchboard's ws subscriber library: a
// sorted, incrementally-updated mirror of the iodata state table plus,
// for ws_ctrl, the config mirror and the command/response round trip
// (spec §4.I). Grounded on ws_ctrl.py's WSIODataClient/WSCtrlClient
// (sorted mirror, fast lookup maps, 1s reconnect backoff, autokill
// short-circuit) and structurally on the teacher's wsClient (mutex-guarded
// connection, connectWithRetry, sendAndRead).
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"switchboard/internal/statetable"
	"switchboard/internal/wsproto"
)

const (
	reconnectDelay = time.Second
	dialTimeout    = 5 * time.Second
	responseWait   = 5 * time.Second
)

// Handler receives the iodata subscriber's lifecycle and data callbacks,
// mirroring ws_ctrl.py's WSIODataHandlerBase.
type Handler interface {
	Connected()
	Disconnected(err error)
	ResetIOData(table statetable.Table)
	UpdateIOData(table statetable.Table, updates []statetable.FieldUpdate)
}

// IODataClient mirrors one ws_iodata stream: a sorted state table and fast
// alias/device lookup maps, reconnecting after reconnectDelay unless
// autokill is set, in which case a disconnect ends Run.
type IODataClient struct {
	mu      sync.Mutex
	table   statetable.Table
	clients map[string]*statetable.ClientEntry
	devices map[string]*statetable.DeviceEntry

	host     string
	port     int
	autokill bool
	handler  Handler
	dialer   *websocket.Dialer
}

func NewIODataClient(host string, port int, autokill bool, handler Handler) *IODataClient {
	return &IODataClient{
		host:     host,
		port:     port,
		autokill: autokill,
		handler:  handler,
		dialer:   &websocket.Dialer{HandshakeTimeout: dialTimeout},
	}
}

func (c *IODataClient) url() string {
	return fmt.Sprintf("ws://%s:%d/ws_iodata", c.host, c.port)
}

// Run connects and processes frames until ctx is cancelled, or (if
// autokill) until the very first disconnect.
func (c *IODataClient) Run(ctx context.Context) {
	c.runLoop(ctx, c.url(), c.handleFrame)
}

func (c *IODataClient) runLoop(ctx context.Context, url string, onFrame func([]byte)) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.dialAndRead(ctx, url, onFrame)
		if c.handler != nil {
			c.handler.Disconnected(err)
		}
		if c.autokill {
			return
		}
		c.reset()
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *IODataClient) dialAndRead(ctx context.Context, url string, onFrame func([]byte)) error {
	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	if c.handler != nil {
		c.handler.Connected()
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		onFrame(msg)
	}
}

func (c *IODataClient) reset() {
	c.mu.Lock()
	c.table = nil
	c.clients = nil
	c.devices = nil
	c.mu.Unlock()
}

func (c *IODataClient) handleFrame(raw []byte) {
	var env struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}
	switch env.Command {
	case "update_table":
		var frame wsproto.UpdateTable
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		c.rebuild(frame.Table)
		if c.handler != nil {
			c.handler.ResetIOData(c.CurrentTable())
		}
	case "update_fields":
		var frame wsproto.UpdateFields
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		c.applyUpdates(frame.Fields)
		if c.handler != nil {
			c.handler.UpdateIOData(c.CurrentTable(), frame.Fields)
		}
	}
}

// rebuild re-sorts the incoming table defensively (the server already
// sorts it, but the client does not trust that) and rebuilds the fast
// lookup maps, matching _create_current_state_table.
func (c *IODataClient) rebuild(table statetable.Table) {
	sorted := append(statetable.Table{}, table...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ClientAlias < sorted[j].ClientAlias })

	clients := make(map[string]*statetable.ClientEntry, len(sorted))
	devices := make(map[string]*statetable.DeviceEntry)
	for i := range sorted {
		entry := &sorted[i]
		sort.Slice(entry.Devices, func(a, b int) bool { return entry.Devices[a].Name < entry.Devices[b].Name })
		clients[entry.ClientAlias] = entry
		for j := range entry.Devices {
			devices[entry.Devices[j].Name] = &entry.Devices[j]
		}
	}

	c.mu.Lock()
	c.table = sorted
	c.clients = clients
	c.devices = devices
	c.mu.Unlock()
}

func (c *IODataClient) applyUpdates(updates []statetable.FieldUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range updates {
		d, ok := c.devices[u.Device]
		if !ok {
			continue
		}
		d.Value = u.Value
		d.LastSetValue = u.LastSetValue
		d.LastUpdateTime = u.LastUpdateTime
	}
}

// CurrentTable returns a defensive copy of the mirrored table, or nil
// before the first update_table frame arrives.
func (c *IODataClient) CurrentTable() statetable.Table {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.table == nil {
		return nil
	}
	out := make(statetable.Table, len(c.table))
	for i, entry := range c.table {
		entry.Devices = append([]statetable.DeviceEntry(nil), entry.Devices...)
		out[i] = entry
	}
	return out
}

// Device looks up one device by its full name.
func (c *IODataClient) Device(name string) (statetable.DeviceEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[name]
	if !ok {
		return statetable.DeviceEntry{}, false
	}
	return *d, true
}

// CtrlHandler extends Handler with the ws_ctrl config mirror callback.
type CtrlHandler interface {
	Handler
	UpdateConfig(cfg any)
}

// CtrlClient mirrors ws_ctrl: an embedded IODataClient connection for the
// state table (ws_ctrl.py opens a second, dedicated ws_iodata connection
// rather than relying on ws_ctrl's own iodata fan-out), plus a dedicated
// ws_ctrl connection carrying the config mirror and the command/response
// round trip.
type CtrlClient struct {
	*IODataClient

	mu      sync.Mutex
	config  any
	handler CtrlHandler

	host     string
	portNum  int
	autokill bool
	dialer   *websocket.Dialer

	connMu sync.Mutex
	conn   *websocket.Conn

	responses chan wsproto.Response
}

func NewCtrlClient(host string, port int, autokill bool, handler CtrlHandler) *CtrlClient {
	return &CtrlClient{
		IODataClient: NewIODataClient(host, port, autokill, handler),
		handler:      handler,
		host:         host,
		portNum:      port,
		autokill:     autokill,
		dialer:       &websocket.Dialer{HandshakeTimeout: dialTimeout},
		responses:    make(chan wsproto.Response, 16),
	}
}

func (c *CtrlClient) ctrlURL() string {
	return fmt.Sprintf("ws://%s:%d/ws_ctrl", c.host, c.portNum)
}

// Run starts both the iodata mirror and the ctrl connection; returns when
// ctx is cancelled.
func (c *CtrlClient) Run(ctx context.Context) {
	go c.IODataClient.Run(ctx)
	c.runLoop(ctx)
}

func (c *CtrlClient) runLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.dialAndReadCtrl(ctx)
		if c.autokill {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
		_ = err
	}
}

func (c *CtrlClient) dialAndReadCtrl(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.ctrlURL(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleCtrlFrame(msg)
	}
}

func (c *CtrlClient) handleCtrlFrame(raw []byte) {
	var env struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}
	switch env.Command {
	case "update_config":
		var frame wsproto.UpdateConfig
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		c.mu.Lock()
		c.config = frame.Config
		c.mu.Unlock()
		if c.handler != nil {
			c.handler.UpdateConfig(frame.Config)
		}
	case "response":
		var resp wsproto.Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return
		}
		select {
		case c.responses <- resp:
		default:
		}
	}
}

// Send issues a named command with its string arguments and returns the
// next response frame. Multi-step commands (e.g. "remove" when dependent
// modules exist) return a response with GetInput set; the caller drives
// the next step with SendInput.
func (c *CtrlClient) Send(command string, args []string) (wsproto.Response, error) {
	return c.sendRaw(wsproto.Incoming{Command: command, Args: args})
}

// SendInput resumes a command currently waiting for input.
func (c *CtrlClient) SendInput(text string) (wsproto.Response, error) {
	return c.sendRaw(wsproto.Incoming{Command: wsproto.UserInputCommand, Text: text})
}

func (c *CtrlClient) sendRaw(in wsproto.Incoming) (wsproto.Response, error) {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return wsproto.Response{}, fmt.Errorf("not connected to ws_ctrl")
	}

	raw, err := json.Marshal(in)
	if err != nil {
		return wsproto.Response{}, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return wsproto.Response{}, err
	}

	select {
	case resp := <-c.responses:
		return resp, nil
	case <-time.After(responseWait):
		return wsproto.Response{}, fmt.Errorf("timed out waiting for a response")
	}
}

// Config returns the last mirrored config document, or nil before the
// first update_config frame arrives.
func (c *CtrlClient) Config() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}
