// Package swbconfig implements Switchboard's typed, validated key/value
// config store: a closed enumeration of keys, each with a validator and a
// human-readable limit description, backed by a JSON file on disk.
package swbconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
)

// ClientEntry is the per-client shape of the "clients" config key.
type ClientEntry struct {
	URL        string `json:"url"`
	PollPeriod string `json:"poll_period,omitempty"`
}

// AppEntry is the per-app shape of the "apps" config key.
type AppEntry struct {
	Command     string `json:"command"`
	ClientPort  int    `json:"client_port,omitempty"`
	ClientAlias string `json:"client_alias,omitempty"`
}

// Document is the JSON-serialisable shape of the whole config. Fields map
// 1:1 to the closed CONFIG_OPTS enumeration.
type Document struct {
	PollPeriod string                 `json:"poll_period"`
	Clients    map[string]ClientEntry `json:"clients"`
	Modules    map[string]string      `json:"modules"` // ref -> "enabled"|"disabled"
	WSPort     int                    `json:"ws_port"`
	Apps       map[string]AppEntry    `json:"apps"`
	Running    bool                   `json:"running"`
	Logging    map[string]any         `json:"logging"`
}

func defaultDocument() Document {
	return Document{
		PollPeriod: "1.0",
		Clients:    map[string]ClientEntry{},
		Modules:    map[string]string{},
		Apps:       map[string]AppEntry{},
		Logging:    map[string]any{},
	}
}

// Key identifies one of the closed set of config options.
type Key string

const (
	KeyPollPeriod Key = "poll_period"
	KeyClients    Key = "clients"
	KeyModules    Key = "modules"
	KeyWSPort     Key = "ws_port"
	KeyApps       Key = "apps"
	KeyRunning    Key = "running"
	KeyLogging    Key = "logging"
)

// validate returns a human-readable error if value is not acceptable for
// key, or "" (nil) if it is. Mirrors CONFIG_OPTS' test+limit pairs.
func validate(key Key, doc *Document) error {
	switch key {
	case KeyPollPeriod:
		f, err := strconv.ParseFloat(doc.PollPeriod, 64)
		if err != nil || f <= 0.1 {
			return fmt.Errorf("invalid value %q for config option %q: must be a float > 0.1", doc.PollPeriod, key)
		}
	case KeyWSPort:
		if doc.WSPort <= 0 || doc.WSPort >= 65536 {
			return fmt.Errorf("invalid value %d for config option %q: must be an int > 0 and < 65536", doc.WSPort, key)
		}
	case KeyClients, KeyModules, KeyApps, KeyLogging, KeyRunning:
		// Struct typing already enforces the shape; nothing further to check.
	default:
		return fmt.Errorf("invalid config option %q", key)
	}
	return nil
}

// ChangeHandler is invoked after every successful mutation, after the
// document has been persisted (if a path is configured).
type ChangeHandler func()

// Store is the runtime config object: current document, the backing file
// path (if any), and the registered change handler.
type Store struct {
	mu sync.Mutex

	doc  Document
	path string

	handler ChangeHandler
}

// New builds an empty, schema-valid Store with poll_period defaulted, not
// backed by any file (matching SwitchboardConfig.__init__).
func New() *Store {
	return &Store{doc: defaultDocument()}
}

// RegisterChangeHandler sets the single handler fired after every
// successful mutation. A second call replaces the first, matching the
// Python original's single-slot semantics.
func (s *Store) RegisterChangeHandler(h ChangeHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Document returns a copy of the current config document.
func (s *Store) Document() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// Get returns the value for key as a generic any, or nil if key is unknown.
func (s *Store) Get(key Key) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch key {
	case KeyPollPeriod:
		return s.doc.PollPeriod
	case KeyClients:
		return s.doc.Clients
	case KeyModules:
		return s.doc.Modules
	case KeyWSPort:
		return s.doc.WSPort
	case KeyApps:
		return s.doc.Apps
	case KeyRunning:
		return s.doc.Running
	case KeyLogging:
		return s.doc.Logging
	}
	return nil
}

// SetPollPeriod validates and sets poll_period, saving and notifying on
// success.
func (s *Store) SetPollPeriod(v string) error {
	s.mu.Lock()
	prev := s.doc.PollPeriod
	s.doc.PollPeriod = v
	err := validate(KeyPollPeriod, &s.doc)
	if err != nil {
		s.doc.PollPeriod = prev
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	s.saveAndNotify()
	return nil
}

// SetWSPort validates and sets ws_port, saving and notifying on success.
func (s *Store) SetWSPort(v int) error {
	s.mu.Lock()
	prev := s.doc.WSPort
	s.doc.WSPort = v
	err := validate(KeyWSPort, &s.doc)
	if err != nil {
		s.doc.WSPort = prev
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	s.saveAndNotify()
	return nil
}

// SetRunning sets the running flag, saving and notifying.
func (s *Store) SetRunning(v bool) {
	s.mu.Lock()
	s.doc.Running = v
	s.mu.Unlock()
	s.saveAndNotify()
}

func (s *Store) AddClient(alias, url, pollPeriod string) {
	s.mu.Lock()
	entry := ClientEntry{URL: url}
	if pollPeriod != "" {
		entry.PollPeriod = pollPeriod
	}
	s.doc.Clients[alias] = entry
	s.mu.Unlock()
	s.saveAndNotify()
}

func (s *Store) RemoveClient(alias string) {
	s.mu.Lock()
	_, ok := s.doc.Clients[alias]
	if ok {
		delete(s.doc.Clients, alias)
	}
	s.mu.Unlock()
	if ok {
		s.saveAndNotify()
	}
}

func (s *Store) AddModule(ref string) {
	s.mu.Lock()
	s.doc.Modules[ref] = "enabled"
	s.mu.Unlock()
	s.saveAndNotify()
}

func (s *Store) RemoveModule(ref string) {
	s.mu.Lock()
	_, ok := s.doc.Modules[ref]
	delete(s.doc.Modules, ref)
	s.mu.Unlock()
	if ok {
		s.saveAndNotify()
	}
}

func (s *Store) EnableModule(ref string) {
	s.mu.Lock()
	s.doc.Modules[ref] = "enabled"
	s.mu.Unlock()
	s.saveAndNotify()
}

func (s *Store) DisableModule(ref string) {
	s.mu.Lock()
	s.doc.Modules[ref] = "disabled"
	s.mu.Unlock()
	s.saveAndNotify()
}

func (s *Store) AddApp(name string, entry AppEntry) {
	s.mu.Lock()
	if s.doc.Apps == nil {
		s.doc.Apps = map[string]AppEntry{}
	}
	s.doc.Apps[name] = entry
	s.mu.Unlock()
	s.saveAndNotify()
}

func (s *Store) RemoveApp(name string) {
	s.mu.Lock()
	_, ok := s.doc.Apps[name]
	delete(s.doc.Apps, name)
	s.mu.Unlock()
	if ok {
		s.saveAndNotify()
	}
}

// Load reads the JSON config file at path. If the file does not exist, an
// empty schema-valid document is written there instead (matching the
// original's "create on first run" behaviour). If it exists, poll_period
// must pass its validator, and so must ws_port unless it is 0 (not yet
// assigned: cmd/swb then binds a free port); otherwise Load returns a
// Fatal-class error (spec §7). Keys absent from the file are not an error:
// missing maps are filled with empty ones.
func Load(path string) (*Store, error) {
	s := New()
	s.path = path

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.save(); err != nil {
			return nil, err
		}
		return s, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}

	if doc.Clients == nil {
		doc.Clients = map[string]ClientEntry{}
	}
	if doc.Modules == nil {
		doc.Modules = map[string]string{}
	}
	if doc.Apps == nil {
		doc.Apps = map[string]AppEntry{}
	}
	if doc.Logging == nil {
		doc.Logging = map[string]any{}
	}

	for _, key := range []Key{KeyPollPeriod, KeyWSPort} {
		if key == KeyWSPort && doc.WSPort == 0 {
			continue
		}
		tmp := doc
		if err := validate(key, &tmp); err != nil {
			return nil, fmt.Errorf("config parameter error in %q: %w", path, err)
		}
	}

	s.doc = doc
	return s, nil
}

func (s *Store) saveAndNotify() {
	_ = s.save()
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h()
	}
}

func (s *Store) save() error {
	s.mu.Lock()
	path := s.path
	doc := s.doc
	s.mu.Unlock()

	if path == "" {
		return nil
	}

	raw, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0644)
}
