package wsserver

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"switchboard/internal/engine"
	"switchboard/internal/statetable"
	"switchboard/internal/swbconfig"
	"switchboard/internal/wsproto"
)

// Server exposes ws_iodata and ws_ctrl on the same mux (spec §4.G): both
// get iodata traffic via ioHub, only ws_ctrl additionally joins configHub
// and carries a command Decoder.
type Server struct {
	eng *engine.Engine
	cfg *swbconfig.Store
	log *logrus.Logger

	upgrader websocket.Upgrader

	ioHub     *Hub
	configHub *Hub

	commands map[string]CommandFunc
}

func NewServer(eng *engine.Engine, cfg *swbconfig.Store, commands map[string]CommandFunc, log *logrus.Logger) *Server {
	s := &Server{
		eng:       eng,
		cfg:       cfg,
		log:       log,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		ioHub:     NewHub(log),
		configHub: NewHub(log),
		commands:  commands,
	}
	if cfg != nil {
		cfg.RegisterChangeHandler(s.broadcastConfig)
	}
	return s
}

// Run starts both hubs' broadcast loops; they stop when stop is closed.
func (s *Server) Run(stop <-chan struct{}) {
	go s.ioHub.Run(stop)
	go s.configHub.Run(stop)
}

// IODataSubscriberCount and CtrlSubscriberCount feed
// internal/metrics' swb_ws_subscribers gauge. A ws_ctrl connection is a
// member of both hubs, so these are not mutually exclusive counts.
func (s *Server) IODataSubscriberCount() int { return s.ioHub.Count() }
func (s *Server) CtrlSubscriberCount() int   { return s.configHub.Count() }

// BroadcastTick pushes one Engine.Tick result to every ws_iodata/ws_ctrl
// subscriber. Called by the owning tick loop after each tick; a nil event
// (nothing changed) is a no-op.
func (s *Server) BroadcastTick(ev *statetable.Event) {
	if ev == nil {
		return
	}
	var frame any
	if ev.IsReset {
		frame = wsproto.NewUpdateTable(ev.Table)
	} else {
		frame = wsproto.NewUpdateFields(ev.Updates)
	}
	msg, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.ioHub.Broadcast(msg)
}

func (s *Server) broadcastConfig() {
	if s.cfg == nil {
		return
	}
	msg, err := json.Marshal(wsproto.NewUpdateConfig(s.cfg.Document()))
	if err != nil {
		return
	}
	s.configHub.Broadcast(msg)
}

// Routes registers both endpoints on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws_iodata", s.handleIOData)
	mux.HandleFunc("/ws_ctrl", s.handleCtrl)
}

func (s *Server) handleIOData(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := NewClient(conn, r.RemoteAddr, s.log)
	s.sendReset(c)
	c.JoinHub(s.ioHub)

	go c.WritePump()
	c.ReadPump(nil)
}

func (s *Server) handleCtrl(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := NewClient(conn, r.RemoteAddr, s.log)
	s.sendReset(c)
	s.sendConfig(c)
	c.JoinHub(s.ioHub)
	c.JoinHub(s.configHub)

	go c.WritePump()

	dec := NewDecoder(s.commands, s.log)
	c.ReadPump(func(raw []byte) {
		for _, resp := range dec.Handle(raw) {
			msg, err := json.Marshal(resp)
			if err != nil {
				continue
			}
			c.Send(msg)
		}
	})
}

func (s *Server) sendReset(c *Client) {
	msg, err := json.Marshal(wsproto.NewUpdateTable(s.eng.CurrentTable()))
	if err != nil {
		return
	}
	c.Send(msg)
}

func (s *Server) sendConfig(c *Client) {
	if s.cfg == nil {
		return
	}
	msg, err := json.Marshal(wsproto.NewUpdateConfig(s.cfg.Document()))
	if err != nil {
		return
	}
	c.Send(msg)
}
