package wsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"switchboard/internal/engine"
	"switchboard/internal/swbconfig"
	"switchboard/internal/wsproto"
)

func startTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	cfg := swbconfig.New()
	eng := engine.New(cfg, nil)
	cc := &CommandContext{Engine: eng}
	commands := BuildCommands(context.Background(), cc)
	srv := NewServer(eng, cfg, commands, nil)

	stop := make(chan struct{})
	srv.Run(stop)
	t.Cleanup(func() { close(stop) })

	mux := http.NewServeMux()
	srv.Routes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, eng
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestIODataConnectSendsResetTable(t *testing.T) {
	ts, _ := startTestServer(t)
	conn := dial(t, ts, "/ws_iodata")

	frame := readFrame(t, conn)
	if frame["command"] != "update_table" {
		t.Fatalf("expected update_table on connect, got %+v", frame)
	}
}

func TestCtrlConnectSendsResetTableThenConfig(t *testing.T) {
	ts, _ := startTestServer(t)
	conn := dial(t, ts, "/ws_ctrl")

	first := readFrame(t, conn)
	if first["command"] != "update_table" {
		t.Fatalf("expected update_table first, got %+v", first)
	}
	second := readFrame(t, conn)
	if second["command"] != "update_config" {
		t.Fatalf("expected update_config second, got %+v", second)
	}
}

func TestCtrlAcceptsCommandAndReturnsResponse(t *testing.T) {
	ts, _ := startTestServer(t)
	conn := dial(t, ts, "/ws_ctrl")
	readFrame(t, conn) // update_table
	readFrame(t, conn) // update_config

	in := wsproto.Incoming{Command: "listclients"}
	raw, _ := json.Marshal(in)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatal(err)
	}

	resp := readFrame(t, conn)
	if resp["command"] != "response" {
		t.Fatalf("expected a response frame, got %+v", resp)
	}
	if resp["command_finished"] != true {
		t.Fatalf("expected command_finished, got %+v", resp)
	}
}
