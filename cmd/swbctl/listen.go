package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/itchyny/gojq"
	"github.com/spf13/cobra"

	"switchboard/internal/statetable"
	"switchboard/internal/wsclient"
)

var listenFlags struct {
	filter string
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Stream ws_iodata updates to stdout as JSON, one frame per line",
	RunE:  runListen,
}

func init() {
	listenCmd.Flags().StringVar(&listenFlags.filter, "filter", "", "gojq expression applied to each frame before printing")
}

// listenHandler prints every reset/update frame as JSON, optionally piped
// through a gojq query first (spec §4.K's "listen --filter").
type listenHandler struct {
	query *gojq.Query
}

func (h *listenHandler) Connected()             { fmt.Fprintln(os.Stderr, "connected") }
func (h *listenHandler) Disconnected(err error) { fmt.Fprintln(os.Stderr, "disconnected:", err) }

func (h *listenHandler) ResetIOData(table statetable.Table) {
	h.emit(map[string]any{"event": "reset", "table": table})
}

func (h *listenHandler) UpdateIOData(table statetable.Table, updates []statetable.FieldUpdate) {
	h.emit(map[string]any{"event": "update", "updates": updates})
}

func (h *listenHandler) emit(frame any) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if h.query == nil {
		fmt.Println(string(raw))
		return
	}

	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return
	}
	iter := h.query.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			fmt.Fprintln(os.Stderr, "filter error:", err)
			continue
		}
		out, err := json.Marshal(v)
		if err != nil {
			continue
		}
		fmt.Println(string(out))
	}
}

func runListen(cmd *cobra.Command, args []string) error {
	h := &listenHandler{}
	if listenFlags.filter != "" {
		q, err := gojq.Parse(listenFlags.filter)
		if err != nil {
			return fmt.Errorf("invalid filter: %w", err)
		}
		h.query = q
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := wsclient.NewIODataClient(rootFlags.host, rootFlags.port, rootFlags.autokill, h)
	client.Run(ctx)
	return nil
}
