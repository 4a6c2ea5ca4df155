package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"switchboard/internal/statetable"
	"switchboard/internal/wsclient"
)

var watchConfigCmd = &cobra.Command{
	Use:   "watch-config",
	Short: "Stream ws_ctrl config updates to stdout as JSON, one document per line",
	RunE:  runWatchConfig,
}

type watchConfigHandler struct{}

func (h *watchConfigHandler) Connected()             {}
func (h *watchConfigHandler) Disconnected(error)     {}
func (h *watchConfigHandler) ResetIOData(statetable.Table) {}
func (h *watchConfigHandler) UpdateIOData(statetable.Table, []statetable.FieldUpdate) {}

func (h *watchConfigHandler) UpdateConfig(cfg any) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	fmt.Println(string(raw))
}

func runWatchConfig(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := wsclient.NewCtrlClient(rootFlags.host, rootFlags.port, rootFlags.autokill, &watchConfigHandler{})
	client.Run(ctx)
	return nil
}
