package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"switchboard/internal/statetable"
	"switchboard/internal/wsclient"
)

var sendCmd = &cobra.Command{
	Use:   "send <command> [args...]",
	Short: "Send one ws_ctrl command and print the response",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSend,
}

// sendHandler only cares about the ctrl connection becoming usable; the
// iodata mirror and config mirror are irrelevant for a one-shot command.
type sendHandler struct {
	ready chan struct{}
	once  sync.Once
}

func (h *sendHandler) Connected() { h.once.Do(func() { close(h.ready) }) }
func (h *sendHandler) Disconnected(error) {}
func (h *sendHandler) ResetIOData(statetable.Table) {}
func (h *sendHandler) UpdateIOData(statetable.Table, []statetable.FieldUpdate) {}
func (h *sendHandler) UpdateConfig(any) {}

func runSend(cmd *cobra.Command, args []string) error {
	h := &sendHandler{ready: make(chan struct{})}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := wsclient.NewCtrlClient(rootFlags.host, rootFlags.port, true, h)
	go client.Run(ctx)

	select {
	case <-h.ready:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timed out connecting to ws_ctrl")
	}

	resp, err := client.Send(args[0], args[1:])
	if err != nil {
		return err
	}

	reader := bufio.NewReader(os.Stdin)
	for {
		if resp.DisplayText != "" {
			fmt.Println(resp.DisplayText)
		}
		if resp.CommandFinished || !resp.GetInput {
			return nil
		}
		fmt.Print("> ")
		line, _ := reader.ReadString('\n')
		resp, err = client.SendInput(strings.TrimRight(line, "\r\n"))
		if err != nil {
			return err
		}
	}
}
