// Command swbctl is a small ws_iodata/ws_ctrl client for poking at a
// running swb instance from a shell: stream table updates, send a
// command, or watch the config mirror (spec §4.K, added).
//
// Grounded on the teacher's cmd/ws_listen/main.go (dial, ping keepalive,
// single-command mode, clean shutdown on SIGINT/SIGTERM), restructured
// onto cobra subcommands and internal/wsclient instead of a bespoke
// connection loop.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootFlags struct {
	host     string
	port     int
	autokill bool
}

var rootCmd = &cobra.Command{
	Use:           "swbctl",
	Short:         "Switchboard ws_iodata/ws_ctrl command-line client",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&rootFlags.host, "host", "localhost", "switchboard host")
	rootCmd.PersistentFlags().IntVarP(&rootFlags.port, "port", "p", 0, "switchboard ws port (required)")
	rootCmd.PersistentFlags().BoolVar(&rootFlags.autokill, "autokill", false, "exit on first disconnect instead of reconnecting")
	rootCmd.MarkPersistentFlagRequired("port")
	rootCmd.AddCommand(listenCmd, sendCmd, watchConfigCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
