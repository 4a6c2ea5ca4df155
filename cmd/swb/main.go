// Command swb is Switchboard's engine daemon: it loads a config file,
// starts the tick scheduler, the ws_iodata/ws_ctrl server and the app
// supervisor, and runs until SIGINT/SIGTERM (spec §6, §4.K added).
//
// Grounded on aldrin-isaac-newtron's cmd/newtron/main.go for the cobra
// root+subcommand layout, and on the teacher's cmd/streamerbrainz/main.go
// for the serve subcommand's errgroup/signal.NotifyContext composition
// root (see serve.go).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "swb",
	Short:         "Switchboard control-plane engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(serveCmd, printDefaultConfigCmd, checkConfigCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
