// Package cmd provides the CLI commands for the broker.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/moltbot/moltbroker/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "moltbroker",
	Short: "moltbroker - trusted zone-1 action executor",
	Long: `moltbroker is the trusted executor of the moltbot security architecture.

It is the only zone holding real credentials. The reasoning zone requests
capabilities over a local TCP protocol; the broker checks policy, obtains
out-of-band human approval where required, executes the action, and appends
every observable event to a hash-chained audit log. A kill switch can stop
all execution at any time.

Quick start:
  1. Create a config file: moltbroker.yaml
  2. Run: moltbroker serve

Configuration:
  Config is loaded from moltbroker.yaml in the current directory,
  $HOME/.moltbroker/, $HOME/moltbot-security/, or /etc/moltbroker/.

  Environment variables can override config values with the MOLTBROKER_ prefix.
  Example: MOLTBROKER_SERVER_ADDR=127.0.0.1:7999

Commands:
  serve       Start the request server
  status      Query a running broker
  kill        Trigger the kill switch of a running broker
  reset       Clear an engaged kill switch
  verify      Verify the audit chain integrity
  hash-key    Hash a protocol auth token for the config
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./moltbroker.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
