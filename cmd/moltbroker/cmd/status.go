package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/moltbot/moltbroker/internal/config"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running broker",
	Long: `Query a running broker for its kill switch state, pending approvals,
and audit statistics.

Example:
  moltbroker status
  moltbroker status --addr 127.0.0.1:7999`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := resolveAddr(statusAddr)
		if err != nil {
			return err
		}
		resp, err := sendRequest(addr, map[string]any{"type": "status"})
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "broker address (default: from config)")
	rootCmd.AddCommand(statusCmd)
}

// resolveAddr prefers the flag, then the configured server address.
func resolveAddr(flagAddr string) (string, error) {
	if flagAddr != "" {
		return flagAddr, nil
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	return cfg.Server.Addr, nil
}
