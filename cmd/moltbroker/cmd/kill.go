package cmd

import (
	"github.com/spf13/cobra"
)

var (
	killAddr    string
	killReason  string
	killDetails string
	killBy      string
)

var killCmd = &cobra.Command{
	Use:   "kill",
	Short: "Trigger the kill switch of a running broker",
	Long: `Trigger the kill switch of a running broker over TCP.

Once killed, the broker refuses every execute until an operator resets it.
Read-only handlers (ping, status, list_actions) stay available for
forensics.

Examples:
  moltbroker kill
  moltbroker kill --reason security_breach --details "leaked canary" --by oncall`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := resolveAddr(killAddr)
		if err != nil {
			return err
		}
		resp, err := sendRequest(addr, map[string]any{
			"type":         "kill",
			"reason":       killReason,
			"details":      killDetails,
			"triggered_by": killBy,
		})
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

func init() {
	killCmd.Flags().StringVar(&killAddr, "addr", "", "broker address (default: from config)")
	killCmd.Flags().StringVar(&killReason, "reason", "manual", "kill reason")
	killCmd.Flags().StringVar(&killDetails, "details", "Kill requested from CLI", "kill details")
	killCmd.Flags().StringVar(&killBy, "by", "cli", "who triggered the kill")
	rootCmd.AddCommand(killCmd)
}
