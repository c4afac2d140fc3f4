package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/moltbot/moltbroker/internal/config"
	"github.com/moltbot/moltbroker/internal/domain/killswitch"
)

var (
	resetMarker string
	resetBy     string
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear an engaged kill switch",
	Long: `Clear the kill switch marker left by a previous activation.

A broker started while the marker exists comes up killed, so the marker
must be cleared first. A broker that is already running holds its kill
state in memory and keeps refusing executes; restart it after the reset.

Example:
  moltbroker reset --by oncall`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := resetMarker
		if path == "" {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			path = cfg.Kill.MarkerPath
		}

		// The switch restores its state from the marker; resetting it
		// clears the state and removes the file.
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		ks := killswitch.New(logger, killswitch.WithMarkerPath(path))
		if !ks.Reset(resetBy) {
			fmt.Println("kill switch is not engaged; nothing to reset")
			return nil
		}
		fmt.Printf("kill marker removed: %s\n", path)
		fmt.Println("restart the broker to resume executes")
		return nil
	},
}

func init() {
	resetCmd.Flags().StringVar(&resetMarker, "marker", "", "kill marker path (default: from config)")
	resetCmd.Flags().StringVar(&resetBy, "by", "cli", "who authorized the reset")
	rootCmd.AddCommand(resetCmd)
}
