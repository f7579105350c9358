package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"dnsgate/internal/telemetry"
)

// NewTelemetryCmd creates the telemetry command
func NewTelemetryCmd() *cobra.Command {
	var configFile string
	telemetryCmd := &cobra.Command{
		Use:   "telemetry",
		Short: "Inspect and send device heartbeats",
	}
	telemetryCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last delivery and the queued heartbeats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			deliverer, configured := newDeliverer(cfg, st, nil)
			status := deliverer.Status(configured)
			now := time.Now()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Endpoint configured: %t\n", status.Configured)
			fmt.Fprintf(out, "Last heartbeat:      %s\n", status.Text(now))
			fmt.Fprintf(out, "Healthy:             %t\n", status.Healthy(now))
			fmt.Fprintf(out, "Backlog:             %d/%d\n", status.Backlog, deliverer.Backlog().Capacity())
			for _, rec := range deliverer.Backlog().Records() {
				queued := "?"
				if rec.QueuedAt != nil {
					queued = time.UnixMilli(*rec.QueuedAt).Format(time.RFC3339)
				}
				fmt.Fprintf(out, "  queued %s  blocked=%d protection=%t\n", queued, rec.BlockedCount, rec.ProtectionEnabled)
			}
			return nil
		},
	}

	var dryRun bool
	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Run one delivery cycle now",
		Long: `Flush the backlog and send a fresh heartbeat. With --dry-run the record
is printed instead of sent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}

			if dryRun {
				collector := &telemetry.SnapshotCollector{
					State:       st,
					AppVersion:  cfg.Telemetry.AppVersion,
					DeviceModel: deviceModel(cfg),
				}
				rec, err := collector.Collect()
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rec)
			}

			deliverer, configured := newDeliverer(cfg, st, nil)
			if !configured {
				return fmt.Errorf("telemetry endpoint is not configured")
			}
			out, err := deliverer.RunCycle(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Heartbeat %s after %d attempts (%d replayed, backlog %d)\n",
				out.Result, out.Attempts, out.Replayed, deliverer.Backlog().Len())
			if out.Err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Last error: %v\n", out.Err)
			}
			return nil
		},
	}
	sendCmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the record without sending")

	telemetryCmd.AddCommand(statusCmd, sendCmd)
	return telemetryCmd
}
