package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/xuri/excelize/v2"

	"dnsgate/internal/store"
)

const summarySheet = "Summary"

// exportWorkbook writes a summary sheet plus one sheet per event log.
func exportWorkbook(st *store.Store, path string, now time.Time) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	snap := st.Snapshot()
	rows := [][]interface{}{
		{"Exported", now.UTC().Format(time.RFC3339)},
		{"Device ID", snap.DeviceID},
		{"Protection enabled", snap.ProtectionEnabled},
		{"Engine active", snap.VPNActive},
		{"Blocked total", snap.BlockedCount},
		{"Telemetry backlog", snap.BacklogLength},
	}
	if snap.LastDelivery != nil {
		rows = append(rows, []interface{}{"Last heartbeat", snap.LastDelivery.UTC().Format(time.RFC3339)})
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return err
		}
	}

	for _, kind := range store.LogKinds {
		sheet := string(kind)
		if _, err := f.NewSheet(sheet); err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, "A1", &[]interface{}{"Time", "Target", "Detail"}); err != nil {
			return err
		}
		for i, line := range st.Log(kind) {
			e, err := parseLogLine(line)
			if err != nil {
				continue
			}
			cell, _ := excelize.CoordinatesToCellName(1, i+2)
			row := []interface{}{e.Time.UTC().Format(time.RFC3339), e.Target, e.Detail}
			if err := f.SetSheetRow(sheet, cell, &row); err != nil {
				return err
			}
		}
	}

	return f.SaveAs(path)
}

// NewExportCmd creates the export command
func NewExportCmd() *cobra.Command {
	var (
		configFile string
		output     string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the state and event logs to an Excel workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			if err := exportWorkbook(st, output, time.Now()); err != nil {
				return fmt.Errorf("failed to export: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Exported to %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	cmd.Flags().StringVarP(&output, "output", "o", "dnsgate-events.xlsx", "workbook path")
	return cmd
}
