package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/valyala/fasttemplate"

	"dnsgate/internal/store"
)

// DefaultEventFormat renders one event log line.
const DefaultEventFormat = "{{time}}  {{target}}  {{detail}}"

// logEntry is one decoded "ts|target|detail" line.
type logEntry struct {
	Time   time.Time
	Target string
	Detail string
}

func parseLogLine(line string) (logEntry, error) {
	parts := strings.SplitN(line, "|", 3)
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return logEntry{}, fmt.Errorf("bad timestamp in %q", line)
	}
	e := logEntry{Time: time.UnixMilli(ms)}
	if len(parts) > 1 {
		e.Target = parts[1]
	}
	if len(parts) > 2 {
		e.Detail = parts[2]
	}
	return e, nil
}

// renderEvents writes each line through the template. Lines that do not
// decode are written unchanged.
func renderEvents(w io.Writer, kind store.LogKind, lines []string, format string, loc *time.Location) {
	tpl := fasttemplate.New(format, "{{", "}}")
	for _, line := range lines {
		e, err := parseLogLine(line)
		if err != nil {
			fmt.Fprintln(w, line)
			continue
		}
		fmt.Fprintln(w, tpl.ExecuteString(map[string]interface{}{
			"log":    string(kind),
			"time":   e.Time.In(loc).Format("2006-01-02 15:04:05"),
			"target": e.Target,
			"detail": e.Detail,
		}))
	}
}

// NewEventsCmd creates the events command
func NewEventsCmd() *cobra.Command {
	var (
		configFile string
		logName    string
		format     string
	)
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Show the block, install and VPN event logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			kinds := store.LogKinds
			if logName != "" {
				kind, err := store.ParseLogKind(logName)
				if err != nil {
					return err
				}
				kinds = []store.LogKind{kind}
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, kind := range kinds {
				lines := st.Log(kind)
				fmt.Fprintf(out, "== %s (%d) ==\n", kind, len(lines))
				renderEvents(out, kind, lines, format, time.Local)
			}
			return nil
		},
	}
	eventsCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	eventsCmd.Flags().StringVarP(&logName, "log", "l", "", "only show one log (block, install, vpn)")
	eventsCmd.Flags().StringVar(&format, "format", DefaultEventFormat, "line template ({{log}}, {{time}}, {{target}}, {{detail}})")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Empty all three event logs",
		Long: `Empty the event logs in the state file. While the service runs it owns
the state file; use DELETE /api/events instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			if err := st.ClearLogs(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✅ Event logs cleared")
			return nil
		},
	}
	eventsCmd.AddCommand(clearCmd)
	return eventsCmd
}
