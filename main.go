package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dnsgate/cmd"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "dnsgate",
		Short: "Gambling DNS blocker for a TUN-captured resolver",
		Long: `dnsgate answers DNS queries captured on a TUN device: gambling domains
get NXDOMAIN, everything else is forwarded upstream. It keeps block,
install and VPN event logs and delivers device heartbeats to a remote
endpoint.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		cmd.NewRunCmd(),
		cmd.NewStatusCmd(),
		cmd.NewClassifyCmd(),
		cmd.NewAppCmd(),
		cmd.NewEventsCmd(),
		cmd.NewExportCmd(),
		cmd.NewUpdateRulesCmd(),
		cmd.NewTelemetryCmd(),
		cmd.NewAPITokenCmd(),
		cmd.NewCaptureCmd(),
		cmd.NewUninstallCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(c *cobra.Command, args []string) {
			fmt.Printf("dnsgate %s\n", cmd.Version)
		},
	}
}
