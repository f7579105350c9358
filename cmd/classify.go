package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"dnsgate/internal/blocklist"
)

// NewClassifyCmd creates the classify command
func NewClassifyCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "classify <domain>...",
		Short: "Classify domains against the gambling corpus",
		Long: `Run each domain through the classifier built from the built-in corpus
and the configured extra rules, and print the verdict.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			c, _, err := newClassifier(cfg)
			if err != nil {
				return err
			}
			for _, domain := range args {
				fmt.Fprintln(cmd.OutOrStdout(), formatVerdict(domain, c.Classify(domain)))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	return cmd
}

func formatVerdict(domain string, v blocklist.Verdict) string {
	if !v.Blocked {
		return fmt.Sprintf("✅ %s: allowed", domain)
	}
	return fmt.Sprintf("🚫 %s: blocked by %s (%s)", domain, v.Reason.Kind, v.Reason)
}
