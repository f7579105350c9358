package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"dnsgate/internal/audit"
)

// NewUpdateRulesCmd creates the update-rules command
func NewUpdateRulesCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "update-rules",
		Short: "Fetch the configured rule sources once and report the result",
		Long: `Fetch the S3 rules document and every blocklist URL, merge them into the
built-in corpus and print the resulting counts. The running service picks
up rules on its own schedule; use POST /api/rules/refresh to force it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			classifier, base, err := newClassifier(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			// Rule loads are reported, not persisted.
			auditLog, err := audit.New("", nil)
			if err != nil {
				return err
			}
			defer auditLog.Close()

			updater, err := newRuleUpdater(ctx, cfg, classifier, base, auditLog)
			if err != nil {
				return err
			}
			if updater == nil {
				return fmt.Errorf("no rule source configured (rules.s3 or rules.urls)")
			}

			fmt.Println("📥 Updating rules...")
			res, err := updater.Refresh(ctx)
			if err != nil {
				return fmt.Errorf("failed to update rules: %w", err)
			}
			domains, keywords, patterns := classifier.Counts()
			fmt.Printf("✅ Fetched %d domains and %d keywords (%d sources failed)\n", res.Domains, res.Keywords, res.Failed)
			fmt.Printf("   Active corpus: %d domains, %d keywords, %d patterns\n", domains, keywords, patterns)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	return cmd
}
