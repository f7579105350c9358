package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"dnsgate/internal/api"
)

// NewAPITokenCmd creates the api-token command
func NewAPITokenCmd() *cobra.Command {
	var configFile string
	apiTokenCmd := &cobra.Command{
		Use:   "api-token",
		Short: "Manage the API authentication token",
		Long: `Generate and show the bearer token required by the local API. Without a
token file or a configured token the API accepts every request.`,
	}
	apiTokenCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			path := tokenPath(cfg)
			token, err := api.NewTokenManager(path, "").GenerateToken()
			if err != nil {
				return fmt.Errorf("failed to generate API token: %w", err)
			}

			fmt.Println("API authentication token generated successfully:")
			fmt.Printf("Token: %s\n", token)
			fmt.Println("\nUse this token in the Authorization header:")
			fmt.Printf("Authorization: Bearer %s\n", token)
			fmt.Printf("\nThe token is saved in %s; restart the service to apply it.\n", path)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Display the current API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			tm := api.NewTokenManager(tokenPath(cfg), cfg.API.Token)
			if err := tm.LoadToken(); err != nil {
				return fmt.Errorf("failed to load token: %w", err)
			}
			if !tm.Enabled() {
				fmt.Println("No API token set; the API is open to local clients.")
				return nil
			}
			fmt.Printf("Current API token: %s\n", tm.Token())
			fmt.Println("\nUse this token in the Authorization header:")
			fmt.Printf("Authorization: Bearer %s\n", tm.Token())
			return nil
		},
	}

	apiTokenCmd.AddCommand(generateCmd, showCmd)
	return apiTokenCmd
}
