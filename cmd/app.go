package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"dnsgate/internal/blocklist"
)

// NewAppCmd creates the app command
func NewAppCmd() *cobra.Command {
	appCmd := &cobra.Command{
		Use:   "app",
		Short: "Classify app package names",
	}

	classifyCmd := &cobra.Command{
		Use:   "classify <package>...",
		Short: "Print whether each package is a gambling app",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ac := blocklist.NewAppClassifier()
			for _, pkg := range args {
				if reason, blocked := ac.Reason(pkg); blocked {
					fmt.Fprintf(cmd.OutOrStdout(), "🚫 %s: %s\n", pkg, reason)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "✅ %s: allowed\n", pkg)
				}
			}
		},
	}

	var file string
	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Report the gambling apps in an installed package list",
		Long: `Read package names, one per line, from --file or stdin and print the
ones that are gambling apps.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			pkgs, err := readPackages(in)
			if err != nil {
				return err
			}
			found := blocklist.NewAppClassifier().FindGamblingApps(pkgs)
			fmt.Fprintf(cmd.OutOrStdout(), "Scanned %d packages, %d gambling apps\n", len(pkgs), len(found))
			for _, pkg := range found {
				fmt.Fprintf(cmd.OutOrStdout(), "  🚫 %s\n", pkg)
			}
			return nil
		},
	}
	scanCmd.Flags().StringVarP(&file, "file", "f", "", "package list file (default stdin)")

	appCmd.AddCommand(classifyCmd, scanCmd)
	return appCmd
}

// readPackages returns the non-empty, non-comment lines of r.
func readPackages(r io.Reader) ([]string, error) {
	var pkgs []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pkgs = append(pkgs, line)
	}
	return pkgs, sc.Err()
}
