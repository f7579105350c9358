package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dnsgate/internal/config"
)

// NewCaptureCmd creates the capture command
func NewCaptureCmd() *cobra.Command {
	var configFile string
	captureCmd := &cobra.Command{
		Use:   "capture",
		Short: "Manage the iptables rule that redirects DNS into the TUN device",
		Long: `The service installs the capture rule on start and removes it on exit.
These commands repair or inspect it by hand, for example after a crash.`,
	}
	captureCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	captureCmd.AddCommand(
		&cobra.Command{
			Use:   "install",
			Short: "Install the capture rule",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadCaptureConfig(configFile)
				if err != nil {
					return err
				}
				c, err := newCapture(cfg)
				if err != nil {
					return err
				}
				if err := c.Install(); err != nil {
					return err
				}
				fmt.Printf("✅ Capture installed: %s\n", strings.Join(c.Rule(), " "))
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove",
			Short: "Remove the capture rule",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadCaptureConfig(configFile)
				if err != nil {
					return err
				}
				c, err := newCapture(cfg)
				if err != nil {
					return err
				}
				if err := c.Remove(); err != nil {
					return err
				}
				fmt.Println("✅ Capture removed")
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Report whether the capture rule is installed",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadCaptureConfig(configFile)
				if err != nil {
					return err
				}
				c, err := newCapture(cfg)
				if err != nil {
					return err
				}
				ok, err := c.Installed()
				if err != nil {
					return err
				}
				if ok {
					fmt.Printf("✅ Installed: %s\n", strings.Join(c.Rule(), " "))
				} else {
					fmt.Println("❌ Not installed")
				}
				return nil
			},
		},
	)
	return captureCmd
}

func loadCaptureConfig(path string) (*config.Config, error) {
	if os.Geteuid() != 0 {
		return nil, fmt.Errorf("managing iptables requires root privileges")
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	if cfg.Capture.Mark == 0 {
		return nil, fmt.Errorf("capture.mark must be set")
	}
	return cfg, nil
}

// UninstallOptions contains options for the uninstall command
type UninstallOptions struct {
	ConfigFile string
	RemoveAll  bool
}

// NewUninstallCmd creates the uninstall command
func NewUninstallCmd() *cobra.Command {
	opts := &UninstallOptions{}
	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the capture rule and the API token",
		Long: `Remove everything dnsgate installs on the host.

This command will:
- Remove the iptables capture rule and chain
- Remove the API token file
- Optionally remove the state file and audit logs with --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUninstall(opts)
		},
	}
	cmd.Flags().StringVarP(&opts.ConfigFile, "config", "c", "", "config file path")
	cmd.Flags().BoolVar(&opts.RemoveAll, "all", false, "also remove state and audit logs")
	return cmd
}

func runUninstall(opts *UninstallOptions) error {
	fmt.Println("🗑️  dnsgate Uninstall")
	fmt.Println("=====================")

	cfg, err := loadCaptureConfig(opts.ConfigFile)
	if err != nil {
		return err
	}

	fmt.Println("📌 Removing capture rule...")
	if c, err := newCapture(cfg); err != nil {
		logrus.WithError(err).Warn("Failed to open iptables")
	} else if err := c.Remove(); err != nil {
		logrus.WithError(err).Warn("Failed to remove capture rule")
	} else {
		fmt.Printf("✅ Removed chain %s\n", cfg.Capture.Chain)
	}

	paths := []string{tokenPath(cfg)}
	if opts.RemoveAll {
		paths = append(paths, cfg.State.Path)
		if cfg.Audit.Dir != "" {
			paths = append(paths, cfg.Audit.Dir)
		}
	}
	for _, path := range paths {
		if err := validatePath(path); err != nil {
			logrus.WithError(err).WithField("path", path).Error("Refusing to remove path")
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			logrus.WithError(err).Warnf("Failed to remove %s", path)
			continue
		}
		fmt.Printf("✅ Removed: %s\n", path)
	}

	fmt.Println("\n✅ dnsgate uninstall complete!")
	if !opts.RemoveAll {
		fmt.Println("\nNote: state and audit logs were preserved.")
		fmt.Println("Run with --all flag to remove everything.")
	}
	return nil
}

// allowedPrefixes bounds what uninstall may delete.
var allowedPrefixes = []string{
	"/etc/dnsgate",
	"/var/lib/dnsgate",
	"/var/log/dnsgate",
}

// validatePath rejects relative paths, traversal and anything outside
// allowedPrefixes.
func validatePath(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		return fmt.Errorf("path must be absolute: %s", path)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal detected: %s", path)
	}
	for _, prefix := range allowedPrefixes {
		if cleanPath == prefix || strings.HasPrefix(cleanPath, prefix+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("path not in allowed locations: %s", path)
}
