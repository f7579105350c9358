// Package cmd implements the dnsgate command-line interface: the run
// service plus offline tools that read the same configuration and state.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"dnsgate/internal/api"
	"dnsgate/internal/blocklist"
	"dnsgate/internal/config"
	"dnsgate/internal/logging"
	"dnsgate/internal/store"
)

// Version is set at build time.
var Version = "dev"

// loadConfig loads and validates the configuration, then configures the
// global logger from it.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := logging.Setup(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newClassifier builds the classifier over the built-in corpus plus the
// configured extras. The returned corpus is the base for rule refreshes.
func newClassifier(cfg *config.Config) (*blocklist.Classifier, blocklist.Corpus, error) {
	base := blocklist.DefaultCorpus().Merge(cfg.Blocking.ExtraDomains, cfg.Blocking.ExtraKeywords)
	c, err := blocklist.NewClassifier(base, blocklist.WithDomainMatch(blocklist.DomainMatchMode(cfg.Blocking.DomainMatch)))
	if err != nil {
		return nil, base, fmt.Errorf("failed to build classifier: %w", err)
	}
	return c, base, nil
}

// openStore opens the state file. A fresh file takes the configured
// initial protection flag.
func openStore(cfg *config.Config) (*store.Store, error) {
	_, statErr := os.Stat(cfg.State.Path)
	st, err := store.Open(cfg.State.Path)
	if err != nil {
		return nil, err
	}
	if os.IsNotExist(statErr) && !cfg.Agent.ProtectionEnabled {
		if err := st.SetProtectionEnabled(false); err != nil {
			return nil, err
		}
	}
	logrus.WithField("path", st.Path()).Debug("State loaded")
	return st, nil
}

// tokenPath is the API token file, kept next to the state file.
func tokenPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.State.Path), api.TokenFileName)
}
