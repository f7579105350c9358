package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dnsgate/internal/api"
	"dnsgate/internal/audit"
	"dnsgate/internal/blocklist"
	"dnsgate/internal/config"
	"dnsgate/internal/dns"
	"dnsgate/internal/logging"
	"dnsgate/internal/metrics"
	"dnsgate/internal/rules"
	"dnsgate/internal/security"
	"dnsgate/internal/store"
	"dnsgate/internal/tap"
	"dnsgate/internal/telemetry"
	"dnsgate/internal/tun"
)

// RunOptions contains options for the run command
type RunOptions struct {
	ConfigFile string
	NoCapture  bool
}

// NewRunCmd creates the run command
func NewRunCmd() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the dnsgate service",
		Long: `Create the TUN interface, intercept DNS queries sent to it and block
gambling domains. Allowed queries are forwarded to the first upstream.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigFile, "config", "c", "", "config file path")
	cmd.Flags().BoolVar(&opts.NoCapture, "no-capture", false, "do not install the UDP/53 capture rule even if configured")

	return cmd
}

func runAgent(opts *RunOptions) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("dnsgate must be run as root to create the TUN interface")
	}

	cfg, err := loadConfig(opts.ConfigFile)
	if err != nil {
		return err
	}
	for _, warning := range config.ValidateCredentialSecurity(cfg) {
		logrus.Warnf("SECURITY WARNING: %s", warning)
	}
	logrus.WithFields(config.SanitizeConfigForLogging(cfg)).Info("Configuration loaded")
	logrus.WithField("version", Version).Info("Starting dnsgate")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	st.SetWriteDelay(cfg.State.WriteDelay.Std())
	defer func() {
		if err := st.Flush(); err != nil {
			logrus.WithError(err).Warn("Failed to flush state")
		}
	}()

	var m *metrics.Collector
	if cfg.Metrics.Enabled {
		m = metrics.NewCollector()
		if err := m.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	auditDir := ""
	if cfg.Audit.Enabled {
		auditDir = cfg.Audit.Dir
	}
	auditLog, err := audit.New(auditDir, st)
	if err != nil {
		return fmt.Errorf("failed to initialize audit logging: %w", err)
	}
	hub := api.NewHub()
	auditLog.AddSink(hub)

	var archiver *logging.Archiver
	if cfg.Archive.Enabled {
		client, err := rules.NewS3Client(ctx, cfg.Archive.S3)
		if err != nil {
			return fmt.Errorf("failed to create archive S3 client: %w", err)
		}
		archiver = logging.NewArchiver(client, logging.ArchiverConfig{
			Bucket:     cfg.Archive.S3.Bucket,
			Prefix:     cfg.Archive.Prefix,
			Interval:   cfg.Archive.BatchInterval.Std(),
			BufferSize: cfg.Archive.BufferSize,
		})
		archiver.Start()
		auditLog.AddSink(archiver)
	}

	classifier, base, err := newClassifier(cfg)
	if err != nil {
		return err
	}
	domains, keywords, patterns := classifier.Counts()
	logrus.WithFields(logrus.Fields{
		"domains":  domains,
		"keywords": keywords,
		"patterns": patterns,
		"mode":     classifier.Mode(),
	}).Info("Blocklist loaded")

	updater, err := newRuleUpdater(ctx, cfg, classifier, base, auditLog)
	if err != nil {
		return err
	}

	fallback, err := dns.ParseFallbackPolicy(cfg.DNS.Fallback)
	if err != nil {
		return err
	}

	dev, err := tun.Open(tun.Config{
		Name:       cfg.TUN.Name,
		Address:    cfg.TUN.Address,
		DNSAddress: cfg.TUN.DNSAddress,
		MTU:        cfg.TUN.MTU,
	})
	if err != nil {
		return fmt.Errorf("failed to open TUN interface: %w", err)
	}

	engine := dns.NewEngine(dev, classifier, st, dns.Config{
		Upstreams: cfg.DNS.Upstreams,
		Timeout:   cfg.DNS.Timeout.Std(),
		PoolSize:  cfg.DNS.PoolSize,
		Fallback:  fallback,
		Protector: dns.MarkProtector(cfg.Capture.Mark, cfg.Capture.BindDevice),
	}, m)
	engine.SetBlockedCallback(auditLog.DomainBlocked)

	var wg sync.WaitGroup

	if cfg.Dnstap.Enabled {
		identity := cfg.Dnstap.Identity
		if identity == "" {
			identity, _ = os.Hostname()
		}
		t := tap.New(tap.Config{
			Socket:   cfg.Dnstap.Socket,
			Identity: identity,
			Version:  "dnsgate " + Version,
		}, m)
		engine.SetTap(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.Run(ctx)
		}()
	}

	var capture *tun.Capture
	if cfg.Capture.Enabled && !opts.NoCapture {
		capture, err = newCapture(cfg)
		if err != nil {
			engine.Stop()
			return err
		}
		if err := capture.Install(); err != nil {
			engine.Stop()
			return fmt.Errorf("failed to install DNS capture: %w", err)
		}
	}

	var deliverer *telemetry.Deliverer
	senderConfigured := false
	if cfg.Telemetry.Enabled {
		deliverer, senderConfigured = newDeliverer(cfg, st, m)
		if senderConfigured {
			wg.Add(1)
			go func() {
				defer wg.Done()
				deliverer.Run(ctx, cfg.Telemetry.Interval.Std())
			}()
		}
	}

	if updater != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			updater.Run(ctx, cfg.Rules.UpdateInterval.Std())
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	var apiServer *api.Server
	if cfg.API.Enabled {
		deps := api.Deps{
			Classifier:  classifier,
			Apps:        blocklist.NewAppClassifier(),
			Store:       st,
			Audit:       auditLog,
			Hub:         hub,
			Metrics:     m,
			Version:     Version,
			EngineStats: engine.Stats,
		}
		if m != nil {
			deps.MetricsHandler = metrics.Handler(prometheus.DefaultGatherer)
		}
		if deliverer != nil {
			deps.TelemetryStatus = func() telemetry.Status { return deliverer.Status(senderConfigured) }
		}
		if updater != nil {
			deps.RefreshRules = func(ctx context.Context) error {
				_, err := updater.Refresh(ctx)
				return err
			}
		}
		apiServer = api.NewServer(deps,
			api.NewTokenManager(tokenPath(cfg), cfg.API.Token),
			api.NewRateLimiter(cfg.API.RateLimit, time.Second))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Start(cfg.API.Listen); err != nil {
				logrus.WithError(err).Error("API server failed")
			}
		}()
	}

	// Every client that reads credentials from the environment exists now.
	if cfg.Agent.Harden {
		if err := security.NewHardening().Apply(); err != nil {
			logrus.WithError(err).Warn("Failed to harden process")
		}
	}

	if err := st.SetVPNActive(true); err != nil {
		logrus.WithError(err).Warn("Failed to persist vpn flag")
	}
	auditLog.Log(audit.EventServiceStart, "info", "dnsgate started", map[string]interface{}{
		"version":   Version,
		"interface": dev.Name(),
		"upstream":  engine.Stats().Upstream,
	})

	engineErr := make(chan error, 1)
	go func() {
		engineErr <- engine.Run(ctx)
	}()

	logrus.WithFields(logrus.Fields{
		"interface": dev.Name(),
		"dns":       cfg.TUN.DNSAddress,
		"capture":   capture != nil,
	}).Info("dnsgate is running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logrus.WithField("signal", sig.String()).Info("Shutting down...")
	case runErr = <-engineErr:
		if runErr != nil {
			logrus.WithError(runErr).Error("DNS engine stopped")
		}
	}

	cancel()
	engine.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if apiServer != nil {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("Error stopping API server")
		}
	}
	if capture != nil {
		if err := capture.Remove(); err != nil {
			logrus.WithError(err).Warn("Failed to remove DNS capture")
		}
	}
	if err := st.SetVPNActive(false); err != nil {
		logrus.WithError(err).Warn("Failed to persist vpn flag")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logrus.Info("All goroutines stopped cleanly")
	case <-time.After(5 * time.Second):
		logrus.Warn("Timeout waiting for goroutines to stop")
	}

	if err := auditLog.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close audit log")
	}
	if archiver != nil {
		archiver.Shutdown()
	}

	logrus.Info("dnsgate stopped")
	return runErr
}

// newRuleUpdater returns nil when no rule source is configured.
func newRuleUpdater(ctx context.Context, cfg *config.Config, classifier *blocklist.Classifier, base blocklist.Corpus, auditLog *audit.Logger) (*rules.Updater, error) {
	if cfg.Rules.S3.Bucket == "" && len(cfg.Rules.URLs) == 0 {
		return nil, nil
	}

	ucfg := rules.UpdaterConfig{
		Classifier: classifier,
		Base:       base,
		OnUpdate:   auditLog.RulesUpdated,
	}
	if cfg.Rules.S3.Bucket != "" {
		client, err := rules.NewS3Client(ctx, cfg.Rules.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to create rules S3 client: %w", err)
		}
		ucfg.Fetcher = rules.NewFetcher(client, cfg.Rules.S3.Bucket, cfg.Rules.S3.Key)
		ucfg.FallbackPath = cfg.Rules.FallbackPath
	}
	for _, u := range cfg.Rules.URLs {
		ucfg.Lists = append(ucfg.Lists, rules.ListSource{URL: u})
	}
	return rules.NewUpdater(ucfg), nil
}

// newDeliverer builds the telemetry pipeline. Without a usable endpoint the
// deliverer has no sender and reports false; callers must not run cycles.
func newDeliverer(cfg *config.Config, st *store.Store, m *metrics.Collector) (*telemetry.Deliverer, bool) {
	scfg := senderConfig(cfg)

	var sender telemetry.Sender
	configured := false
	if s, err := telemetry.NewHTTPSender(scfg); err != nil {
		logrus.WithError(err).Warn("Telemetry endpoint not configured; heartbeats disabled")
	} else {
		logrus.WithField("endpoint", s.Endpoint()).Info("Telemetry enabled")
		sender = s
		configured = true
	}

	powerDir := cfg.Telemetry.PowerSupplyDir
	if powerDir == "" {
		powerDir = telemetry.DefaultPowerSupplyDir
	}
	collector := &telemetry.SnapshotCollector{
		State:       st,
		AppVersion:  cfg.Telemetry.AppVersion,
		DeviceModel: deviceModel(cfg),
		Battery:     func() telemetry.Battery { return telemetry.ReadBattery(powerDir) },
	}

	return telemetry.NewDeliverer(telemetry.DelivererConfig{
		Sender:    sender,
		Store:     st,
		Collector: collector.Collect,
		Metrics:   m,
	}), configured
}

func senderConfig(cfg *config.Config) telemetry.SenderConfig {
	return telemetry.SenderConfig{
		URL:              cfg.Telemetry.URL,
		Table:            cfg.Telemetry.Table,
		APIKey:           cfg.Telemetry.APIKey,
		EndpointTemplate: cfg.Telemetry.EndpointTemplate,
		Timeout:          cfg.Telemetry.Timeout.Std(),
	}
}

func deviceModel(cfg *config.Config) string {
	if cfg.Telemetry.DeviceModel != "" {
		return cfg.Telemetry.DeviceModel
	}
	if data, err := os.ReadFile("/sys/class/dmi/id/product_name"); err == nil {
		if model := strings.TrimSpace(string(data)); model != "" {
			return model
		}
	}
	host, _ := os.Hostname()
	return host
}

func newCapture(cfg *config.Config) (*tun.Capture, error) {
	runner, err := tun.NewIPTablesRunner()
	if err != nil {
		return nil, err
	}
	return tun.NewCapture(runner, cfg.Capture.Chain, cfg.TUN.DNSAddress, uint32(cfg.Capture.Mark))
}
