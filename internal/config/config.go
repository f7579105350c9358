// Package config defines configuration structures and loading logic for
// dnsgate. Files are YAML or TOML, chosen by extension, layered over
// defaults and validated before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	apperrors "dnsgate/internal/errors"
	"dnsgate/internal/utils"
)

type Config struct {
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	TUN       TUNConfig       `yaml:"tun" toml:"tun"`
	Capture   CaptureConfig   `yaml:"capture" toml:"capture"`
	DNS       DNSConfig       `yaml:"dns" toml:"dns"`
	Blocking  BlockingConfig  `yaml:"blocking" toml:"blocking"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	State     StateConfig     `yaml:"state" toml:"state"`
	Audit     AuditConfig     `yaml:"audit" toml:"audit"`
	Rules     RulesConfig     `yaml:"rules" toml:"rules"`
	API       APIConfig       `yaml:"api" toml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Dnstap    DnstapConfig    `yaml:"dnstap" toml:"dnstap"`
	Archive   ArchiveConfig   `yaml:"archive" toml:"archive"`
}

type AgentConfig struct {
	// ProtectionEnabled is the initial protection flag for a fresh state file.
	ProtectionEnabled bool `yaml:"protectionEnabled" toml:"protectionEnabled"`
	// Harden disables core dumps, tightens the umask and clears credential
	// variables once startup is done.
	Harden bool `yaml:"harden" toml:"harden"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=trace debug info warn warning error"`
	Format string `yaml:"format" toml:"format" validate:"oneof=text json"`
}

type TUNConfig struct {
	Name       string `yaml:"name" toml:"name" validate:"required,max=15"`
	Address    string `yaml:"address" toml:"address" validate:"required,ifaddr4"`
	DNSAddress string `yaml:"dnsAddress" toml:"dnsAddress" validate:"required,ipv4"`
	MTU        int    `yaml:"mtu" toml:"mtu" validate:"min=576,max=65535"`
}

type CaptureConfig struct {
	// Enabled redirects all outbound UDP/53 into the TUN DNS address.
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Chain   string `yaml:"chain" toml:"chain" validate:"required_if=Enabled true"`
	// Mark is set on forwarder sockets so captured traffic skips them.
	Mark int `yaml:"mark" toml:"mark" validate:"min=0"`
	// BindDevice pins forwarder sockets to an uplink interface.
	BindDevice string `yaml:"bindDevice" toml:"bindDevice"`
}

type DNSConfig struct {
	Upstreams []string `yaml:"upstreams" toml:"upstreams" validate:"required,min=1,dive,required,upstream"`
	Timeout   Duration `yaml:"timeout" toml:"timeout"`
	PoolSize  int      `yaml:"poolSize" toml:"poolSize" validate:"min=1,max=65535"`
	Fallback  string   `yaml:"fallback" toml:"fallback" validate:"oneof=forward drop"`
}

type BlockingConfig struct {
	DomainMatch   string   `yaml:"domainMatch" toml:"domainMatch" validate:"oneof=substring suffix"`
	ExtraDomains  []string `yaml:"extraDomains" toml:"extraDomains" validate:"dive,required,max=253"`
	ExtraKeywords []string `yaml:"extraKeywords" toml:"extraKeywords" validate:"dive,required"`
}

type TelemetryConfig struct {
	Enabled          bool     `yaml:"enabled" toml:"enabled"`
	URL              string   `yaml:"url" toml:"url" validate:"required_if=Enabled true,omitempty,url"`
	Table            string   `yaml:"table" toml:"table" validate:"required"`
	APIKey           string   `yaml:"apiKey,omitempty" toml:"apiKey,omitempty"`
	EndpointTemplate string   `yaml:"endpointTemplate" toml:"endpointTemplate"`
	Interval         Duration `yaml:"interval" toml:"interval"`
	Timeout          Duration `yaml:"timeout" toml:"timeout"`
	AppVersion       string   `yaml:"appVersion" toml:"appVersion"`
	DeviceModel      string   `yaml:"deviceModel" toml:"deviceModel"`
	PowerSupplyDir   string   `yaml:"powerSupplyDir" toml:"powerSupplyDir"`
}

type StateConfig struct {
	Path string `yaml:"path" toml:"path" validate:"required"`
	// WriteDelay coalesces blocked counter and event log writes.
	WriteDelay Duration `yaml:"writeDelay" toml:"writeDelay" validate:"min=0"`
}

type AuditConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Dir     string `yaml:"dir" toml:"dir" validate:"required_if=Enabled true"`
}

type RulesConfig struct {
	S3 S3Config `yaml:"s3" toml:"s3"`
	// FallbackPath is a local rules document read when S3 is unreachable.
	FallbackPath   string   `yaml:"fallbackPath" toml:"fallbackPath"`
	URLs           []string `yaml:"urls" toml:"urls" validate:"dive,url"`
	UpdateInterval Duration `yaml:"updateInterval" toml:"updateInterval"`
}

type S3Config struct {
	Bucket      string `yaml:"bucket" toml:"bucket"`
	Region      string `yaml:"region" toml:"region" validate:"required_with=Bucket"`
	Key         string `yaml:"key" toml:"key"`
	AccessKeyID string `yaml:"accessKeyId,omitempty" toml:"accessKeyId,omitempty"`
	SecretKey   string `yaml:"secretKey,omitempty" toml:"secretKey,omitempty"`
}

type APIConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Listen    string `yaml:"listen" toml:"listen" validate:"required_if=Enabled true,omitempty,hostname_port"`
	Token     string `yaml:"token,omitempty" toml:"token,omitempty"`
	// RateLimit is requests per second per client; 0 disables it.
	RateLimit int `yaml:"rateLimit" toml:"rateLimit" validate:"min=0"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

type DnstapConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Socket  string `yaml:"socket" toml:"socket" validate:"required_if=Enabled true"`
	// Identity is reported in every frame; defaults to the host name.
	Identity string `yaml:"identity" toml:"identity"`
}

type ArchiveConfig struct {
	Enabled       bool     `yaml:"enabled" toml:"enabled"`
	S3            S3Config `yaml:"s3" toml:"s3"`
	Prefix        string   `yaml:"prefix" toml:"prefix"`
	BatchInterval Duration `yaml:"batchInterval" toml:"batchInterval"`
	BufferSize    int      `yaml:"bufferSize" toml:"bufferSize" validate:"min=0"`
}

// DefaultPaths are searched in order when no path is given.
var DefaultPaths = []string{
	"./config.yaml",
	"./config.toml",
	"/etc/dnsgate/config.yaml",
	"/etc/dnsgate/config.toml",
}

// Default returns the configuration used when a key is absent.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			ProtectionEnabled: true,
			Harden:            true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		TUN: TUNConfig{
			Name:       "dnsgate0",
			Address:    "10.255.255.1/24",
			DNSAddress: "10.255.255.2",
			MTU:        1500,
		},
		Capture: CaptureConfig{
			Chain: "DNSGATE",
			Mark:  0x1d53,
		},
		DNS: DNSConfig{
			Upstreams: []string{"8.8.8.8", "1.1.1.1", "208.67.222.222"},
			Timeout:   Duration(5 * time.Second),
			PoolSize:  utils.MaxConcurrentForwards,
			Fallback:  "forward",
		},
		Blocking: BlockingConfig{
			DomainMatch: "substring",
		},
		Telemetry: TelemetryConfig{
			Table:            "heartbeats",
			EndpointTemplate: "{{url}}/rest/v1/{{table}}",
			Interval:         Duration(10 * time.Minute),
			Timeout:          Duration(30 * time.Second),
			AppVersion:       "dev",
			PowerSupplyDir:   "/sys/class/power_supply",
		},
		State: StateConfig{
			Path:       "/var/lib/dnsgate/state.json",
			WriteDelay: Duration(time.Second),
		},
		Audit: AuditConfig{
			Enabled: true,
			Dir:     "/var/log/dnsgate",
		},
		Rules: RulesConfig{
			UpdateInterval: Duration(time.Hour),
		},
		API: APIConfig{
			Enabled:   true,
			Listen:    "127.0.0.1:5380",
			RateLimit: 20,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Archive: ArchiveConfig{
			Prefix:        "dnsgate-events/",
			BatchInterval: Duration(time.Hour),
			BufferSize:    10000,
		},
	}
}

// LoadConfig loads configuration from a YAML or TOML file. With an empty
// path it tries DNSGATE_CONFIG and then DefaultPaths; finding nothing yields
// the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("DNSGATE_CONFIG")
	}
	if path == "" {
		for _, p := range DefaultPaths {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return apperrors.NewConfigError("failed to open config file", err)
	}
	defer f.Close()

	data, err := utils.ReadAllLimited(f, utils.MaxConfigFileSize)
	if err != nil {
		return apperrors.NewConfigError("failed to read config file", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			var derr *toml.DecodeError
			if errors.As(err, &derr) {
				row, col := derr.Position()
				return apperrors.NewConfigError(fmt.Sprintf("failed to parse %s at line %d, column %d", path, row, col), err)
			}
			return apperrors.NewConfigError("failed to parse config file", err)
		}
	default:
		if err := utils.CheckYAML(data, utils.MaxConfigFileSize); err != nil {
			return apperrors.NewConfigError("refusing config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return apperrors.NewConfigError("failed to parse config file", err)
		}
	}
	return nil
}

// applyEnv lets secrets and the log level come from the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DNSGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("DNSGATE_TELEMETRY_URL"); v != "" {
		cfg.Telemetry.URL = v
	}
	if v := os.Getenv("DNSGATE_TELEMETRY_API_KEY"); v != "" {
		cfg.Telemetry.APIKey = v
	}
	if v := os.Getenv("DNSGATE_API_TOKEN"); v != "" {
		cfg.API.Token = v
	}
}

// Rules is a rule update document, fetched from S3 or a local file.
type Rules struct {
	Version  string    `yaml:"version"`
	Updated  time.Time `yaml:"updated"`
	Sources  []string  `yaml:"sources"`
	Domains  []string  `yaml:"domains"`
	Keywords []string  `yaml:"keywords"`
}
