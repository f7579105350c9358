package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// ValidationError is one failed rule with its dotted field path.
type ValidationError struct {
	FieldPath string
	Message   string
}

// ValidationErrors collects every failed rule.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("validation failed with %d error(s):\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.FieldPath, err.Message))
	}
	return sb.String()
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	if err := validate.RegisterValidation("upstream", validateUpstreamTag); err != nil {
		panic(err)
	}
	if err := validate.RegisterValidation("ifaddr4", validateIfAddr4Tag); err != nil {
		panic(err)
	}
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// validateUpstreamTag accepts "ip", "host", "ip:port" and "host:port".
func validateUpstreamTag(fl validator.FieldLevel) bool {
	return validUpstream(fl.Field().String())
}

// validateIfAddr4Tag accepts an IPv4 interface address with prefix length,
// such as 10.255.255.1/24.
func validateIfAddr4Tag(fl validator.FieldLevel) bool {
	p, err := netip.ParsePrefix(fl.Field().String())
	return err == nil && p.Addr().Is4()
}

func validUpstream(s string) bool {
	if s == "" {
		return false
	}
	host := s
	if h, port, err := net.SplitHostPort(s); err == nil {
		if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
			return false
		}
		host = h
	}
	if net.ParseIP(host) != nil {
		return true
	}
	return !strings.ContainsAny(host, " /:")
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required", "required_if", "required_with":
		return "field is required"
	case "min":
		return fmt.Sprintf("must be >= %s", e.Param())
	case "max":
		return fmt.Sprintf("must be <= %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "url":
		return "must be a valid URL"
	case "ifaddr4":
		return "must be an IPv4 CIDR such as 10.255.255.1/24"
	case "ipv4":
		return "must be an IPv4 address"
	case "hostname_port":
		return "must be in format 'host:port'"
	case "upstream":
		return "must be an address or host with an optional port"
	default:
		return fmt.Sprintf("validation failed: %s", e.Tag())
	}
}

// ValidateConfig checks struct tags and the cross-field rules the tags
// cannot express. All failures are reported together.
func ValidateConfig(cfg *Config) error {
	var errs ValidationErrors

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, e := range verrs {
			path := e.Namespace()
			if i := strings.IndexByte(path, '.'); i >= 0 {
				path = path[i+1:]
			}
			errs = append(errs, ValidationError{FieldPath: path, Message: validationMessage(e)})
		}
	}

	durations := []struct {
		path  string
		value Duration
	}{
		{"dns.timeout", cfg.DNS.Timeout},
		{"telemetry.interval", cfg.Telemetry.Interval},
		{"telemetry.timeout", cfg.Telemetry.Timeout},
		{"rules.updateInterval", cfg.Rules.UpdateInterval},
		{"archive.batchInterval", cfg.Archive.BatchInterval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = append(errs, ValidationError{FieldPath: d.path, Message: "must be a positive duration"})
		}
	}

	if cfg.Telemetry.Enabled && cfg.Telemetry.APIKey == "" {
		errs = append(errs, ValidationError{
			FieldPath: "telemetry.apiKey",
			Message:   "telemetry is enabled but no API key is set (use DNSGATE_TELEMETRY_API_KEY)",
		})
	}
	if cfg.Rules.S3.Bucket != "" && cfg.Rules.S3.Key == "" {
		errs = append(errs, ValidationError{FieldPath: "rules.s3.key", Message: "a rules bucket needs an object key"})
	}
	if cfg.Archive.Enabled && cfg.Archive.S3.Bucket == "" {
		errs = append(errs, ValidationError{FieldPath: "archive.s3.bucket", Message: "archive is enabled but no bucket is set"})
	}
	if cfg.Capture.Enabled && cfg.Capture.Mark == 0 {
		errs = append(errs, ValidationError{
			FieldPath: "capture.mark",
			Message:   "capture needs a socket mark so forwarded queries are not captured again",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateCredentialSecurity warns about secrets stored in the file and
// returns the warnings.
func ValidateCredentialSecurity(cfg *Config) []string {
	var warnings []string

	if cfg.Rules.S3.AccessKeyID != "" || cfg.Rules.S3.SecretKey != "" ||
		cfg.Archive.S3.AccessKeyID != "" || cfg.Archive.S3.SecretKey != "" {
		warnings = append(warnings, "AWS credentials found in configuration file - consider using environment variables or IAM roles")
	}

	if cfg.Telemetry.APIKey != "" && os.Getenv("DNSGATE_TELEMETRY_API_KEY") == "" {
		warnings = append(warnings, "Telemetry API key found in configuration file - consider DNSGATE_TELEMETRY_API_KEY")
	}

	if cfg.API.Enabled && cfg.API.Token == "" && !isLoopback(cfg.API.Listen) {
		warnings = append(warnings, "Local API listens on a non-loopback address without a token")
	}

	if cfg.Logging.Level == "debug" || cfg.Logging.Level == "trace" {
		warnings = append(warnings, "Running in debug mode - sensitive data may be exposed in logs")
		if os.Getenv("DNSGATE_ENABLE_PII_LOGGING") == "true" {
			warnings = append(warnings, "PII logging is enabled - client addresses and domains will be logged")
		}
	}

	for _, warning := range warnings {
		logrus.Warn(fmt.Sprintf("SECURITY: %s", warning))
	}
	return warnings
}

func isLoopback(listen string) bool {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// SanitizeConfigForLogging returns the config as log fields with secrets
// replaced.
func SanitizeConfigForLogging(cfg *Config) logrus.Fields {
	fields := logrus.Fields{
		"log_level":     cfg.Logging.Level,
		"tun":           cfg.TUN.Name,
		"tun_address":   cfg.TUN.Address,
		"capture":       cfg.Capture.Enabled,
		"upstreams":     cfg.DNS.Upstreams,
		"dns_timeout":   cfg.DNS.Timeout.String(),
		"pool_size":     cfg.DNS.PoolSize,
		"fallback":      cfg.DNS.Fallback,
		"domain_match":  cfg.Blocking.DomainMatch,
		"extra_domains": len(cfg.Blocking.ExtraDomains),
		"state_path":    cfg.State.Path,
		"telemetry":     cfg.Telemetry.Enabled,
		"api":           cfg.API.Enabled,
		"metrics":       cfg.Metrics.Enabled,
		"dnstap":        cfg.Dnstap.Enabled,
	}

	if cfg.Telemetry.Enabled {
		fields["telemetry_endpoint"] = "[CONFIGURED]"
		fields["telemetry_interval"] = cfg.Telemetry.Interval.String()
		if cfg.Telemetry.APIKey != "" {
			fields["telemetry_api_key"] = "[REDACTED]"
		}
	}
	if cfg.Rules.S3.Bucket != "" {
		fields["rules_bucket"] = cfg.Rules.S3.Bucket
		fields["rules_region"] = cfg.Rules.S3.Region
		if cfg.Rules.S3.AccessKeyID != "" {
			fields["rules_credentials"] = "[CONFIGURED]"
		}
	}
	if len(cfg.Rules.URLs) > 0 {
		fields["rules_urls"] = len(cfg.Rules.URLs)
	}
	if cfg.Archive.Enabled {
		fields["archive_bucket"] = cfg.Archive.S3.Bucket
	}
	if cfg.API.Token != "" {
		fields["api_token"] = "[REDACTED]"
	}
	return fields
}
