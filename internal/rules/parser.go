package rules

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dnsgate/internal/utils"
)

// Parser fetches and parses blocklists
type Parser struct {
	httpClient *http.Client
	// lookupIP resolves list hosts for the private-address check.
	lookupIP     func(host string) ([]net.IP, error)
	allowPrivate bool
}

// NewParser creates a new rule parser
func NewParser() *Parser {
	return &Parser{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		lookupIP: net.LookupIP,
	}
}

// ParseList reads a hosts file or a plain one-domain-per-line list.
// Comments, localhost entries and over-long names are skipped.
func ParseList(r io.Reader) ([]string, error) {
	var domains []string
	limiter := utils.NewDomainLimiter(utils.MaxDomainsPerRule)
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)

		var domain string
		switch len(fields) {
		case 0:
			continue
		case 1:
			domain = fields[0]
		default:
			// "0.0.0.0 example.com" hosts format
			domain = fields[1]
		}

		domain = strings.TrimSuffix(strings.ToLower(domain), ".")
		if domain == "localhost" || domain == "localhost.localdomain" || net.ParseIP(domain) != nil {
			continue
		}
		if err := utils.ValidateDomainLength(domain); err != nil {
			logrus.WithField("domain", domain).Debug("Skipping invalid blocklist entry")
			continue
		}
		if err := limiter.Add(1); err != nil {
			return nil, err
		}
		domains = append(domains, domain)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading blocklist: %w", err)
	}
	return domains, nil
}

// FetchAndParseURL fetches and parses a blocklist, verifying its SHA-256
// when expectedSHA256 is set. Lists ending in .gz are decompressed.
func (p *Parser) FetchAndParseURL(ctx context.Context, urlStr, expectedSHA256 string) ([]string, error) {
	if err := p.validateBlocklistURL(urlStr); err != nil {
		return nil, err
	}
	logrus.WithField("url", urlStr).Debug("Fetching blocklist")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var reader io.Reader = utils.LimitedReader(resp.Body, utils.MaxRulesFileSize)
	hasher := sha256.New()
	if expectedSHA256 != "" {
		reader = io.TeeReader(reader, hasher)
	}
	if strings.HasSuffix(req.URL.Path, ".gz") {
		gz, err := utils.GzipLimitedReader(reader, utils.MaxRulesFileSize)
		if err != nil {
			return nil, fmt.Errorf("open gzip blocklist: %w", err)
		}
		defer gz.Close()
		reader = utils.LimitedReader(gz, utils.MaxRulesFileSize)
	}

	domains, err := ParseList(reader)
	if err != nil {
		return nil, err
	}

	if expectedSHA256 != "" {
		// Drain so the hash covers the whole body.
		_, _ = io.Copy(io.Discard, reader)
		actual := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(actual, expectedSHA256) {
			return nil, fmt.Errorf("blocklist checksum mismatch: expected %s, got %s", expectedSHA256, actual)
		}
	}

	logrus.WithFields(logrus.Fields{
		"url":     urlStr,
		"domains": len(domains),
	}).Info("Parsed blocklist")
	return domains, nil
}

// MergeDomains merges multiple domain lists and removes duplicates
func MergeDomains(lists ...[]string) []string {
	seen := make(map[string]bool)
	var result []string

	for _, list := range lists {
		for _, domain := range list {
			domain = strings.ToLower(strings.TrimSpace(domain))
			if domain != "" && !seen[domain] {
				seen[domain] = true
				result = append(result, domain)
			}
		}
	}
	return result
}

// validateBlocklistURL refuses non-HTTP schemes, odd ports and hosts that
// resolve to private, loopback or link-local addresses.
func (p *Parser) validateBlocklistURL(urlStr string) error {
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("only http and https URLs are allowed")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a hostname")
	}
	if p.allowPrivate {
		return nil
	}

	if port := u.Port(); port != "" && port != "80" && port != "443" && port != "8080" && port != "8443" {
		return fmt.Errorf("non-standard port not allowed: %s", port)
	}

	ips, err := p.lookupIP(host)
	if err != nil {
		return fmt.Errorf("failed to resolve hostname: %w", err)
	}
	for _, ip := range ips {
		switch {
		case ip.IsPrivate():
			return fmt.Errorf("URL resolves to private IP address: %s", ip)
		case ip.IsLoopback():
			return fmt.Errorf("URL resolves to loopback address: %s", ip)
		case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
			return fmt.Errorf("URL resolves to link-local address: %s", ip)
		}
	}
	return nil
}
