package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fasttemplate"

	apperrors "dnsgate/internal/errors"
	"dnsgate/internal/utils"
)

const (
	// DefaultEndpointTemplate is the REST insert path of the heartbeat table.
	DefaultEndpointTemplate = "{{url}}/rest/v1/{{table}}"
	// DefaultTable is the heartbeat table name.
	DefaultTable = "heartbeats"

	placeholderURL = "https://YOUR_PROJECT_ID.supabase.co"
	placeholderKey = "YOUR_ANON_KEY_HERE"
)

// Sender delivers one record. Any error counts as a failed attempt.
type Sender interface {
	Send(ctx context.Context, rec Record) error
}

// SenderConfig configures an HTTPSender.
type SenderConfig struct {
	URL              string
	Table            string
	APIKey           string
	EndpointTemplate string
	Timeout          time.Duration
}

// IsConfigured reports whether cfg points at a real project.
func (cfg SenderConfig) IsConfigured() bool {
	return cfg.URL != "" && cfg.APIKey != "" &&
		cfg.URL != placeholderURL && cfg.APIKey != placeholderKey
}

// Endpoint renders the endpoint template.
func (cfg SenderConfig) Endpoint() string {
	tpl := cfg.EndpointTemplate
	if tpl == "" {
		tpl = DefaultEndpointTemplate
	}
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	return fasttemplate.New(tpl, "{{", "}}").ExecuteString(map[string]interface{}{
		"url":   strings.TrimRight(cfg.URL, "/"),
		"table": table,
	})
}

// HTTPSender posts records as JSON.
type HTTPSender struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPSender creates a sender. The client timeout defaults to 30s.
func NewHTTPSender(cfg SenderConfig) (*HTTPSender, error) {
	if !cfg.IsConfigured() {
		return nil, apperrors.NewConfigError("telemetry endpoint is not configured", nil)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSender{
		endpoint: cfg.Endpoint(),
		apiKey:   cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Endpoint returns the URL records are posted to.
func (s *HTTPSender) Endpoint() string {
	return s.endpoint
}

// Send posts rec. Only a 2xx status is a success.
func (s *HTTPSender) Send(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec.forSending())
	if err != nil {
		return apperrors.Wrap(apperrors.CodeTelemetrySend, "encode record", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeTelemetrySend, "build request", err)
	}
	req.Header.Set("apikey", s.apiKey)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.apiKey))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=minimal")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeTelemetrySend, "post record", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, utils.LimitedReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperrors.New(apperrors.CodeTelemetrySend, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
	return nil
}
