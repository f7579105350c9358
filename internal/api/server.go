// Package api serves the local HTTP control surface: verdict lookups,
// collaborator event intake, state and telemetry status, Prometheus
// metrics and a websocket stream of audit events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"dnsgate/internal/audit"
	"dnsgate/internal/blocklist"
	"dnsgate/internal/dns"
	"dnsgate/internal/metrics"
	"dnsgate/internal/store"
	"dnsgate/internal/telemetry"
	"dnsgate/internal/utils"
)

// Classifier is the domain verdict source.
type Classifier interface {
	Classify(domain string) blocklist.Verdict
}

// Deps are the components the API reads and drives. Optional hooks may be
// nil; their routes then answer 503.
type Deps struct {
	Classifier Classifier
	Apps       *blocklist.AppClassifier
	Store      *store.Store
	Audit      *audit.Logger
	Hub        *Hub
	Metrics    *metrics.Collector
	Version    string

	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler

	EngineStats     func() dns.Stats
	TelemetryStatus func() telemetry.Status
	RefreshRules    func(ctx context.Context) error
}

// Server is the API server.
type Server struct {
	deps       Deps
	router     *chi.Mux
	httpServer *http.Server
	now        func() time.Time
}

// NewServer builds the router. tokens and limiter may be nil.
func NewServer(deps Deps, tokens *TokenManager, limiter *RateLimiter) *Server {
	s := &Server{
		deps:   deps,
		router: chi.NewRouter(),
		now:    time.Now,
	}

	s.router.Use(Recovery)
	s.router.Use(RequestLogger)

	s.router.Get("/api/health", s.handleHealth)
	if deps.MetricsHandler != nil {
		s.router.Handle("/metrics", deps.MetricsHandler)
	}

	s.router.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(limiter.Middleware)
		}
		if tokens != nil {
			r.Use(tokens.Middleware)
		}

		r.Get("/api/status", s.handleStatus)
		r.Get("/api/classify", s.handleClassify)

		r.Route("/api/apps", func(r chi.Router) {
			r.Get("/classify", s.handleAppClassify)
			r.Post("/scan", s.handleAppScan)
		})

		r.Route("/api/events", func(r chi.Router) {
			r.Get("/", s.handleEvents)
			r.Delete("/", s.handleClearEvents)
			r.Post("/install", s.handleInstall)
			r.Post("/vpn", s.handleVPN)
		})

		r.Put("/api/protection", s.handleProtection)
		r.Get("/api/telemetry", s.handleTelemetry)
		r.Post("/api/rules/refresh", s.handleRefreshRules)

		if deps.Hub != nil {
			r.Get("/api/ws", deps.Hub.ServeWS)
		}
	})

	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logrus.WithField("listen", addr).Info("Starting API server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, map[string]bool{"healthy": true})
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Version string         `json:"version"`
	State   store.Snapshot `json:"state"`
	Engine  *dns.Stats     `json:"engine,omitempty"`
	Rules   RuleCounts     `json:"rules"`
}

// RuleCounts sizes the active corpus.
type RuleCounts struct {
	Domains  int `json:"domains"`
	Keywords int `json:"keywords"`
	Patterns int `json:"patterns"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Version: s.deps.Version,
		State:   s.deps.Store.Snapshot(),
	}
	if s.deps.EngineStats != nil {
		stats := s.deps.EngineStats()
		resp.Engine = &stats
	}
	if counter, ok := s.deps.Classifier.(interface{ Counts() (int, int, int) }); ok {
		resp.Rules.Domains, resp.Rules.Keywords, resp.Rules.Patterns = counter.Counts()
	}
	writeData(w, resp)
}

// VerdictResponse is the body of GET /api/classify.
type VerdictResponse struct {
	Domain  string `json:"domain"`
	Blocked bool   `json:"blocked"`
	Kind    string `json:"kind,omitempty"`
	Match   string `json:"match,omitempty"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	domain := strings.TrimSpace(r.URL.Query().Get("domain"))
	if domain == "" || len(domain) > 253 {
		writeInvalidRequest(w, "domain query parameter is required")
		return
	}

	v := s.deps.Classifier.Classify(domain)
	resp := VerdictResponse{Domain: domain, Blocked: v.Blocked}
	if v.Blocked {
		resp.Kind = v.Reason.Kind.String()
		resp.Match = v.Reason.Match
	}
	writeData(w, resp)
}

// AppVerdictResponse is the body of GET /api/apps/classify.
type AppVerdictResponse struct {
	Package string `json:"package"`
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handleAppClassify(w http.ResponseWriter, r *http.Request) {
	pkg := strings.TrimSpace(r.URL.Query().Get("package"))
	if pkg == "" {
		writeInvalidRequest(w, "package query parameter is required")
		return
	}
	resp := AppVerdictResponse{Package: pkg}
	if reason, ok := s.deps.Apps.Reason(pkg); ok {
		resp.Blocked = true
		resp.Reason = reason.String()
	}
	s.countAppCheck(resp.Blocked)
	writeData(w, resp)
}

// ScanRequest is the body of POST /api/apps/scan.
type ScanRequest struct {
	Packages []string `json:"packages"`
}

func (s *Server) countAppCheck(blocked bool) {
	if blocked {
		s.deps.Metrics.AppCheck("blocked")
	} else {
		s.deps.Metrics.AppCheck("allowed")
	}
}

func (s *Server) handleAppScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidRequest(w, "Invalid request body")
		return
	}
	found := s.deps.Apps.FindGamblingApps(req.Packages)
	if found == nil {
		found = []string{}
	}
	writeData(w, map[string][]string{"gambling_apps": found})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	kinds := store.LogKinds
	if name := r.URL.Query().Get("log"); name != "" {
		kind, err := store.ParseLogKind(name)
		if err != nil {
			writeInvalidRequest(w, err.Error())
			return
		}
		kinds = []store.LogKind{kind}
	}

	out := make(map[string][]string, len(kinds))
	for _, k := range kinds {
		lines := s.deps.Store.Log(k)
		if lines == nil {
			lines = []string{}
		}
		out[string(k)] = lines
	}
	writeData(w, out)
}

func (s *Server) handleClearEvents(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.ClearLogs(); err != nil {
		logrus.WithError(err).Error("Failed to clear event logs")
		writeInternalError(w, "Failed to clear logs")
		return
	}
	s.deps.Audit.Log(audit.EventLogsCleared, "warning", "Event logs cleared", nil)
	w.WriteHeader(http.StatusNoContent)
}

// InstallRequest is the body of POST /api/events/install.
type InstallRequest struct {
	Package string `json:"package"`
}

// InstallResponse reports what an install event did.
type InstallResponse struct {
	Package string `json:"package"`
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
}

// handleInstall records a package install. Only gambling apps seen while
// protection is enabled count as blocks.
func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req InstallRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Package) == "" {
		writeInvalidRequest(w, "package is required")
		return
	}

	resp := InstallResponse{Package: req.Package}
	reason, gambling := s.deps.Apps.Reason(req.Package)
	s.countAppCheck(gambling)
	if gambling && s.deps.Store.ProtectionEnabled() {
		if _, err := s.deps.Store.IncrementBlocked(); err != nil {
			logrus.WithError(err).Warn("Failed to persist blocked counter")
		}
		s.deps.Audit.AppInstalled(req.Package, reason)
		resp.Blocked = true
		resp.Reason = reason.String()
	}
	writeData(w, resp)
}

func (s *Server) handleVPN(w http.ResponseWriter, r *http.Request) {
	s.deps.Audit.ExternalVPN()
	w.WriteHeader(http.StatusNoContent)
}

// ProtectionRequest is the body of PUT /api/protection.
type ProtectionRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleProtection(w http.ResponseWriter, r *http.Request) {
	var req ProtectionRequest
	if err := decodeJSON(r, &req); err != nil || req.Enabled == nil {
		writeInvalidRequest(w, "enabled is required")
		return
	}
	if err := s.deps.Store.SetProtectionEnabled(*req.Enabled); err != nil {
		logrus.WithError(err).Error("Failed to persist protection flag")
		writeInternalError(w, "Failed to update protection")
		return
	}
	s.deps.Audit.ProtectionChanged(*req.Enabled)
	writeData(w, map[string]bool{"protection_enabled": *req.Enabled})
}

// TelemetryResponse is the body of GET /api/telemetry.
type TelemetryResponse struct {
	Configured   bool       `json:"configured"`
	Healthy      bool       `json:"healthy"`
	LastDelivery *time.Time `json:"last_delivery,omitempty"`
	Text         string     `json:"text"`
	Backlog      int        `json:"backlog"`
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if s.deps.TelemetryStatus == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "telemetry is disabled")
		return
	}
	st := s.deps.TelemetryStatus()
	now := s.now()
	writeData(w, TelemetryResponse{
		Configured:   st.Configured,
		Healthy:      st.Healthy(now),
		LastDelivery: st.LastDelivery,
		Text:         st.Text(now),
		Backlog:      st.Backlog,
	})
}

func (s *Server) handleRefreshRules(w http.ResponseWriter, r *http.Request) {
	if s.deps.RefreshRules == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "no rule sources configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()
	if err := s.deps.RefreshRules(ctx); err != nil {
		logrus.WithError(err).Warn("Rule refresh failed")
		writeError(w, http.StatusBadGateway, ErrCodeUnavailable, "rule refresh failed")
		return
	}
	writeData(w, map[string]string{"status": "refreshed"})
}

// decodeJSON decodes a size-limited JSON body.
func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(utils.LimitedReader(r.Body, 64*1024)).Decode(v)
}
