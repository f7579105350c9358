// Package audit records user-visible protection events. Every event goes to
// a daily JSON-lines file, the persisted event logs where one applies, and
// any registered sinks (live stream, archive).
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dnsgate/internal/blocklist"
	"dnsgate/internal/store"
)

// EventType represents the type of audit event
type EventType string

const (
	// Protection
	EventDomainBlocked EventType = "DOMAIN_BLOCKED"
	EventAppInstalled  EventType = "APP_INSTALLED"
	EventExternalVPN   EventType = "EXTERNAL_VPN_DETECTED"
	EventProtection    EventType = "PROTECTION_CHANGE"

	// Configuration changes
	EventRulesUpdate EventType = "RULES_UPDATE"
	EventLogsCleared EventType = "LOGS_CLEARED"

	// Service lifecycle
	EventServiceStart EventType = "SERVICE_START"
	EventServiceStop  EventType = "SERVICE_STOP"
)

// Event represents an audit log entry
type Event struct {
	Timestamp   time.Time              `json:"timestamp"`
	Type        EventType              `json:"type"`
	Severity    string                 `json:"severity"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	ProcessID   int                    `json:"process_id"`
	ProcessName string                 `json:"process_name"`
}

// Sink receives every event after it is written. Implementations must not
// block.
type Sink interface {
	Log(event Event)
}

// Logger handles audit logging
type Logger struct {
	mu      sync.Mutex
	dir     string
	day     string
	file    *os.File
	encoder *json.Encoder
	events  store.EventAppender
	sinks   []Sink
	now     func() time.Time
}

// New creates a logger. An empty dir disables the file; a nil events
// disables the persisted logs.
func New(dir string, events store.EventAppender) (*Logger, error) {
	l := &Logger{dir: dir, events: events, now: time.Now}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
		l.mu.Lock()
		err := l.rotateLocked(l.now())
		l.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	return l, nil
}

// AddSink registers s for all later events.
func (l *Logger) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// rotateLocked opens the file for the day of t if it is not open yet.
func (l *Logger) rotateLocked(t time.Time) error {
	day := t.Format("2006-01-02")
	if l.file != nil && l.day == day {
		return nil
	}
	path := filepath.Join(l.dir, fmt.Sprintf("audit-%s.log", day))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if l.file != nil {
		l.file.Close()
	}
	l.file, l.encoder, l.day = f, json.NewEncoder(f), day
	return nil
}

// Log records an audit event
func (l *Logger) Log(eventType EventType, severity, message string, details map[string]interface{}) {
	event := Event{
		Timestamp:   l.now(),
		Type:        eventType,
		Severity:    severity,
		Message:     message,
		Details:     details,
		ProcessID:   os.Getpid(),
		ProcessName: filepath.Base(os.Args[0]),
	}

	l.mu.Lock()
	if l.dir != "" {
		if err := l.rotateLocked(event.Timestamp); err != nil {
			logrus.WithError(err).Error("Failed to rotate audit log")
		} else if err := l.encoder.Encode(event); err != nil {
			logrus.WithError(err).Error("Failed to write audit log")
		}
	}
	sinks := append([]Sink(nil), l.sinks...)
	l.mu.Unlock()

	for _, s := range sinks {
		s.Log(event)
	}

	logrus.WithFields(logrus.Fields{
		"audit_type": eventType,
		"severity":   severity,
	}).Debug(message)
}

func (l *Logger) appendEvent(kind store.LogKind, fields ...string) {
	if l.events == nil {
		return
	}
	if err := l.events.AppendEvent(kind, fields...); err != nil {
		logrus.WithError(err).WithField("log", kind).Warn("Failed to persist event")
	}
}

// DomainBlocked records a blocked lookup as "ts|domain|reason".
func (l *Logger) DomainBlocked(domain string, reason blocklist.Reason) {
	l.appendEvent(store.LogBlock, domain, reason.String())
	l.Log(EventDomainBlocked, "info", fmt.Sprintf("Blocked %s", domain), map[string]interface{}{
		"domain": domain,
		"kind":   reason.Kind.String(),
		"match":  reason.Match,
	})
}

// AppInstalled records a gambling app install as "ts|package|INSTALLED".
func (l *Logger) AppInstalled(pkg string, reason blocklist.AppReason) {
	l.appendEvent(store.LogInstall, pkg, "INSTALLED")
	l.Log(EventAppInstalled, "warning", fmt.Sprintf("Gambling app installed: %s", pkg), map[string]interface{}{
		"package": pkg,
		"reason":  reason.String(),
	})
}

// ExternalVPN records that another VPN took over the device.
func (l *Logger) ExternalVPN() {
	l.appendEvent(store.LogVPN, "EXTERNAL_VPN_DETECTED")
	l.Log(EventExternalVPN, "warning", "External VPN detected", nil)
}

// ProtectionChanged records a protection flag change.
func (l *Logger) ProtectionChanged(enabled bool) {
	l.Log(EventProtection, "warning", fmt.Sprintf("Protection enabled: %t", enabled), map[string]interface{}{
		"enabled": enabled,
	})
}

// RulesUpdated records a rule reload.
func (l *Logger) RulesUpdated(source string, domains, keywords int) {
	l.Log(EventRulesUpdate, "info", fmt.Sprintf("Rules updated from %s", source), map[string]interface{}{
		"source":   source,
		"domains":  domains,
		"keywords": keywords,
	})
}

// Close closes the audit logger
func (l *Logger) Close() error {
	l.Log(EventServiceStop, "info", "Audit logging stopped", nil)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dir = ""
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Path returns the current audit log path
func (l *Logger) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ""
	}
	return l.file.Name()
}
