// Package store persists the state shared by the engine, the event
// endpoints and the telemetry queue: the blocked counter, the three capped
// event logs, the telemetry backlog, the last delivery time, the device id
// and the protection flags.
//
// All mutations go through one mutex and are written to disk atomically
// (temp file then rename) before the call returns, except counter and event
// log writes when a write delay is set (see SetWriteDelay).
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	apperrors "dnsgate/internal/errors"
	"dnsgate/internal/utils"
)

// MaxLogEntries is how many lines each event log keeps.
const MaxLogEntries = 50

// LogKind names an event log.
type LogKind string

const (
	LogBlock   LogKind = "block"
	LogInstall LogKind = "install"
	LogVPN     LogKind = "vpn"
)

// LogKinds lists every event log in display order.
var LogKinds = []LogKind{LogBlock, LogInstall, LogVPN}

// ParseLogKind validates a log name.
func ParseLogKind(s string) (LogKind, error) {
	for _, k := range LogKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown log %q", s)
}

// Counter is the capability to bump the blocked counter.
type Counter interface {
	IncrementBlocked() (int64, error)
}

// EventAppender is the capability to append to an event log.
type EventAppender interface {
	AppendEvent(kind LogKind, fields ...string) error
}

// BacklogStore is the persistence the telemetry queue needs.
type BacklogStore interface {
	Backlog() []json.RawMessage
	UpdateBacklog(fn func([]json.RawMessage) []json.RawMessage) (int, error)
	LastDelivery() (time.Time, bool)
	SetLastDelivery(t time.Time) error
}

type state struct {
	DeviceID          string               `json:"device_id,omitempty"`
	BlockedCount      int64                `json:"blocked_count"`
	ProtectionEnabled bool                 `json:"protection_enabled"`
	VPNActive         bool                 `json:"vpn_active"`
	Logs              map[LogKind][]string `json:"logs"`
	Backlog           []json.RawMessage    `json:"telemetry_backlog"`
	LastDelivery      *time.Time           `json:"last_delivery,omitempty"`
}

// Store is the persisted state. A Store with an empty path lives in memory.
type Store struct {
	mu   sync.Mutex
	path string
	st   state
	now  func() time.Time

	// Counter and event log writes are coalesced for writeDelay. dirty is
	// cleared by any successful persist.
	writeDelay time.Duration
	dirty      bool
	timer      *time.Timer
}

// Open loads the state at path, creating it on first use. Protection starts
// enabled on a fresh state.
func Open(path string) (*Store, error) {
	s := &Store{path: path, now: time.Now}
	s.st = state{ProtectionEnabled: true, Logs: make(map[LogKind][]string)}
	if path == "" {
		return s, nil
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, apperrors.NewStorageError("create state directory", err)
		}
		return s, s.persist()
	}
	if err != nil {
		return nil, apperrors.NewStorageError("open state file", err)
	}
	defer f.Close()

	data, err := utils.ReadAllLimited(f, utils.MaxStateFileSize)
	if err != nil {
		return nil, apperrors.NewStorageError("read state file", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.st); err != nil {
			return nil, apperrors.NewStorageError("decode state file", err)
		}
	}
	if s.st.Logs == nil {
		s.st.Logs = make(map[LogKind][]string)
	}
	return s, nil
}

// NewMemory returns a store that is never written to disk.
func NewMemory() *Store {
	s, _ := Open("")
	return s
}

// Path returns the backing file, or "" for an in-memory store.
func (s *Store) Path() string {
	return s.path
}

// SetWriteDelay makes the blocked counter and event logs reach disk at most
// once per d instead of on every change. Other mutations still write at
// once and carry any pending changes with them. Zero restores immediate
// writes. Call Flush before exit.
func (s *Store) SetWriteDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d < 0 {
		d = 0
	}
	s.writeDelay = d
}

// Flush writes changes still waiting for the write delay.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.dirty {
		return nil
	}
	return s.persist()
}

// persistSoon persists now, or schedules a write when a delay is set.
// Callers hold s.mu.
func (s *Store) persistSoon() error {
	if s.writeDelay <= 0 || s.path == "" {
		return s.persist()
	}
	s.dirty = true
	if s.timer == nil {
		s.timer = time.AfterFunc(s.writeDelay, s.delayedWrite)
	}
	return nil
}

func (s *Store) delayedWrite() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = nil
	if !s.dirty {
		return
	}
	if err := s.persist(); err != nil {
		logrus.WithError(err).Warn("Failed to write state")
	}
}

// persist writes the state. Callers hold s.mu.
func (s *Store) persist() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(&s.st, "", "  ")
	if err != nil {
		return apperrors.NewStorageError("encode state", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*.json")
	if err != nil {
		return apperrors.NewStorageError("create temp state file", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apperrors.NewStorageError("write temp state file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return apperrors.NewStorageError("sync temp state file", err)
	}
	if err := tmp.Close(); err != nil {
		return apperrors.NewStorageError("close temp state file", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return apperrors.NewStorageError("replace state file", err)
	}
	s.dirty = false
	return nil
}

// IncrementBlocked adds one to the blocked counter and returns the new value.
func (s *Store) IncrementBlocked() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.BlockedCount++
	return s.st.BlockedCount, s.persistSoon()
}

// BlockedCount returns the blocked counter.
func (s *Store) BlockedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.BlockedCount
}

// AppendEvent appends "<unix millis>|field|field..." to the log, keeping the
// newest MaxLogEntries lines. Fields have '|' and newlines replaced.
func (s *Store) AppendEvent(kind LogKind, fields ...string) error {
	parts := make([]string, 0, len(fields)+1)
	s.mu.Lock()
	defer s.mu.Unlock()

	parts = append(parts, strconv.FormatInt(s.now().UnixMilli(), 10))
	for _, f := range fields {
		parts = append(parts, fieldCleaner.Replace(f))
	}

	lines := append(s.st.Logs[kind], strings.Join(parts, "|"))
	if len(lines) > MaxLogEntries {
		lines = append([]string(nil), lines[len(lines)-MaxLogEntries:]...)
	}
	s.st.Logs[kind] = lines
	return s.persistSoon()
}

var fieldCleaner = strings.NewReplacer("|", "/", "\n", " ", "\r", " ")

// Log returns a copy of the lines of one log, oldest first.
func (s *Store) Log(kind LogKind) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.st.Logs[kind]...)
}

// ClearLogs empties the three event logs.
func (s *Store) ClearLogs() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Logs = make(map[LogKind][]string)
	return s.persist()
}

// Backlog returns a copy of the telemetry backlog, oldest first.
func (s *Store) Backlog() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.st.Backlog...)
}

// UpdateBacklog replaces the backlog with fn(current) in one transaction and
// returns the new length.
func (s *Store) UpdateBacklog(fn func([]json.RawMessage) []json.RawMessage) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := append([]json.RawMessage(nil), s.st.Backlog...)
	s.st.Backlog = fn(cur)
	return len(s.st.Backlog), s.persist()
}

// LastDelivery returns the time of the last successful telemetry delivery.
func (s *Store) LastDelivery() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.LastDelivery == nil {
		return time.Time{}, false
	}
	return *s.st.LastDelivery, true
}

// SetLastDelivery records a successful delivery.
func (s *Store) SetLastDelivery(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t = t.UTC()
	s.st.LastDelivery = &t
	return s.persist()
}

// DeviceID returns the persisted device id, generating it on first use.
func (s *Store) DeviceID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.DeviceID != "" {
		return s.st.DeviceID, nil
	}
	s.st.DeviceID = uuid.NewString()
	return s.st.DeviceID, s.persist()
}

// ProtectionEnabled reports whether blocking of install events is on.
func (s *Store) ProtectionEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ProtectionEnabled
}

// SetProtectionEnabled stores the protection flag.
func (s *Store) SetProtectionEnabled(v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.ProtectionEnabled = v
	return s.persist()
}

// VPNActive reports whether the engine is running.
func (s *Store) VPNActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.VPNActive
}

// SetVPNActive stores the engine running flag.
func (s *Store) SetVPNActive(v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.VPNActive = v
	return s.persist()
}

// Snapshot is a read-only copy of the persisted counters and flags.
type Snapshot struct {
	DeviceID          string     `json:"device_id"`
	BlockedCount      int64      `json:"blocked_count"`
	ProtectionEnabled bool       `json:"protection_enabled"`
	VPNActive         bool       `json:"vpn_active"`
	BacklogLength     int        `json:"backlog_length"`
	LastDelivery      *time.Time `json:"last_delivery,omitempty"`
}

// Snapshot returns the counters and flags in one consistent read.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		DeviceID:          s.st.DeviceID,
		BlockedCount:      s.st.BlockedCount,
		ProtectionEnabled: s.st.ProtectionEnabled,
		VPNActive:         s.st.VPNActive,
		BacklogLength:     len(s.st.Backlog),
		LastDelivery:      s.st.LastDelivery,
	}
}
