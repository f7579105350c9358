package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "dnsgate/internal/errors"
)

func TestOpenCreatesState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	s, err := Open(path)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err)
	assert.True(t, s.ProtectionEnabled())
	assert.Equal(t, int64(0), s.BlockedCount())
	assert.Equal(t, path, s.Path())
}

func TestStatePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path)
	require.NoError(t, err)

	_, err = s.IncrementBlocked()
	require.NoError(t, err)
	n, err := s.IncrementBlocked()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, s.AppendEvent(LogBlock, "bets10.com", "DOMAIN"))
	require.NoError(t, s.SetProtectionEnabled(false))
	require.NoError(t, s.SetVPNActive(true))
	id, err := s.DeviceID()
	require.NoError(t, err)
	when := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.SetLastDelivery(when))

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, int64(2), reopened.BlockedCount())
	assert.Len(t, reopened.Log(LogBlock), 1)
	assert.False(t, reopened.ProtectionEnabled())
	assert.True(t, reopened.VPNActive())
	again, err := reopened.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, id, again)
	last, ok := reopened.LastDelivery()
	require.True(t, ok)
	assert.True(t, when.Equal(last))

	// No temp files are left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := Open(path)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeStorage))
}

func TestAppendEventFormatAndCap(t *testing.T) {
	s := NewMemory()
	s.now = func() time.Time { return time.UnixMilli(1700000000123) }

	require.NoError(t, s.AppendEvent(LogInstall, "com.bet365", "INSTALLED"))
	assert.Equal(t, []string{"1700000000123|com.bet365|INSTALLED"}, s.Log(LogInstall))

	require.NoError(t, s.AppendEvent(LogVPN, "EXTERNAL_VPN_DETECTED"))
	assert.Equal(t, []string{"1700000000123|EXTERNAL_VPN_DETECTED"}, s.Log(LogVPN))

	require.NoError(t, s.AppendEvent(LogBlock, "a|b\nc", "KEYWORD"))
	assert.Equal(t, "1700000000123|a/b c|KEYWORD", s.Log(LogBlock)[0])

	for i := 0; i < MaxLogEntries+10; i++ {
		require.NoError(t, s.AppendEvent(LogBlock, fmt.Sprintf("d%d.example", i), "DOMAIN"))
	}
	lines := s.Log(LogBlock)
	require.Len(t, lines, MaxLogEntries)
	assert.True(t, strings.Contains(lines[0], "|d10.example|"))
	assert.True(t, strings.Contains(lines[MaxLogEntries-1], "|d59.example|"))
}

func TestClearLogs(t *testing.T) {
	s := NewMemory()
	for _, k := range LogKinds {
		require.NoError(t, s.AppendEvent(k, "x"))
	}
	require.NoError(t, s.ClearLogs())
	for _, k := range LogKinds {
		assert.Empty(t, s.Log(k))
	}
}

func TestParseLogKind(t *testing.T) {
	k, err := ParseLogKind("install")
	require.NoError(t, err)
	assert.Equal(t, LogInstall, k)

	_, err = ParseLogKind("nope")
	assert.Error(t, err)
}

func TestUpdateBacklog(t *testing.T) {
	s := NewMemory()
	n, err := s.UpdateBacklog(func(b []json.RawMessage) []json.RawMessage {
		return append(b, json.RawMessage(`{"a":1}`), json.RawMessage(`{"a":2}`))
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// The slice handed out is a copy.
	got := s.Backlog()
	got[0] = json.RawMessage(`{}`)
	assert.JSONEq(t, `{"a":1}`, string(s.Backlog()[0]))

	n, err = s.UpdateBacklog(func(b []json.RawMessage) []json.RawMessage { return b[1:] })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.Snapshot().BacklogLength)
}

func TestConcurrentIncrements(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, _ = s.IncrementBlocked()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(200), s.BlockedCount())
}

func TestWriteDelayCoalescesBlockWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path)
	require.NoError(t, err)
	s.SetWriteDelay(time.Hour)

	for i := 0; i < 5; i++ {
		_, err := s.IncrementBlocked()
		require.NoError(t, err)
		require.NoError(t, s.AppendEvent(LogBlock, "bets10.com", "DOMAIN"))
	}
	assert.Equal(t, int64(5), s.BlockedCount())

	onDisk, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), onDisk.BlockedCount(), "nothing written before the delay")

	require.NoError(t, s.Flush())
	onDisk, err = Open(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), onDisk.BlockedCount())
	assert.Len(t, onDisk.Log(LogBlock), 5)
}

func TestWriteDelayElapses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path)
	require.NoError(t, err)
	s.SetWriteDelay(20 * time.Millisecond)

	_, err = s.IncrementBlocked()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		onDisk, err := Open(path)
		return err == nil && onDisk.BlockedCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestImmediateWriteCarriesPendingChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path)
	require.NoError(t, err)
	s.SetWriteDelay(time.Hour)

	_, err = s.IncrementBlocked()
	require.NoError(t, err)
	require.NoError(t, s.SetVPNActive(true))

	onDisk, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1), onDisk.BlockedCount())
	assert.True(t, onDisk.VPNActive())
	require.NoError(t, s.Flush())
}

func TestDeviceIDGeneratedOnce(t *testing.T) {
	s := NewMemory()
	a, err := s.DeviceID()
	require.NoError(t, err)
	b, err := s.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 36)
}
