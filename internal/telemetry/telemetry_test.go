package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "dnsgate/internal/errors"
	"dnsgate/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// fakeSleeper records requested sleeps and advances the clock.
type fakeSleeper struct {
	clock *fakeClock
	slept []time.Duration
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.slept = append(s.slept, d)
	if s.clock != nil {
		s.clock.mu.Lock()
		s.clock.now = s.clock.now.Add(d)
		s.clock.mu.Unlock()
	}
	return ctx.Err()
}

// scriptedSender fails while fail returns true for the call number.
type scriptedSender struct {
	mu    sync.Mutex
	calls int
	sent  []Record
	fail  func(call int, rec Record) bool
}

func (s *scriptedSender) Send(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil && s.fail(s.calls, rec) {
		return apperrors.New(apperrors.CodeTelemetrySend, "unexpected status 503")
	}
	s.sent = append(s.sent, rec)
	return nil
}

func alwaysFail(int, Record) bool { return true }

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestDeliverer(sender Sender, st *store.Store) (*Deliverer, *fakeClock, *fakeSleeper) {
	clock := &fakeClock{now: epoch}
	sleeper := &fakeSleeper{clock: clock}
	d := NewDeliverer(DelivererConfig{
		Sender:  sender,
		Store:   st,
		Clock:   clock,
		Sleeper: sleeper,
	})
	return d, clock, sleeper
}

func rec(id string, blocked int64) Record {
	return Record{DeviceID: id, BlockedCount: blocked, BatteryLevel: -1, Timestamp: epoch}
}

func TestDeliverSuccessFirstTry(t *testing.T) {
	st := store.NewMemory()
	sender := &scriptedSender{}
	d, _, sleeper := newTestDeliverer(sender, st)

	out, err := d.Deliver(context.Background(), rec("dev", 3))
	require.NoError(t, err)
	assert.Equal(t, Delivered, out.Result)
	assert.Equal(t, 1, out.Attempts)
	assert.Empty(t, sleeper.slept)

	last, ok := st.LastDelivery()
	require.True(t, ok)
	assert.True(t, last.Equal(epoch))
	assert.Equal(t, 0, d.Backlog().Len())
}

func TestDeliverBackoffSchedule(t *testing.T) {
	t.Run("exhausted", func(t *testing.T) {
		st := store.NewMemory()
		d, _, sleeper := newTestDeliverer(&scriptedSender{fail: alwaysFail}, st)

		out, err := d.Deliver(context.Background(), rec("dev", 1))
		require.NoError(t, err)
		assert.Equal(t, Queued, out.Result)
		assert.Equal(t, 5, out.Attempts)
		assert.True(t, apperrors.HasCode(out.Err, apperrors.CodeTelemetrySend))
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, sleeper.slept)

		_, ok := st.LastDelivery()
		assert.False(t, ok)
		queued := d.Backlog().Records()
		require.Len(t, queued, 1)
		require.NotNil(t, queued[0].QueuedAt)
		assert.Equal(t, epoch.Add(15*time.Second).UnixMilli(), *queued[0].QueuedAt)
	})

	t.Run("third try succeeds", func(t *testing.T) {
		st := store.NewMemory()
		sender := &scriptedSender{fail: func(call int, _ Record) bool { return call < 3 }}
		d, _, sleeper := newTestDeliverer(sender, st)

		out, err := d.Deliver(context.Background(), rec("dev", 1))
		require.NoError(t, err)
		assert.Equal(t, Delivered, out.Result)
		assert.Equal(t, 3, out.Attempts)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.slept)
	})

	t.Run("delay capped", func(t *testing.T) {
		st := store.NewMemory()
		clock := &fakeClock{now: epoch}
		sleeper := &fakeSleeper{clock: clock}
		d := NewDeliverer(DelivererConfig{
			Sender:  &scriptedSender{fail: alwaysFail},
			Store:   st,
			Clock:   clock,
			Sleeper: sleeper,
			Retry:   RetryPolicy{Attempts: 9, InitialDelay: time.Second, MaxDelay: 60 * time.Second},
		})
		_, err := d.Deliver(context.Background(), rec("dev", 1))
		require.NoError(t, err)
		assert.Equal(t, []time.Duration{
			time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
			16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
		}, sleeper.slept)
	})
}

func TestDeliverFlushesBacklogFirst(t *testing.T) {
	st := store.NewMemory()
	sender := &scriptedSender{}
	d, clock, sleeper := newTestDeliverer(sender, st)

	for i := 0; i < 3; i++ {
		_, err := d.Backlog().Enqueue(rec("old", int64(i)), clock.Now())
		require.NoError(t, err)
	}

	out, err := d.Deliver(context.Background(), rec("new", 9))
	require.NoError(t, err)
	assert.Equal(t, Delivered, out.Result)
	assert.Equal(t, 3, out.Replayed)
	assert.Equal(t, []time.Duration{DefaultFlushPause, DefaultFlushPause}, sleeper.slept)

	require.Len(t, sender.sent, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, int64(i), sender.sent[i].BlockedCount)
		assert.Nil(t, sender.sent[i].QueuedAt)
	}
	assert.Equal(t, "new", sender.sent[3].DeviceID)
	assert.Equal(t, 0, d.Backlog().Len())
}

func TestFlushKeepsFailedEntriesInOrder(t *testing.T) {
	st := store.NewMemory()
	// Entry with blocked count 1 keeps failing; everything else succeeds.
	sender := &scriptedSender{fail: func(_ int, r Record) bool { return r.DeviceID == "old" && r.BlockedCount == 1 }}
	d, clock, _ := newTestDeliverer(sender, st)

	for i := 0; i < 3; i++ {
		_, err := d.Backlog().Enqueue(rec("old", int64(i)), clock.Now())
		require.NoError(t, err)
	}

	out, err := d.Deliver(context.Background(), rec("new", 9))
	require.NoError(t, err)
	assert.Equal(t, 2, out.Replayed)

	left := d.Backlog().Records()
	require.Len(t, left, 1)
	assert.Equal(t, int64(1), left[0].BlockedCount)
	assert.NotNil(t, left[0].QueuedAt, "a kept entry retains its queue time")
}

func TestBacklogEvictsOldest(t *testing.T) {
	st := store.NewMemory()
	b := NewBacklog(st, 0, nil)
	assert.Equal(t, BacklogCapacity, b.Capacity())

	for i := 0; i < BacklogCapacity; i++ {
		evicted, err := b.Enqueue(rec("dev", int64(i)), epoch)
		require.NoError(t, err)
		assert.Equal(t, 0, evicted)
	}
	evicted, err := b.Enqueue(rec("dev", 50), epoch)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	got := b.Records()
	require.Len(t, got, BacklogCapacity)
	assert.Equal(t, int64(1), got[0].BlockedCount)
	assert.Equal(t, int64(50), got[len(got)-1].BlockedCount)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].BlockedCount, got[i].BlockedCount)
	}
}

func TestDeliverDoesNotOverlap(t *testing.T) {
	st := store.NewMemory()
	release := make(chan struct{})
	entered := make(chan struct{})
	blocking := senderFunc(func(ctx context.Context, _ Record) error {
		close(entered)
		<-release
		return nil
	})
	d, _, _ := newTestDeliverer(blocking, st)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.Deliver(context.Background(), rec("a", 1))
	}()
	<-entered

	out, err := d.Deliver(context.Background(), rec("b", 1))
	assert.ErrorIs(t, err, ErrCycleInProgress)
	assert.Equal(t, Skipped, out.Result)

	close(release)
	<-done
}

type senderFunc func(ctx context.Context, rec Record) error

func (f senderFunc) Send(ctx context.Context, rec Record) error { return f(ctx, rec) }

func TestDeliverWithoutSenderLeavesBacklog(t *testing.T) {
	st := store.NewMemory()
	d, clock, sleeper := newTestDeliverer(nil, st)
	_, err := d.Backlog().Enqueue(rec("old", 1), clock.Now())
	require.NoError(t, err)

	for i := 0; i < BacklogCapacity+5; i++ {
		out, err := d.Deliver(context.Background(), rec("new", int64(i)))
		assert.ErrorIs(t, err, ErrNotConfigured)
		assert.Equal(t, Skipped, out.Result)
		assert.Zero(t, out.Attempts)
	}

	assert.Empty(t, sleeper.slept)
	left := d.Backlog().Records()
	require.Len(t, left, 1)
	assert.Equal(t, "old", left[0].DeviceID)
	assert.False(t, d.Status(false).Configured)
}

func TestRunCycleCollects(t *testing.T) {
	st := store.NewMemory()
	_, err := st.IncrementBlocked()
	require.NoError(t, err)

	sender := &scriptedSender{}
	clock := &fakeClock{now: epoch}
	collector := &SnapshotCollector{
		State:       st,
		Clock:       clock,
		AppVersion:  "1.2.3",
		DeviceModel: "test-host",
		Battery:     func() Battery { return Battery{Level: 80, Charging: true} },
	}
	d := NewDeliverer(DelivererConfig{
		Sender:    sender,
		Store:     st,
		Collector: collector.Collect,
		Clock:     clock,
		Sleeper:   &fakeSleeper{},
	})

	out, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Delivered, out.Result)
	require.Len(t, sender.sent, 1)

	got := sender.sent[0]
	id, _ := st.DeviceID()
	assert.Equal(t, id, got.DeviceID)
	assert.Equal(t, int64(1), got.BlockedCount)
	assert.Equal(t, "1.2.3", got.AppVersion)
	assert.Equal(t, 80, got.BatteryLevel)
	assert.True(t, got.IsCharging)
	assert.True(t, got.ProtectionEnabled)
	assert.True(t, got.Timestamp.Equal(epoch))
}

func TestHTTPSender(t *testing.T) {
	var (
		mu      sync.Mutex
		headers http.Header
		path    string
		body    map[string]interface{}
		status  = http.StatusCreated
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		headers = r.Header.Clone()
		path = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	s, err := NewHTTPSender(SenderConfig{URL: srv.URL + "/", APIKey: "anon-key"})
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/rest/v1/heartbeats", s.Endpoint())

	queued := int64(42)
	r := rec("dev-1", 7)
	r.QueuedAt = &queued
	require.NoError(t, s.Send(context.Background(), r))

	mu.Lock()
	assert.Equal(t, "/rest/v1/heartbeats", path)
	assert.Equal(t, "anon-key", headers.Get("apikey"))
	assert.Equal(t, "Bearer anon-key", headers.Get("Authorization"))
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "return=minimal", headers.Get("Prefer"))
	assert.Equal(t, "dev-1", body["device_id"])
	assert.EqualValues(t, 7, body["blocked_count"])
	assert.EqualValues(t, -1, body["battery_level"])
	_, hasQueued := body["queued_at"]
	assert.False(t, hasQueued)
	status = http.StatusServiceUnavailable
	mu.Unlock()

	err = s.Send(context.Background(), r)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeTelemetrySend))
}

func TestSenderConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  SenderConfig
		want bool
	}{
		{"empty", SenderConfig{}, false},
		{"placeholder url", SenderConfig{URL: "https://YOUR_PROJECT_ID.supabase.co", APIKey: "k"}, false},
		{"placeholder key", SenderConfig{URL: "https://abc.supabase.co", APIKey: "YOUR_ANON_KEY_HERE"}, false},
		{"real", SenderConfig{URL: "https://abc.supabase.co", APIKey: "k"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.IsConfigured())
		})
	}

	_, err := NewHTTPSender(SenderConfig{})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeConfig))

	cfg := SenderConfig{URL: "https://abc.example", Table: "beats", EndpointTemplate: "{{url}}/api/{{table}}"}
	assert.Equal(t, "https://abc.example/api/beats", cfg.Endpoint())
}

func TestStatus(t *testing.T) {
	now := epoch
	at := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}
	tests := []struct {
		name    string
		status  Status
		text    string
		healthy bool
	}{
		{"unconfigured", Status{}, "not configured", false},
		{"never sent", Status{Configured: true}, "not sent yet", false},
		{"just now", Status{Configured: true, LastDelivery: at(30 * time.Second)}, "just now", true},
		{"minutes", Status{Configured: true, LastDelivery: at(12 * time.Minute)}, "12 minutes ago", true},
		{"stale", Status{Configured: true, LastDelivery: at(20 * time.Minute)}, "20 minutes ago", false},
		{"hours", Status{Configured: true, LastDelivery: at(125 * time.Minute)}, "2 hours ago", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.text, tt.status.Text(now))
			assert.Equal(t, tt.healthy, tt.status.Healthy(now))
		})
	}
}

func TestReadBattery(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		assert.Equal(t, Battery{Level: -1}, ReadBattery(filepath.Join(t.TempDir(), "none")))
	})

	t.Run("battery and charger", func(t *testing.T) {
		dir := t.TempDir()
		writeSupply(t, dir, "BAT0", map[string]string{"type": "Battery\n", "capacity": "57\n", "status": "Discharging\n"})
		writeSupply(t, dir, "AC", map[string]string{"type": "Mains\n", "online": "1\n"})
		assert.Equal(t, Battery{Level: 57, Charging: true}, ReadBattery(dir))
	})

	t.Run("charger only", func(t *testing.T) {
		dir := t.TempDir()
		writeSupply(t, dir, "AC", map[string]string{"type": "Mains\n", "online": "1\n"})
		assert.Equal(t, Battery{Level: -1}, ReadBattery(dir))
	})
}

func writeSupply(t *testing.T, dir, name string, attrs map[string]string) {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(p, 0o755))
	for k, v := range attrs {
		require.NoError(t, os.WriteFile(filepath.Join(p, k), []byte(v), 0o644))
	}
}

func TestTimerSleeperCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := TimerSleeper().Sleep(ctx, time.Hour)
	assert.True(t, errors.Is(err, context.Canceled))
}
