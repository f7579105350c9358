package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dnsgate/internal/metrics"
	"dnsgate/internal/store"
)

// ErrCycleInProgress is returned when a cycle is requested while another runs.
var (
	ErrCycleInProgress = errors.New("telemetry cycle already in progress")
	ErrNotConfigured   = errors.New("telemetry endpoint is not configured")
)

// RetryPolicy bounds the attempts for the current record.
type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy is 5 tries with 1s backoff doubling up to 60s.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:     5,
	InitialDelay: time.Second,
	MaxDelay:     60 * time.Second,
}

// DefaultFlushPause separates backlog replays.
const DefaultFlushPause = 500 * time.Millisecond

// Result is the terminal state of a delivery.
type Result int

const (
	Delivered Result = iota
	Queued
	Skipped
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Queued:
		return "queued"
	default:
		return "skipped"
	}
}

// Outcome describes one delivery cycle.
type Outcome struct {
	Result   Result
	Attempts int
	Replayed int
	Evicted  int
	Err      error
}

// DelivererConfig wires a Deliverer.
type DelivererConfig struct {
	Sender     Sender
	Store      store.BacklogStore
	Collector  func() (Record, error)
	Clock      Clock
	Sleeper    Sleeper
	Retry      RetryPolicy
	FlushPause time.Duration
	Capacity   int
	Metrics    *metrics.Collector
}

// Deliverer runs delivery cycles: flush the backlog, send the current record
// with backoff, queue it when every try fails.
type Deliverer struct {
	cycle sync.Mutex

	sender     Sender
	store      store.BacklogStore
	backlog    *Backlog
	collect    func() (Record, error)
	clock      Clock
	sleeper    Sleeper
	retry      RetryPolicy
	flushPause time.Duration
	metrics    *metrics.Collector
}

// NewDeliverer creates a Deliverer. Zero values take the defaults.
func NewDeliverer(cfg DelivererConfig) *Deliverer {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Sleeper == nil {
		cfg.Sleeper = TimerSleeper()
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = DefaultRetryPolicy
	}
	if cfg.FlushPause <= 0 {
		cfg.FlushPause = DefaultFlushPause
	}
	return &Deliverer{
		sender:     cfg.Sender,
		store:      cfg.Store,
		backlog:    NewBacklog(cfg.Store, cfg.Capacity, cfg.Metrics),
		collect:    cfg.Collector,
		clock:      cfg.Clock,
		sleeper:    cfg.Sleeper,
		retry:      cfg.Retry,
		flushPause: cfg.FlushPause,
		metrics:    cfg.Metrics,
	}
}

// Backlog returns the undelivered record queue.
func (d *Deliverer) Backlog() *Backlog {
	return d.backlog
}

// RunCycle collects a fresh record and delivers it.
func (d *Deliverer) RunCycle(ctx context.Context) (Outcome, error) {
	if d.collect == nil {
		return Outcome{Result: Skipped}, errors.New("no record collector configured")
	}
	rec, err := d.collect()
	if err != nil {
		return Outcome{Result: Skipped}, err
	}
	return d.Deliver(ctx, rec)
}

// Deliver flushes the backlog and then sends rec. Only one cycle runs at a
// time; a concurrent call returns ErrCycleInProgress. Without a Sender the
// cycle is skipped and the backlog is left untouched.
func (d *Deliverer) Deliver(ctx context.Context, rec Record) (Outcome, error) {
	if d.sender == nil {
		return Outcome{Result: Skipped}, ErrNotConfigured
	}
	if !d.cycle.TryLock() {
		return Outcome{Result: Skipped}, ErrCycleInProgress
	}
	defer d.cycle.Unlock()

	out := Outcome{}
	replayed, err := d.flush(ctx)
	out.Replayed = replayed
	if err != nil {
		logrus.WithError(err).Warn("Failed to settle telemetry backlog")
	}

	out.Attempts, out.Err = d.sendWithRetry(ctx, rec)
	if out.Err == nil {
		out.Result = Delivered
		d.metrics.Delivery("success")
		if err := d.store.SetLastDelivery(d.clock.Now()); err != nil {
			logrus.WithError(err).Warn("Failed to record last telemetry delivery")
		}
		logrus.WithFields(logrus.Fields{
			"attempts": out.Attempts,
			"replayed": out.Replayed,
		}).Debug("Heartbeat delivered")
		return out, nil
	}

	out.Result = Queued
	d.metrics.Delivery("queued")
	evicted, err := d.backlog.Enqueue(rec, d.clock.Now())
	out.Evicted = evicted
	if err != nil {
		return out, err
	}
	logrus.WithFields(logrus.Fields{
		"attempts": out.Attempts,
		"backlog":  d.backlog.Len(),
	}).WithError(out.Err).Warn("Heartbeat delivery failed, queued for retry")
	return out, nil
}

// flush tries every backlog entry once, oldest first. Failed entries stay
// queued in order. Cycles never overlap and only a cycle enqueues, so the
// entries present at the start are still the prefix when settling.
func (d *Deliverer) flush(ctx context.Context) (int, error) {
	entries := d.store.Backlog()
	if len(entries) == 0 {
		return 0, nil
	}

	kept := make([]bool, len(entries))
	sent := 0
	for i, raw := range entries {
		if ctx.Err() != nil {
			for j := i; j < len(entries); j++ {
				kept[j] = true
			}
			break
		}
		if i > 0 {
			if err := d.sleeper.Sleep(ctx, d.flushPause); err != nil {
				for j := i; j < len(entries); j++ {
					kept[j] = true
				}
				break
			}
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			logrus.WithError(err).Debug("Dropping undecodable backlog entry")
			continue
		}
		rec = rec.forSending()
		if err := d.sender.Send(ctx, rec); err != nil {
			kept[i] = true
			d.metrics.Delivery("failure")
			continue
		}
		sent++
		d.metrics.Delivery("replayed")
	}

	if sent > 0 {
		logrus.WithField("replayed", sent).Info("Flushed queued heartbeats")
	}
	_, err := d.backlog.settle(len(entries), kept)
	return sent, err
}

// sendWithRetry makes up to retry.Attempts tries, sleeping only between
// them. It returns the number of tries made and the last error.
func (d *Deliverer) sendWithRetry(ctx context.Context, rec Record) (int, error) {
	delay := d.retry.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= d.retry.Attempts; attempt++ {
		lastErr = d.sender.Send(ctx, rec)
		if lastErr == nil {
			return attempt, nil
		}
		d.metrics.Delivery("failure")
		logrus.WithFields(logrus.Fields{
			"attempt": attempt,
			"of":      d.retry.Attempts,
		}).WithError(lastErr).Debug("Heartbeat attempt failed")

		if attempt == d.retry.Attempts {
			return attempt, lastErr
		}
		if err := d.sleeper.Sleep(ctx, delay); err != nil {
			return attempt, lastErr
		}
		delay *= 2
		if delay > d.retry.MaxDelay {
			delay = d.retry.MaxDelay
		}
	}
	return d.retry.Attempts, lastErr
}

// Run delivers once immediately and then every interval until ctx is done.
func (d *Deliverer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if out, err := d.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
			logrus.WithError(err).Warn("Telemetry cycle failed")
		} else {
			logrus.WithField("result", out.Result.String()).Debug("Telemetry cycle finished")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Status reports delivery health. configured is whether a sender exists.
func (d *Deliverer) Status(configured bool) Status {
	s := Status{Configured: configured, Backlog: d.backlog.Len()}
	if t, ok := d.store.LastDelivery(); ok {
		s.LastDelivery = &t
	}
	return s
}
