package logging

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"dnsgate/internal/audit"
)

// ObjectPutter is the part of the S3 client the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiverConfig configures an Archiver.
type ArchiverConfig struct {
	Bucket     string
	Prefix     string
	Interval   time.Duration
	BufferSize int
	BatchSize  int
}

// Archiver buffers audit events and uploads them to S3 as gzipped JSON
// lines, once per interval and on shutdown. It implements audit.Sink.
type Archiver struct {
	client     ObjectPutter
	cfg        ArchiverConfig
	buffer     *RingBuffer
	hostname   string
	now        func() time.Time
	shutdownCh chan struct{}
	once       sync.Once
	wg         sync.WaitGroup
}

// NewArchiver creates an archiver; call Start to begin periodic uploads.
func NewArchiver(client ObjectPutter, cfg ArchiverConfig) *Archiver {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Archiver{
		client:     client,
		cfg:        cfg,
		buffer:     NewRingBuffer(cfg.BufferSize),
		hostname:   getHostname(),
		now:        time.Now,
		shutdownCh: make(chan struct{}),
	}
}

// Log queues an event. When the buffer is full the oldest event is lost.
func (a *Archiver) Log(event audit.Event) {
	a.buffer.Push(event)
}

// Pending returns the number of buffered events.
func (a *Archiver) Pending() int {
	return a.buffer.Len()
}

// Start runs the upload loop until Shutdown.
func (a *Archiver) Start() {
	a.wg.Add(1)
	go a.worker()
}

func (a *Archiver) worker() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.shutdownCh:
			a.drain()
			return
		case <-ticker.C:
			a.drain()
		}
	}
}

// drain uploads batches until the buffer is empty or an upload fails.
func (a *Archiver) drain() {
	for a.buffer.Len() > 0 {
		if err := a.Upload(context.Background()); err != nil {
			return
		}
	}
}

// Upload sends one batch. Events of a failed batch go back in the buffer.
func (a *Archiver) Upload(ctx context.Context) error {
	events := a.buffer.PopN(a.cfg.BatchSize)
	if len(events) == 0 {
		return nil
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	encoder := json.NewEncoder(gw)
	for _, event := range events {
		if err := encoder.Encode(redact(event)); err != nil {
			logrus.WithError(err).Error("Failed to encode event for S3")
		}
	}
	if err := gw.Close(); err != nil {
		a.requeue(events)
		return fmt.Errorf("compress events: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	key := fmt.Sprintf("%sevents-%s-%s.json.gz",
		a.cfg.Prefix,
		a.hostname,
		a.now().UTC().Format("20060102-150405.000"))

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.cfg.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		logrus.WithError(err).Error("Failed to upload events to S3")
		a.requeue(events)
		return err
	}

	logrus.WithFields(logrus.Fields{
		"count": len(events),
		"key":   key,
	}).Info("Uploaded events to S3")
	return nil
}

// redact strips secrets and addresses from an event leaving the host.
func redact(event audit.Event) audit.Event {
	event.Message = SanitizeString(event.Message)
	if event.Details != nil {
		event.Details = SanitizeFields(event.Details)
	}
	return event
}

func (a *Archiver) requeue(events []audit.Event) {
	for _, event := range events {
		a.buffer.Push(event)
	}
}

// Shutdown stops the loop after a final upload attempt.
func (a *Archiver) Shutdown() {
	a.once.Do(func() {
		close(a.shutdownCh)
	})
	a.wg.Wait()
}

// RingBuffer provides a thread-safe circular buffer for events
type RingBuffer struct {
	mu     sync.Mutex
	events []audit.Event
	size   int
	head   int
	tail   int
	count  int
}

// NewRingBuffer creates a new ring buffer
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{
		events: make([]audit.Event, size),
		size:   size,
	}
}

// Push adds an event, overwriting the oldest when full.
func (rb *RingBuffer) Push(event audit.Event) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size

	if rb.count < rb.size {
		rb.count++
	} else {
		rb.tail = (rb.tail + 1) % rb.size
	}
}

// Pop removes and returns the oldest event.
func (rb *RingBuffer) Pop() (audit.Event, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.popLocked()
}

func (rb *RingBuffer) popLocked() (audit.Event, bool) {
	if rb.count == 0 {
		return audit.Event{}, false
	}
	event := rb.events[rb.tail]
	rb.events[rb.tail] = audit.Event{}
	rb.tail = (rb.tail + 1) % rb.size
	rb.count--
	return event, true
}

// PopN removes up to n of the oldest events.
func (rb *RingBuffer) PopN(n int) []audit.Event {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]audit.Event, 0, min(n, rb.count))
	for len(out) < n {
		event, ok := rb.popLocked()
		if !ok {
			break
		}
		out = append(out, event)
	}
	return out
}

// Len returns the number of buffered events.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// getHostname returns the system hostname
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
