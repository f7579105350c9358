// Package dns is the interception engine: it reads raw frames from the
// virtual interface, answers blocked queries with NXDOMAIN and relays the
// rest to the upstream resolver.
package dns

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"dnsgate/internal/blocklist"
	"dnsgate/internal/metrics"
	"dnsgate/internal/packet"
	"dnsgate/internal/store"
)

// ReadBufferSize is the largest frame the dispatcher reads at once.
const ReadBufferSize = 32767

// FallbackPolicy decides what happens to a DNS frame whose question cannot
// be decoded.
type FallbackPolicy int

const (
	// FallbackForward relays the undecodable query upstream unchanged.
	FallbackForward FallbackPolicy = iota
	// FallbackDrop discards it.
	FallbackDrop
)

func (p FallbackPolicy) String() string {
	if p == FallbackDrop {
		return "drop"
	}
	return "forward"
}

// ParseFallbackPolicy accepts "forward" (or "") and "drop".
func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "forward":
		return FallbackForward, nil
	case "drop":
		return FallbackDrop, nil
	default:
		return FallbackForward, fmt.Errorf("unknown fallback policy %q", s)
	}
}

// Classifier is the verdict source used by the engine.
type Classifier interface {
	Classify(domain string) blocklist.Verdict
}

// Tap observes queries and the answers written back for them.
type Tap interface {
	ClientQuery(h *packet.Header, payload []byte)
	ClientResponse(h *packet.Header, payload []byte)
}

// Config configures an Engine.
type Config struct {
	Upstreams []string
	Timeout   time.Duration
	PoolSize  int
	Fallback  FallbackPolicy
	Protector Protector
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Running   bool   `json:"running"`
	Upstream  string `json:"upstream"`
	Pending   int    `json:"pending"`
	PoolInUse int    `json:"pool_in_use"`
	Fallback  string `json:"fallback"`
}

// Engine is the packet dispatcher. Only Run reads the interface; the
// dispatcher and forwarder workers write through one Writer.
type Engine struct {
	iface      io.ReadWriteCloser
	writer     *Writer
	forwarder  *Forwarder
	classifier Classifier
	counter    store.Counter
	fallback   FallbackPolicy
	metrics    *metrics.Collector
	tap        Tap

	blockedCallback func(domain string, reason blocklist.Reason)

	running  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
}

// NewEngine wires an engine around iface.
func NewEngine(iface io.ReadWriteCloser, classifier Classifier, counter store.Counter, cfg Config, m *metrics.Collector) *Engine {
	upstream := ""
	if len(cfg.Upstreams) > 0 {
		upstream = cfg.Upstreams[0]
	}
	writer := NewWriter(iface, m)
	return &Engine{
		iface:      iface,
		writer:     writer,
		classifier: classifier,
		counter:    counter,
		fallback:   cfg.Fallback,
		metrics:    m,
		forwarder: NewForwarder(ForwarderConfig{
			Upstream:  upstream,
			Timeout:   cfg.Timeout,
			PoolSize:  cfg.PoolSize,
			Protector: cfg.Protector,
		}, writer, m),
	}
}

// SetBlockedCallback sets the callback invoked after a blocked answer is written.
func (e *Engine) SetBlockedCallback(cb func(domain string, reason blocklist.Reason)) {
	e.blockedCallback = cb
}

// SetTap attaches a query observer. Must be called before Run.
func (e *Engine) SetTap(t Tap) {
	e.tap = t
	e.forwarder.tap = t
}

// Run reads and dispatches frames until ctx is cancelled or the interface
// fails. Everything is closed when Run returns.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	defer e.running.Store(false)
	defer e.Stop()

	stop := context.AfterFunc(ctx, e.Stop)
	defer stop()

	logrus.WithFields(logrus.Fields{
		"upstream": e.forwarder.Upstream(),
		"fallback": e.fallback.String(),
	}).Info("DNS engine started")

	buf := make([]byte, ReadBufferSize)
	for {
		n, err := e.iface.Read(buf)
		if e.stopping.Load() {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read interface: %w", err)
		}
		e.HandleFrame(buf[:n])
	}
}

// HandleFrame runs one dispatch cycle for frame.
func (e *Engine) HandleFrame(frame []byte) {
	h, err := packet.Parse(frame)
	if err != nil {
		e.metrics.Frame("malformed")
		return
	}
	if !h.IsDNS() {
		e.metrics.Frame("not_dns")
		return
	}

	if e.tap != nil {
		e.tap.ClientQuery(h, h.Payload)
	}

	q, err := DecodeQuestion(h.Payload)
	if err != nil {
		e.metrics.Frame("decode_error")
		logrus.WithError(err).WithField("fallback", e.fallback.String()).Debug("Undecodable DNS question")
		if e.fallback == FallbackForward {
			e.forward(frame, h.Payload)
		}
		return
	}
	e.metrics.Frame("dns")

	domain := q.Name()
	verdict := e.classifier.Classify(domain)
	e.metrics.Query(verdict.Reason.Kind.String())

	if !verdict.Blocked {
		logrus.WithFields(logrus.Fields{
			"domain": domain,
			"type":   q.TypeString(),
		}).Debug("DNS query allowed")
		e.forward(frame, h.Payload)
		return
	}

	out := e.respond(frame, h)
	if _, err := e.counter.IncrementBlocked(); err != nil {
		logrus.WithError(err).Warn("Failed to persist blocked counter")
	}

	logrus.WithFields(logrus.Fields{
		"domain": domain,
		"type":   q.TypeString(),
		"kind":   verdict.Reason.Kind.String(),
		"match":  verdict.Reason.Match,
	}).Info("Blocked domain")

	if out != nil && e.tap != nil {
		e.tap.ClientResponse(h, out[h.HeaderLen+8:])
	}
	if e.blockedCallback != nil {
		e.blockedCallback(domain, verdict.Reason)
	}
}

func (e *Engine) forward(frame, payload []byte) {
	if err := e.forwarder.Forward(frame, payload); err != nil {
		if errors.Is(err, ErrPoolExhausted) {
			logrus.Debug("Forwarder pool full, query dropped")
			return
		}
		if !errors.Is(err, ErrClosed) {
			logrus.WithError(err).Debug("Forward failed")
		}
	}
}

// Stop begins shutdown: no write happens afterwards, the interface is closed
// to interrupt the read and in-flight forwards are cancelled and awaited.
// Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.stopping.Store(true)
		e.writer.Close()
		if err := e.iface.Close(); err != nil {
			logrus.WithError(err).Debug("Closing interface")
		}
		e.forwarder.Close()
		logrus.Info("DNS engine stopped")
	})
}

// Stats returns the current engine state.
func (e *Engine) Stats() Stats {
	return Stats{
		Running:   e.running.Load(),
		Upstream:  e.forwarder.Upstream(),
		Pending:   e.forwarder.Pending(),
		PoolInUse: e.forwarder.InUse(),
		Fallback:  e.fallback.String(),
	}
}
