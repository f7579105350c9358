package dns

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "dnsgate/internal/errors"
	"dnsgate/internal/metrics"
	"dnsgate/internal/packet"
	"dnsgate/internal/utils"
)

const (
	// DefaultForwardTimeout bounds the wait for an upstream answer.
	DefaultForwardTimeout = 5 * time.Second

	// replyBufferSize covers EDNS answers, not just the 512-byte classic limit.
	replyBufferSize = 4096
)

// ErrPoolExhausted is returned when every forwarder slot is busy. The query
// is dropped and the client's resolver retries.
var ErrPoolExhausted = errors.New("forwarder pool exhausted")

// DefaultUpstreams is the ordered resolver list. Only the first entry is used.
var DefaultUpstreams = []string{"8.8.8.8", "1.1.1.1", "208.67.222.222"}

// Protector marks a socket before it connects so its traffic bypasses the
// virtual interface. It has the signature of net.Dialer.Control.
type Protector func(network, address string, c syscall.RawConn) error

// ForwarderConfig configures a Forwarder.
type ForwarderConfig struct {
	Upstream  string
	Timeout   time.Duration
	PoolSize  int
	Protector Protector
}

// Forwarder relays allowed queries to the upstream resolver over protected
// sockets and writes the answers back through the shared Writer.
type Forwarder struct {
	upstream string
	timeout  time.Duration
	limiter  *utils.ConcurrencyLimiter
	dialer   *net.Dialer
	pending  *PendingTable
	writer   *Writer
	metrics  *metrics.Collector
	tap      Tap

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	// mu orders wg.Add in Forward against Close; no worker starts once
	// closed is set.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewForwarder creates a forwarder. Upstream gets port 53 when it has none.
func NewForwarder(cfg ForwarderConfig, writer *Writer, m *metrics.Collector) *Forwarder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultForwardTimeout
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = utils.MaxConcurrentForwards
	}
	if cfg.Upstream == "" {
		cfg.Upstream = DefaultUpstreams[0]
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Forwarder{
		upstream: UpstreamAddr(cfg.Upstream),
		timeout:  cfg.Timeout,
		limiter:  utils.NewConcurrencyLimiter(cfg.PoolSize),
		dialer:   &net.Dialer{Control: cfg.Protector},
		pending:  NewPendingTable(),
		writer:   writer,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// UpstreamAddr appends port 53 to a bare resolver address.
func UpstreamAddr(s string) string {
	if _, err := netip.ParseAddrPort(s); err == nil {
		return s
	}
	if _, _, err := net.SplitHostPort(s); err == nil {
		return s
	}
	return net.JoinHostPort(s, "53")
}

// Upstream returns the resolver address in use.
func (f *Forwarder) Upstream() string {
	return f.upstream
}

// Pending returns the number of queries waiting for an answer.
func (f *Forwarder) Pending() int {
	return f.pending.Len()
}

// InUse returns the number of busy worker slots.
func (f *Forwarder) InUse() int {
	return f.limiter.InUse()
}

// Forward hands the query in frame to a worker and returns immediately.
// frame and payload are copied; the caller may reuse its buffer.
func (f *Forwarder) Forward(frame, payload []byte) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	f.wg.Add(1)
	f.mu.Unlock()

	if err := f.forward(frame, payload); err != nil {
		f.wg.Done()
		return err
	}
	return nil
}

// forward starts a worker that owns one wg slot already added by Forward.
func (f *Forwarder) forward(frame, payload []byte) error {
	h, err := packet.Parse(frame)
	if err != nil {
		return err
	}
	if len(payload) < headerLen {
		return ErrShortHeader
	}

	if !f.limiter.TryAcquire() {
		f.metrics.Forward("rejected")
		return ErrPoolExhausted
	}
	f.metrics.PoolInUse(f.limiter.InUse())

	hdr := *h
	hdr.Payload = nil
	p := &PendingForward{
		Header:   hdr,
		Frame:    append([]byte(nil), frame[:h.HeaderLen+8]...),
		ID:       uint16(payload[0])<<8 | uint16(payload[1]),
		Deadline: time.Now().Add(f.timeout),
	}
	if f.pending.Put(p) {
		logrus.WithFields(logrus.Fields{
			"port": p.Header.SrcPort,
			"id":   p.ID,
		}).Debug("Duplicate query replaces pending forward")
	}

	query := append([]byte(nil), payload...)
	go f.exchange(p, query)
	return nil
}

func (f *Forwarder) exchange(p *PendingForward, query []byte) {
	defer f.wg.Done()
	defer func() {
		f.limiter.Release()
		f.metrics.PoolInUse(f.limiter.InUse())
	}()

	ctx, cancel := context.WithDeadline(f.ctx, p.Deadline)
	defer cancel()

	start := time.Now()
	reply, err := f.roundTrip(ctx, p, query)
	if err != nil {
		f.pending.Take(p)
		if apperrors.HasCode(err, apperrors.CodeUpstreamTimeout) {
			f.metrics.Forward("timeout")
		} else {
			f.metrics.Forward("error")
		}
		logrus.WithError(err).WithField("upstream", f.upstream).Debug("Forward dropped")
		return
	}

	if !f.pending.Take(p) {
		f.metrics.Forward("stale")
		return
	}
	if f.ctx.Err() != nil {
		return
	}
	f.metrics.UpstreamLatency(time.Since(start))

	out, err := packet.BuildResponse(p.Frame, reply)
	if err != nil {
		logrus.WithError(err).Debug("Failed to frame upstream reply")
		f.metrics.Forward("error")
		return
	}
	if err := f.writer.WriteFrame(out); err != nil {
		if !errors.Is(err, ErrClosed) {
			logrus.WithError(err).Warn("Failed to write forwarded response")
		}
		return
	}
	f.metrics.Forward("answered")
	if f.tap != nil {
		f.tap.ClientResponse(&p.Header, reply)
	}
}

// roundTrip sends query and waits for a reply carrying the same id. Replies
// with another id are ignored until the deadline.
func (f *Forwarder) roundTrip(ctx context.Context, p *PendingForward, query []byte) ([]byte, error) {
	conn, err := f.dialer.DialContext(ctx, "udp", f.upstream)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstreamSocket, "dial upstream", err)
	}
	defer conn.Close()

	// Unblocks the read on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := conn.SetDeadline(p.Deadline); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstreamSocket, "set deadline", err)
	}
	if _, err := conn.Write(query); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstreamSocket, "send query", err)
	}

	buf := make([]byte, replyBufferSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, apperrors.Wrap(apperrors.CodeUpstreamTimeout, "await reply", err)
			}
			return nil, apperrors.Wrap(apperrors.CodeUpstreamSocket, "read reply", err)
		}
		id, err := ResponseID(buf[:n])
		if err != nil || id != p.ID {
			continue
		}
		return append([]byte(nil), buf[:n]...), nil
	}
}

// Close cancels in-flight forwards and waits for the workers to exit.
func (f *Forwarder) Close() {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		f.cancel()
		f.wg.Wait()
	})
}
