// Package tap streams the engine's client queries and responses as dnstap
// frames over a Frame Streams unix socket. Frames are dropped, never
// queued without bound, when the collector is slow or absent.
package tap

import (
	"context"
	"net"
	"sync"
	"time"

	dnstap "github.com/dnstap/golang-dnstap"
	framestream "github.com/farsightsec/golang-framestream"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"

	"dnsgate/internal/metrics"
	"dnsgate/internal/packet"
)

const (
	// ContentType is the Frame Streams content type of dnstap payloads.
	ContentType = "protobuf:dnstap.Dnstap"

	defaultBuffer        = 1024
	defaultRetryInterval = 5 * time.Second
	writeTimeout         = 2 * time.Second
)

// Config configures a Tap.
type Config struct {
	Socket        string
	Identity      string
	Version       string
	Buffer        int
	RetryInterval time.Duration
}

// Tap encodes observed messages and ships them to a dnstap collector.
type Tap struct {
	cfg     Config
	frames  chan []byte
	metrics *metrics.Collector
	now     func() time.Time

	mu      sync.Mutex
	running bool
}

// New creates a tap. Nothing is sent until Run is called.
func New(cfg Config, m *metrics.Collector) *Tap {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	return &Tap{
		cfg:     cfg,
		frames:  make(chan []byte, cfg.Buffer),
		metrics: m,
		now:     time.Now,
	}
}

// ClientQuery records a query received from a local client.
func (t *Tap) ClientQuery(h *packet.Header, payload []byte) {
	msg := t.message(dnstap.Message_CLIENT_QUERY, h)
	ts := t.now()
	msg.QueryTimeSec = proto.Uint64(uint64(ts.Unix()))
	msg.QueryTimeNsec = proto.Uint32(uint32(ts.Nanosecond()))
	msg.QueryMessage = append([]byte(nil), payload...)
	t.enqueue(msg)
}

// ClientResponse records the answer written back for h.
func (t *Tap) ClientResponse(h *packet.Header, payload []byte) {
	msg := t.message(dnstap.Message_CLIENT_RESPONSE, h)
	ts := t.now()
	msg.ResponseTimeSec = proto.Uint64(uint64(ts.Unix()))
	msg.ResponseTimeNsec = proto.Uint32(uint32(ts.Nanosecond()))
	msg.ResponseMessage = append([]byte(nil), payload...)
	t.enqueue(msg)
}

// message fills the addressing fields from the query's header: the client
// is the source and the engine the destination.
func (t *Tap) message(typ dnstap.Message_Type, h *packet.Header) *dnstap.Message {
	return &dnstap.Message{
		Type:            typ.Enum(),
		SocketFamily:    dnstap.SocketFamily_INET.Enum(),
		SocketProtocol:  dnstap.SocketProtocol_UDP.Enum(),
		QueryAddress:    h.Src.AsSlice(),
		QueryPort:       proto.Uint32(uint32(h.SrcPort)),
		ResponseAddress: h.Dst.AsSlice(),
		ResponsePort:    proto.Uint32(uint32(h.DstPort)),
	}
}

func (t *Tap) enqueue(msg *dnstap.Message) {
	frame := &dnstap.Dnstap{
		Type:    dnstap.Dnstap_MESSAGE.Enum(),
		Message: msg,
	}
	if t.cfg.Identity != "" {
		frame.Identity = []byte(t.cfg.Identity)
	}
	if t.cfg.Version != "" {
		frame.Version = []byte(t.cfg.Version)
	}
	buf, err := proto.Marshal(frame)
	if err != nil {
		logrus.WithError(err).Debug("Failed to encode dnstap frame")
		return
	}

	select {
	case t.frames <- buf:
	default:
		t.metrics.DnstapDropped()
	}
}

// Run connects to the collector socket and writes frames until ctx is done,
// reconnecting after failures.
func (t *Tap) Run(ctx context.Context) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	for {
		err := t.session(ctx)
		if ctx.Err() != nil {
			return
		}
		logrus.WithError(err).WithField("socket", t.cfg.Socket).Debug("dnstap collector unavailable")

		timer := time.NewTimer(t.cfg.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session holds one collector connection. Frames produced while no
// collector is connected are dropped.
func (t *Tap) session(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", t.cfg.Socket)
	if err != nil {
		t.discard()
		return err
	}
	defer conn.Close()

	enc, err := framestream.NewEncoder(conn, &framestream.EncoderOptions{
		ContentType:   []byte(ContentType),
		Bidirectional: true,
		Timeout:       writeTimeout,
	})
	if err != nil {
		return err
	}
	logrus.WithField("socket", t.cfg.Socket).Info("Connected to dnstap collector")

	for {
		select {
		case <-ctx.Done():
			// Close sends the STOP frame and waits for FINISH.
			return enc.Close()
		case buf := <-t.frames:
			if _, err := enc.Write(buf); err != nil {
				t.metrics.DnstapDropped()
				return err
			}
			if len(t.frames) == 0 {
				if err := enc.Flush(); err != nil {
					return err
				}
			}
		}
	}
}

func (t *Tap) discard() {
	for {
		select {
		case <-t.frames:
			t.metrics.DnstapDropped()
		default:
			return
		}
	}
}
