package dns

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnsgate/internal/blocklist"
	apperrors "dnsgate/internal/errors"
	"dnsgate/internal/packet"
	"dnsgate/internal/store"
)

// fakeIface is an in-memory virtual interface.
type fakeIface struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeIface() *fakeIface {
	return &fakeIface{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeIface) Read(p []byte) (int, error) {
	select {
	case frame := <-f.in:
		return copy(p, frame), nil
	case <-f.closed:
		return 0, io.EOF
	}
}

func (f *fakeIface) Write(p []byte) (int, error) {
	select {
	case <-f.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	f.out <- append([]byte(nil), p...)
	return len(p), nil
}

func (f *fakeIface) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeIface) next(t *testing.T) []byte {
	t.Helper()
	select {
	case frame := <-f.out:
		return frame
	case <-time.After(3 * time.Second):
		t.Fatal("no frame written")
		return nil
	}
}

// upstream is a local UDP resolver.
type upstream struct {
	addr  string
	reads atomic.Int32
}

func startUpstream(t *testing.T, answer func(req []byte) [][]byte) *upstream {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	u := &upstream{addr: pc.LocalAddr().String()}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			u.reads.Add(1)
			for _, reply := range answer(append([]byte(nil), buf[:n]...)) {
				pc.WriteTo(reply, from)
			}
		}
	}()
	return u
}

func answerA(ip string) func([]byte) [][]byte {
	return func(req []byte) [][]byte {
		var q dns.Msg
		if err := q.Unpack(req); err != nil {
			return nil
		}
		r := new(dns.Msg)
		r.SetReply(&q)
		rr, _ := dns.NewRR(q.Question[0].Name + " 60 IN A " + ip)
		r.Answer = append(r.Answer, rr)
		b, _ := r.Pack()
		return [][]byte{b}
	}
}

func silent([]byte) [][]byte { return nil }

func queryFrame(t *testing.T, name string, sport uint16, id uint16) ([]byte, []byte) {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.Id = id
	payload, err := m.Pack()
	require.NoError(t, err)
	return udpFrame(t, sport, 53, payload), payload
}

func udpFrame(t *testing.T, sport, dport uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP{10, 255, 255, 1},
		DstIP:    net.IP{10, 255, 255, 2},
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func unpackReply(t *testing.T, frame []byte) (*packet.Header, *dns.Msg) {
	t.Helper()
	h, err := packet.Parse(frame)
	require.NoError(t, err)
	var m dns.Msg
	require.NoError(t, m.Unpack(h.Payload))
	return h, &m
}

func newTestEngine(t *testing.T, iface *fakeIface, up string, cfg Config) (*Engine, *store.Store) {
	t.Helper()
	st := store.NewMemory()
	cfg.Upstreams = []string{up}
	e := NewEngine(iface, blocklist.NewDefaultClassifier(), st, cfg, nil)
	t.Cleanup(e.Stop)
	return e, st
}

func TestEngineBlocksKnownDomain(t *testing.T) {
	iface := newFakeIface()
	up := startUpstream(t, silent)
	e, st := newTestEngine(t, iface, up.addr, Config{})

	var gotDomain string
	var gotReason blocklist.Reason
	e.SetBlockedCallback(func(domain string, reason blocklist.Reason) {
		gotDomain, gotReason = domain, reason
	})

	frame, _ := queryFrame(t, "bets10.com", 41000, 0x4242)
	e.HandleFrame(frame)

	out := iface.next(t)
	h, m := unpackReply(t, out)
	assert.Equal(t, uint16(0x4242), m.Id)
	assert.True(t, m.Response)
	assert.Equal(t, dns.RcodeNameError, m.Rcode)
	assert.Empty(t, m.Answer)
	assert.Equal(t, uint16(41000), h.DstPort)
	assert.Equal(t, "10.255.255.1", h.Dst.String())
	assert.Equal(t, uint16(0), packet.Checksum(out[:h.HeaderLen]))

	assert.Equal(t, int64(1), st.BlockedCount())
	assert.Equal(t, "bets10.com", gotDomain)
	assert.Equal(t, blocklist.DomainMatch, gotReason.Kind)
	assert.Equal(t, int32(0), up.reads.Load())
}

func TestEngineForwardsAllowedDomain(t *testing.T) {
	iface := newFakeIface()
	up := startUpstream(t, answerA("93.184.216.34"))
	e, st := newTestEngine(t, iface, up.addr, Config{})

	frame, _ := queryFrame(t, "youtube.com", 42000, 7)
	e.HandleFrame(frame)

	h, m := unpackReply(t, iface.next(t))
	assert.Equal(t, uint16(7), m.Id)
	assert.Equal(t, dns.RcodeSuccess, m.Rcode)
	require.Len(t, m.Answer, 1)
	assert.Equal(t, "93.184.216.34", m.Answer[0].(*dns.A).A.String())
	assert.Equal(t, uint16(53), h.SrcPort)
	assert.Equal(t, uint16(42000), h.DstPort)
	assert.Equal(t, "10.255.255.2", h.Src.String())

	assert.Equal(t, int32(1), up.reads.Load())
	assert.Equal(t, int64(0), st.BlockedCount())
}

func TestEngineIgnoresNonDNSFrames(t *testing.T) {
	iface := newFakeIface()
	up := startUpstream(t, silent)
	e, _ := newTestEngine(t, iface, up.addr, Config{})

	e.HandleFrame(udpFrame(t, 5000, 123, make([]byte, 48)))
	e.HandleFrame([]byte{0x45, 0, 0})
	e.HandleFrame(nil)

	assert.Equal(t, 0, e.Stats().Pending)
	assert.Len(t, iface.out, 0)
}

func TestEngineFallbackPolicy(t *testing.T) {
	// A question whose name is a compression pointer cannot be decoded.
	bad := []byte{0, 9, 1, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0xC0, 0x0C, 0, 1, 0, 1}

	t.Run("forward", func(t *testing.T) {
		iface := newFakeIface()
		up := startUpstream(t, silent)
		e, _ := newTestEngine(t, iface, up.addr, Config{Fallback: FallbackForward, Timeout: 200 * time.Millisecond})

		e.HandleFrame(udpFrame(t, 6000, 53, bad))
		require.Eventually(t, func() bool { return up.reads.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	})

	t.Run("drop", func(t *testing.T) {
		iface := newFakeIface()
		up := startUpstream(t, silent)
		e, _ := newTestEngine(t, iface, up.addr, Config{Fallback: FallbackDrop})

		e.HandleFrame(udpFrame(t, 6000, 53, bad))
		assert.Equal(t, 0, e.Stats().Pending)
		assert.Equal(t, 0, e.Stats().PoolInUse)
		assert.Len(t, iface.out, 0)
	})
}

func TestEngineRunAndStop(t *testing.T) {
	iface := newFakeIface()
	up := startUpstream(t, silent)
	e, _ := newTestEngine(t, iface, up.addr, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	frame, _ := queryFrame(t, "casino123.com", 43000, 11)
	iface.in <- frame
	_, m := unpackReply(t, iface.next(t))
	assert.Equal(t, uint16(11), m.Id)
	require.Eventually(t, func() bool { return e.Stats().Running }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.ErrorIs(t, e.writer.WriteFrame([]byte{1}), ErrClosed)
	assert.False(t, e.Stats().Running)

	// Stopping twice is harmless.
	e.Stop()
}

func TestEngineRunTwice(t *testing.T) {
	iface := newFakeIface()
	up := startUpstream(t, silent)
	e, _ := newTestEngine(t, iface, up.addr, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	require.Eventually(t, func() bool { return e.Stats().Running }, time.Second, 5*time.Millisecond)
	assert.Error(t, e.Run(ctx))
}

type recordingTap struct {
	mu        sync.Mutex
	queries   int
	responses int
}

func (r *recordingTap) ClientQuery(*packet.Header, []byte) {
	r.mu.Lock()
	r.queries++
	r.mu.Unlock()
}

func (r *recordingTap) ClientResponse(*packet.Header, []byte) {
	r.mu.Lock()
	r.responses++
	r.mu.Unlock()
}

func TestEngineTap(t *testing.T) {
	iface := newFakeIface()
	up := startUpstream(t, answerA("10.0.0.1"))
	e, _ := newTestEngine(t, iface, up.addr, Config{})
	tap := &recordingTap{}
	e.SetTap(tap)

	blocked, _ := queryFrame(t, "bwin.com", 1000, 1)
	allowed, _ := queryFrame(t, "example.org", 1001, 2)
	e.HandleFrame(blocked)
	e.HandleFrame(allowed)
	iface.next(t)
	iface.next(t)
	e.Stop()

	tap.mu.Lock()
	defer tap.mu.Unlock()
	assert.Equal(t, 2, tap.queries)
	assert.Equal(t, 2, tap.responses)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("device gone") }

func TestWriter(t *testing.T) {
	w := NewWriter(failingWriter{}, nil)
	err := w.WriteFrame([]byte{1})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInterfaceWrite))

	w.Close()
	assert.ErrorIs(t, w.WriteFrame([]byte{1}), ErrClosed)
}

func TestParseFallbackPolicy(t *testing.T) {
	p, err := ParseFallbackPolicy("")
	require.NoError(t, err)
	assert.Equal(t, FallbackForward, p)

	p, err = ParseFallbackPolicy("DROP")
	require.NoError(t, err)
	assert.Equal(t, FallbackDrop, p)
	assert.Equal(t, "drop", p.String())

	_, err = ParseFallbackPolicy("retry")
	assert.Error(t, err)
}
