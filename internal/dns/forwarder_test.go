package dns

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnsgate/internal/packet"
)

func TestUpstreamAddr(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"8.8.8.8", "8.8.8.8:53"},
		{"1.1.1.1:5353", "1.1.1.1:5353"},
		{"dns.example", "dns.example:53"},
		{"dns.example:53", "dns.example:53"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, UpstreamAddr(tt.in))
		})
	}
}

func TestForwarderDefaults(t *testing.T) {
	f := NewForwarder(ForwarderConfig{}, NewWriter(newFakeIface(), nil), nil)
	defer f.Close()
	assert.Equal(t, "8.8.8.8:53", f.Upstream())
	assert.Equal(t, DefaultForwardTimeout, f.timeout)
	assert.Equal(t, 256, f.limiter.Cap())
}

func TestForwarderPoolExhausted(t *testing.T) {
	iface := newFakeIface()
	up := startUpstream(t, silent)
	f := NewForwarder(ForwarderConfig{Upstream: up.addr, PoolSize: 1, Timeout: 2 * time.Second}, NewWriter(iface, nil), nil)

	frame, payload := queryFrame(t, "youtube.com", 1000, 1)
	require.NoError(t, f.Forward(frame, payload))
	assert.Equal(t, 1, f.InUse())

	frame2, payload2 := queryFrame(t, "google.com", 1001, 2)
	assert.ErrorIs(t, f.Forward(frame2, payload2), ErrPoolExhausted)

	// Close cancels the waiting worker well before its deadline.
	start := time.Now()
	f.Close()
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, f.InUse())
	assert.Equal(t, 0, f.Pending())
	assert.Len(t, iface.out, 0)

	assert.ErrorIs(t, f.Forward(frame, payload), ErrClosed)
}

func TestForwarderTimeoutDropsSilently(t *testing.T) {
	iface := newFakeIface()
	up := startUpstream(t, silent)
	f := NewForwarder(ForwarderConfig{Upstream: up.addr, Timeout: 100 * time.Millisecond}, NewWriter(iface, nil), nil)
	defer f.Close()

	frame, payload := queryFrame(t, "youtube.com", 1000, 1)
	require.NoError(t, f.Forward(frame, payload))
	require.Eventually(t, func() bool { return f.Pending() == 0 && f.InUse() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, iface.out, 0)
}

func TestForwarderIgnoresMismatchedReply(t *testing.T) {
	iface := newFakeIface()
	up := startUpstream(t, func(req []byte) [][]byte {
		var q dns.Msg
		if err := q.Unpack(req); err != nil {
			return nil
		}
		wrong := new(dns.Msg)
		wrong.SetReply(&q)
		wrong.Id = q.Id + 1
		wb, _ := wrong.Pack()

		right := new(dns.Msg)
		right.SetReply(&q)
		right.Rcode = dns.RcodeRefused
		rb, _ := right.Pack()
		return [][]byte{[]byte("junk"), wb, rb}
	})
	f := NewForwarder(ForwarderConfig{Upstream: up.addr}, NewWriter(iface, nil), nil)
	defer f.Close()

	frame, payload := queryFrame(t, "example.org", 2000, 500)
	require.NoError(t, f.Forward(frame, payload))

	_, m := unpackReply(t, iface.next(t))
	assert.Equal(t, uint16(500), m.Id)
	assert.Equal(t, dns.RcodeRefused, m.Rcode)
}

func TestForwarderDuplicateLastWriteWins(t *testing.T) {
	iface := newFakeIface()
	answer := answerA("10.1.1.1")
	up := startUpstream(t, func(req []byte) [][]byte {
		// Both queries are registered before either answer arrives.
		time.Sleep(50 * time.Millisecond)
		return answer(req)
	})
	f := NewForwarder(ForwarderConfig{Upstream: up.addr}, NewWriter(iface, nil), nil)

	frame, payload := queryFrame(t, "example.org", 3000, 77)
	require.NoError(t, f.Forward(frame, payload))
	require.NoError(t, f.Forward(frame, payload))

	_, m := unpackReply(t, iface.next(t))
	assert.Equal(t, uint16(77), m.Id)

	f.Close()
	assert.Len(t, iface.out, 0, "the abandoned forward writes nothing")
	assert.Equal(t, int32(2), up.reads.Load())
}

func TestForwarderDoesNotWriteAfterClose(t *testing.T) {
	iface := newFakeIface()
	up := startUpstream(t, answerA("10.1.1.1"))
	w := NewWriter(iface, nil)
	f := NewForwarder(ForwarderConfig{Upstream: up.addr}, w, nil)

	w.Close()
	frame, payload := queryFrame(t, "example.org", 4000, 1)
	require.NoError(t, f.Forward(frame, payload))
	require.Eventually(t, func() bool { return up.reads.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	f.Close()
	assert.Len(t, iface.out, 0)
}

func TestForwarderForwardRacingClose(t *testing.T) {
	up := startUpstream(t, silent)
	for i := 0; i < 50; i++ {
		f := NewForwarder(ForwarderConfig{Upstream: up.addr, PoolSize: 4, Timeout: time.Second}, NewWriter(newFakeIface(), nil), nil)

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for j := 0; j < 8; j++ {
			frame, payload := queryFrame(t, "example.org", uint16(5000+j), uint16(j))
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- f.Forward(frame, payload)
			}()
		}
		f.Close()
		wg.Wait()
		close(errs)

		for err := range errs {
			if err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, ErrPoolExhausted) {
				t.Errorf("iteration %d: unexpected error %v", i, err)
			}
		}
		// Forwards accepted before Close have drained; none start after it.
		assert.Equal(t, 0, f.InUse())
		assert.Equal(t, 0, f.Pending())
	}
}

func TestPendingTable(t *testing.T) {
	pt := NewPendingTable()
	now := time.Now()

	a := &PendingForward{Header: packet.Header{SrcPort: 1000}, ID: 1, Deadline: now.Add(time.Second)}
	b := &PendingForward{Header: packet.Header{SrcPort: 1000}, ID: 1, Deadline: now.Add(2 * time.Second)}
	c := &PendingForward{Header: packet.Header{SrcPort: 1001}, ID: 1, Deadline: now.Add(-time.Second)}

	assert.False(t, pt.Put(a))
	assert.True(t, pt.Put(b), "same port and id replaces")
	assert.False(t, pt.Put(c))
	assert.Equal(t, 2, pt.Len())

	assert.False(t, pt.Take(a), "replaced entry is not current")
	assert.Equal(t, 1, pt.Expire(now))
	assert.True(t, pt.Take(b))
	assert.Equal(t, 0, pt.Len())
}
