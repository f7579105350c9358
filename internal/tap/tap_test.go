package tap

import (
	"context"
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	dnstap "github.com/dnstap/golang-dnstap"
	framestream "github.com/farsightsec/golang-framestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"dnsgate/internal/packet"
)

func testHeader() *packet.Header {
	return &packet.Header{
		Src:     netip.MustParseAddr("10.255.255.1"),
		Dst:     netip.MustParseAddr("10.255.255.2"),
		SrcPort: 41000,
		DstPort: 53,
	}
}

func TestTapDropsWhenFull(t *testing.T) {
	tp := New(Config{Buffer: 1}, nil)
	tp.ClientQuery(testHeader(), []byte{1, 2})
	tp.ClientQuery(testHeader(), []byte{3, 4})
	assert.Len(t, tp.frames, 1)

	tp.discard()
	assert.Len(t, tp.frames, 0)
}

func TestTapStreamsFrames(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "tap.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer ln.Close()

	got := make(chan *dnstap.Dnstap, 4)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		dec, err := framestream.NewDecoder(conn, &framestream.DecoderOptions{
			ContentType:   []byte(ContentType),
			Bidirectional: true,
		})
		if err != nil {
			return
		}
		for {
			buf, err := dec.Decode()
			if err != nil {
				return
			}
			var dt dnstap.Dnstap
			if proto.Unmarshal(buf, &dt) == nil {
				got <- &dt
			}
		}
	}()

	tp := New(Config{Socket: sock, Identity: "host-a", RetryInterval: 50 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tp.Run(ctx)

	// Frames produced before the connection is up may be discarded, so
	// keep producing until one arrives.
	var first *dnstap.Dnstap
	require.Eventually(t, func() bool {
		tp.ClientQuery(testHeader(), []byte{0xAB, 0xCD})
		select {
		case first = <-got:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, "host-a", string(first.GetIdentity()))
	msg := first.GetMessage()
	require.NotNil(t, msg)
	assert.Equal(t, dnstap.Message_CLIENT_QUERY, msg.GetType())
	assert.Equal(t, []byte{0xAB, 0xCD}, msg.GetQueryMessage())
	assert.Equal(t, uint32(41000), msg.GetQueryPort())
	assert.Equal(t, "10.255.255.1", net.IP(msg.GetQueryAddress()).String())
	assert.Equal(t, dnstap.SocketProtocol_UDP, msg.GetSocketProtocol())
}
