package packet

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "dnsgate/internal/errors"
)

func buildFrame(t *testing.T, src, dst net.IP, sport, dport uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Id:       0x1234,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    src,
		DstIP:    dst,
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func TestParse(t *testing.T) {
	payload := []byte{0xab, 0xcd, 0x01, 0x00, 0, 1, 0, 0, 0, 0, 0, 0}
	frame := buildFrame(t, net.IP{10, 255, 255, 1}, net.IP{10, 255, 255, 2}, 40000, 53, payload)

	h, err := Parse(frame)
	require.NoError(t, err)

	assert.Equal(t, uint8(4), h.Version)
	assert.Equal(t, 20, h.HeaderLen)
	assert.Equal(t, uint16(len(frame)), h.TotalLen)
	assert.Equal(t, uint8(17), h.Protocol)
	assert.Equal(t, netip.MustParseAddr("10.255.255.1"), h.Src)
	assert.Equal(t, netip.MustParseAddr("10.255.255.2"), h.Dst)
	assert.Equal(t, uint16(40000), h.SrcPort)
	assert.Equal(t, uint16(53), h.DstPort)
	assert.Equal(t, uint16(8+len(payload)), h.UDPLen)
	assert.Equal(t, payload, h.Payload)
	assert.True(t, h.IsDNS())

	// Payload is a view into the frame.
	frame[len(frame)-1] = 0xff
	assert.Equal(t, byte(0xff), h.Payload[len(h.Payload)-1])
}

func TestParseRejects(t *testing.T) {
	valid := buildFrame(t, net.IP{10, 0, 0, 1}, net.IP{10, 0, 0, 2}, 1234, 53, make([]byte, 12))

	t.Run("too short", func(t *testing.T) {
		_, err := Parse(valid[:27])
		assert.ErrorIs(t, err, ErrTooShort)
		assert.True(t, apperrors.HasCode(err, apperrors.CodeMalformedFrame))
	})

	t.Run("empty", func(t *testing.T) {
		_, err := Parse(nil)
		assert.ErrorIs(t, err, ErrTooShort)
	})

	t.Run("ipv6", func(t *testing.T) {
		frame := append([]byte(nil), valid...)
		frame[0] = 0x60
		_, err := Parse(frame)
		assert.True(t, apperrors.HasCode(err, apperrors.CodeMalformedFrame))
	})

	t.Run("tcp", func(t *testing.T) {
		frame := append([]byte(nil), valid...)
		frame[9] = 6
		_, err := Parse(frame)
		assert.True(t, apperrors.HasCode(err, apperrors.CodeMalformedFrame))
	})

	t.Run("ihl past end", func(t *testing.T) {
		frame := append([]byte(nil), valid[:28]...)
		frame[0] = 0x4f
		_, err := Parse(frame)
		assert.Error(t, err)
	})
}

func TestParseNonDNSPort(t *testing.T) {
	frame := buildFrame(t, net.IP{10, 0, 0, 1}, net.IP{10, 0, 0, 2}, 1234, 123, make([]byte, 48))
	h, err := Parse(frame)
	require.NoError(t, err)
	assert.False(t, h.IsDNS())
}

func TestBuildResponse(t *testing.T) {
	query := buildFrame(t, net.IP{10, 255, 255, 1}, net.IP{10, 255, 255, 2}, 40000, 53, make([]byte, 30))
	answer := []byte("a reply that is longer than the original query payload")

	out, err := BuildResponse(query, answer)
	require.NoError(t, err)

	h, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.255.255.2"), h.Src)
	assert.Equal(t, netip.MustParseAddr("10.255.255.1"), h.Dst)
	assert.Equal(t, uint16(53), h.SrcPort)
	assert.Equal(t, uint16(40000), h.DstPort)
	assert.Equal(t, uint16(20+8+len(answer)), h.TotalLen)
	assert.Equal(t, uint16(8+len(answer)), h.UDPLen)
	assert.Equal(t, answer, h.Payload)
	assert.Equal(t, uint16(0), binary.BigEndian.Uint16(out[26:28]), "udp checksum")

	// Checksum over the emitted header, checksum field included, folds to 0.
	assert.Equal(t, uint16(0), Checksum(out[:20]))

	// gopacket agrees on the layout.
	pkt := gopacket.NewPacket(out, layers.LayerTypeIPv4, gopacket.Default)
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	assert.Equal(t, uint16(len(out)), ip.Length)
	assert.Equal(t, uint16(0x1234), ip.Id)
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)
	assert.Equal(t, layers.UDPPort(53), udp.SrcPort)
	assert.Equal(t, layers.UDPPort(40000), udp.DstPort)
}

func TestBuildResponseKeepsOptions(t *testing.T) {
	query := buildFrame(t, net.IP{192, 168, 1, 10}, net.IP{10, 255, 255, 2}, 5353, 53, make([]byte, 12))

	// Splice a 4-byte NOP option block into the header.
	withOpts := make([]byte, 0, len(query)+4)
	withOpts = append(withOpts, query[:20]...)
	withOpts = append(withOpts, 1, 1, 1, 1)
	withOpts = append(withOpts, query[20:]...)
	withOpts[0] = 0x46
	binary.BigEndian.PutUint16(withOpts[2:4], uint16(len(withOpts)))

	out, err := BuildResponse(withOpts, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, byte(0x46), out[0])
	assert.Equal(t, []byte{1, 1, 1, 1}, out[20:24])
	assert.Equal(t, uint16(0), Checksum(out[:24]))

	h, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, 24, h.HeaderLen)
	assert.Equal(t, uint16(5353), h.DstPort)
	assert.Equal(t, []byte{1, 2, 3}, h.Payload)
}

func TestBuildResponseRejectsShortOriginal(t *testing.T) {
	_, err := BuildResponse(make([]byte, 10), nil)
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestChecksum(t *testing.T) {
	// RFC 1071 style example header from a real capture.
	header := []byte{
		0x45, 0x00, 0x00, 0x73, 0x00, 0x00, 0x40, 0x00, 0x40, 0x11,
		0x00, 0x00, 0xc0, 0xa8, 0x00, 0x01, 0xc0, 0xa8, 0x00, 0xc7,
	}
	assert.Equal(t, uint16(0xb861), Checksum(header))

	binary.BigEndian.PutUint16(header[10:12], 0xb861)
	assert.Equal(t, uint16(0), Checksum(header))

	// Odd length pads the last byte.
	assert.Equal(t, ^uint16(0x0100), Checksum([]byte{0x01}))
}
