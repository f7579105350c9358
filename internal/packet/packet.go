// Package packet parses and builds the IPv4/UDP frames carried over the
// virtual interface.
package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	apperrors "dnsgate/internal/errors"
)

const (
	// MinFrameLen is the smallest frame that can hold an IPv4 and a UDP header.
	MinFrameLen = 28

	ipv4MinHeaderLen = 20
	udpHeaderLen     = 8
	protocolUDP      = 17
)

var (
	ErrTooShort = apperrors.New(apperrors.CodeMalformedFrame, "frame too short")
	ErrNotIPv4  = apperrors.New(apperrors.CodeMalformedFrame, "not an IPv4 frame")
	ErrNotUDP   = apperrors.New(apperrors.CodeMalformedFrame, "not a UDP frame")
)

// Header is the IPv4 and UDP header of a frame.
type Header struct {
	Version   uint8
	HeaderLen int
	TotalLen  uint16
	Protocol  uint8
	Src       netip.Addr
	Dst       netip.Addr
	SrcPort   uint16
	DstPort   uint16
	UDPLen    uint16

	// Payload is a view into the parsed frame, not a copy.
	Payload []byte
}

// IsDNS reports whether the datagram is addressed to port 53.
func (h *Header) IsDNS() bool {
	return h.DstPort == 53
}

func (h *Header) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d (%d bytes)", h.Src, h.SrcPort, h.Dst, h.DstPort, len(h.Payload))
}

// Parse decodes the IPv4 and UDP headers of frame. Frames shorter than
// MinFrameLen, non-IPv4 frames and non-UDP frames are rejected.
func Parse(frame []byte) (*Header, error) {
	if len(frame) < MinFrameLen {
		return nil, ErrTooShort
	}
	if frame[0]>>4 != 4 {
		return nil, ErrNotIPv4
	}
	if frame[9] != protocolUDP {
		return nil, ErrNotUDP
	}

	var ip layers.IPv4
	if err := ip.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeMalformedFrame, "decode ipv4", err)
	}
	ihl := int(ip.IHL) * 4
	if len(frame) < ihl+udpHeaderLen {
		return nil, ErrTooShort
	}

	var udp layers.UDP
	if err := udp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeMalformedFrame, "decode udp", err)
	}

	src, _ := netip.AddrFromSlice(ip.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(ip.DstIP.To4())

	return &Header{
		Version:   ip.Version,
		HeaderLen: ihl,
		TotalLen:  ip.Length,
		Protocol:  uint8(ip.Protocol),
		Src:       src,
		Dst:       dst,
		SrcPort:   uint16(udp.SrcPort),
		DstPort:   uint16(udp.DstPort),
		UDPLen:    udp.Length,
		Payload:   udp.Payload,
	}, nil
}

// BuildResponse builds the reply to original carrying payload: addresses and
// ports are swapped, both length fields are rewritten, the UDP checksum is
// zeroed and the IPv4 header checksum is recomputed. IPv4 options of the
// original header are kept.
func BuildResponse(original, payload []byte) ([]byte, error) {
	if len(original) < MinFrameLen {
		return nil, ErrTooShort
	}
	if original[0]>>4 != 4 {
		return nil, ErrNotIPv4
	}
	ihl := int(original[0]&0x0f) * 4
	if ihl < ipv4MinHeaderLen || len(original) < ihl+udpHeaderLen {
		return nil, ErrTooShort
	}

	total := ihl + udpHeaderLen + len(payload)
	if total > 0xffff {
		return nil, fmt.Errorf("response payload too large: %d bytes", len(payload))
	}

	out := make([]byte, total)
	copy(out[:ihl], original[:ihl])

	// IPv4 header.
	binary.BigEndian.PutUint16(out[2:4], uint16(total))
	copy(out[12:16], original[16:20])
	copy(out[16:20], original[12:16])
	out[10], out[11] = 0, 0
	binary.BigEndian.PutUint16(out[10:12], Checksum(out[:ihl]))

	// UDP header.
	udp := out[ihl:]
	copy(udp[0:2], original[ihl+2:ihl+4])
	copy(udp[2:4], original[ihl:ihl+2])
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpHeaderLen+len(payload)))
	udp[6], udp[7] = 0, 0

	copy(udp[udpHeaderLen:], payload)
	return out, nil
}

// Checksum returns the one's complement of the one's complement sum of the
// 16-bit words of header. The checksum field must be zeroed by the caller
// when computing, and left in place when verifying (a valid header sums to 0).
func Checksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(header); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(header[i : i+2]))
	}
	if len(header)%2 == 1 {
		sum += uint32(header[len(header)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}
