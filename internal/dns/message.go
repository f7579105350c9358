package dns

import (
	"encoding/binary"
	"strings"

	"github.com/miekg/dns"

	apperrors "dnsgate/internal/errors"
)

const (
	headerLen    = 12
	maxLabelLen  = 63
	maxNameLen   = 255
	pointerMask  = 0xC0
	flagQR       = 0x80
	flagOpcode   = 0x78
	flagRD       = 0x01
	nxdomainByte = 0x83 // RA=1, Z=0, RCODE=3
)

var (
	ErrShortHeader        = apperrors.New(apperrors.CodeDNSDecode, "payload shorter than the DNS header")
	ErrLabelOverflow      = apperrors.New(apperrors.CodeDNSDecode, "label runs past the end of the payload")
	ErrCompressionPointer = apperrors.New(apperrors.CodeDNSDecode, "compression pointer in question name")
	ErrBadLabel           = apperrors.New(apperrors.CodeDNSDecode, "reserved label type")
	ErrNameTooLong        = apperrors.New(apperrors.CodeDNSDecode, "question name exceeds 255 bytes")
	ErrTruncatedQuestion  = apperrors.New(apperrors.CodeDNSDecode, "question type or class missing")
)

// Question is the first question of a DNS message.
type Question struct {
	ID     uint16
	Flags  uint16
	Labels []string
	Qtype  uint16
	Qclass uint16

	// End is the offset just past QCLASS in the decoded payload.
	End int
}

// Name returns the dotted form of the question name without a trailing dot.
func (q *Question) Name() string {
	return strings.Join(q.Labels, ".")
}

// TypeString returns the mnemonic of Qtype, e.g. "A" or "AAAA".
func (q *Question) TypeString() string {
	if s, ok := dns.TypeToString[q.Qtype]; ok {
		return s
	}
	return dns.Type(q.Qtype).String()
}

// DecodeQuestion reads the header and the first question of payload.
// Compression pointers are rejected rather than followed.
func DecodeQuestion(payload []byte) (*Question, error) {
	if len(payload) < headerLen {
		return nil, ErrShortHeader
	}

	q := &Question{
		ID:    binary.BigEndian.Uint16(payload[0:2]),
		Flags: binary.BigEndian.Uint16(payload[2:4]),
	}

	off := headerLen
	nameLen := 0
	for {
		if off >= len(payload) {
			return nil, ErrLabelOverflow
		}
		l := int(payload[off])
		if l == 0 {
			off++
			break
		}
		switch {
		case l&pointerMask == pointerMask:
			return nil, ErrCompressionPointer
		case l > maxLabelLen:
			return nil, ErrBadLabel
		}
		if off+1+l > len(payload) {
			return nil, ErrLabelOverflow
		}
		nameLen += l + 1
		if nameLen+1 > maxNameLen {
			return nil, ErrNameTooLong
		}
		q.Labels = append(q.Labels, string(payload[off+1:off+1+l]))
		off += 1 + l
	}

	if off+4 > len(payload) {
		return nil, ErrTruncatedQuestion
	}
	q.Qtype = binary.BigEndian.Uint16(payload[off : off+2])
	q.Qclass = binary.BigEndian.Uint16(payload[off+2 : off+4])
	q.End = off + 4
	return q, nil
}

// EncodeNXDomain builds a negative answer to the query in payload. The
// header and first question are copied, QR and RA are set, OPCODE and RD
// are kept,
// RCODE becomes NXDOMAIN and every section after the question is dropped.
// The transaction id is preserved byte for byte.
func EncodeNXDomain(payload []byte) ([]byte, error) {
	q, err := DecodeQuestion(payload)
	if err != nil {
		return nil, err
	}

	out := make([]byte, q.End)
	copy(out, payload[:q.End])

	out[2] = flagQR | (payload[2] & (flagOpcode | flagRD))
	out[3] = nxdomainByte
	binary.BigEndian.PutUint16(out[4:6], 1)   // QDCOUNT
	binary.BigEndian.PutUint16(out[6:8], 0)   // ANCOUNT
	binary.BigEndian.PutUint16(out[8:10], 0)  // NSCOUNT
	binary.BigEndian.PutUint16(out[10:12], 0) // ARCOUNT
	return out, nil
}

// ResponseID returns the transaction id of a DNS reply after checking that
// it parses as a response.
func ResponseID(reply []byte) (uint16, error) {
	var m dns.Msg
	if err := m.Unpack(reply); err != nil {
		return 0, apperrors.Wrap(apperrors.CodeDNSDecode, "unpack upstream reply", err)
	}
	if !m.Response {
		return 0, apperrors.New(apperrors.CodeDNSDecode, "upstream reply is not a response")
	}
	return m.Id, nil
}
