package dns

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "dnsgate/internal/errors"
)

func packQuery(t *testing.T, name string, qtype uint16, id uint16) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.Id = id
	m.RecursionDesired = true
	b, err := m.Pack()
	require.NoError(t, err)
	return b
}

func TestDecodeQuestion(t *testing.T) {
	payload := packQuery(t, "www.bets10.com", dns.TypeA, 0xbeef)

	q, err := DecodeQuestion(payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xbeef), q.ID)
	assert.Equal(t, []string{"www", "bets10", "com"}, q.Labels)
	assert.Equal(t, "www.bets10.com", q.Name())
	assert.Equal(t, dns.TypeA, q.Qtype)
	assert.Equal(t, uint16(dns.ClassINET), q.Qclass)
	assert.Equal(t, "A", q.TypeString())
	assert.Equal(t, len(payload), q.End)
	assert.Equal(t, uint16(0x0100), q.Flags)
}

func TestDecodeQuestionRoot(t *testing.T) {
	q, err := DecodeQuestion(packQuery(t, ".", dns.TypeNS, 1))
	require.NoError(t, err)
	assert.Empty(t, q.Labels)
	assert.Equal(t, "", q.Name())
}

func TestDecodeQuestionErrors(t *testing.T) {
	valid := packQuery(t, "example.com", dns.TypeAAAA, 7)

	header := func(rest ...byte) []byte {
		return append(append([]byte(nil), valid[:12]...), rest...)
	}

	tests := []struct {
		name    string
		payload []byte
		want    error
	}{
		{"short header", valid[:11], ErrShortHeader},
		{"no name", header(), ErrLabelOverflow},
		{"label past end", header(5, 'a', 'b'), ErrLabelOverflow},
		{"missing terminator", header(1, 'a'), ErrLabelOverflow},
		{"compression pointer", header(0xC0, 0x0C, 0, 1, 0, 1), ErrCompressionPointer},
		{"pointer after label", header(1, 'a', 0xC0, 0x0C, 0, 1, 0, 1), ErrCompressionPointer},
		{"reserved label type", header(0x40, 'a'), ErrBadLabel},
		{"no qtype", header(1, 'a', 0), ErrTruncatedQuestion},
		{"half qclass", header(1, 'a', 0, 0, 1, 0), ErrTruncatedQuestion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := DecodeQuestion(tt.payload)
			assert.Nil(t, q)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, apperrors.HasCode(err, apperrors.CodeDNSDecode))
		})
	}
}

func TestDecodeQuestionNameTooLong(t *testing.T) {
	payload := append([]byte(nil), make([]byte, 12)...)
	label := strings.Repeat("a", 63)
	for i := 0; i < 5; i++ {
		payload = append(payload, 63)
		payload = append(payload, label...)
	}
	payload = append(payload, 0, 0, 1, 0, 1)

	_, err := DecodeQuestion(payload)
	assert.ErrorIs(t, err, ErrNameTooLong)
}

func TestEncodeNXDomain(t *testing.T) {
	query := new(dns.Msg)
	query.SetQuestion("bets10.com.", dns.TypeA)
	query.Id = 0x1a2b
	query.RecursionDesired = true
	query.SetEdns0(1232, false)
	payload, err := query.Pack()
	require.NoError(t, err)

	out, err := EncodeNXDomain(payload)
	require.NoError(t, err)

	var resp dns.Msg
	require.NoError(t, resp.Unpack(out))
	assert.Equal(t, uint16(0x1a2b), resp.Id)
	assert.True(t, resp.Response)
	assert.True(t, resp.RecursionDesired)
	assert.True(t, resp.RecursionAvailable)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
	assert.Empty(t, resp.Answer)
	assert.Empty(t, resp.Ns)
	assert.Empty(t, resp.Extra, "OPT record is dropped")
	require.Len(t, resp.Question, 1)
	assert.Equal(t, "bets10.com.", resp.Question[0].Name)

	// Transaction id bytes are untouched.
	assert.Equal(t, payload[:2], out[:2])
	assert.Equal(t, uint16(0), binary.BigEndian.Uint16(out[6:8]))
}

func TestEncodeNXDomainWithoutRD(t *testing.T) {
	query := new(dns.Msg)
	query.SetQuestion("casino.example.", dns.TypeAAAA)
	query.RecursionDesired = false
	payload, err := query.Pack()
	require.NoError(t, err)

	out, err := EncodeNXDomain(payload)
	require.NoError(t, err)
	assert.Equal(t, byte(0x80), out[2])
	assert.Equal(t, byte(0x83), out[3])
}

func TestEncodeNXDomainKeepsOpcode(t *testing.T) {
	for _, op := range []int{dns.OpcodeQuery, dns.OpcodeIQuery, dns.OpcodeStatus, dns.OpcodeNotify, dns.OpcodeUpdate} {
		t.Run(dns.OpcodeToString[op], func(t *testing.T) {
			query := new(dns.Msg)
			query.SetQuestion("bahis.example.", dns.TypeA)
			query.Opcode = op
			query.RecursionDesired = true
			payload, err := query.Pack()
			require.NoError(t, err)

			out, err := EncodeNXDomain(payload)
			require.NoError(t, err)

			var resp dns.Msg
			require.NoError(t, resp.Unpack(out))
			assert.Equal(t, op, resp.Opcode)
			assert.True(t, resp.Response)
			assert.True(t, resp.RecursionDesired)
			assert.Equal(t, dns.RcodeNameError, resp.Rcode)
		})
	}
}

func TestEncodeNXDomainRejectsGarbage(t *testing.T) {
	_, err := EncodeNXDomain([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortHeader)
}

func TestResponseID(t *testing.T) {
	query := new(dns.Msg)
	query.SetQuestion("youtube.com.", dns.TypeA)
	query.Id = 99
	reply := new(dns.Msg)
	reply.SetReply(query)
	b, err := reply.Pack()
	require.NoError(t, err)

	id, err := ResponseID(b)
	require.NoError(t, err)
	assert.Equal(t, uint16(99), id)

	qb, err := query.Pack()
	require.NoError(t, err)
	_, err = ResponseID(qb)
	assert.Error(t, err)

	_, err = ResponseID([]byte{0, 1})
	assert.Error(t, err)
}
