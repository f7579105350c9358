package utils

import (
	"bytes"
	"compress/gzip"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadAllLimited(t *testing.T) {
	data, err := ReadAllLimited(strings.NewReader("hello"), 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = ReadAllLimited(strings.NewReader("hello!"), 5)
	assert.Error(t, err)
}

func TestCheckYAML(t *testing.T) {
	assert.NoError(t, CheckYAML([]byte("domains:\n  - a.com\n"), 1024))
	assert.Error(t, CheckYAML([]byte("domains: []"), 3))

	bomb := "a: &a [x]\nb: [" + strings.Repeat("*a,", 20) + "]\n"
	assert.Error(t, CheckYAML([]byte(bomb), 1<<20))

	deep := strings.Repeat("[", MaxYAMLDepth+1) + strings.Repeat("]", MaxYAMLDepth+1)
	assert.Error(t, CheckYAML([]byte(deep), 1<<20))
}

func TestValidateDomainLength(t *testing.T) {
	assert.NoError(t, ValidateDomainLength("bets10.com"))
	assert.Error(t, ValidateDomainLength(strings.Repeat("a", 64)+".com"))
	assert.Error(t, ValidateDomainLength(strings.Repeat("a.", 127)+"com"))
}

func TestDomainLimiter(t *testing.T) {
	dl := NewDomainLimiter(3)
	require.NoError(t, dl.Add(2))
	assert.Error(t, dl.Add(2))
	assert.NoError(t, dl.Add(1))
	assert.Equal(t, 3, dl.Count())
}

func TestGzipLimitedReader(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("casino.example\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	zr, err := GzipLimitedReader(&buf, 1<<20)
	require.NoError(t, err)
	out, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "casino.example\n", string(out))
}

func TestConcurrencyLimiter(t *testing.T) {
	cl := NewConcurrencyLimiter(2)
	assert.Equal(t, 2, cl.Cap())
	assert.True(t, cl.TryAcquire())
	assert.True(t, cl.TryAcquire())
	assert.False(t, cl.TryAcquire())
	assert.Equal(t, 2, cl.InUse())

	cl.Release()
	assert.Equal(t, 1, cl.InUse())
	assert.True(t, cl.TryAcquire())

	assert.Equal(t, 1, NewConcurrencyLimiter(0).Cap())
}
