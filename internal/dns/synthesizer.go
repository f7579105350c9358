package dns

import (
	"errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	apperrors "dnsgate/internal/errors"
	"dnsgate/internal/metrics"
	"dnsgate/internal/packet"
)

// ErrClosed is returned by writes attempted after shutdown has begun.
var ErrClosed = errors.New("engine closed")

// Writer serializes frame writes to the virtual interface. The dispatcher
// and every forwarder worker share one Writer.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	closed  bool
	metrics *metrics.Collector
}

// NewWriter wraps w.
func NewWriter(w io.Writer, m *metrics.Collector) *Writer {
	return &Writer{w: w, metrics: m}
}

// WriteFrame writes one whole frame. After Close it returns ErrClosed
// without touching the interface.
func (w *Writer) WriteFrame(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if _, err := w.w.Write(frame); err != nil {
		w.metrics.InterfaceWrite("error")
		return apperrors.Wrap(apperrors.CodeInterfaceWrite, "write frame", err)
	}
	w.metrics.InterfaceWrite("ok")
	return nil
}

// Close makes every later WriteFrame fail. It waits for a write in progress.
func (w *Writer) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// SynthesizeNXDomain builds the full reply frame for a blocked query: the
// NXDOMAIN payload wrapped in a swapped IPv4/UDP header.
func SynthesizeNXDomain(frame, payload []byte) ([]byte, error) {
	resp, err := EncodeNXDomain(payload)
	if err != nil {
		return nil, err
	}
	return packet.BuildResponse(frame, resp)
}

// respond writes the synthetic answer for a blocked query. Write failures
// end this cycle only.
func (e *Engine) respond(frame []byte, h *packet.Header) []byte {
	out, err := SynthesizeNXDomain(frame, h.Payload)
	if err != nil {
		logrus.WithError(err).Debug("Failed to synthesize NXDOMAIN")
		return nil
	}
	if err := e.writer.WriteFrame(out); err != nil {
		if !errors.Is(err, ErrClosed) {
			logrus.WithError(err).Warn("Failed to write blocked response")
		}
		return nil
	}
	return out
}
