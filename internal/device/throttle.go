package device

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxThrottleBurst caps a single token-bucket reservation so a large write
// doesn't demand an enormous burst allowance up front.
const maxThrottleBurst = 256 * 1024

// throttledWriter is a token-bucket-limited io.Writer, carried over
// verbatim from this codebase's upload-side ThrottledWriter
// (internal/agent/throttle.go, renamed from the exported ThrottledWriter
// and its Portuguese comments translated) — token-bucket pacing of an
// io.Writer has no domain-specific behavior to adapt, so the control flow
// is unchanged; only the call site is new (internal/device/echo.go wires
// it around the echo transport's simulated output instead of an outbound
// backup stream).
type throttledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// newThrottledWriter wraps w with a bytesPerSec token bucket. bytesPerSec
// <= 0 returns w unchanged (no throttling).
func newThrottledWriter(ctx context.Context, w io.Writer, bytesPerSec int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}
	burst := int(bytesPerSec)
	if burst > maxThrottleBurst {
		burst = maxThrottleBurst
	}
	if burst < 1 {
		burst = 1
	}
	return &throttledWriter{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// Write divides writes larger than the burst size into pieces so tokens
// are consumed gradually instead of reserving one enormous wait.
func (tw *throttledWriter) Write(p []byte) (int, error) {
	totalWritten := 0
	for len(p) > 0 {
		chunk := len(p)
		if chunk > tw.limiter.Burst() {
			chunk = tw.limiter.Burst()
		}
		if err := tw.limiter.WaitN(tw.ctx, chunk); err != nil {
			return totalWritten, err
		}
		n, err := tw.w.Write(p[:chunk])
		totalWritten += n
		if err != nil {
			return totalWritten, err
		}
		p = p[n:]
	}
	return totalWritten, nil
}
