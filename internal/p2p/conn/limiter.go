package conn

import (
	"context"

	"golang.org/x/time/rate"
)

// minBurst keeps a single frame header plus a small frame in one token grab.
const minBurst = 64 * 1024

// BandwidthLimiter throttles the bytes moved by every connection sharing it.
// A nil limiter and a limit of zero both mean unlimited.
type BandwidthLimiter struct {
	limiter *rate.Limiter
}

func NewBandwidthLimiter(bytesPerSecond int) *BandwidthLimiter {
	l := &BandwidthLimiter{limiter: rate.NewLimiter(rate.Inf, minBurst)}
	l.SetLimit(bytesPerSecond)
	return l
}

// SetLimit changes the limit for all connections at once.
func (l *BandwidthLimiter) SetLimit(bytesPerSecond int) {
	if bytesPerSecond <= 0 {
		l.limiter.SetLimit(rate.Inf)
		return
	}
	burst := bytesPerSecond
	if burst < minBurst {
		burst = minBurst
	}
	l.limiter.SetBurst(burst)
	l.limiter.SetLimit(rate.Limit(bytesPerSecond))
}

// Limit returns the current limit in bytes per second, zero if unlimited.
func (l *BandwidthLimiter) Limit() int {
	if l == nil || l.limiter.Limit() == rate.Inf {
		return 0
	}
	return int(l.limiter.Limit())
}

// WaitN blocks until n bytes may be transferred. Requests larger than the
// burst are split.
func (l *BandwidthLimiter) WaitN(ctx context.Context, n int) error {
	if l == nil || l.limiter.Limit() == rate.Inf {
		return nil
	}
	for n > 0 {
		chunk := n
		if burst := l.limiter.Burst(); chunk > burst {
			chunk = burst
		}
		if err := l.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
