package channel

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// reconnector computes capped-exponential delays between reconnection
// attempts. The attempt counter resets after a connection that stayed up
// for a minute, so a flaky link does not permanently pin the delay at max.
type reconnector struct {
	baseDelay time.Duration
	maxDelay  time.Duration

	mu          sync.Mutex
	attempt     int
	connectedAt time.Time
}

func newReconnector(baseDelay, maxDelay time.Duration) *reconnector {
	return &reconnector{
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
	}
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt = 0
	r.connectedAt = time.Time{}
}
