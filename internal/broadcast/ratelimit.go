package broadcast

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

const (
	// MaxConnectionsTotal caps concurrent subscribers.
	MaxConnectionsTotal = 500
	// MaxConnectionsPerIP caps concurrent subscribers per source IP.
	MaxConnectionsPerIP = 10
	// commandsPerSecond throttles inbound command frames per connection.
	commandsPerSecond = 20
	commandBurst      = 40
)

// ConnLimiter limits concurrent subscriber connections per IP.
type ConnLimiter struct {
	connections sync.Map // map[string]*int32
	maxPerIP    int

	rejectedCount uint64 // atomic
}

// NewConnLimiter creates a per-IP connection limiter.
func NewConnLimiter(maxPerIP int) *ConnLimiter {
	return &ConnLimiter{maxPerIP: maxPerIP}
}

// Allow reserves a connection slot for ip; callers must Release it.
func (cl *ConnLimiter) Allow(ip string) bool {
	actual, _ := cl.connections.LoadOrStore(ip, new(int32))
	counter := actual.(*int32)
	for {
		current := atomic.LoadInt32(counter)
		if int(current) >= cl.maxPerIP {
			atomic.AddUint64(&cl.rejectedCount, 1)
			return false
		}
		if atomic.CompareAndSwapInt32(counter, current, current+1) {
			return true
		}
	}
}

// Release frees a previously reserved slot.
func (cl *ConnLimiter) Release(ip string) {
	if val, ok := cl.connections.Load(ip); ok {
		atomic.AddInt32(val.(*int32), -1)
	}
}

// Rejected returns how many connections the limiter refused.
func (cl *ConnLimiter) Rejected() uint64 {
	return atomic.LoadUint64(&cl.rejectedCount)
}

// newCommandLimiter returns the per-connection inbound command throttle.
func newCommandLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(commandsPerSecond), commandBurst)
}

// clientIP extracts the client IP, preferring proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
