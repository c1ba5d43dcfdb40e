package webhook

import (
	"sync"
	"time"
)

// BreakerState is the state of a per-host circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig controls when a host is cut off.
type BreakerConfig struct {
	MaxFailures     int
	ResetTimeout    time.Duration
	HalfOpenMaxReqs int
}

// DefaultBreakerConfig opens after 5 consecutive failures for one minute.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxFailures: 5, ResetTimeout: 60 * time.Second, HalfOpenMaxReqs: 3}
}

type breaker struct {
	cfg          BreakerConfig
	state        BreakerState
	failures     int
	lastFailure  time.Time
	halfOpenReqs int
}

// breakers tracks one breaker per destination host.
type breakers struct {
	mu    sync.Mutex
	cfg   BreakerConfig
	now   func() time.Time
	hosts map[string]*breaker
}

func newBreakers(cfg BreakerConfig) *breakers {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultBreakerConfig().MaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultBreakerConfig().ResetTimeout
	}
	if cfg.HalfOpenMaxReqs <= 0 {
		cfg.HalfOpenMaxReqs = 1
	}
	return &breakers{cfg: cfg, now: time.Now, hosts: make(map[string]*breaker)}
}

func (bs *breakers) get(host string) *breaker {
	b, ok := bs.hosts[host]
	if !ok {
		b = &breaker{cfg: bs.cfg}
		bs.hosts[host] = b
	}
	return b
}

// allow reports whether a request to host may go out.
func (bs *breakers) allow(host string) bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b := bs.get(host)
	switch b.state {
	case BreakerOpen:
		if bs.now().Sub(b.lastFailure) <= b.cfg.ResetTimeout {
			return false
		}
		b.state = BreakerHalfOpen
		b.halfOpenReqs = 1
		return true
	case BreakerHalfOpen:
		if b.halfOpenReqs >= b.cfg.HalfOpenMaxReqs {
			return false
		}
		b.halfOpenReqs++
		return true
	default:
		return true
	}
}

func (bs *breakers) success(host string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b := bs.get(host)
	b.state = BreakerClosed
	b.failures = 0
	b.halfOpenReqs = 0
}

func (bs *breakers) failure(host string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b := bs.get(host)
	b.failures++
	b.lastFailure = bs.now()
	if b.state == BreakerHalfOpen || b.failures >= b.cfg.MaxFailures {
		b.state = BreakerOpen
		b.halfOpenReqs = 0
	}
}

func (bs *breakers) state(host string) BreakerState {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.get(host).state
}
