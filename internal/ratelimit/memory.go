package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleTTL is how long an untouched bucket is kept before eviction.
const idleTTL = 10 * time.Minute

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// MemoryLimiter keeps one golang.org/x/time/rate bucket per key in process
// memory. The key's class selects its Rule; unknown classes use the default.
// It does not coordinate across instances.
type MemoryLimiter struct {
	def     Rule
	classes map[string]Rule
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter allows r requests per second with the given burst to
// every key, until WithClass overrides a class. Close stops the eviction loop.
func NewMemoryLimiter(r float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		def:     Rule{RPS: r, Burst: burst},
		classes: make(map[string]Rule),
		now:     time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

// WithClass gives keys of class their own rule. Configure classes before
// the limiter serves traffic; existing buckets keep the rule they began with.
func (m *MemoryLimiter) WithClass(class string, rule Rule) *MemoryLimiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classes[class] = rule
	return m
}

// Allow takes one token from key's bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		rule := m.ruleLocked(key)
		b = &bucket{lim: rate.NewLimiter(rate.Limit(rule.RPS), rule.Burst)}
		m.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1), nil
}

// RetryAfter estimates how long until key has a whole token again. It is
// zero when a request would be allowed now.
func (m *MemoryLimiter) RetryAfter(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok || b.lim.Limit() <= 0 {
		return 0
	}
	tokens := b.lim.TokensAt(m.now())
	if tokens >= 1 {
		return 0
	}
	secs := (1 - tokens) / float64(b.lim.Limit())
	return time.Duration(math.Ceil(secs * float64(time.Second)))
}

func (m *MemoryLimiter) ruleLocked(key string) Rule {
	if rule, ok := m.classes[ClassOf(key)]; ok {
		return rule
	}
	return m.def
}

// Close stops the eviction loop. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *MemoryLimiter) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-idleTTL)
	for key, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
