package hsservice

import (
	"sync"
	"time"
)

// Limits on how fast a service re-launches intro-point circuits (spec §5).
const (
	MaxIntroCircsPerPeriod = 10
	IntroCircRetryPeriod   = 300 * time.Second
)

// RetryBudget enforces MaxIntroCircsPerPeriod new intro-point circuit
// launches per IntroCircRetryPeriod, a plain time-windowed counter.
type RetryBudget struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
}

// NewRetryBudget starts a fresh budget window at now.
func NewRetryBudget(now time.Time) *RetryBudget {
	return &RetryBudget{windowStart: now}
}

// Allow reports whether a new intro-point circuit launch is permitted at
// now, consuming one unit of budget if so. The window rolls forward
// automatically once IntroCircRetryPeriod has elapsed.
func (b *RetryBudget) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.windowStart) >= IntroCircRetryPeriod {
		b.windowStart = now
		b.count = 0
	}
	if b.count >= MaxIntroCircsPerPeriod {
		return false
	}
	b.count++
	return true
}
