package decay

import (
	"math"
	"sync"
	"time"
)

// Counter is an exponentially decaying event counter. A zero alpha makes it a
// plain counter. It is safe for concurrent use.
type Counter struct {
	mu       sync.Mutex
	alpha    float64
	clock    Clock
	landmark time.Time
	count    float64
}

// NewCounter ...
func NewCounter(alpha float64, clock Clock) *Counter {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Counter{
		alpha:    alpha,
		clock:    clock,
		landmark: clock.Now(),
	}
}

// Add records n events happening now.
func (c *Counter) Add(n float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if now.Sub(c.landmark) >= RescaleThreshold {
		c.rescaleLocked(now)
	}
	c.count += n * Weight(c.alpha, c.landmark, now)
}

// Count is the decayed number of events.
func (c *Counter) Count() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count / Weight(c.alpha, c.landmark, c.clock.Now())
}

// Rate is the decayed count per second of the mean lifetime of an event,
// 1/alpha. It is NaN for a non decaying counter.
func (c *Counter) Rate() float64 {
	if c.alpha == 0 {
		return math.NaN()
	}
	return c.Count() * c.alpha
}

// Alpha ...
func (c *Counter) Alpha() float64 {
	return c.alpha
}

// Reset forgets all events.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count = 0
	c.landmark = c.clock.Now()
}

// Duplicate returns an independent copy sharing only the clock.
func (c *Counter) Duplicate() *Counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Counter{
		alpha:    c.alpha,
		clock:    c.clock,
		landmark: c.landmark,
		count:    c.count,
	}
}

func (c *Counter) rescaleLocked(now time.Time) {
	c.count *= Factor(c.alpha, time.Duration(Seconds(now)-Seconds(c.landmark))*time.Second)
	c.landmark = now
}
