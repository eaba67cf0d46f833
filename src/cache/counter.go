package cache

import "sync"

// counter tracks an approximate count of live rows plus a spin count of
// writes since the last reconciliation. It is rebuilt from the store at
// startup and never persisted. The mutex protects only these two numbers,
// never the store itself.
type counter struct {
	mu        sync.Mutex
	count     int64
	spin      int64
	maxSize   int64
	spinLimit int64
}

func newCounter(maxSize int64) *counter {
	limit := maxSize / 8
	if limit < minSpinLimit {
		limit = minSpinLimit
	}
	return &counter{maxSize: maxSize, spinLimit: limit}
}

// add moves the running total by delta and reports whether the cache is
// still within bounds. A false return means "run eviction now": either the
// total exceeds maxSize, or enough writes have accumulated that expired rows
// deserve a cleanup pass even though the cap was never reached.
func (c *counter) add(delta int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count += delta
	c.spin++
	if c.count > c.maxSize || c.spin > c.spinLimit {
		return false
	}
	return true
}

// align resynchronizes the total to an authoritative value and clears the
// spin count.
func (c *counter) align(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count = n
	c.spin = 0
}

// reset zeroes both counters.
func (c *counter) reset() {
	c.align(0)
}

func (c *counter) value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}
