package state

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Metric names an observed series of a target.
type Metric string

const (
	MetricPrice    Metric = "price"
	MetricHype     Metric = "hype"
	MetricTrending Metric = "trending"
)

type previousKey struct {
	target string
	metric Metric
}

// PreviousValueCache holds the last observation per (target, metric) for the process lifetime.
type PreviousValueCache struct {
	mu     sync.RWMutex
	values map[previousKey]decimal.Decimal
}

// NewPreviousValueCache constructs an empty cache.
func NewPreviousValueCache() *PreviousValueCache {
	return &PreviousValueCache{values: make(map[previousKey]decimal.Decimal)}
}

// Get returns the last value written for (target, metric).
func (c *PreviousValueCache) Get(target string, metric Metric) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[previousKey{target: target, metric: metric}]
	return v, ok
}

// Set replaces the stored value.
func (c *PreviousValueCache) Set(target string, metric Metric, value decimal.Decimal) {
	c.mu.Lock()
	c.values[previousKey{target: target, metric: metric}] = value
	c.mu.Unlock()
}

// Swap stores value and returns the one it replaced, as a single atomic step.
func (c *PreviousValueCache) Swap(target string, metric Metric, value decimal.Decimal) (decimal.NullDecimal, bool) {
	key := previousKey{target: target, metric: metric}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.values[key]
	c.values[key] = value
	if !ok {
		return decimal.NullDecimal{}, false
	}
	return decimal.NewNullDecimal(prev), true
}

// Len returns the number of cached observations.
func (c *PreviousValueCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}
