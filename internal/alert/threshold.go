package alert

import (
	"math"
	"sync"
	"time"

	"github.com/vigil-dev/vigil/internal/platform"
)

const (
	thresholdHistory  = 1000
	thresholdCacheTTL = 300 * time.Second
	recentWindow      = time.Hour
	minPoints         = 10
	fallbackPoints    = 50
)

// Calculator derives dynamic thresholds from recent observation history.
// A noisy baseline raises the bar above the static value so routine
// variance does not fire; the static threshold stays a hard floor for
// upper rules and a hard ceiling for lower rules.
type Calculator struct {
	mu      sync.Mutex
	history map[string]*platform.Ring[sample]
	cache   map[cacheKey]cached
	now     func() time.Time
}

type sample struct {
	value float64
	at    time.Time
}

type cacheKey struct {
	metric      string
	op          Operator
	base        float64
	sensitivity float64
}

type cached struct {
	value    float64
	computed time.Time
}

// NewCalculator creates an empty calculator.
func NewCalculator() *Calculator {
	return &Calculator{
		history: make(map[string]*platform.Ring[sample]),
		cache:   make(map[cacheKey]cached),
		now:     time.Now,
	}
}

// Record feeds one observation into the metric's history.
func (c *Calculator) Record(metric string, value float64, at time.Time) {
	c.mu.Lock()
	r := c.history[metric]
	if r == nil {
		r = platform.NewRing[sample](thresholdHistory)
		c.history[metric] = r
	}
	c.mu.Unlock()
	r.Append(sample{value: value, at: at})
}

// Effective returns the threshold to evaluate against: mean ± sensitivity·σ
// over the recent history, clamped to the static base. With no usable
// points the base is returned unchanged. Computed values are cached for
// 300 seconds per (metric, operator, base, sensitivity).
func (c *Calculator) Effective(metric string, op Operator, base, sensitivity float64) float64 {
	if !op.Upper() && !op.Lower() {
		return base
	}
	if sensitivity <= 0 {
		sensitivity = 2.0
	}
	now := c.now()
	key := cacheKey{metric: metric, op: op, base: base, sensitivity: sensitivity}

	c.mu.Lock()
	if e, ok := c.cache[key]; ok && now.Sub(e.computed) < thresholdCacheTTL {
		c.mu.Unlock()
		return e.value
	}
	r := c.history[metric]
	c.mu.Unlock()

	values := recentValues(r, now)
	if len(values) == 0 {
		// No history at all; the static threshold stands, uncached so
		// new samples are picked up promptly.
		return base
	}

	mean, stddev := meanStddev(values)
	eff := base
	if op.Upper() {
		eff = math.Max(base, mean+sensitivity*stddev)
	} else {
		eff = math.Min(base, mean-sensitivity*stddev)
	}

	c.mu.Lock()
	c.cache[key] = cached{value: eff, computed: now}
	c.mu.Unlock()
	return eff
}

// recentValues returns samples from the trailing hour; if that yields fewer
// than minPoints, the newest fallbackPoints samples are used regardless of
// age.
func recentValues(r *platform.Ring[sample], now time.Time) []float64 {
	if r == nil {
		return nil
	}
	items := r.Items()
	vals := make([]float64, 0, len(items))
	for _, s := range items {
		if now.Sub(s.at) <= recentWindow {
			vals = append(vals, s.value)
		}
	}
	if len(vals) >= minPoints {
		return vals
	}

	start := len(items) - fallbackPoints
	if start < 0 {
		start = 0
	}
	vals = vals[:0]
	for _, s := range items[start:] {
		vals = append(vals, s.value)
	}
	return vals
}

// meanStddev computes the mean and sample standard deviation.
func meanStddev(vals []float64) (float64, float64) {
	n := float64(len(vals))
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / n
	if len(vals) < 2 {
		return mean, 0
	}
	var ss float64
	for _, v := range vals {
		d := v - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / (n - 1))
}
