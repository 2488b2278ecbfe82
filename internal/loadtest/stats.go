package loadtest

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates samples from many clients. It is safe for concurrent
// use.
type Collector struct {
	mu          sync.Mutex
	connects    []time.Duration
	deliveries  []time.Duration
	errors      int
	connections int
	rateLimited int
	startTime   time.Time
}

func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// AddConnect records one established connection.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connects = append(c.connects, d)
	c.connections++
	c.mu.Unlock()
}

// AddDelivery records the send-to-broadcast latency of one message.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.deliveries = append(c.deliveries, d)
	c.mu.Unlock()
}

func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *Collector) AddRateLimited() {
	c.mu.Lock()
	c.rateLimited++
	c.mu.Unlock()
}

func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Summary is a latency distribution.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize computes the distribution of ds. ds is sorted in place.
func Summarize(ds []time.Duration) Summary {
	n := len(ds)
	if n == 0 {
		return Summary{}
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })

	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	rank := func(q float64) time.Duration {
		return ds[int(math.Ceil(float64(n)*q))-1]
	}
	return Summary{N: n, Avg: sum / time.Duration(n), P50: ds[n/2], P95: rank(0.95), P99: rank(0.99), Max: ds[n-1]}
}

func (s Summary) String() string {
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		s.Avg.Round(time.Microsecond), s.P50.Round(time.Microsecond), s.P95.Round(time.Microsecond),
		s.P99.Round(time.Microsecond), s.Max.Round(time.Microsecond), s.N)
}

// Report writes a human-readable summary to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:      %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Fprintf(w, "Connections:   %d\n", c.connections)
	fmt.Fprintf(w, "Errors:        %d\n", c.errors)
	fmt.Fprintf(w, "Rate limited:  %d\n", c.rateLimited)
	if c.connections > 0 {
		fmt.Fprintf(w, "Error rate:    %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}
	if len(c.connects) > 0 {
		fmt.Fprintf(w, "\n--- Connect Latency ---\n  %s\n", Summarize(c.connects))
	}
	if len(c.deliveries) > 0 {
		fmt.Fprintf(w, "\n--- Delivery Latency ---\n  %s\n", Summarize(c.deliveries))
	}
	fmt.Fprintln(w)
}
