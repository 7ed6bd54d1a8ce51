package observe

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Standard component names used by the pipeline. Callers may record arbitrary
// names; these are the ones the text report always lists first.
const (
	ComponentSTT       = "stt"
	ComponentLLM       = "llm"
	ComponentTTS       = "tts"
	ComponentVAD       = "vad"
	ComponentE2E       = "e2e"
	ComponentFirstByte = "first_byte"
)

// standardComponents fixes the report ordering.
var standardComponents = []string{
	ComponentSTT, ComponentLLM, ComponentTTS, ComponentVAD, ComponentE2E, ComponentFirstByte,
}

const (
	// componentRingSize bounds the raw samples kept per component.
	componentRingSize = 1000

	// turnRingSize bounds the per-turn roll-up records kept.
	turnRingSize = 100
)

// ComponentStats is a statistical summary over the retained samples of one
// component. All durations are in seconds.
type ComponentStats struct {
	Count  int
	Mean   float64
	Median float64
	P90    float64
	P99    float64
	Min    float64
	Max    float64
	StdDev float64
}

// TurnTiming is the per-turn latency roll-up recorded after each
// conversational turn. Durations are in seconds.
type TurnTiming struct {
	STT            float64
	LLM            float64
	TTS            float64
	VAD            float64
	FirstByte      float64
	Total          float64
	AudioDuration  float64
	ResponseLength int
	Timestamp      time.Time
}

// ProcessingRatio returns processing time relative to the caller's audio
// duration; values below 1 mean the turn was faster than real time.
func (t TurnTiming) ProcessingRatio() float64 {
	if t.AudioDuration <= 0 {
		return 0
	}
	return t.Total / t.AudioDuration
}

// componentRing is a bounded sample ring with running totals.
type componentRing struct {
	samples []float64 // oldest first, capped at componentRingSize
	calls   int64
	total   float64
}

func (r *componentRing) add(v float64) {
	r.calls++
	r.total += v
	r.samples = append(r.samples, v)
	if len(r.samples) > componentRingSize {
		r.samples = r.samples[1:]
	}
}

// LatencyCollector keeps exact per-component samples for percentile reporting
// alongside the OTel export path. It is safe for concurrent use.
type LatencyCollector struct {
	mu         sync.Mutex
	components map[string]*componentRing
	turns      []TurnTiming
	now        func() time.Time
}

// NewLatencyCollector creates an empty collector.
func NewLatencyCollector() *LatencyCollector {
	return &LatencyCollector{
		components: make(map[string]*componentRing),
		now:        time.Now,
	}
}

// Record appends one sample (in seconds) for the named component.
func (c *LatencyCollector) Record(component string, seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring(component).add(seconds)
}

// Measure starts a scoped timer for the named component. The returned func
// records the elapsed time and returns it.
func (c *LatencyCollector) Measure(component string) func() time.Duration {
	start := c.now()
	return func() time.Duration {
		elapsed := c.now().Sub(start)
		c.Record(component, elapsed.Seconds())
		return elapsed
	}
}

// RecordTurn appends a per-turn roll-up and feeds the component rings. A zero
// FirstByte (buffered mode) is not recorded as a first_byte sample.
func (c *LatencyCollector) RecordTurn(t TurnTiming) {
	if t.Timestamp.IsZero() {
		t.Timestamp = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.turns = append(c.turns, t)
	if len(c.turns) > turnRingSize {
		c.turns = c.turns[1:]
	}

	c.ring(ComponentSTT).add(t.STT)
	c.ring(ComponentLLM).add(t.LLM)
	c.ring(ComponentTTS).add(t.TTS)
	if t.VAD > 0 {
		c.ring(ComponentVAD).add(t.VAD)
	}
	if t.FirstByte > 0 {
		c.ring(ComponentFirstByte).add(t.FirstByte)
	}
	c.ring(ComponentE2E).add(t.Total)
}

// Stats returns the summary for one component. The zero value is returned for
// unknown components.
func (c *LatencyCollector) Stats(component string) ComponentStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.components[component]
	if !ok || len(r.samples) == 0 {
		return ComponentStats{}
	}
	return summarize(r.samples)
}

// Turns returns a copy of the retained per-turn records, oldest first.
func (c *LatencyCollector) Turns() []TurnTiming {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]TurnTiming, len(c.turns))
	copy(out, c.turns)
	return out
}

// Snapshot returns the stats of every component that has samples.
func (c *LatencyCollector) Snapshot() map[string]ComponentStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]ComponentStats, len(c.components))
	for name, r := range c.components {
		if len(r.samples) > 0 {
			out[name] = summarize(r.samples)
		}
	}
	return out
}

// Report renders a fixed-width text table of every component's statistics,
// standard components first, remaining components alphabetically.
func (c *LatencyCollector) Report() string {
	snap := c.Snapshot()

	var names []string
	seen := make(map[string]bool)
	for _, n := range standardComponents {
		if _, ok := snap[n]; ok {
			names = append(names, n)
			seen[n] = true
		}
	}
	var extra []string
	for n := range snap {
		if !seen[n] {
			extra = append(extra, n)
		}
	}
	sort.Strings(extra)
	names = append(names, extra...)

	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %7s %8s %8s %8s %8s %8s %8s\n",
		"component", "count", "mean", "median", "p90", "p99", "min", "max")
	for _, n := range names {
		s := snap[n]
		fmt.Fprintf(&b, "%-12s %7d %7.3fs %7.3fs %7.3fs %7.3fs %7.3fs %7.3fs\n",
			n, s.Count, s.Mean, s.Median, s.P90, s.P99, s.Min, s.Max)
	}
	return b.String()
}

// Reset discards all retained samples and turn records.
func (c *LatencyCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = make(map[string]*componentRing)
	c.turns = nil
}

// ring returns the named component ring, creating it on first use. Caller
// holds c.mu.
func (c *LatencyCollector) ring(component string) *componentRing {
	r, ok := c.components[component]
	if !ok {
		r = &componentRing{}
		c.components[component] = r
	}
	return r
}

// summarize computes the statistics over a sample slice.
func summarize(samples []float64) ComponentStats {
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	n := len(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)

	var variance float64
	for _, v := range sorted {
		d := v - mean
		variance += d * d
	}
	variance /= float64(n)

	return ComponentStats{
		Count:  n,
		Mean:   mean,
		Median: percentile(sorted, 50),
		P90:    percentile(sorted, 90),
		P99:    percentile(sorted, 99),
		Min:    sorted[0],
		Max:    sorted[n-1],
		StdDev: math.Sqrt(variance),
	}
}

// percentile returns the p-th percentile of a sorted sample slice using the
// nearest-rank method.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
