// Package metrics provides operational metrics for the hiddenwire node:
// inbound accept/reject counts by error code, outbound send outcomes,
// invite lifecycle counters, and anonymizing-network state transitions.
// Metrics are exposed only through Snapshot; this package never opens a
// network listener of its own.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is the node's operational metrics collection.
type Metrics struct {
	// Inbound pipeline metrics
	InboundAccepted *Counter
	InboundRejected *LabeledCounter // keyed by rejection error code
	InboundLatency  *Histogram

	// Outbound sender metrics
	OutboundSent    *Counter
	OutboundFailed  *Counter
	OutboundRetries *Counter
	OutboundLatency *Histogram

	// Invite protocol metrics
	InvitesIssued   *Counter
	InvitesAccepted *Counter
	InvitesExpired  *Counter

	// Anonymizing-network orchestrator metrics
	OrchestratorTransitions *LabeledCounter // keyed by destination state name

	// System metrics
	Uptime      *Gauge
	startTime   time.Time
	startTimeMu sync.RWMutex
}

// New creates a new, zeroed metrics instance.
func New() *Metrics {
	return &Metrics{
		InboundAccepted: NewCounter(),
		InboundRejected: NewLabeledCounter(),
		InboundLatency:  NewHistogram(),

		OutboundSent:    NewCounter(),
		OutboundFailed:  NewCounter(),
		OutboundRetries: NewCounter(),
		OutboundLatency: NewHistogram(),

		InvitesIssued:   NewCounter(),
		InvitesAccepted: NewCounter(),
		InvitesExpired:  NewCounter(),

		OrchestratorTransitions: NewLabeledCounter(),

		Uptime:    NewGauge(),
		startTime: time.Now(),
	}
}

// RecordInboundAccepted records a successfully validated and persisted
// inbound envelope.
func (m *Metrics) RecordInboundAccepted(latency time.Duration) {
	m.InboundAccepted.Inc()
	m.InboundLatency.Observe(latency)
}

// RecordInboundRejected records an inbound envelope rejected with the given
// error code (e.g. "SENDER_NOT_ALLOWED", "BAD_REQUEST").
func (m *Metrics) RecordInboundRejected(code string) {
	m.InboundRejected.Inc(code)
}

// RecordOutbound records the outcome of an outbound send attempt,
// including how many retries preceded it.
func (m *Metrics) RecordOutbound(success bool, retries int64, latency time.Duration) {
	if success {
		m.OutboundSent.Inc()
	} else {
		m.OutboundFailed.Inc()
	}
	m.OutboundRetries.Add(retries)
	m.OutboundLatency.Observe(latency)
}

// RecordInviteIssued records a newly issued invite.
func (m *Metrics) RecordInviteIssued() { m.InvitesIssued.Inc() }

// RecordInviteAccepted records an invite successfully consumed by a peer.
func (m *Metrics) RecordInviteAccepted() { m.InvitesAccepted.Inc() }

// RecordInviteExpired records an invite reaped by the invite
// garbage-collection sweep.
func (m *Metrics) RecordInviteExpired() { m.InvitesExpired.Inc() }

// RecordOrchestratorTransition records a transition of the anonymizing-
// network orchestrator into the named state (e.g. "Ready", "Error").
func (m *Metrics) RecordOrchestratorTransition(state string) {
	m.OrchestratorTransitions.Inc(state)
}

// UpdateUptime refreshes the uptime gauge from the node's start time.
func (m *Metrics) UpdateUptime() {
	m.startTimeMu.RLock()
	defer m.startTimeMu.RUnlock()
	m.Uptime.Set(int64(time.Since(m.startTime).Seconds()))
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() *Snapshot {
	m.UpdateUptime()
	return &Snapshot{
		InboundAccepted:       m.InboundAccepted.Value(),
		InboundRejectedByCode: m.InboundRejected.Snapshot(),
		InboundLatencyAvg:     m.InboundLatency.Mean(),
		InboundLatencyP95:     m.InboundLatency.Percentile(0.95),

		OutboundSent:    m.OutboundSent.Value(),
		OutboundFailed:  m.OutboundFailed.Value(),
		OutboundRetries: m.OutboundRetries.Value(),
		OutboundLatencyAvg: m.OutboundLatency.Mean(),
		OutboundLatencyP95: m.OutboundLatency.Percentile(0.95),

		InvitesIssued:   m.InvitesIssued.Value(),
		InvitesAccepted: m.InvitesAccepted.Value(),
		InvitesExpired:  m.InvitesExpired.Value(),

		OrchestratorTransitionsByState: m.OrchestratorTransitions.Snapshot(),

		UptimeSeconds: m.Uptime.Value(),
	}
}

// Snapshot represents a point-in-time view of the node's metrics.
type Snapshot struct {
	InboundAccepted       int64
	InboundRejectedByCode map[string]int64
	InboundLatencyAvg     time.Duration
	InboundLatencyP95     time.Duration

	OutboundSent       int64
	OutboundFailed     int64
	OutboundRetries    int64
	OutboundLatencyAvg time.Duration
	OutboundLatencyP95 time.Duration

	InvitesIssued   int64
	InvitesAccepted int64
	InvitesExpired  int64

	OrchestratorTransitionsByState map[string]int64

	UptimeSeconds int64
}

// Counter is a monotonically increasing counter.
type Counter struct {
	value int64
}

// NewCounter creates a new counter.
func NewCounter() *Counter {
	return &Counter{}
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	atomic.AddInt64(&c.value, 1)
}

// Add adds n to the counter.
func (c *Counter) Add(n int64) {
	atomic.AddInt64(&c.value, n)
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// LabeledCounter is a set of independent counters keyed by a string label,
// used for per-error-code and per-state tallies without a metrics library
// dependency.
type LabeledCounter struct {
	mu     sync.Mutex
	counts map[string]*Counter
}

// NewLabeledCounter creates an empty labeled counter.
func NewLabeledCounter() *LabeledCounter {
	return &LabeledCounter{counts: make(map[string]*Counter)}
}

// Inc increments the counter for label by 1, creating it if necessary.
func (lc *LabeledCounter) Inc(label string) {
	lc.counterFor(label).Inc()
}

func (lc *LabeledCounter) counterFor(label string) *Counter {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	c, ok := lc.counts[label]
	if !ok {
		c = NewCounter()
		lc.counts[label] = c
	}
	return c
}

// Snapshot returns the current value of every label seen so far.
func (lc *LabeledCounter) Snapshot() map[string]int64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	out := make(map[string]int64, len(lc.counts))
	for label, c := range lc.counts {
		out[label] = c.Value()
	}
	return out
}

// Gauge is a value that can go up or down.
type Gauge struct {
	value int64
}

// NewGauge creates a new gauge.
func NewGauge() *Gauge {
	return &Gauge{}
}

// Set sets the gauge to a specific value.
func (g *Gauge) Set(value int64) {
	atomic.StoreInt64(&g.value, value)
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	atomic.AddInt64(&g.value, 1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	atomic.AddInt64(&g.value, -1)
}

// Add adds n to the gauge.
func (g *Gauge) Add(n int64) {
	atomic.AddInt64(&g.value, n)
}

// Value returns the current gauge value.
func (g *Gauge) Value() int64 {
	return atomic.LoadInt64(&g.value)
}

// Histogram tracks the distribution of durations.
type Histogram struct {
	observations []time.Duration
	mu           sync.RWMutex
}

// NewHistogram creates a new histogram.
func NewHistogram() *Histogram {
	return &Histogram{
		observations: make([]time.Duration, 0, 1000),
	}
}

// Observe adds a new observation to the histogram.
func (h *Histogram) Observe(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Keep last 1000 observations to prevent unbounded memory growth.
	if len(h.observations) >= 1000 {
		h.observations = h.observations[1:]
	}
	h.observations = append(h.observations, d)
}

// Mean returns the mean of all observations.
func (h *Histogram) Mean() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.observations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range h.observations {
		sum += d
	}
	return sum / time.Duration(len(h.observations))
}

// Percentile returns the nth percentile (0.0 to 1.0) of observations.
func (h *Histogram) Percentile(p float64) time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.observations) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(h.observations))
	copy(sorted, h.observations)

	// Bubble sort - fine for our limited observation window.
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[i] > sorted[j] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}

	index := int(float64(len(sorted)-1) * p)
	return sorted[index]
}

// Count returns the number of observations.
func (h *Histogram) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observations)
}
