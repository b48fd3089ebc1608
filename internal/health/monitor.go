package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/credlink/stampd/internal/provider"
	"github.com/credlink/stampd/internal/shared/metrics"
)

// State is a provider's position in the health state machine.
type State string

const (
	StateUnknown   State = "unknown"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
)

// ProviderHealth is one provider's last-known health. Owned exclusively by
// the Monitor's probe loop; routing reads published snapshots only.
type ProviderHealth struct {
	ProviderID           string    `json:"provider_id"`
	State                State     `json:"state"`
	Healthy              bool      `json:"healthy"`
	LastProbeAt          time.Time `json:"last_probe_at"`
	LatencyMs            int64     `json:"latency_ms"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastError            string    `json:"last_error,omitempty"`
}

// Snapshot is an immutable view of all providers' health at one instant.
type Snapshot map[string]ProviderHealth

// Healthy reports whether a provider is currently usable.
func (s Snapshot) Healthy(id string) bool {
	return s[id].Healthy
}

// Monitor probes every registered provider on a fixed interval and runs the
// per-provider state machine:
//
//	healthy -> unhealthy on the first failed probe (fail-fast)
//	unhealthy -> healthy only after failbackGreens consecutive clean probes
//
// The hysteresis keeps a degraded provider from flapping in and out of the
// candidate set.
type Monitor struct {
	registry       *provider.Registry
	interval       time.Duration
	failbackGreens int

	// states is written only by the probe loop
	states map[string]ProviderHealth

	snapshot atomic.Pointer[Snapshot]
}

// NewMonitor creates a monitor for all registered providers. Every provider
// starts in the unknown state and receives no live traffic until its first
// successful probe.
func NewMonitor(registry *provider.Registry, interval time.Duration, failbackGreens int) *Monitor {
	if failbackGreens < 1 {
		failbackGreens = 1
	}
	m := &Monitor{
		registry:       registry,
		interval:       interval,
		failbackGreens: failbackGreens,
		states:         make(map[string]ProviderHealth),
	}
	for _, id := range registry.IDs() {
		m.states[id] = ProviderHealth{ProviderID: id, State: StateUnknown}
	}
	m.publish()
	return m
}

// Run probes all providers immediately and then on every interval tick
// until the context is cancelled. Probe results never block live sign
// requests; routing only reads the last published snapshot.
func (m *Monitor) Run(ctx context.Context) {
	m.probeAll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

// Snapshot returns the latest published health table. The returned map is
// immutable; a new map is published on every probe cycle.
func (m *Monitor) Snapshot() Snapshot {
	return *m.snapshot.Load()
}

// Healthy reports whether a provider is currently marked healthy.
func (m *Monitor) Healthy(id string) bool {
	return m.Snapshot().Healthy(id)
}

type probeOutcome struct {
	id     string
	result provider.ProbeResult
}

// probeAll probes every provider concurrently, applies the results in
// sequence and publishes a fresh snapshot.
func (m *Monitor) probeAll(ctx context.Context) {
	ids := m.registry.IDs()
	outcomes := make(chan probeOutcome, len(ids))

	var wg sync.WaitGroup
	for _, id := range ids {
		adapter := m.registry.Get(id)
		wg.Add(1)
		go func(id string, adapter provider.Adapter) {
			defer wg.Done()
			outcomes <- probeOutcome{id: id, result: adapter.Probe(ctx)}
		}(id, adapter)
	}
	wg.Wait()
	close(outcomes)

	now := time.Now().UTC()
	for outcome := range outcomes {
		m.observe(outcome.id, outcome.result, now)
	}
	m.publish()
}

// observe applies one probe result to a provider's state machine.
func (m *Monitor) observe(id string, res provider.ProbeResult, at time.Time) {
	h, ok := m.states[id]
	if !ok {
		h = ProviderHealth{ProviderID: id, State: StateUnknown}
	}

	h.LastProbeAt = at
	h.LatencyMs = res.Latency.Milliseconds()

	if res.Healthy {
		h.ConsecutiveSuccesses++
		h.ConsecutiveFailures = 0
		h.LastError = ""

		switch h.State {
		case StateUnknown:
			h.State = StateHealthy
		case StateUnhealthy:
			if h.ConsecutiveSuccesses >= m.failbackGreens {
				h.State = StateHealthy
			}
		}
	} else {
		h.ConsecutiveFailures++
		h.ConsecutiveSuccesses = 0
		if res.Err != nil {
			h.LastError = res.Err.Error()
		}
		// Fail-fast: one red probe removes the provider from rotation.
		h.State = StateUnhealthy
	}

	h.Healthy = h.State == StateHealthy
	m.states[id] = h

	metrics.RecordProviderHealth(id, h.Healthy)
	metrics.RecordProbe(id, res.Latency)
}

// publish makes the current health table visible to readers. Readers never
// block the probe loop and the probe loop never blocks readers.
func (m *Monitor) publish() {
	snap := make(Snapshot, len(m.states))
	for id, h := range m.states {
		snap[id] = h
	}
	m.snapshot.Store(&snap)
}
