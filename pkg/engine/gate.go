package engine

import (
	"sync"

	"github.com/fluxfn/fluxfn/pkg/telemetry"
)

// Gate is the per-tenant admission counter guarding dispatch concurrency.
// Each subscription gets its own in-flight count against one configured
// ceiling; a dispatch past the ceiling is rejected with a throttled error.
type Gate struct {
	mu      sync.Mutex
	inUse   map[string]int
	max     int
	metrics *telemetry.Metrics
}

// NewGate creates a gate with the given per-tenant ceiling. A non-positive
// ceiling disables admission control.
func NewGate(max int, metrics *telemetry.Metrics) *Gate {
	return &Gate{
		inUse:   make(map[string]int),
		max:     max,
		metrics: metrics,
	}
}

// Acquire admits one dispatch for the subscription. The returned release
// function must be called exactly once when the dispatch completes,
// typically via defer so a panicking dispatch still releases its slot.
func (g *Gate) Acquire(subscriptionID string) (func(), error) {
	g.mu.Lock()
	max := g.max
	if max <= 0 {
		g.mu.Unlock()
		return func() {}, nil
	}

	if g.inUse[subscriptionID] >= max {
		g.mu.Unlock()
		g.metrics.RecordGateRejected(subscriptionID)
		return nil, NewThrottledError(
			"subscription '%s' is at its concurrency limit of %d", subscriptionID, max)
	}
	g.inUse[subscriptionID]++
	current := g.inUse[subscriptionID]
	g.mu.Unlock()
	g.metrics.RecordGateInFlight(subscriptionID, current)

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.inUse[subscriptionID]--
			if g.inUse[subscriptionID] <= 0 {
				delete(g.inUse, subscriptionID)
			}
			remaining := g.inUse[subscriptionID]
			g.mu.Unlock()
			g.metrics.RecordGateInFlight(subscriptionID, remaining)
		})
	}, nil
}

// SetMax changes the per-tenant ceiling. Already admitted dispatches are
// unaffected; the new ceiling applies to subsequent Acquire calls.
func (g *Gate) SetMax(max int) {
	g.mu.Lock()
	g.max = max
	g.mu.Unlock()
}

// InFlight reports the current admitted count for a subscription.
func (g *Gate) InFlight(subscriptionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse[subscriptionID]
}
