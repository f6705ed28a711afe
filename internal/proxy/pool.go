package proxy

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"jobpilot/custom_errors"
	"jobpilot/internal/constants"
	"jobpilot/internal/events"
	"jobpilot/internal/models"
)

// Tie bands for endpoint ranking. Endpoints within successRateBand
// points of success rate are considered equal; same for utilization.
const (
	successRateBand = 5.0
	utilizationBand = 0.1
)

// EMA weights for health reporting.
const (
	successRateWeight  = 0.1
	responseTimeWeight = 0.2
)

// Pool manages the rotating set of egress endpoints. All selection and
// health mutation happens under one mutex so counter increments and
// ranking never race.
type Pool struct {
	mu        sync.Mutex
	endpoints map[string]*models.ProxyEndpoint
	bus       *events.Bus
	now       func() time.Time
}

type PoolStats struct {
	Total    int
	Active   int
	Usable   int
	Disabled int
}

func NewPool(bus *events.Bus) *Pool {
	return &Pool{
		endpoints: make(map[string]*models.ProxyEndpoint),
		bus:       bus,
		now:       time.Now,
	}
}

// LoadFromProviders fills the pool from each provider in order. When
// every provider yields nothing (or fails), the local fallback endpoint
// is installed so selection never runs against an empty pool.
func (p *Pool) LoadFromProviders(providers ...Provider) int {
	loaded := 0
	for _, provider := range providers {
		endpoints, err := provider.Fetch()
		if err != nil {
			slog.Warn("proxy provider failed", "provider", provider.Name(), "error", err)
			continue
		}
		for i := range endpoints {
			p.AddEndpoint(endpoints[i])
			loaded++
		}
	}

	if loaded == 0 {
		fallback := FallbackEndpoint()
		p.AddEndpoint(fallback)
		slog.Info("proxy pool empty, installed local fallback endpoint", "id", fallback.ID)
		loaded = 1
	}
	return loaded
}

func (p *Pool) AddEndpoint(endpoint models.ProxyEndpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if endpoint.SuccessRate == 0 {
		endpoint.SuccessRate = 100
	}
	endpoint.Active = true
	p.endpoints[endpoint.ID] = &endpoint
}

// RemoveEndpoint is the only way an endpoint leaves the pool.
func (p *Pool) RemoveEndpoint(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.endpoints[id]; !ok {
		return false
	}
	delete(p.endpoints, id)
	return true
}

// GetNextProxy picks the healthiest usable endpoint and charges one
// request against its hourly and daily budgets before returning it.
// The usage is not rolled back if the caller's request never happens.
func (p *Pool) GetNextProxy() (*models.ProxyEndpoint, error) {
	return p.pick(func(e *models.ProxyEndpoint) bool { return true })
}

// GetProxyByCountry is GetNextProxy restricted to endpoints pinned to
// the given country code.
func (p *Pool) GetProxyByCountry(country string) (*models.ProxyEndpoint, error) {
	return p.pick(func(e *models.ProxyEndpoint) bool { return e.Country == country })
}

func (p *Pool) pick(match func(*models.ProxyEndpoint) bool) (*models.ProxyEndpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]*models.ProxyEndpoint, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		if usable(e) && match(e) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		if p.bus != nil {
			p.bus.Publish(events.Event{Type: events.ProxyExhausted})
		}
		return nil, custom_errors.ErrProxyExhausted
	}

	// The banded comparison is not transitive, so a full sort could
	// give order-dependent results. A champion scan over an ID-sorted
	// slice keeps selection deterministic.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ID < candidates[j].ID
	})
	chosen := candidates[0]
	for _, candidate := range candidates[1:] {
		if rank(candidate, chosen) {
			chosen = candidate
		}
	}

	now := p.now()
	chosen.HourlyUsage++
	chosen.DailyUsage++
	chosen.LastUsedAt = &now

	copied := *chosen
	return &copied, nil
}

func usable(e *models.ProxyEndpoint) bool {
	if !e.Active {
		return false
	}
	if e.FailureCount >= constants.MaxProxyFailures {
		return false
	}
	if e.RequestsPerHour > 0 && e.HourlyUsage >= e.RequestsPerHour {
		return false
	}
	if e.DailyLimit > 0 && e.DailyUsage >= e.DailyLimit {
		return false
	}
	return true
}

// rank orders two usable endpoints: clearly better success rate first;
// within the success band, lower hourly utilization; within both
// bands, the endpoint idle longest (never used counts as oldest).
func rank(a, b *models.ProxyEndpoint) bool {
	if diff := a.SuccessRate - b.SuccessRate; diff > successRateBand || diff < -successRateBand {
		return a.SuccessRate > b.SuccessRate
	}

	ua, ub := a.HourlyUtilization(), b.HourlyUtilization()
	if diff := ua - ub; diff > utilizationBand || diff < -utilizationBand {
		return ua < ub
	}

	switch {
	case a.LastUsedAt == nil && b.LastUsedAt == nil:
		return a.ID < b.ID
	case a.LastUsedAt == nil:
		return true
	case b.LastUsedAt == nil:
		return false
	case !a.LastUsedAt.Equal(*b.LastUsedAt):
		return a.LastUsedAt.Before(*b.LastUsedAt)
	}
	return a.ID < b.ID
}

// ReportHealth folds one observation into the endpoint's moving
// averages. Ten consecutive net failures deactivate the endpoint and
// raise the disable signal.
func (p *Pool) ReportHealth(id string, success bool, latencyMs float64, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.endpoints[id]
	if !ok {
		return
	}

	now := p.now()
	e.LastCheckedAt = &now

	if success {
		e.SuccessRate += successRateWeight * (100 - e.SuccessRate)
		e.AvgResponseTime += responseTimeWeight * (latencyMs - e.AvgResponseTime)
		if e.FailureCount > 0 {
			e.FailureCount--
		}
		return
	}

	e.SuccessRate += successRateWeight * (0 - e.SuccessRate)
	e.FailureCount++
	if e.FailureCount >= constants.MaxProxyFailures && e.Active {
		e.Active = false
		slog.Warn("proxy endpoint disabled",
			"id", e.ID, "provider", e.Provider, "failures", e.FailureCount, "reason", reason)
		if p.bus != nil {
			p.bus.Publish(events.Event{
				Type: events.ProxyDisabled,
				Payload: map[string]any{
					"proxy_id": e.ID,
					"provider": e.Provider,
					"failures": e.FailureCount,
					"reason":   reason,
				},
			})
		}
	}
}

// ResetHourlyUsage zeroes the hourly counters. Runs at the top of each
// hour.
func (p *Pool) ResetHourlyUsage() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.endpoints {
		e.HourlyUsage = 0
	}
}

// ResetDailyUsage zeroes the daily counters. Runs at local midnight.
func (p *Pool) ResetDailyUsage() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.endpoints {
		e.DailyUsage = 0
	}
}

// Endpoint returns a copy of one endpoint for inspection.
func (p *Pool) Endpoint(id string) (models.ProxyEndpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.endpoints[id]
	if !ok {
		return models.ProxyEndpoint{}, false
	}
	return *e, true
}

// Snapshot returns copies of all endpoints, for the prober and stats.
func (p *Pool) Snapshot() []models.ProxyEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.ProxyEndpoint, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{Total: len(p.endpoints)}
	for _, e := range p.endpoints {
		if e.Active {
			stats.Active++
		} else {
			stats.Disabled++
		}
		if usable(e) {
			stats.Usable++
		}
	}
	return stats
}
