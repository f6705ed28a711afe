package proxy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobpilot/custom_errors"
	"jobpilot/internal/config"
	"jobpilot/internal/events"
	"jobpilot/internal/models"
)

func newTestEndpoint(id string, rate float64) models.ProxyEndpoint {
	return models.ProxyEndpoint{
		ID:              id,
		Host:            id + ".example.com",
		Port:            8080,
		Type:            models.ProxyDatacenter,
		Provider:        "test",
		SuccessRate:     rate,
		RequestsPerHour: 100,
		DailyLimit:      500,
	}
}

func TestGetNextProxy_NeverUsedWinsInsideSuccessBand(t *testing.T) {
	pool := NewPool(nil)

	recent := time.Now().Add(-2 * time.Minute)
	a := newTestEndpoint("a", 95)
	a.LastUsedAt = &recent
	b := newTestEndpoint("b", 85)
	c := newTestEndpoint("c", 98)

	pool.AddEndpoint(a)
	pool.AddEndpoint(b)
	pool.AddEndpoint(c)

	chosen, err := pool.GetNextProxy()
	require.NoError(t, err)

	// a and c are within 5 points of each other, so the never-used c
	// wins; b loses the success-rate comparison outright.
	assert.Equal(t, "c", chosen.ID)
}

func TestGetNextProxy_ClearSuccessRateGapDecides(t *testing.T) {
	pool := NewPool(nil)
	pool.AddEndpoint(newTestEndpoint("slowpoke", 70))
	pool.AddEndpoint(newTestEndpoint("steady", 90))

	chosen, err := pool.GetNextProxy()
	require.NoError(t, err)
	assert.Equal(t, "steady", chosen.ID)
}

func TestGetNextProxy_LowerUtilizationBreaksTie(t *testing.T) {
	pool := NewPool(nil)

	busy := newTestEndpoint("busy", 90)
	busy.HourlyUsage = 50
	idle := newTestEndpoint("idle", 90)
	idle.HourlyUsage = 10

	pool.AddEndpoint(busy)
	pool.AddEndpoint(idle)

	chosen, err := pool.GetNextProxy()
	require.NoError(t, err)
	assert.Equal(t, "idle", chosen.ID)
}

func TestGetNextProxy_ChargesUsageAndStampsLastUsed(t *testing.T) {
	pool := NewPool(nil)
	used := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pool.now = func() time.Time { return used }

	pool.AddEndpoint(newTestEndpoint("only", 90))

	chosen, err := pool.GetNextProxy()
	require.NoError(t, err)
	assert.Equal(t, 1, chosen.HourlyUsage)
	assert.Equal(t, 1, chosen.DailyUsage)

	stored, ok := pool.Endpoint("only")
	require.True(t, ok)
	assert.Equal(t, 1, stored.HourlyUsage)
	assert.Equal(t, 1, stored.DailyUsage)
	require.NotNil(t, stored.LastUsedAt)
	assert.True(t, stored.LastUsedAt.Equal(used))
}

func TestGetNextProxy_SkipsCappedAndInactiveEndpoints(t *testing.T) {
	pool := NewPool(nil)

	hourlyCapped := newTestEndpoint("hourly-capped", 99)
	hourlyCapped.HourlyUsage = hourlyCapped.RequestsPerHour
	dailyCapped := newTestEndpoint("daily-capped", 99)
	dailyCapped.DailyUsage = dailyCapped.DailyLimit
	failing := newTestEndpoint("failing", 99)
	failing.FailureCount = 10
	ok := newTestEndpoint("ok", 60)

	pool.AddEndpoint(hourlyCapped)
	pool.AddEndpoint(dailyCapped)
	pool.AddEndpoint(failing)
	pool.AddEndpoint(ok)

	chosen, err := pool.GetNextProxy()
	require.NoError(t, err)
	assert.Equal(t, "ok", chosen.ID)
}

func TestGetNextProxy_ExhaustedPoolSignalsAndErrors(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	ch := bus.Subscribe(4)

	pool := NewPool(bus)
	capped := newTestEndpoint("capped", 99)
	capped.HourlyUsage = capped.RequestsPerHour
	pool.AddEndpoint(capped)

	chosen, err := pool.GetNextProxy()
	assert.Nil(t, chosen)
	assert.True(t, errors.Is(err, custom_errors.ErrProxyExhausted))

	select {
	case evt := <-ch:
		assert.Equal(t, events.ProxyExhausted, evt.Type)
	default:
		t.Fatal("expected a proxy-exhausted event")
	}
}

func TestGetProxyByCountry(t *testing.T) {
	pool := NewPool(nil)

	us := newTestEndpoint("us-1", 90)
	us.Country = "US"
	de := newTestEndpoint("de-1", 70)
	de.Country = "DE"

	pool.AddEndpoint(us)
	pool.AddEndpoint(de)

	chosen, err := pool.GetProxyByCountry("DE")
	require.NoError(t, err)
	assert.Equal(t, "de-1", chosen.ID)

	_, err = pool.GetProxyByCountry("JP")
	assert.True(t, errors.Is(err, custom_errors.ErrProxyExhausted))
}

func TestReportHealth_SuccessMovesAverages(t *testing.T) {
	pool := NewPool(nil)

	e := newTestEndpoint("e", 50)
	e.AvgResponseTime = 200
	e.FailureCount = 3
	pool.AddEndpoint(e)

	pool.ReportHealth("e", true, 100, "")

	stored, ok := pool.Endpoint("e")
	require.True(t, ok)
	assert.InDelta(t, 55.0, stored.SuccessRate, 0.001)
	assert.InDelta(t, 180.0, stored.AvgResponseTime, 0.001)
	assert.Equal(t, 2, stored.FailureCount)
	assert.NotNil(t, stored.LastCheckedAt)
}

func TestReportHealth_FailureDecaysRate(t *testing.T) {
	pool := NewPool(nil)
	pool.AddEndpoint(newTestEndpoint("e", 80))

	pool.ReportHealth("e", false, 0, "connect timeout")

	stored, _ := pool.Endpoint("e")
	assert.InDelta(t, 72.0, stored.SuccessRate, 0.001)
	assert.Equal(t, 1, stored.FailureCount)
	assert.True(t, stored.Active)
}

func TestReportHealth_TenthFailureDisablesEndpoint(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	ch := bus.Subscribe(4)

	pool := NewPool(bus)
	e := newTestEndpoint("flaky", 40)
	e.FailureCount = 9
	pool.AddEndpoint(e)

	pool.ReportHealth("flaky", false, 0, "tls handshake failed")

	stored, _ := pool.Endpoint("flaky")
	assert.False(t, stored.Active)
	assert.Equal(t, 10, stored.FailureCount)

	select {
	case evt := <-ch:
		assert.Equal(t, events.ProxyDisabled, evt.Type)
		assert.Equal(t, "flaky", evt.Payload["proxy_id"])
	default:
		t.Fatal("expected a proxy-disabled event")
	}

	// Disabled endpoints never come back through selection.
	_, err := pool.GetNextProxy()
	assert.True(t, errors.Is(err, custom_errors.ErrProxyExhausted))
}

func TestReportHealth_SuccessRecoversFailureCount(t *testing.T) {
	pool := NewPool(nil)
	e := newTestEndpoint("e", 90)
	e.FailureCount = 0
	pool.AddEndpoint(e)

	pool.ReportHealth("e", true, 50, "")

	stored, _ := pool.Endpoint("e")
	assert.Equal(t, 0, stored.FailureCount, "failure count must not go negative")
}

func TestReportHealth_UnknownEndpointIsIgnored(t *testing.T) {
	pool := NewPool(nil)
	pool.ReportHealth("ghost", false, 0, "whatever")
	assert.Equal(t, 0, pool.Stats().Total)
}

func TestResetSweeps(t *testing.T) {
	pool := NewPool(nil)
	e := newTestEndpoint("e", 90)
	e.HourlyUsage = 42
	e.DailyUsage = 300
	pool.AddEndpoint(e)

	pool.ResetHourlyUsage()
	stored, _ := pool.Endpoint("e")
	assert.Equal(t, 0, stored.HourlyUsage)
	assert.Equal(t, 300, stored.DailyUsage, "hourly sweep must not touch daily counters")

	pool.ResetDailyUsage()
	stored, _ = pool.Endpoint("e")
	assert.Equal(t, 0, stored.DailyUsage)
}

func TestLoadFromProviders_InstallsFallbackWhenEmpty(t *testing.T) {
	pool := NewPool(nil)

	loaded := pool.LoadFromProviders(NewStaticProvider(nil))
	assert.Equal(t, 1, loaded)

	chosen, err := pool.GetNextProxy()
	require.NoError(t, err)
	assert.Equal(t, "local-direct", chosen.ID)
	assert.True(t, chosen.IsDirect())
}

func TestLoadFromProviders_Static(t *testing.T) {
	pool := NewPool(nil)

	loaded := pool.LoadFromProviders(NewStaticProvider([]config.ProxyEndpointConfig{
		{Host: "p1.example.com", Port: 8080, Provider: "brightdata", Country: "US", RequestsPerHour: 100, DailyLimit: 500},
		{Host: "p2.example.com", Port: 3128, Provider: "oxylabs", Type: "residential"},
	}))
	assert.Equal(t, 2, loaded)

	stored, ok := pool.Endpoint("p1.example.com:8080")
	require.True(t, ok)
	assert.Equal(t, "brightdata", stored.Provider)
	assert.Equal(t, models.ProxyDatacenter, stored.Type)
	assert.Equal(t, 100.0, stored.SuccessRate, "new endpoints start fully trusted")
	assert.True(t, stored.Active)

	stored, ok = pool.Endpoint("p2.example.com:3128")
	require.True(t, ok)
	assert.Equal(t, models.ProxyResidential, stored.Type)
}

func TestStaticProvider_RejectsEntryWithoutHost(t *testing.T) {
	_, err := NewStaticProvider([]config.ProxyEndpointConfig{{Port: 8080}}).Fetch()
	assert.Error(t, err)
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("PROXY_LIST", `[{"host":"env.example.com","port":9000,"username":"u","password":"p","type":"mobile","provider":"soax","country":"GB","requests_per_hour":50,"daily_limit":200}]`)

	endpoints, err := NewEnvProvider("").Fetch()
	require.NoError(t, err)
	require.Len(t, endpoints, 1)

	e := endpoints[0]
	assert.Equal(t, "env.example.com:9000", e.ID)
	assert.Equal(t, models.ProxyMobile, e.Type)
	assert.Equal(t, "GB", e.Country)
	assert.Equal(t, 50, e.RequestsPerHour)
	assert.Equal(t, 200, e.DailyLimit)
}

func TestEnvProvider_EmptyAndBroken(t *testing.T) {
	t.Setenv("PROXY_LIST", "")
	endpoints, err := NewEnvProvider("").Fetch()
	assert.NoError(t, err)
	assert.Empty(t, endpoints)

	t.Setenv("PROXY_LIST", "not json")
	_, err = NewEnvProvider("").Fetch()
	assert.Error(t, err)
}

func TestRemoveEndpoint(t *testing.T) {
	pool := NewPool(nil)
	pool.AddEndpoint(newTestEndpoint("e", 90))

	assert.True(t, pool.RemoveEndpoint("e"))
	assert.False(t, pool.RemoveEndpoint("e"))
	assert.Equal(t, 0, pool.Stats().Total)
}

func TestStats(t *testing.T) {
	pool := NewPool(nil)

	healthy := newTestEndpoint("healthy", 90)
	capped := newTestEndpoint("capped", 90)
	capped.HourlyUsage = capped.RequestsPerHour
	disabled := newTestEndpoint("disabled", 20)
	disabled.FailureCount = 10
	pool.AddEndpoint(healthy)
	pool.AddEndpoint(capped)
	pool.AddEndpoint(disabled)
	pool.ReportHealth("disabled", false, 0, "down")

	stats := pool.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 1, stats.Usable)
	assert.Equal(t, 1, stats.Disabled)
}
