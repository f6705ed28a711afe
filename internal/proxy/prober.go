package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"jobpilot/internal/models"
)

const defaultProbeTimeout = 15 * time.Second

// Prober periodically fetches a known URL through each active endpoint
// and reports the outcome to the pool, so unhealthy endpoints decay and
// recovering ones climb back.
type Prober struct {
	pool     *Pool
	probeURL string
	interval time.Duration
	timeout  time.Duration
}

func NewProber(pool *Pool, probeURL string, interval time.Duration) *Prober {
	return &Prober{
		pool:     pool,
		probeURL: probeURL,
		interval: interval,
		timeout:  defaultProbeTimeout,
	}
}

// Run probes all endpoints once per interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}

// ProbeAll checks every active endpoint concurrently and waits for all
// probes to finish. Disabled and direct endpoints are skipped.
func (p *Prober) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, endpoint := range p.pool.Snapshot() {
		if !endpoint.Active || endpoint.IsDirect() {
			continue
		}
		wg.Add(1)
		go func(e models.ProxyEndpoint) {
			defer wg.Done()
			p.probe(ctx, e)
		}(endpoint)
	}
	wg.Wait()
}

func (p *Prober) probe(ctx context.Context, e models.ProxyEndpoint) {
	client := p.clientFor(e)
	defer client.CloseIdleConnections()

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.probeURL, nil)
	if err != nil {
		p.pool.ReportHealth(e.ID, false, 0, err.Error())
		return
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := float64(time.Since(start).Milliseconds())
	if err != nil {
		p.pool.ReportHealth(e.ID, false, latency, err.Error())
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		p.pool.ReportHealth(e.ID, false, latency, fmt.Sprintf("probe returned %d", resp.StatusCode))
		return
	}
	p.pool.ReportHealth(e.ID, true, latency, "")
}

func (p *Prober) clientFor(e models.ProxyEndpoint) *http.Client {
	proxyURL := &url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", e.Host, e.Port),
	}
	if e.Username != "" {
		proxyURL.User = url.UserPassword(e.Username, e.Password)
	}
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   p.timeout,
	}
}
