package models

import "time"

type ProxyType string

const (
	ProxyResidential ProxyType = "residential"
	ProxyDatacenter  ProxyType = "datacenter"
	ProxyMobile      ProxyType = "mobile"
	ProxyStatic      ProxyType = "static"
	ProxyRotating    ProxyType = "rotating"
)

// ProxyEndpoint is one egress identity managed by the pool. Health
// fields are exponential moving averages; usage counters are zeroed by
// the hourly/daily reset sweeps.
type ProxyEndpoint struct {
	ID       string
	Host     string
	Port     int
	Username string
	Password string
	Type     ProxyType
	Provider string
	Country  string
	Region   string

	Active          bool
	SuccessRate     float64 // 0..100
	FailureCount    int
	AvgResponseTime float64 // milliseconds
	LastUsedAt      *time.Time
	LastCheckedAt   *time.Time

	RequestsPerHour int
	DailyLimit      int
	HourlyUsage     int
	DailyUsage      int
}

// ProxyConfig is the form handed to the worker process in PROXY_CONFIG
// and the context file. The worker assembles the browser proxy URL from
// host and port itself.
type ProxyConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Type     string `json:"type"`
}

// WorkerConfig renders the endpoint in the worker contract form.
func (p *ProxyEndpoint) WorkerConfig() ProxyConfig {
	return ProxyConfig{
		Host:     p.Host,
		Port:     p.Port,
		Username: p.Username,
		Password: p.Password,
		Type:     "http",
	}
}

// HourlyUtilization is the fraction of the hourly budget spent.
// Endpoints without an hourly cap report zero so they rank as idle.
func (p *ProxyEndpoint) HourlyUtilization() float64 {
	if p.RequestsPerHour <= 0 {
		return 0
	}
	return float64(p.HourlyUsage) / float64(p.RequestsPerHour)
}

// IsDirect reports whether the endpoint stands for unproxied egress.
// The pool's local fallback is the only direct endpoint; workers get no
// PROXY_CONFIG for it.
func (p *ProxyEndpoint) IsDirect() bool {
	return p.Host == "" || p.Port == 0
}
