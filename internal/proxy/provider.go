package proxy

import (
	"encoding/json"
	"fmt"
	"os"

	"jobpilot/internal/config"
	"jobpilot/internal/models"
)

// DefaultEnvVar is where EnvProvider looks for a JSON endpoint list.
const DefaultEnvVar = "PROXY_LIST"

// Provider yields proxy endpoints for the pool to manage.
type Provider interface {
	Name() string
	Fetch() ([]models.ProxyEndpoint, error)
}

// StaticProvider serves the endpoints declared in the config file.
type StaticProvider struct {
	entries []config.ProxyEndpointConfig
}

func NewStaticProvider(entries []config.ProxyEndpointConfig) *StaticProvider {
	return &StaticProvider{entries: entries}
}

func (s *StaticProvider) Name() string { return "static" }

func (s *StaticProvider) Fetch() ([]models.ProxyEndpoint, error) {
	endpoints := make([]models.ProxyEndpoint, 0, len(s.entries))
	for _, entry := range s.entries {
		if entry.Host == "" || entry.Port <= 0 {
			return nil, fmt.Errorf("static proxy entry needs host and port, got %q:%d", entry.Host, entry.Port)
		}
		endpoints = append(endpoints, models.ProxyEndpoint{
			ID:              endpointID(entry.Host, entry.Port),
			Host:            entry.Host,
			Port:            entry.Port,
			Username:        entry.Username,
			Password:        entry.Password,
			Type:            endpointType(entry.Type),
			Provider:        entry.Provider,
			Country:         entry.Country,
			Region:          entry.Region,
			RequestsPerHour: entry.RequestsPerHour,
			DailyLimit:      entry.DailyLimit,
		})
	}
	return endpoints, nil
}

// EnvProvider reads a JSON array of endpoints from an environment
// variable, the same shape vendors hand out in dashboards:
//
//	[{"host":"p1.example.com","port":8080,"username":"u","password":"p",
//	  "type":"residential","provider":"brightdata","country":"US",
//	  "requests_per_hour":100,"daily_limit":500}]
type EnvProvider struct {
	envVar string
}

func NewEnvProvider(envVar string) *EnvProvider {
	if envVar == "" {
		envVar = DefaultEnvVar
	}
	return &EnvProvider{envVar: envVar}
}

func (e *EnvProvider) Name() string { return "env:" + e.envVar }

type envEndpoint struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	Type            string `json:"type"`
	Provider        string `json:"provider"`
	Country         string `json:"country"`
	Region          string `json:"region"`
	RequestsPerHour int    `json:"requests_per_hour"`
	DailyLimit      int    `json:"daily_limit"`
}

func (e *EnvProvider) Fetch() ([]models.ProxyEndpoint, error) {
	raw := os.Getenv(e.envVar)
	if raw == "" {
		return nil, nil
	}

	var entries []envEndpoint
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", e.envVar, err)
	}

	endpoints := make([]models.ProxyEndpoint, 0, len(entries))
	for _, entry := range entries {
		if entry.Host == "" || entry.Port <= 0 {
			return nil, fmt.Errorf("%s entry needs host and port, got %q:%d", e.envVar, entry.Host, entry.Port)
		}
		endpoints = append(endpoints, models.ProxyEndpoint{
			ID:              endpointID(entry.Host, entry.Port),
			Host:            entry.Host,
			Port:            entry.Port,
			Username:        entry.Username,
			Password:        entry.Password,
			Type:            endpointType(entry.Type),
			Provider:        entry.Provider,
			Country:         entry.Country,
			Region:          entry.Region,
			RequestsPerHour: entry.RequestsPerHour,
			DailyLimit:      entry.DailyLimit,
		})
	}
	return endpoints, nil
}

// FallbackEndpoint is the uncapped direct-egress endpoint installed
// when no provider yields anything.
func FallbackEndpoint() models.ProxyEndpoint {
	return models.ProxyEndpoint{
		ID:          "local-direct",
		Type:        models.ProxyStatic,
		Provider:    "local",
		SuccessRate: 100,
		Active:      true,
	}
}

func endpointID(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

func endpointType(t string) models.ProxyType {
	if t == "" {
		return models.ProxyDatacenter
	}
	return models.ProxyType(t)
}
