// Package config loads and validates the environment configuration for the
// heartbeat master. All persistent state lives in the graph; the process
// itself is configured entirely through environment variables, optionally
// overridden by CLI flags in cmd/kurultai.
//
// Validation is fail-fast: a missing required variable, an endpoint with a
// forbidden scheme, or an undersized secret aborts startup before any
// component is constructed.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
)

// graphSchemes is the closed set of accepted GRAPH_URI schemes.
// Anything else (file, http, gopher, ...) is rejected at startup so a
// misconfigured endpoint can never be dialed.
var graphSchemes = map[string]bool{
	"bolt":    true,
	"bolt+s":  true,
	"neo4j":   true,
	"neo4j+s": true,
}

// Config holds the fully validated runtime configuration.
// The zero value is not usable; build instances with Load.
type Config struct {
	// Graph endpoint (Bolt). Scheme-validated against graphSchemes.
	GraphURI      string
	GraphUser     string
	GraphPassword string

	// Agent gateway. Only https, or http on a loopback host, is accepted.
	GatewayURL   string
	GatewayToken string

	// AgentHMACSecret is the master secret from which per-agent signing keys
	// are derived. Never logged, never persisted; only key hashes reach the
	// graph.
	AgentHMACSecret string

	ProjectRoot string
	LogLevel    string

	// ListenAddr is where the health endpoints and the inbound agent message
	// surface are served.
	ListenAddr string

	// CycleTokenBudget caps the cumulative tokens spent by handlers within a
	// single heartbeat cycle. Tasks due after the cap is hit are recorded as
	// skipped_budget and picked up on their next eligible cycle.
	CycleTokenBudget int
}

// Load reads the environment, applies defaults, and validates everything.
// It returns an error describing the first problem found; the caller treats
// any error as fatal (exit code 1).
func Load() (*Config, error) {
	cfg := &Config{
		GraphURI:         envOrDefault("GRAPH_URI", "bolt://localhost:7687"),
		GraphUser:        envOrDefault("GRAPH_USER", "neo4j"),
		GraphPassword:    os.Getenv("GRAPH_PASSWORD"),
		GatewayURL:       os.Getenv("GATEWAY_URL"),
		GatewayToken:     os.Getenv("GATEWAY_TOKEN"),
		AgentHMACSecret:  os.Getenv("AGENT_HMAC_SECRET"),
		ProjectRoot:      envOrDefault("PROJECT_ROOT", mustGetwd()),
		LogLevel:         envOrDefault("KURULTAI_LOG_LEVEL", "info"),
		ListenAddr:       envOrDefault("KURULTAI_LISTEN_ADDR", ":8420"),
		CycleTokenBudget: envIntOrDefault("KURULTAI_CYCLE_TOKEN_BUDGET", 8650),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field against the startup rules. It is exported so
// tests can exercise the rules without touching the process environment.
func (c *Config) Validate() error {
	if c.GraphPassword == "" {
		return fmt.Errorf("config: GRAPH_PASSWORD is required")
	}

	if err := ValidateGraphURI(c.GraphURI); err != nil {
		return err
	}

	if c.GatewayURL == "" {
		return fmt.Errorf("config: GATEWAY_URL is required")
	}
	if err := ValidateGatewayURL(c.GatewayURL); err != nil {
		return err
	}

	if len(c.GatewayToken) < 32 {
		return fmt.Errorf("config: GATEWAY_TOKEN must be at least 32 characters")
	}
	if len(c.AgentHMACSecret) < 64 {
		return fmt.Errorf("config: AGENT_HMAC_SECRET must be at least 64 characters")
	}

	if c.CycleTokenBudget <= 0 {
		return fmt.Errorf("config: cycle token budget must be positive, got %d", c.CycleTokenBudget)
	}

	return nil
}

// ValidateGraphURI rejects any graph endpoint whose scheme is outside the
// closed bolt/neo4j set.
func ValidateGraphURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: invalid GRAPH_URI: %w", err)
	}
	if !graphSchemes[u.Scheme] {
		return fmt.Errorf("config: GRAPH_URI scheme %q is not allowed (use bolt, bolt+s, neo4j or neo4j+s)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("config: GRAPH_URI is missing a host")
	}
	return nil
}

// ValidateGatewayURL accepts https to any host, and plain http only when the
// host is a loopback address. The gateway carries signed task payloads;
// cleartext beyond the local machine is never acceptable.
func ValidateGatewayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: invalid GATEWAY_URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		// fine for any host
	case "http":
		host := u.Hostname()
		if host == "localhost" {
			break
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			return fmt.Errorf("config: GATEWAY_URL may use http only for loopback hosts, got %q", host)
		}
	default:
		return fmt.Errorf("config: GATEWAY_URL scheme %q is not allowed (use http loopback or https)", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("config: GATEWAY_URL is missing a host")
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
