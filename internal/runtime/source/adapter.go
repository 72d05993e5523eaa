package source

import (
	"context"
	"time"
)

// ErrorKind buckets the expected failure modes of an upstream call. Adapters
// never retry; the orchestrator's next scheduled run is the retry.
type ErrorKind string

const (
	// ErrorHTTP is a non-2xx upstream status; FetchResult carries the code.
	ErrorHTTP ErrorKind = "http"
	// ErrorTimeout is a call that exceeded its deadline.
	ErrorTimeout ErrorKind = "timeout"
	// ErrorTransport is a connection-level failure.
	ErrorTransport ErrorKind = "transport"
	// ErrorParse is a response whose shape could not be normalized.
	ErrorParse ErrorKind = "parse"
	// ErrorConfig is a source misconfiguration, typically a missing API key.
	ErrorConfig ErrorKind = "config"
)

// Sample is the normalized payload every adapter produces. APY and TVL are
// pointers because explorer and price feeds legitimately carry neither.
type Sample struct {
	APY       *float64       `json:"apy,omitempty"`
	TVL       *float64       `json:"tvl,omitempty"`
	VaultInfo map[string]any `json:"vaultInfo,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// FetchResult reports one completed fetch attempt: either a normalized
// sample or a classified failure, plus call diagnostics.
type FetchResult struct {
	Success    bool          `json:"success"`
	Sample     Sample        `json:"sample,omitempty"`
	Error      string        `json:"error,omitempty"`
	Kind       ErrorKind     `json:"kind,omitempty"`
	StatusCode int           `json:"statusCode,omitempty"`
	Duration   time.Duration `json:"-"`
}

// Spec carries everything an adapter needs to shape its call. Header and
// query values arrive with credentials already rendered; Params hold
// adapter-side selectors (pool or vault identifiers) that are never sent
// upstream.
type Spec struct {
	Name     string
	Type     string
	BaseURL  string
	Endpoint string
	Query    map[string]string
	Headers  map[string]string
	Params   map[string]string
	Timeout  time.Duration
}

// Adapter is the uniform contract over one external platform: a single
// rate-limited, timed, bounded call that normalizes the platform's response
// shape, plus a cheap reachability probe for setup-time checks.
type Adapter interface {
	Name() string
	Type() string
	Fetch(ctx context.Context) FetchResult
	Probe(ctx context.Context) error
}

// Health is the coarse classification derived from call outcomes.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthUnknown   Health = "unknown"
)

// CheckHealth derives a health status by attempting a full fetch. Callers
// needing a low-cost check should prefer Probe.
func CheckHealth(ctx context.Context, a Adapter) Health {
	if a == nil {
		return HealthUnknown
	}
	if res := a.Fetch(ctx); res.Success {
		return HealthHealthy
	}
	return HealthUnhealthy
}

func failure(kind ErrorKind, msg string, status int, elapsed time.Duration) FetchResult {
	return FetchResult{
		Error:      msg,
		Kind:       kind,
		StatusCode: status,
		Duration:   elapsed,
	}
}
