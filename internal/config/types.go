package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option plus the merged source catalog once
// the loader resolves inline and file-backed definitions.
type Config struct {
	Server  ServerConfig            `koanf:"server"`
	Sources map[string]SourceConfig `koanf:"sources"`

	InlineSources map[string]SourceConfig `koanf:"-"`

	// CatalogFiles records which files contributed source definitions once the
	// loader resolves the configured catalog. It is excluded from koanf so the
	// value only reflects runtime discovery rather than static input documents.
	CatalogFiles []string `koanf:"-"`
	// SkippedSources captures duplicate or otherwise invalid source definitions
	// the loader intentionally disabled. The health endpoint surfaces these so
	// operators know which sources were quarantined without re-parsing files.
	SkippedSources []SourceSkip `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs for the ingestion daemon.
type ServerConfig struct {
	Listen    ListenConfig    `koanf:"listen"`
	Logging   LoggingConfig   `koanf:"logging"`
	Cache     CacheConfig     `koanf:"cache"`
	Jobs      JobsConfig      `koanf:"jobs"`
	Catalog   CatalogConfig   `koanf:"catalog"`
	Templates TemplatesConfig `koanf:"templates"`
	Limits    LimitsConfig    `koanf:"limits"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and output format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CacheConfig tunes the in-memory sample store and its optional Valkey mirror.
type CacheConfig struct {
	Capacity          int          `koanf:"capacity"`
	DefaultTTLSeconds int          `koanf:"defaultTTLSeconds"`
	CleanupSeconds    int          `koanf:"cleanupSeconds"`
	Eviction          string       `koanf:"eviction"`
	Mirror            MirrorConfig `koanf:"mirror"`
}

// MirrorConfig describes the optional write-behind Valkey replica consumed by
// the web tier. The in-process read path never touches it.
type MirrorConfig struct {
	Enabled  bool            `koanf:"enabled"`
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	TLS      MirrorTLSConfig `koanf:"tls"`
}

type MirrorTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// JobsConfig selects where service configurations and run counters live.
type JobsConfig struct {
	Store      string `koanf:"store"`
	SQLitePath string `koanf:"sqlitePath"`
}

// CatalogConfig announces how source catalog documents are discovered.
type CatalogConfig struct {
	SourcesFile   string `koanf:"sourcesFile"`
	SourcesFolder string `koanf:"sourcesFolder"`
}

// TemplatesConfig governs the credential template sandbox. Environment lookups
// resolve to empty strings unless AllowEnv is set and the variable is listed.
type TemplatesConfig struct {
	AllowEnv   bool     `koanf:"allowEnv"`
	AllowedEnv []string `koanf:"allowedEnv"`
}

// LimitsConfig carries the fallback call budget for sources that do not set
// their own ratePerMinute.
type LimitsConfig struct {
	DefaultPerMinute int `koanf:"defaultPerMinute"`
}

// SourceSkip describes a catalog artifact that the loader intentionally
// ignored because it violated invariants (for example duplicate names across
// files or a guard expression that does not compile).
type SourceSkip struct {
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// SourceConfig declares one external platform poll: which adapter type handles
// it, where the data lands in the cache, how often it runs, and how the call
// is shaped. Header and query values may contain templates so API keys stay
// out of catalog files ({{ env "ETHERSCAN_API_KEY" }}).
type SourceConfig struct {
	Type            string            `koanf:"type"`
	DisplayName     string            `koanf:"displayName"`
	Description     string            `koanf:"description"`
	Category        string            `koanf:"category"`
	Priority        int               `koanf:"priority"`
	IntervalMinutes int               `koanf:"intervalMinutes"`
	Enabled         *bool             `koanf:"enabled"`
	BaseURL         string            `koanf:"baseUrl"`
	Endpoint        string            `koanf:"endpoint"`
	Query           map[string]string `koanf:"query"`
	Headers         map[string]string `koanf:"headers"`
	Params          map[string]string `koanf:"params"`
	RatePerMinute   int               `koanf:"ratePerMinute"`
	TimeoutSeconds  int               `koanf:"timeoutSeconds"`
	CacheKey        string            `koanf:"cacheKey"`
	CacheTTL        string            `koanf:"cacheTTL"`
	Guard           string            `koanf:"guard"`
}

// IsEnabled treats an unset flag as enabled so catalogs only need to mention
// the flag when switching a source off.
func (s SourceConfig) IsEnabled() bool {
	if s.Enabled == nil {
		return true
	}
	return *s.Enabled
}

// TTL parses the configured cache TTL, returning zero for empty or malformed
// values so the store falls back to its default.
func (s SourceConfig) TTL() time.Duration {
	if strings.TrimSpace(s.CacheTTL) == "" {
		return 0
	}
	d, err := time.ParseDuration(s.CacheTTL)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// Timeout returns the per-call deadline, defaulting to 30 seconds.
func (s SourceConfig) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Validate enforces invariants that keep the runtime predictable before
// serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Cache.Capacity < 0 {
		return fmt.Errorf("config: server.cache.capacity invalid: %d", c.Server.Cache.Capacity)
	}
	if c.Server.Cache.DefaultTTLSeconds < 0 {
		return fmt.Errorf("config: server.cache.defaultTTLSeconds invalid: %d", c.Server.Cache.DefaultTTLSeconds)
	}
	if c.Server.Cache.CleanupSeconds < 0 {
		return fmt.Errorf("config: server.cache.cleanupSeconds invalid: %d", c.Server.Cache.CleanupSeconds)
	}
	switch strings.TrimSpace(strings.ToLower(c.Server.Cache.Eviction)) {
	case "", "fifo", "lru":
	default:
		return fmt.Errorf("config: server.cache.eviction unsupported: %s", c.Server.Cache.Eviction)
	}
	if c.Server.Cache.Mirror.Enabled && strings.TrimSpace(c.Server.Cache.Mirror.Address) == "" {
		return errors.New("config: server.cache.mirror.address required when mirror is enabled")
	}
	switch strings.TrimSpace(strings.ToLower(c.Server.Jobs.Store)) {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(c.Server.Jobs.SQLitePath) == "" {
			return errors.New("config: server.jobs.sqlitePath required for sqlite store")
		}
	default:
		return fmt.Errorf("config: server.jobs.store unsupported: %s", c.Server.Jobs.Store)
	}
	if c.Server.Catalog.SourcesFile != "" && c.Server.Catalog.SourcesFolder != "" {
		return errors.New("config: sourcesFile and sourcesFolder are mutually exclusive")
	}
	if c.Server.Limits.DefaultPerMinute < 0 {
		return fmt.Errorf("config: server.limits.defaultPerMinute invalid: %d", c.Server.Limits.DefaultPerMinute)
	}
	for name, src := range c.Sources {
		if err := validateSource(name, src); err != nil {
			return err
		}
	}
	return nil
}

func validateSource(name string, src SourceConfig) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("config: source name empty")
	}
	if strings.TrimSpace(src.Type) == "" {
		return fmt.Errorf("config: source %q type required", name)
	}
	if src.IntervalMinutes < 0 {
		return fmt.Errorf("config: source %q intervalMinutes invalid: %d", name, src.IntervalMinutes)
	}
	if src.RatePerMinute < 0 {
		return fmt.Errorf("config: source %q ratePerMinute invalid: %d", name, src.RatePerMinute)
	}
	if src.TimeoutSeconds < 0 {
		return fmt.Errorf("config: source %q timeoutSeconds invalid: %d", name, src.TimeoutSeconds)
	}
	if src.CacheTTL != "" {
		if _, err := time.ParseDuration(src.CacheTTL); err != nil {
			return fmt.Errorf("config: source %q cacheTTL invalid: %w", name, err)
		}
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design
// defaults: a 1,000 entry cache with a 10 minute TTL swept every 5 minutes.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Cache: CacheConfig{
				Capacity:          1000,
				DefaultTTLSeconds: 600,
				CleanupSeconds:    300,
				Eviction:          "fifo",
			},
			Jobs: JobsConfig{
				Store: "memory",
			},
			Templates: TemplatesConfig{
				AllowEnv: false,
			},
			Limits: LimitsConfig{
				DefaultPerMinute: 30,
			},
		},
	}
}

// DefaultSources is the built-in catalog applied underneath operator-provided
// definitions. Intervals and TTLs follow each feed's volatility: explorer and
// price metadata moves every few minutes while protocol APR drifts slowly.
func DefaultSources() map[string]SourceConfig {
	return map[string]SourceConfig{
		"defillama-pools": {
			Type:            "defillama",
			DisplayName:     "DefiLlama Pool Yields",
			Description:     "Pool-level APY and TVL from the DefiLlama yields API",
			Category:        "yield",
			Priority:        10,
			IntervalMinutes: 10,
			BaseURL:         "https://yields.llama.fi",
			Endpoint:        "/pools",
			RatePerMinute:   10,
			CacheKey:        "pool-details:defillama",
			CacheTTL:        "10m",
		},
		"beefy-vaults": {
			Type:            "beefy",
			DisplayName:     "Beefy Vault APY",
			Description:     "Vault APY breakdown from the Beefy finance API",
			Category:        "yield",
			Priority:        20,
			IntervalMinutes: 15,
			BaseURL:         "https://api.beefy.finance",
			Endpoint:        "/apy/breakdown",
			Params: map[string]string{
				"vault": "aave-v3-eth",
			},
			RatePerMinute: 10,
			CacheKey:      "vault-apy:beefy",
			CacheTTL:      "15m",
		},
		"lido-steth-apr": {
			Type:            "lido",
			DisplayName:     "Lido stETH APR",
			Description:     "Seven day SMA staking APR from the Lido protocol API",
			Category:        "staking",
			Priority:        30,
			IntervalMinutes: 30,
			BaseURL:         "https://eth-api.lido.fi",
			Endpoint:        "/v1/protocol/steth/apr/sma",
			RatePerMinute:   6,
			CacheKey:        "staking-apr:lido",
			CacheTTL:        "30m",
		},
		"etherscan-gas": {
			Type:            "etherscan",
			DisplayName:     "Etherscan Gas Oracle",
			Description:     "Current gas price tiers from the Etherscan gas tracker",
			Category:        "chain",
			Priority:        40,
			IntervalMinutes: 5,
			BaseURL:         "https://api.etherscan.io",
			Endpoint:        "/api",
			Query: map[string]string{
				"module": "gastracker",
				"action": "gasoracle",
				"apikey": `{{ env "ETHERSCAN_API_KEY" }}`,
			},
			RatePerMinute: 5,
			CacheKey:      "gas-oracle:etherscan",
			CacheTTL:      "5m",
		},
		"coingecko-prices": {
			Type:            "coingecko",
			DisplayName:     "CoinGecko Spot Prices",
			Description:     "USD spot prices for tracked tokens from CoinGecko",
			Category:        "prices",
			Priority:        50,
			IntervalMinutes: 5,
			BaseURL:         "https://api.coingecko.com",
			Endpoint:        "/api/v3/simple/price",
			Query: map[string]string{
				"ids":           "ethereum,lido-dao",
				"vs_currencies": "usd",
			},
			RatePerMinute: 10,
			CacheKey:      "token-prices:coingecko",
			CacheTTL:      "5m",
		},
	}
}
