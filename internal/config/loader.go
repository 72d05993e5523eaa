package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot: defaults, then config files, then
// environment overrides, then the merged source catalog (built-in defaults
// underneath inline and file-backed definitions).
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.cache.defaultttlseconds": "server.cache.defaultTTLSeconds",
			"server.cache.cleanupseconds":    "server.cache.cleanupSeconds",
			"server.cache.mirror.tls.cafile": "server.cache.mirror.tls.caFile",
			"server.jobs.sqlitepath":         "server.jobs.sqlitePath",
			"server.catalog.sourcesfile":     "server.catalog.sourcesFile",
			"server.catalog.sourcesfolder":   "server.catalog.sourcesFolder",
			"server.templates.allowenv":      "server.templates.allowEnv",
			"server.templates.allowedenv":    "server.templates.allowedEnv",
			"server.limits.defaultperminute": "server.limits.defaultPerMinute",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineSources = cloneSourceMap(cfg.Sources)

	catalog, err := buildCatalog(ctx, cfg.InlineSources, cfg.Server.Catalog)
	if err != nil {
		return Config{}, err
	}
	cfg.Sources = catalog.Sources
	cfg.CatalogFiles = catalog.Files
	cfg.SkippedSources = catalog.Skipped
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"cache": map[string]any{
				"capacity":          cfg.Server.Cache.Capacity,
				"defaultTTLSeconds": cfg.Server.Cache.DefaultTTLSeconds,
				"cleanupSeconds":    cfg.Server.Cache.CleanupSeconds,
				"eviction":          cfg.Server.Cache.Eviction,
				"mirror": map[string]any{
					"enabled":  cfg.Server.Cache.Mirror.Enabled,
					"address":  cfg.Server.Cache.Mirror.Address,
					"username": cfg.Server.Cache.Mirror.Username,
					"password": cfg.Server.Cache.Mirror.Password,
					"db":       cfg.Server.Cache.Mirror.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Mirror.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Mirror.TLS.CAFile,
					},
				},
			},
			"jobs": map[string]any{
				"store":      cfg.Server.Jobs.Store,
				"sqlitePath": cfg.Server.Jobs.SQLitePath,
			},
			"catalog": map[string]any{
				"sourcesFile":   cfg.Server.Catalog.SourcesFile,
				"sourcesFolder": cfg.Server.Catalog.SourcesFolder,
			},
			"templates": map[string]any{
				"allowEnv":   cfg.Server.Templates.AllowEnv,
				"allowedEnv": cfg.Server.Templates.AllowedEnv,
			},
			"limits": map[string]any{
				"defaultPerMinute": cfg.Server.Limits.DefaultPerMinute,
			},
		},
	}
}
