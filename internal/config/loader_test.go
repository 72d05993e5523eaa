package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := NewLoader("YIELDSYNC").Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Listen.Port)
	require.Equal(t, "memory", cfg.Server.Jobs.Store)

	// With no operator catalog, the built-in sources carry the service.
	require.Len(t, cfg.Sources, 5)
	require.Empty(t, cfg.SkippedSources)
	require.Empty(t, cfg.CatalogFiles)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
server:
  listen:
    port: 9090
  cache:
    capacity: 50
    eviction: lru
  limits:
    defaultPerMinute: 12
`)

	cfg, err := NewLoader("YIELDSYNC", path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Listen.Port)
	require.Equal(t, 50, cfg.Server.Cache.Capacity)
	require.Equal(t, "lru", cfg.Server.Cache.Eviction)
	require.Equal(t, 12, cfg.Server.Limits.DefaultPerMinute)
	// Untouched settings keep their defaults.
	require.Equal(t, 600, cfg.Server.Cache.DefaultTTLSeconds)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
server:
  listen:
    port: 9090
`)
	t.Setenv("YIELDSYNC_SERVER__LISTEN__PORT", "7070")
	t.Setenv("YIELDSYNC_SERVER__CACHE__DEFAULTTTLSECONDS", "120")
	t.Setenv("YIELDSYNC_SERVER__JOBS__STORE", "sqlite")
	t.Setenv("YIELDSYNC_SERVER__JOBS__SQLITEPATH", dir+"/jobs.db")

	cfg, err := NewLoader("YIELDSYNC", path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Listen.Port)
	require.Equal(t, 120, cfg.Server.Cache.DefaultTTLSeconds)
	require.Equal(t, "sqlite", cfg.Server.Jobs.Store)
}

func TestLoadInlineSourcesJoinCatalog(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
sources:
  my-vault:
    type: beefy
    baseUrl: https://api.beefy.finance
    endpoint: /apy/breakdown
    params:
      vault: cake-bnb
    intervalMinutes: 20
`)

	cfg, err := NewLoader("YIELDSYNC", path).Load(context.Background())
	require.NoError(t, err)
	require.Contains(t, cfg.Sources, "my-vault")
	require.Equal(t, "cake-bnb", cfg.Sources["my-vault"].Params["vault"])
	require.Contains(t, cfg.InlineSources, "my-vault")
	// Defaults still merge underneath the inline definition.
	require.Contains(t, cfg.Sources, "defillama-pools")
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := NewLoader("YIELDSYNC", "/does/not/exist.yaml").Load(context.Background())
	require.Error(t, err)
}

func TestLoadInvalidConfigFails(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
server:
  listen:
    port: -1
`)
	_, err := NewLoader("YIELDSYNC", path).Load(context.Background())
	require.Error(t, err)
}

func TestLoadCatalogFolder(t *testing.T) {
	dir := t.TempDir()
	catalogDir := t.TempDir()
	writeFile(t, catalogDir, "feeds.yaml", `
sources:
  prices:
    type: coingecko
    baseUrl: https://api.coingecko.com
    query:
      ids: ethereum
      vs_currencies: usd
`)
	path := writeFile(t, dir, "config.yaml", `
server:
  catalog:
    sourcesFolder: `+catalogDir+`
`)

	cfg, err := NewLoader("YIELDSYNC", path).Load(context.Background())
	require.NoError(t, err)
	require.Contains(t, cfg.Sources, "prices")
	require.Len(t, cfg.CatalogFiles, 1)
}
