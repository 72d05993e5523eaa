package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const mirrorKeyPrefix = "yieldsync:"

type MirrorTLSConfig struct {
	Enabled bool
	CAFile  string
}

type MirrorConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      MirrorTLSConfig
}

// Mirror is a best-effort write-behind replica of cache writes for the web
// tier. Entries land as JSON with a PX expiry matching their TTL, so the
// replica ages out on its own. Replication errors are logged and never
// surfaced to cache callers; the in-process read path stays in memory.
type Mirror struct {
	client valkey.Client
	logger *slog.Logger
}

// NewMirror connects and pings the replica so misconfiguration fails at boot
// rather than on the first write.
func NewMirror(cfg MirrorConfig, logger *slog.Logger) (*Mirror, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: mirror address required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read mirror ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: mirror ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: mirror client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: mirror ping: %w", err)
	}

	return &Mirror{client: client, logger: logger.With(slog.String("agent", "cache_mirror"))}, nil
}

// Set replicates one entry. Non-serializable payloads and transport errors
// are logged and dropped.
func (m *Mirror) Set(ctx context.Context, key string, data any, ttl time.Duration) {
	if m == nil || ttl <= 0 {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		m.logger.Warn("mirror marshal failed", slog.String("key", key), slog.Any("error", err))
		return
	}
	cmd := m.client.B().Set().Key(mirrorKeyPrefix + key).Value(string(payload)).Px(ttl).Build()
	if err := m.client.Do(ctx, cmd).Error(); err != nil {
		m.logger.Warn("mirror set failed", slog.String("key", key), slog.Any("error", err))
	}
}

// Delete removes replicated entries for explicitly deleted or cleared keys.
func (m *Mirror) Delete(ctx context.Context, keys ...string) {
	if m == nil || len(keys) == 0 {
		return
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = mirrorKeyPrefix + key
	}
	cmd := m.client.B().Del().Key(prefixed...).Build()
	if err := m.client.Do(ctx, cmd).Error(); err != nil {
		m.logger.Warn("mirror delete failed", slog.Int("keys", len(keys)), slog.Any("error", err))
	}
}

// Ping reports replica connectivity for the health endpoint.
func (m *Mirror) Ping(ctx context.Context) error {
	if m == nil {
		return nil
	}
	if err := m.client.Do(ctx, m.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("cache: mirror ping: %w", err)
	}
	return nil
}

// Close releases the replica connection.
func (m *Mirror) Close(context.Context) error {
	if m == nil {
		return nil
	}
	m.client.Close()
	return nil
}
