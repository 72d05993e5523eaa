package jobs

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func defaults() []ServiceConfig {
	return []ServiceConfig{
		{ServiceName: "defillama-pools", DisplayName: "DefiLlama Pool Yields", Category: "yield", Priority: 10, IntervalMinutes: 10, Enabled: true},
		{ServiceName: "lido-steth-apr", DisplayName: "Lido stETH APR", Category: "staking", Priority: 30, IntervalMinutes: 30, Enabled: true},
		{ServiceName: "etherscan-gas", DisplayName: "Etherscan Gas Oracle", Category: "chain", Priority: 40, IntervalMinutes: 5, Enabled: true},
	}
}

// Both backends must satisfy the same contract; every test runs against each.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestSeedInsertsAndListsOrdered(t *testing.T) {
	for backend, store := range stores(t) {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Seed(ctx, defaults()))

			list, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 3)
			require.Equal(t, "defillama-pools", list[0].ServiceName)
			require.Equal(t, "lido-steth-apr", list[1].ServiceName)
			require.Equal(t, "etherscan-gas", list[2].ServiceName)
		})
	}
}

func TestSeedPreservesOperatorTuning(t *testing.T) {
	for backend, store := range stores(t) {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Seed(ctx, defaults()))

			interval := 90
			disabled := false
			_, err := store.Update(ctx, "lido-steth-apr", Update{IntervalMinutes: &interval, Enabled: &disabled})
			require.NoError(t, err)

			// Re-seed with a renamed display and a different default interval.
			reseeded := defaults()
			reseeded[1].DisplayName = "Lido stETH APR (7d SMA)"
			reseeded[1].IntervalMinutes = 15
			require.NoError(t, store.Seed(ctx, reseeded))

			got, err := store.Get(ctx, "lido-steth-apr")
			require.NoError(t, err)
			require.Equal(t, "Lido stETH APR (7d SMA)", got.DisplayName, "descriptive fields refresh")
			require.Equal(t, 90, got.IntervalMinutes, "tuned interval survives reseed")
			require.False(t, got.Enabled, "tuned enablement survives reseed")
		})
	}
}

func TestSeedPreservesRunHistory(t *testing.T) {
	for backend, store := range stores(t) {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Seed(ctx, defaults()))
			require.NoError(t, store.RecordRun(ctx, "etherscan-gas", false, "timeout"))
			require.NoError(t, store.Seed(ctx, defaults()))

			got, err := store.Get(ctx, "etherscan-gas")
			require.NoError(t, err)
			require.Equal(t, int64(1), got.RunCount)
			require.Equal(t, int64(1), got.ErrorCount)
			require.Equal(t, "timeout", got.LastError)
		})
	}
}

func TestGetUnknownServiceIsNotFound(t *testing.T) {
	for backend, store := range stores(t) {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Seed(ctx, defaults()))

			_, err := store.Get(ctx, "no-such-service")
			require.ErrorIs(t, err, ErrNotFound)
			_, err = store.Update(ctx, "no-such-service", Update{})
			require.ErrorIs(t, err, ErrNotFound)
			require.ErrorIs(t, store.RecordRun(ctx, "no-such-service", true, ""), ErrNotFound)
		})
	}
}

func TestUpdateIsPartial(t *testing.T) {
	for backend, store := range stores(t) {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Seed(ctx, defaults()))

			interval := 20
			got, err := store.Update(ctx, "defillama-pools", Update{IntervalMinutes: &interval})
			require.NoError(t, err)
			require.Equal(t, 20, got.IntervalMinutes)
			require.True(t, got.Enabled, "untouched field keeps its value")

			disabled := false
			got, err = store.Update(ctx, "defillama-pools", Update{Enabled: &disabled})
			require.NoError(t, err)
			require.Equal(t, 20, got.IntervalMinutes)
			require.False(t, got.Enabled)
		})
	}
}

func TestRecordRunCountersAndErrorLifecycle(t *testing.T) {
	for backend, store := range stores(t) {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Seed(ctx, defaults()))
			name := "defillama-pools"

			require.NoError(t, store.RecordRun(ctx, name, true, ""))
			got, err := store.Get(ctx, name)
			require.NoError(t, err)
			require.Equal(t, int64(1), got.RunCount)
			require.Equal(t, int64(0), got.ErrorCount)
			require.NotNil(t, got.LastRun)
			require.Empty(t, got.LastError)

			require.NoError(t, store.RecordRun(ctx, name, false, "upstream status 502"))
			got, err = store.Get(ctx, name)
			require.NoError(t, err)
			require.Equal(t, int64(2), got.RunCount)
			require.Equal(t, int64(1), got.ErrorCount)
			require.Equal(t, "upstream status 502", got.LastError)
			require.NotNil(t, got.LastErrorAt)

			require.NoError(t, store.RecordRun(ctx, name, true, ""))
			got, err = store.Get(ctx, name)
			require.NoError(t, err)
			require.Equal(t, int64(3), got.RunCount)
			require.Equal(t, int64(1), got.ErrorCount, "errorCount is lifetime, not cleared")
			require.Empty(t, got.LastError, "success clears lastError")
			require.Nil(t, got.LastErrorAt)

			require.GreaterOrEqual(t, got.RunCount, got.ErrorCount)
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")

	store, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.Seed(ctx, defaults()))
	require.NoError(t, store.RecordRun(ctx, "lido-steth-apr", false, "transport: connection reset"))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "lido-steth-apr")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.RunCount)
	require.Equal(t, int64(1), got.ErrorCount)
	require.Equal(t, "transport: connection reset", got.LastError)
}
