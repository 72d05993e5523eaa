package source

import (
	"context"
	"fmt"
	"strings"
)

// DefiLlama yields API. The /pools endpoint returns every tracked pool; the
// adapter selects one by the "pool" param (pool id or symbol) or, absent a
// selector, the highest-TVL pool in the response.
type defillamaAdapter struct {
	spec   Spec
	client *Client
}

func newDefiLlama(spec Spec, client *Client) (Adapter, error) {
	return &defillamaAdapter{spec: spec, client: client}, nil
}

func (a *defillamaAdapter) Name() string { return a.spec.Name }
func (a *defillamaAdapter) Type() string { return "defillama" }

func (a *defillamaAdapter) Probe(ctx context.Context) error {
	return a.client.probe(ctx, a.spec)
}

func (a *defillamaAdapter) Fetch(ctx context.Context) FetchResult {
	res, cerr := a.client.getJSON(ctx, a.spec)
	if cerr != nil {
		return cerr.result(res.elapsed)
	}

	envelope, ok := asMap(res.payload)
	if !ok {
		return failure(ErrorParse, "expected object envelope", res.status, res.elapsed)
	}
	if status, _ := asString(envelope["status"]); status != "" && status != "success" {
		return failure(ErrorParse, "envelope status "+status, res.status, res.elapsed)
	}
	pools, ok := asSlice(envelope["data"])
	if !ok || len(pools) == 0 {
		return failure(ErrorParse, "empty pool list", res.status, res.elapsed)
	}

	pool, found := a.selectPool(pools)
	if !found {
		return failure(ErrorParse, fmt.Sprintf("pool %q not found", a.spec.Params["pool"]), res.status, res.elapsed)
	}

	sample := Sample{
		VaultInfo: map[string]any{},
		Metadata: map[string]any{
			"poolCount": int64(len(pools)),
			"provider":  "defillama",
		},
	}
	if apy, ok := asFloat(pool["apy"]); ok {
		sample.APY = floatPtr(apy)
	}
	if tvl, ok := asFloat(pool["tvlUsd"]); ok {
		sample.TVL = floatPtr(tvl)
	}
	for _, field := range []string{"pool", "chain", "project", "symbol"} {
		if v, ok := asString(pool[field]); ok {
			sample.VaultInfo[field] = v
		}
	}
	if base, ok := asFloat(pool["apyBase"]); ok {
		sample.Metadata["apyBase"] = base
	}
	if reward, ok := asFloat(pool["apyReward"]); ok {
		sample.Metadata["apyReward"] = reward
	}

	return FetchResult{Success: true, Sample: sample, StatusCode: res.status, Duration: res.elapsed}
}

func (a *defillamaAdapter) selectPool(pools []any) (map[string]any, bool) {
	want := strings.TrimSpace(a.spec.Params["pool"])
	var best map[string]any
	var bestTVL float64
	for _, raw := range pools {
		pool, ok := asMap(raw)
		if !ok {
			continue
		}
		if want != "" {
			id, _ := asString(pool["pool"])
			symbol, _ := asString(pool["symbol"])
			if strings.EqualFold(id, want) || strings.EqualFold(symbol, want) {
				return pool, true
			}
			continue
		}
		tvl, _ := asFloat(pool["tvlUsd"])
		if best == nil || tvl > bestTVL {
			best, bestTVL = pool, tvl
		}
	}
	return best, best != nil
}
