package source

import (
	"context"
	"strings"
)

// CoinGecko simple price API. A metadata-only feed: the response is one
// object per token id mapping currency to price, flattened into
// "<id>_<currency>" metadata keys.
type coingeckoAdapter struct {
	spec   Spec
	client *Client
}

func newCoinGecko(spec Spec, client *Client) (Adapter, error) {
	return &coingeckoAdapter{spec: spec, client: client}, nil
}

func (a *coingeckoAdapter) Name() string { return a.spec.Name }
func (a *coingeckoAdapter) Type() string { return "coingecko" }

func (a *coingeckoAdapter) Probe(ctx context.Context) error {
	return a.client.probe(ctx, a.spec)
}

func (a *coingeckoAdapter) Fetch(ctx context.Context) FetchResult {
	if strings.TrimSpace(a.spec.Query["ids"]) == "" {
		return failure(ErrorConfig, "ids query required", 0, 0)
	}

	res, cerr := a.client.getJSON(ctx, a.spec)
	if cerr != nil {
		return cerr.result(res.elapsed)
	}

	prices, ok := asMap(res.payload)
	if !ok {
		return failure(ErrorParse, "expected price object", res.status, res.elapsed)
	}

	sample := Sample{
		Metadata: map[string]any{
			"provider": "coingecko",
		},
	}
	var tokens int64
	for id, raw := range prices {
		quotes, ok := asMap(raw)
		if !ok {
			continue
		}
		tokens++
		for currency, value := range quotes {
			if price, ok := asFloat(value); ok {
				sample.Metadata[id+"_"+currency] = price
			}
		}
	}
	if tokens == 0 {
		return failure(ErrorParse, "no token prices in response", res.status, res.elapsed)
	}
	sample.Metadata["tokens"] = tokens

	return FetchResult{Success: true, Sample: sample, StatusCode: res.status, Duration: res.elapsed}
}
