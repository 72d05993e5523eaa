package source

import (
	"context"
	"strings"
)

// Beefy finance API. The /apy/breakdown endpoint returns one object keyed by
// vault id; the "vault" param names the vault to extract. Beefy reports APY
// as a fraction (0.042 = 4.2%), converted to percent here so every adapter's
// sample speaks the same unit.
type beefyAdapter struct {
	spec   Spec
	client *Client
}

func newBeefy(spec Spec, client *Client) (Adapter, error) {
	return &beefyAdapter{spec: spec, client: client}, nil
}

func (a *beefyAdapter) Name() string { return a.spec.Name }
func (a *beefyAdapter) Type() string { return "beefy" }

func (a *beefyAdapter) Probe(ctx context.Context) error {
	return a.client.probe(ctx, a.spec)
}

func (a *beefyAdapter) Fetch(ctx context.Context) FetchResult {
	vault := strings.TrimSpace(a.spec.Params["vault"])
	if vault == "" {
		return failure(ErrorConfig, "vault param required", 0, 0)
	}

	res, cerr := a.client.getJSON(ctx, a.spec)
	if cerr != nil {
		return cerr.result(res.elapsed)
	}

	breakdown, ok := asMap(res.payload)
	if !ok {
		return failure(ErrorParse, "expected breakdown object", res.status, res.elapsed)
	}
	entry, ok := asMap(breakdown[vault])
	if !ok {
		return failure(ErrorParse, "vault "+vault+" not in breakdown", res.status, res.elapsed)
	}

	total, ok := asFloat(entry["totalApy"])
	if !ok {
		return failure(ErrorParse, "vault "+vault+" missing totalApy", res.status, res.elapsed)
	}

	sample := Sample{
		APY: floatPtr(total * 100),
		VaultInfo: map[string]any{
			"vault": vault,
		},
		Metadata: map[string]any{
			"provider": "beefy",
		},
	}
	for _, field := range []string{"vaultApr", "tradingApr", "liquidStakingApr", "composablePoolApr"} {
		if v, ok := asFloat(entry[field]); ok {
			sample.Metadata[field] = v * 100
		}
	}
	if fee, ok := asFloat(entry["beefyPerformanceFee"]); ok {
		sample.Metadata["performanceFee"] = fee
	}

	return FetchResult{Success: true, Sample: sample, StatusCode: res.status, Duration: res.elapsed}
}
