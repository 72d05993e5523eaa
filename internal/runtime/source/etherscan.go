package source

import (
	"context"
	"strconv"
	"strings"
)

// Etherscan gas tracker. A metadata-only feed: gas price tiers arrive as
// decimal strings and are parsed into numbers. The API reports rejections in
// the envelope ("status" != "1") rather than the HTTP status, including
// missing or invalid keys, so those map to config errors here.
type etherscanAdapter struct {
	spec   Spec
	client *Client
}

func newEtherscan(spec Spec, client *Client) (Adapter, error) {
	return &etherscanAdapter{spec: spec, client: client}, nil
}

func (a *etherscanAdapter) Name() string { return a.spec.Name }
func (a *etherscanAdapter) Type() string { return "etherscan" }

func (a *etherscanAdapter) Probe(ctx context.Context) error {
	return a.client.probe(ctx, a.spec)
}

func (a *etherscanAdapter) Fetch(ctx context.Context) FetchResult {
	if strings.TrimSpace(a.spec.Query["apikey"]) == "" {
		return failure(ErrorConfig, "apikey missing; set ETHERSCAN_API_KEY", 0, 0)
	}

	res, cerr := a.client.getJSON(ctx, a.spec)
	if cerr != nil {
		return cerr.result(res.elapsed)
	}

	envelope, ok := asMap(res.payload)
	if !ok {
		return failure(ErrorParse, "expected object envelope", res.status, res.elapsed)
	}
	if status, _ := asString(envelope["status"]); status != "1" {
		msg, _ := asString(envelope["message"])
		if msg == "" {
			msg = "status " + status
		}
		return failure(ErrorConfig, "etherscan rejected request: "+msg, res.status, res.elapsed)
	}
	oracle, ok := asMap(envelope["result"])
	if !ok {
		return failure(ErrorParse, "missing result object", res.status, res.elapsed)
	}

	sample := Sample{
		Metadata: map[string]any{
			"provider": "etherscan",
		},
	}
	tiers := map[string]string{
		"SafeGasPrice":    "safeGwei",
		"ProposeGasPrice": "proposeGwei",
		"FastGasPrice":    "fastGwei",
		"suggestBaseFee":  "baseFeeGwei",
	}
	for field, key := range tiers {
		raw, ok := asString(oracle[field])
		if !ok {
			continue
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			sample.Metadata[key] = v
		}
	}
	if block, ok := asString(oracle["LastBlock"]); ok {
		if v, err := strconv.ParseInt(block, 10, 64); err == nil {
			sample.Metadata["lastBlock"] = v
		}
	}
	if len(sample.Metadata) <= 1 {
		return failure(ErrorParse, "no gas tiers in result", res.status, res.elapsed)
	}

	return FetchResult{Success: true, Sample: sample, StatusCode: res.status, Duration: res.elapsed}
}
