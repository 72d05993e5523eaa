package source

import (
	"context"
)

// Lido protocol API. The SMA endpoint returns a smoothed staking APR plus the
// individual daily points that produced it; the smoothed value is the sample's
// APY and the latest raw point rides along as metadata.
type lidoAdapter struct {
	spec   Spec
	client *Client
}

func newLido(spec Spec, client *Client) (Adapter, error) {
	return &lidoAdapter{spec: spec, client: client}, nil
}

func (a *lidoAdapter) Name() string { return a.spec.Name }
func (a *lidoAdapter) Type() string { return "lido" }

func (a *lidoAdapter) Probe(ctx context.Context) error {
	return a.client.probe(ctx, a.spec)
}

func (a *lidoAdapter) Fetch(ctx context.Context) FetchResult {
	res, cerr := a.client.getJSON(ctx, a.spec)
	if cerr != nil {
		return cerr.result(res.elapsed)
	}

	envelope, ok := asMap(res.payload)
	if !ok {
		return failure(ErrorParse, "expected object envelope", res.status, res.elapsed)
	}
	data, ok := asMap(envelope["data"])
	if !ok {
		return failure(ErrorParse, "missing data object", res.status, res.elapsed)
	}
	sma, ok := asFloat(data["smaApr"])
	if !ok {
		return failure(ErrorParse, "missing smaApr", res.status, res.elapsed)
	}

	sample := Sample{
		APY: floatPtr(sma),
		Metadata: map[string]any{
			"provider": "lido",
		},
	}
	if points, ok := asSlice(data["aprs"]); ok && len(points) > 0 {
		sample.Metadata["samples"] = int64(len(points))
		if last, ok := asMap(points[len(points)-1]); ok {
			if apr, ok := asFloat(last["apr"]); ok {
				sample.Metadata["latestApr"] = apr
			}
			if ts, ok := asFloat(last["timeUnix"]); ok {
				sample.Metadata["latestAprAt"] = int64(ts)
			}
		}
	}
	if meta, ok := asMap(envelope["meta"]); ok {
		if symbol, ok := asString(meta["symbol"]); ok {
			sample.Metadata["symbol"] = symbol
		}
	}

	return FetchResult{Success: true, Sample: sample, StatusCode: res.status, Duration: res.elapsed}
}
