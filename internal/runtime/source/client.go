package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/0xlens/yieldsync/internal/runtime/ratelimit"
)

const (
	defaultTimeout = 30 * time.Second
	probeTimeout   = 5 * time.Second
	maxBodyBytes   = 1 << 20
	userAgent      = "yieldsync/1.0"
)

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Client is the HTTP plumbing shared by every adapter: URL composition from
// base plus endpoint, default headers merged with per-source credentials,
// rate-limiter gating, timeout enforcement through context cancellation, and
// bounded JSON decoding. Adapters own only normalization.
type Client struct {
	http    httpDoer
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// NewClient wires the shared plumbing. A nil doer falls back to a default
// http.Client without its own timeout; deadlines come from the per-call
// context.
func NewClient(doer httpDoer, limiter *ratelimit.Limiter, logger *slog.Logger) *Client {
	if doer == nil {
		doer = &http.Client{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{http: doer, limiter: limiter, logger: logger.With(slog.String("agent", "source_client"))}
}

type httpResult struct {
	payload any
	status  int
	elapsed time.Duration
}

type callError struct {
	kind   ErrorKind
	msg    string
	status int
}

func (e *callError) result(elapsed time.Duration) FetchResult {
	return failure(e.kind, e.msg, e.status, elapsed)
}

// getJSON performs one throttled, bounded GET and decodes the JSON body.
// elapsed excludes the limiter wait so responseTime diagnostics reflect the
// upstream, not local pacing.
func (c *Client) getJSON(ctx context.Context, spec Spec) (httpResult, *callError) {
	if c.limiter != nil {
		if _, err := c.limiter.Acquire(ctx, spec.Name); err != nil {
			return httpResult{}, classifyTransport(err)
		}
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target, cerr := composeURL(spec)
	if cerr != nil {
		return httpResult{}, cerr
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, target, nil)
	if err != nil {
		return httpResult{}, &callError{kind: ErrorConfig, msg: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for name, value := range spec.Headers {
		if strings.TrimSpace(value) != "" {
			req.Header.Set(name, value)
		}
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return httpResult{}, classifyTransport(err)
	}
	elapsed := time.Since(started)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	closeErr := resp.Body.Close()
	if err != nil {
		return httpResult{}, classifyTransport(err)
	}
	if closeErr != nil {
		return httpResult{}, classifyTransport(closeErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return httpResult{}, &callError{
			kind:   ErrorHTTP,
			msg:    fmt.Sprintf("unexpected status %d", resp.StatusCode),
			status: resp.StatusCode,
		}
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var payload any
	if err := decoder.Decode(&payload); err != nil {
		return httpResult{}, &callError{kind: ErrorParse, msg: fmt.Sprintf("decode response: %v", err), status: resp.StatusCode}
	}

	return httpResult{payload: normalizeJSONNumbers(payload), status: resp.StatusCode, elapsed: elapsed}, nil
}

// probe issues a lightweight HEAD to the composed URL. Any response at all,
// including 405 from APIs that reject HEAD, proves reachability; only
// transport failures and server errors count against the source.
func (c *Client) probe(ctx context.Context, spec Spec) error {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	target, cerr := composeURL(spec)
	if cerr != nil {
		return errors.New(cerr.msg)
	}
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, target, nil)
	if err != nil {
		return fmt.Errorf("source: probe request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	for name, value := range spec.Headers {
		if strings.TrimSpace(value) != "" {
			req.Header.Set(name, value)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("source: probe %s: %w", spec.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("source: probe %s: status %d", spec.Name, resp.StatusCode)
	}
	return nil
}

func composeURL(spec Spec) (string, *callError) {
	base := strings.TrimRight(strings.TrimSpace(spec.BaseURL), "/")
	if base == "" {
		return "", &callError{kind: ErrorConfig, msg: "base url required"}
	}
	endpoint := spec.Endpoint
	if endpoint != "" && !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	parsed, err := url.Parse(base + endpoint)
	if err != nil {
		return "", &callError{kind: ErrorConfig, msg: fmt.Sprintf("parse url: %v", err)}
	}
	if len(spec.Query) > 0 {
		values := parsed.Query()
		for name, value := range spec.Query {
			if strings.TrimSpace(value) != "" {
				values.Set(name, value)
			}
		}
		parsed.RawQuery = values.Encode()
	}
	return parsed.String(), nil
}

func classifyTransport(err error) *callError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &callError{kind: ErrorTimeout, msg: "timeout: " + err.Error()}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return &callError{kind: ErrorTimeout, msg: "timeout: " + err.Error()}
	}
	return &callError{kind: ErrorTransport, msg: err.Error()}
}

// normalizeJSONNumbers recursively converts json.Number values to int64 or
// float64 so normalization code and guard expressions see plain Go numbers.
func normalizeJSONNumbers(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = normalizeJSONNumbers(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = normalizeJSONNumbers(val)
		}
		return out
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	default:
		return v
	}
}

// Shape helpers shared by adapter normalization. Payloads have passed through
// normalizeJSONNumbers, so numbers are int64 or float64.

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func floatPtr(v float64) *float64 { return &v }
