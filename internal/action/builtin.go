package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/shikake/internal/recordfilter"
)

// Built-in action type names.
const (
	TypeHTTPRequest   = "http.request"
	TypeRecordsFilter = "records.filter"
	TypeWait          = "wait"
	TypeNoop          = "noop"
)

// maxResponseBody bounds how much of an HTTP response is kept as a step
// result.
const maxResponseBody = 1 << 20

// BuiltinOptions configures the built-in executors.
type BuiltinOptions struct {
	HTTPClient *http.Client
	Now        func() time.Time
}

// RegisterBuiltins registers http.request, records.filter, wait and noop.
func RegisterBuiltins(r *Registry, opts BuiltinOptions) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r.Register(TypeHTTPRequest, httpRequest(opts.HTTPClient, opts.Now))
	r.Register(TypeRecordsFilter, recordsFilter)
	r.Register(TypeWait, wait(opts.Now))
	r.Register(TypeNoop, func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
}

// httpRequest calls a URL with an optional JSON body. Config keys: url
// (required), method (default POST), headers (object of strings), body (any
// JSON value). A 429 or 503 with Retry-After suspends the step instead of
// failing it.
func httpRequest(client *http.Client, now func() time.Time) Func {
	return func(ctx context.Context, config map[string]any) (map[string]any, error) {
		rawURL, _ := config["url"].(string)
		if rawURL == "" {
			return nil, fmt.Errorf("http.request: url is required")
		}
		u, err := url.Parse(rawURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("http.request: invalid url")
		}
		method := http.MethodPost
		if m, ok := config["method"].(string); ok && m != "" {
			method = strings.ToUpper(m)
		}

		var body io.Reader
		if b, ok := config["body"]; ok && b != nil {
			data, err := json.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("http.request: marshal body: %w", err)
			}
			body = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
		if err != nil {
			return nil, fmt.Errorf("http.request: create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if headers, ok := config["headers"].(map[string]any); ok {
			for k, v := range headers {
				if s, ok := v.(string); ok {
					req.Header.Set(k, s)
				}
			}
		}
		if key := IdempotencyKey(ctx); key != "" && req.Header.Get("Idempotency-Key") == "" {
			req.Header.Set("Idempotency-Key", key)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http.request: %s %s: %w", method, u.Host, err)
		}
		defer func() { _ = resp.Body.Close() }()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return nil, fmt.Errorf("http.request: read response: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			if d, ok := retryAfter(resp.Header.Get("Retry-After"), now()); ok {
				return nil, Suspend(now().Add(d), fmt.Sprintf("%s responded %d", u.Host, resp.StatusCode))
			}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("http.request: %s %s: status %d", method, u.Host, resp.StatusCode)
		}

		result := map[string]any{"status": resp.StatusCode}
		var decoded any
		if len(raw) > 0 && json.Unmarshal(raw, &decoded) == nil {
			result["body"] = decoded
		} else {
			result["body"] = string(raw)
		}
		return result, nil
	}
}

func retryAfter(h string, now time.Time) (time.Duration, bool) {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(h); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := t.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

// recordsFilter filters config.records with config.conditions combined by
// config.logic. Malformed logic fails the step with the logic error.
func recordsFilter(_ context.Context, config map[string]any) (map[string]any, error) {
	records, ok := config["records"].([]any)
	if !ok {
		if config["records"] != nil {
			return nil, fmt.Errorf("records.filter: records must be a list")
		}
		records = nil
	}

	conds, err := decodeConditions(config["conditions"])
	if err != nil {
		return nil, err
	}
	logic, _ := config["logic"].(string)

	f, err := recordfilter.New(conds, logic)
	if err != nil {
		return nil, fmt.Errorf("records.filter: %w", err)
	}
	matched, err := f.Apply(records)
	if err != nil {
		return nil, fmt.Errorf("records.filter: %w", err)
	}
	return map[string]any{"records": matched, "count": len(matched)}, nil
}

func decodeConditions(v any) ([]recordfilter.FieldCondition, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("records.filter: conditions: %w", err)
	}
	var conds []recordfilter.FieldCondition
	if err := json.Unmarshal(data, &conds); err != nil {
		return nil, fmt.Errorf("records.filter: conditions must be a list of {field, operator, value}")
	}
	return conds, nil
}

// wait parks the run until config.until (RFC 3339). It completes once the
// time has passed.
func wait(now func() time.Time) Func {
	return func(_ context.Context, config map[string]any) (map[string]any, error) {
		s, _ := config["until"].(string)
		until, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("wait: until must be an RFC 3339 timestamp")
		}
		if now().Before(until) {
			return nil, Suspend(until, "wait")
		}
		return map[string]any{"waited_until": until.UTC().Format(time.RFC3339)}, nil
	}
}
