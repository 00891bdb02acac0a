package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPInvokerConfig configures the generic HTTP API tool.
type HTTPInvokerConfig struct {
	// Timeout bounds a single call. Zero means 30s.
	Timeout time.Duration
	// RateLimit caps outgoing requests per second; zero disables limiting.
	RateLimit float64
	// Burst is the limiter burst size, defaulting to 1 when limiting is on.
	Burst int
}

// HTTPInvoker is the adapter behind API tool nodes: it performs one HTTP
// request described by the node's resolved parameters. Calls are rate-limited
// so a fan-out of tool nodes cannot hammer a tenant's API.
type HTTPInvoker struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewHTTPInvoker creates the HTTP API adapter.
func NewHTTPInvoker(cfg HTTPInvokerConfig, logger *zap.Logger) *HTTPInvoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &HTTPInvoker{
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		logger:  logger.With(zap.String("component", "http_invoker")),
	}
}

func (h *HTTPInvoker) Name() string { return "api" }

// Invoke performs the request described by params:
//
//	url     string (required)
//	method  string (default GET)
//	headers map[string]any
//	query   map[string]any
//	body    any (JSON-encoded when present)
//
// The result is {"status": <code>, "data": <decoded body>}; non-JSON bodies
// come back as strings.
func (h *HTTPInvoker) Invoke(ctx context.Context, params map[string]any) (any, error) {
	rawURL, _ := params["url"].(string)
	if rawURL == "" {
		return nil, fmt.Errorf("api tool requires a url parameter")
	}
	method, _ := params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var bodyReader io.Reader
	if body, ok := params["body"]; ok && body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}
	if query, ok := params["query"].(map[string]any); ok && len(query) > 0 {
		q := url.Values{}
		for k, v := range query {
			q.Set(k, fmt.Sprint(v))
		}
		req.URL.RawQuery = q.Encode()
	}

	started := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	h.logger.Debug("api call completed",
		zap.String("method", method),
		zap.String("url", rawURL),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(started)),
	)

	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		data = string(raw)
	}
	return map[string]any{
		"status": resp.StatusCode,
		"data":   data,
	}, nil
}
