package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loomrun/loom/pkg/schema"
)

// HTTPConfig configures the http.request handler.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// Param helpers used by all handler files.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer", "basic", "api_key"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"}
      }
    },
    "timeout": {"type": "string"},
    "fail_on_error_status": {"type": "boolean", "default": false}
  },
  "required": ["url"]
}`

// HTTPRequestHandler implements the "http.request" handler, the outbound
// integration point of automated steps: notify external systems, fetch data,
// trigger downstream services.
type HTTPRequestHandler struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPRequestHandler creates an http.request handler.
func NewHTTPRequestHandler(cfg HTTPConfig) *HTTPRequestHandler {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPRequestHandler{
		config: cfg,
		client: &http.Client{},
	}
}

func (h *HTTPRequestHandler) Name() string { return "http.request" }

func (h *HTTPRequestHandler) Info() Info {
	return Info{
		Name:        "http.request",
		Description: "Execute an HTTP request with control over method, headers, body and auth.",
		InputSchema: json.RawMessage(httpRequestInputSchema),
	}
}

func (h *HTTPRequestHandler) Validate(params map[string]any) error {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "http.request: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", rawURL)
	}
	return nil
}

func (h *HTTPRequestHandler) Execute(ctx context.Context, req Request) (any, error) {
	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := h.Validate(params); err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(params, "method", "GET"))
	rawURL := stringParam(params, "url", "")

	timeout := h.config.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	bodyReader, contentType, err := buildRequestBody(params)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http.request: failed to create request").WithCause(err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	applyHeaders(httpReq, params)
	applyAuth(httpReq, params)

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	result, err := h.parseResponse(resp, time.Since(start))
	if err != nil {
		return nil, err
	}

	if boolParam(params, "fail_on_error_status", false) && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "http.request: server returned %d", resp.StatusCode).
			WithDetails(result)
	}
	return result, nil
}

// buildRequestBody JSON-encodes the body param. String bodies are sent as-is.
func buildRequestBody(params map[string]any) (io.Reader, string, error) {
	rawBody, ok := params["body"]
	if !ok || rawBody == nil {
		return nil, "", nil
	}
	if s, ok := rawBody.(string); ok {
		return strings.NewReader(s), "text/plain", nil
	}
	b, err := json.Marshal(rawBody)
	if err != nil {
		return nil, "", schema.NewError(schema.ErrCodeExecution, "http.request: failed to marshal body as JSON").WithCause(err)
	}
	return strings.NewReader(string(b)), "application/json", nil
}

func applyHeaders(req *http.Request, params map[string]any) {
	hdrs, ok := params["headers"].(map[string]any)
	if !ok {
		return
	}
	for k, v := range hdrs {
		req.Header.Set(k, fmt.Sprintf("%v", v))
	}
}

func applyAuth(req *http.Request, params map[string]any) {
	auth, ok := params["auth"].(map[string]any)
	if !ok {
		return
	}
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}

// parseResponse reads the body (size-limited) and decodes JSON responses.
func (h *HTTPRequestHandler) parseResponse(resp *http.Response, elapsed time.Duration) (map[string]any, error) {
	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, h.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http.request: failed to read response body").WithCause(err)
	}

	contentType := resp.Header.Get("Content-Type")
	var parsedBody any
	switch {
	case len(bodyBytes) == 0:
		parsedBody = nil
	case strings.Contains(contentType, "application/json"):
		var jsonBody any
		if err := json.Unmarshal(bodyBytes, &jsonBody); err == nil {
			parsedBody = jsonBody
		} else {
			parsedBody = string(bodyBytes)
		}
	default:
		parsedBody = string(bodyBytes)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      headers,
		"body":         parsedBody,
		"content_type": contentType,
		"duration_ms":  elapsed.Milliseconds(),
	}, nil
}
