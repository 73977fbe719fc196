package step

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPStep is a generic authenticated HTTP call, the canonical step
// implementation wrapped by the engine's resilience layer.
//
// Input parameters:
//   - url: target URL (required)
//   - method: GET, POST, PUT, PATCH, or DELETE (defaults to GET)
//   - headers: optional map of request headers
//   - body: optional request body string
//   - json: optional value marshaled as the JSON request body
//     (sets Content-Type: application/json; mutually exclusive with body)
//
// Output:
//   - status_code: HTTP status code
//   - headers: response headers
//   - body: response body as string
//   - json: decoded response body when the response is application/json
//
// Non-2xx responses are failures so the circuit breaker sees them.
type HTTPStep struct {
	client *http.Client
}

// NewHTTPStep creates an HTTP step. A nil client uses http.DefaultClient;
// timeouts come from the call context, not the client.
func NewHTTPStep(client *http.Client) *HTTPStep {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPStep{client: client}
}

// Call implements Handler.
func (h *HTTPStep) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	urlStr, ok := input["url"].(string)
	if !ok || urlStr == "" {
		return nil, fmt.Errorf("url parameter required (string)")
	}

	method := http.MethodGet
	if m, ok := input["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return nil, fmt.Errorf("unsupported HTTP method: %s", method)
	}

	body, contentType, err := requestBody(input)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if headers, ok := input["headers"].(map[string]interface{}); ok {
		for key, value := range headers {
			if valueStr, ok := value.(string); ok {
				req.Header.Set(key, valueStr)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	respHeaders := make(map[string]interface{})
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = values
		}
	}

	result := map[string]interface{}{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        string(respBody),
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var decoded interface{}
		if err := json.Unmarshal(respBody, &decoded); err == nil {
			result["json"] = decoded
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, fmt.Errorf("http %s %s: status %d", method, urlStr, resp.StatusCode)
	}
	return result, nil
}

func requestBody(input map[string]interface{}) (io.Reader, string, error) {
	jsonVal, hasJSON := input["json"]
	bodyStr, hasBody := input["body"].(string)

	if hasJSON && hasBody && bodyStr != "" {
		return nil, "", fmt.Errorf("body and json parameters are mutually exclusive")
	}
	if hasJSON {
		data, err := json.Marshal(jsonVal)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal json body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
	if hasBody && bodyStr != "" {
		return bytes.NewBufferString(bodyStr), "", nil
	}
	return nil, "", nil
}
