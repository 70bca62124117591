package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agentfleet/pkg/config"
	"agentfleet/pkg/logx"
)

// ErrTransport wraps network and timeout failures from a Transport.
var ErrTransport = errors.New("transport error")

// Request is one outbound call.
type Request struct {
	ProviderID string
	Endpoint   string
	Method     string
	Headers    map[string]string
	Payload    []byte
}

// Response is what the dispatcher needs from an upstream reply.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Transport sends requests upstream. Any reply, including 4xx and 5xx, is a
// Response; only failures to get a reply are errors.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// maxResponseBody caps how much of a reply is kept.
const maxResponseBody = 1 << 20

// HTTPTransport sends requests with net/http, resolving relative endpoints
// against each provider's base URL and adding its configured headers.
type HTTPTransport struct {
	client  *http.Client
	baseURL map[string]string
	headers map[string]map[string]string
	logger  *logx.Logger
}

// NewHTTPTransport builds a transport for the configured providers.
func NewHTTPTransport(providers []config.ProviderConfig, timeout time.Duration) *HTTPTransport {
	t := &HTTPTransport{
		client:  &http.Client{Timeout: timeout},
		baseURL: make(map[string]string, len(providers)),
		headers: make(map[string]map[string]string, len(providers)),
		logger:  logx.NewLogger("http-transport"),
	}
	for i := range providers {
		p := &providers[i]
		t.baseURL[p.ID] = strings.TrimSuffix(p.BaseURL, "/")
		t.headers[p.ID] = p.Headers
	}
	return t
}

func (t *HTTPTransport) url(providerID, endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	base := t.baseURL[providerID]
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return base + endpoint
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, r *Request) (*Response, error) {
	method := r.Method
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader = http.NoBody
	if len(r.Payload) > 0 {
		body = bytes.NewReader(r.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.url(r.ProviderID, r.Endpoint), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if len(r.Payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range t.headers[r.ProviderID] {
		req.Header.Set(k, v)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	t.logger.Debug("%s %s", method, req.URL.Redacted())
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrTransport, err)
	}
	return &Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: data}, nil
}
