package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/todo-1m/offline/internal/contracts"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "todo-1m-offline-agent/1"
	maxErrorBody     = 64 << 10
)

// HTTP sends commands as JSON requests to the upstream API.
type HTTP struct {
	baseURL   *url.URL
	client    *http.Client
	token     func() string
	userAgent string

	// OnTransportError is called when a request fails without a response.
	OnTransportError func(error)
	// OnResponse is called whenever the upstream answers, whatever the status.
	OnResponse func()
}

type HTTPOption func(*HTTP)

func WithClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

func WithBearerToken(token func() string) HTTPOption {
	return func(h *HTTP) { h.token = token }
}

func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTP) {
		if d > 0 {
			h.client = &http.Client{Timeout: d}
		}
	}
}

func NewHTTP(baseURL string, opts ...HTTPOption) (*HTTP, error) {
	base, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	h := &HTTP{
		baseURL:   base,
		client:    &http.Client{Timeout: defaultTimeout},
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *HTTP) BaseURL() string {
	return h.baseURL.String()
}

func (h *HTTP) Execute(ctx context.Context, endpoint string, method contracts.Method, payload json.RawMessage) (json.RawMessage, error) {
	target, err := h.resolve(endpoint)
	if err != nil {
		return nil, &contracts.APIError{Status: http.StatusBadRequest, Message: err.Error()}
	}

	var body io.Reader
	if len(payload) > 0 && string(payload) != "null" {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, string(method), target, body)
	if err != nil {
		return nil, &contracts.APIError{Status: http.StatusBadRequest, Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", h.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.token != nil {
		if tok := strings.TrimSpace(h.token()); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	if id := CommandID(ctx); id != "" {
		req.Header.Set("Idempotency-Key", id)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return nil, contracts.NewOfflineError("request canceled")
		}
		if h.OnTransportError != nil {
			h.OnTransportError(err)
		}
		return nil, contracts.AsAPIError(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if h.OnResponse != nil {
		h.OnResponse()
	}

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, decodeError(resp.StatusCode, raw)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, contracts.AsAPIError(fmt.Errorf("read response: %w", err))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		// Non-JSON success bodies are wrapped as a JSON string.
		quoted, _ := json.Marshal(string(raw))
		return quoted, nil
	}
	return raw, nil
}

func (h *HTTP) resolve(endpoint string) (string, error) {
	rel, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if rel.IsAbs() || rel.Host != "" {
		return "", fmt.Errorf("endpoint %q must be a path", endpoint)
	}
	u := h.baseURL.JoinPath(rel.Path)
	u.RawQuery = rel.RawQuery
	return u.String(), nil
}

type errorBody struct {
	Error   string              `json:"error"`
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors"`
}

func decodeError(status int, raw []byte) *contracts.APIError {
	apiErr := &contracts.APIError{Status: status}
	var body errorBody
	if len(raw) > 0 && json.Unmarshal(raw, &body) == nil {
		apiErr.Message = body.Message
		if apiErr.Message == "" {
			apiErr.Message = body.Error
		}
		apiErr.Errors = body.Errors
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func parseBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("upstream base url is required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url %q: %w", raw, err)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
