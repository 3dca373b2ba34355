package remote

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
)

const defaultRequestTimeout = 30 * time.Second

// HTTPClient talks to the vault server over its REST API. All payloads it
// sends and receives are ciphertext; the transport layer carries no
// plaintext vault content.
type HTTPClient struct {
	baseURL string
	httpc   *http.Client
}

// HTTPOption customizes an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPTransport replaces the underlying http.Client, mainly for tests.
func WithHTTPTransport(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.httpc = c }
}

// NewHTTPClient creates a client for the given API base URL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) (*HTTPClient, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("api base url is not configured")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("invalid api base url %q", baseURL)
	}

	h := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

var _ Client = (*HTTPClient)(nil)

func (h *HTTPClient) Params(ctx context.Context, email string) (*KdfParams, error) {
	var out KdfParams
	body := map[string]string{"email": email}
	if err := h.do(ctx, http.MethodPost, "/auth/params", "", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *HTTPClient) Register(ctx context.Context, req RegisterRequest) (*AuthResult, error) {
	var out AuthResult
	if err := h.do(ctx, http.MethodPost, "/auth/register", "", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *HTTPClient) Login(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	var out AuthResult
	if err := h.do(ctx, http.MethodPost, "/auth/login", "", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *HTTPClient) Refresh(ctx context.Context, token string) (*TokenResult, error) {
	var out TokenResult
	if err := h.do(ctx, http.MethodPost, "/auth/refresh", token, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *HTTPClient) GetManifest(ctx context.Context, token string) (*ManifestRecord, error) {
	var out ManifestRecord
	err := h.do(ctx, http.MethodGet, "/vault/manifest", token, nil, nil, &out)
	if err != nil {
		var ae *APIError
		if errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound {
			return nil, ErrManifestNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (h *HTTPClient) PutManifest(ctx context.Context, token string, payload EncryptedManifest, ifMatch string, baseVersion int64) (*ManifestRecord, error) {
	headers := map[string]string{}
	if ifMatch != "" {
		headers["If-Match"] = ifMatch
	}
	body := struct {
		Payload     EncryptedManifest `json:"manifest"`
		BaseVersion int64             `json:"base_version"`
	}{Payload: payload, BaseVersion: baseVersion}

	var out ManifestRecord
	err := h.do(ctx, http.MethodPut, "/vault/manifest", token, headers, body, &out)
	if err == nil {
		return &out, nil
	}

	var ae *APIError
	if errors.As(err, &ae) && ae.StatusCode == http.StatusPreconditionFailed {
		// The 412 body carries the server's current record so the caller
		// can rebase without a second round trip.
		var current ManifestRecord
		if jsonErr := json.Unmarshal([]byte(ae.Message), &current); jsonErr == nil && current.ETag != "" {
			return nil, &ConflictError{Current: &current}
		}
		return nil, &ConflictError{}
	}
	return nil, err
}

// do performs one JSON request/response cycle. Non-2xx statuses become
// *APIError with the raw body preserved in Message.
func (h *HTTPClient) do(ctx context.Context, method, path, token string, headers map[string]string, in, out interface{}) error {
	var reqBody io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err = json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", path, err)
		}
	}
	return nil
}
