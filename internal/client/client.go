package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"nodectl/internal/config"
	"nodectl/internal/logging"
	"nodectl/internal/types"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultSyncTimeout = 5 * time.Minute
)

// Client talks to the node backend. Synchronous job requests run under a
// longer timeout than the other endpoints; streams have none.
type Client struct {
	baseURL     string
	tokenPath   string
	token       string
	http        *http.Client
	syncTimeout time.Duration
	logger      logging.Logger
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

func WithSyncTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.syncTimeout = timeout
		}
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(c *Client) {
		c.logger = logging.OrNop(logger)
	}
}

func New(cfg config.Config, opts ...Option) (*Client, error) {
	tokenPath, err := cfg.TokenFile()
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:     cfg.BaseURL(),
		tokenPath:   tokenPath,
		token:       cfg.Token(),
		http:        &http.Client{Timeout: cfg.RequestTimeout()},
		syncTimeout: defaultSyncTimeout,
		logger:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.token == "" {
		if err := c.loadToken(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func NewWithBaseURL(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		http:        &http.Client{Timeout: defaultTimeout},
		syncTimeout: defaultSyncTimeout,
		logger:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// CountNodes asks for the number of nodes matching filter minus exclude. It
// never requests the matching ids.
func (c *Client) CountNodes(ctx context.Context, filter map[string]string, exclude []string) (int, error) {
	var resp CountResponse
	req := CountRequest{Filter: filter, ExcludeIDs: exclude}
	if err := c.doJSON(ctx, http.MethodPost, "/api/nodes/count", req, nil, &resp); err != nil {
		return 0, err
	}
	if resp.Count < 0 {
		return 0, nil
	}
	return resp.Count, nil
}

// RunSync executes a below-threshold operation and returns its terminal body.
func (c *Client) RunSync(ctx context.Context, kind types.SessionKind, body any) (*types.SyncResult, error) {
	var result types.SyncResult
	path := "/api/jobs/" + url.PathEscape(string(kind)) + "/run"
	if err := c.doJSONWithTimeout(ctx, http.MethodPost, path, body, nil, &result, c.syncTimeout); err != nil {
		return nil, err
	}
	result.Kind = kind
	return &result, nil
}

// SubmitAsync starts a background job and returns its backend session id.
func (c *Client) SubmitAsync(ctx context.Context, kind types.SessionKind, body any, idempotencyKey string) (string, error) {
	var resp SubmitResponse
	headers := map[string]string{}
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		headers["Idempotency-Key"] = key
	}
	path := "/api/jobs/" + url.PathEscape(string(kind))
	if err := c.doJSON(ctx, http.MethodPost, path, body, headers, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.SessionID) == "" {
		return "", errors.New("backend returned no session id")
	}
	return resp.SessionID, nil
}

func (c *Client) GetProgress(ctx context.Context, sessionID string) (*types.ProgressMessage, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("session id is required")
	}
	var msg types.ProgressMessage
	if err := c.doJSON(ctx, http.MethodGet, sessionPath(sessionID, "progress"), nil, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) CancelSession(ctx context.Context, sessionID string) (*CancelResponse, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("session id is required")
	}
	var resp CancelResponse
	if err := c.doJSON(ctx, http.MethodPost, sessionPath(sessionID, "cancel"), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func sessionPath(sessionID, action string) string {
	return "/api/jobs/sessions/" + url.PathEscape(strings.TrimSpace(sessionID)) + "/" + action
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	return c.doJSONWithClient(ctx, method, path, body, headers, out, c.http)
}

func (c *Client) doJSONWithTimeout(ctx context.Context, method, path string, body any, headers map[string]string, out any, timeout time.Duration) error {
	client := c.http
	if timeout > 0 {
		var transport http.RoundTripper
		if c.http != nil {
			transport = c.http.Transport
		}
		client = &http.Client{
			Timeout:   timeout,
			Transport: transport,
		}
	}
	return c.doJSONWithClient(ctx, method, path, body, headers, out, client)
}

func (c *Client) doJSONWithClient(ctx context.Context, method, path string, body any, headers map[string]string, out any, httpClient *http.Client) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	c.authorize(req)

	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.logger.Debug("backend_request",
		logging.F("method", method),
		logging.F("path", path),
		logging.F("status", resp.StatusCode),
		logging.F("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// The token is optional; requests go out unauthenticated when none is configured.
func (c *Client) authorize(req *http.Request) {
	if token := strings.TrimSpace(c.token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) loadToken() error {
	if strings.TrimSpace(c.tokenPath) == "" {
		return nil
	}
	data, err := os.ReadFile(c.tokenPath)
	if err != nil {
		if os.IsNotExist(err) {
			c.token = ""
			return nil
		}
		return err
	}
	c.token = strings.TrimSpace(string(data))
	return nil
}

func decodeAPIError(resp *http.Response) error {
	type errorPayload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	var payload errorPayload
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	if payload.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: payload.Error}
	}
	if payload.Detail != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: payload.Detail}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
}

type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Message)
}

func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}
