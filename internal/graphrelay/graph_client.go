package graphrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

type GraphClientOptions struct {
	BaseURL    string
	Tokens     *TokenManager
	HTTPClient *http.Client
	UserAgent  string
	Logger     *zap.Logger
}

// GraphClient is the thin request executor: it injects the current bearer
// token, delegates a 401 to the token manager and replays the request exactly
// once, and follows @odata.nextLink continuations for collection endpoints.
// Non-2xx, non-401 responses surface as *UpstreamError and are never retried.
type GraphClient struct {
	baseURL    string
	tokens     *TokenManager
	httpClient *http.Client
	userAgent  string
	logger     *zap.Logger
}

func NewGraphClient(opts GraphClientOptions) *GraphClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://graph.microsoft.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphClient{
		baseURL:    baseURL,
		tokens:     opts.Tokens,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		logger:     logger,
	}
}

// Do issues one authenticated request against a path relative to the Graph
// base URL and decodes a 2xx JSON body into out when out is non-nil.
func (c *GraphClient) Do(ctx context.Context, method, path string, payload, out any) error {
	body, err := c.execute(ctx, method, c.absoluteURL(path), payload)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

type collectionPage struct {
	Value    []json.RawMessage `json:"value"`
	NextLink string            `json:"@odata.nextLink"`
}

// List fetches a collection endpoint and follows nextLink continuations until
// the field is absent, returning the concatenation of all pages in order.
func (c *GraphClient) List(ctx context.Context, path string) ([]json.RawMessage, error) {
	items := make([]json.RawMessage, 0)
	next := c.absoluteURL(path)
	for next != "" {
		body, err := c.execute(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, err
		}
		var page collectionPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("invalid collection response: %w", err)
		}
		items = append(items, page.Value...)
		next = strings.TrimSpace(page.NextLink)
	}
	return items, nil
}

func (c *GraphClient) execute(ctx context.Context, method, requestURL string, payload any) ([]byte, error) {
	if c == nil || c.tokens == nil {
		return nil, fmt.Errorf("graph client requires a token manager")
	}
	var encoded []byte
	if payload != nil {
		var err error
		encoded, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	token, err := c.tokens.AccessToken()
	if err != nil {
		return nil, err
	}

	status, body, err := c.send(ctx, method, requestURL, encoded, token)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		refreshed, refreshErr := c.tokens.RefreshAfterUnauthorized(ctx, token)
		if refreshErr != nil {
			return nil, refreshErr
		}
		status, body, err = c.send(ctx, method, requestURL, encoded, refreshed)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			// a second 401 on the replay means the refreshed token is no
			// good either; give up rather than loop on the token endpoint
			c.tokens.MarkAuthExpired("request rejected after token refresh")
			return nil, fmt.Errorf("%w: request rejected after token refresh", ErrAuthExpired)
		}
	}
	if status < 200 || status > 299 {
		return nil, &UpstreamError{Status: status, Body: string(body)}
	}
	return body, nil
}

func (c *GraphClient) send(ctx context.Context, method, requestURL string, encoded []byte, token string) (int, []byte, error) {
	var reader io.Reader
	if encoded != nil {
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if encoded != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return 0, nil, readErr
	}
	return resp.StatusCode, body, nil
}

func (c *GraphClient) absoluteURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}
