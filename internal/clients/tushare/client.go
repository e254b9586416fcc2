// Package tushare provides a client for the Tushare Pro HTTP API.
// Every call is a POST of {api_name, token, params, fields} returning a column-oriented table.
// The client does no rate limiting or retrying of its own; the provider gateway owns both.
package tushare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultBaseURL = "http://api.tushare.pro"

// Client is the Tushare Pro API client
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        zerolog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithBaseURL overrides the API endpoint
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithTimeout sets the per-request HTTP timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a new Tushare client
func NewClient(token string, log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.With().Str("component", "tushare").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Query performs one API call and returns its table.
// A non-zero provider code is returned as *APIError, a non-200 status as *HTTPError.
func (c *Client) Query(ctx context.Context, apiName string, params map[string]interface{}, fields []string) (*Table, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	body, err := json.Marshal(Request{
		APIName: apiName,
		Token:   c.token,
		Params:  params,
		Fields:  strings.Join(fields, ","),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{API: apiName, StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	var out Response
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if out.Code != CodeOK {
		return nil, &APIError{API: apiName, Code: out.Code, Msg: out.Msg}
	}
	if out.Data == nil {
		out.Data = &Table{}
	}

	c.log.Debug().
		Str("api", apiName).
		Int("rows", out.Data.Len()).
		Dur("took", time.Since(started)).
		Msg("Provider call completed")

	return out.Data, nil
}
