// Package proxy forwards GIS requests through an HTTP relay for services that
// cannot be reached directly.
package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jobrunner/parcelmaps/internal/ports/output"
)

// DefaultTimeout bounds a forwarded request when the caller sets none.
const DefaultTimeout = 60 * time.Second

// Config holds proxy settings.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// Client implements output.Proxy.
type Client struct {
	client *http.Client
	config Config
	logger *slog.Logger
}

// New creates a proxy client for the relay at cfg.Endpoint.
func New(httpClient *http.Client, cfg Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("proxy endpoint is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{client: httpClient, config: cfg, logger: logger}, nil
}

type forwardRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

type resourceReply struct {
	ResourceURL string `json:"resourceUrl"`
}

// Forward sends req through the relay. A reply carrying a resourceUrl is
// returned as a resource to fetch; any other JSON reply is returned as is.
func (c *Client) Forward(ctx context.Context, req output.ProxyRequest) (*output.ProxyResponse, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	payload := forwardRequest{URL: req.URL, Method: method}
	if len(req.Header) > 0 {
		payload.Headers = make(map[string]string, len(req.Header))
		for k := range req.Header {
			payload.Headers[k] = req.Header.Get(k)
		}
	}
	if len(req.Body) > 0 {
		payload.Body = base64.StdEncoding.EncodeToString(req.Body)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode proxy request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("proxy request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proxy request failed with status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read proxy response: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("proxy returned non-JSON content %q", resp.Header.Get("Content-Type"))
	}

	var reply resourceReply
	if err := json.Unmarshal(body, &reply); err == nil && reply.ResourceURL != "" {
		c.logger.Debug("proxy returned resource", "url", req.URL)
		return &output.ProxyResponse{ResourceURL: reply.ResourceURL}, nil
	}
	return &output.ProxyResponse{JSON: body}, nil
}
