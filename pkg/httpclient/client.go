package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Client publishes to and queries a hub over HTTP
type Client struct {
	config     Config
	httpClient *http.Client
	hubURL     *url.URL
}

// NewClient creates a new hub HTTP client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	// Validate required config
	if config.HubURL == "" {
		return nil, fmt.Errorf("HubURL is required")
	}

	hubURL, err := url.Parse(config.HubURL)
	if err != nil {
		return nil, fmt.Errorf("invalid HubURL: %w", err)
	}
	if hubURL.Scheme == "" || hubURL.Host == "" {
		return nil, fmt.Errorf("invalid HubURL: %q is not absolute", config.HubURL)
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		hubURL:     hubURL,
	}, nil
}

// SetToken sets the bearer token
func (c *Client) SetToken(token string) {
	c.config.Token = token
}

// Publish posts an update and returns the id the hub assigned to it
func (c *Client) Publish(ctx context.Context, req PublishRequest) (string, error) {
	form := url.Values{}
	for _, topic := range req.Topics {
		form.Add("topic", topic)
	}
	form.Set("data", req.Data)
	for _, target := range req.Targets {
		form.Add("target", target)
	}
	if req.ID != "" {
		form.Set("id", req.ID)
	}
	if req.Type != "" {
		form.Set("type", req.Type)
	}
	if req.Retry > 0 {
		form.Set("retry", strconv.Itoa(req.Retry))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.hubURL.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to publish update: %w", err)
	}
	return string(body), nil
}

// Subscribers lists the subscribers across the cluster. It needs a publisher
// token allowed to publish to every target.
func (c *Client) Subscribers(ctx context.Context) (*SubscribersResponse, error) {
	u := *c.hubURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/subscribers"

	var resp SubscribersResponse
	if err := c.getJSON(ctx, u.String(), &resp); err != nil {
		return nil, fmt.Errorf("failed to list subscribers: %w", err)
	}
	return &resp, nil
}

// Health returns the health status of the hub instance
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	healthURL := c.hubURL.ResolveReference(&url.URL{Path: "/healthz"})

	var resp HealthResponse
	if err := c.getJSON(ctx, healthURL.String(), &resp); err != nil {
		return nil, fmt.Errorf("failed to get health status: %w", err)
	}
	return &resp, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// do sends req with the bearer token and returns the body of a successful response
func (c *Client) do(req *http.Request) ([]byte, error) {
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, apiError(resp.StatusCode, body)
	}
	return body, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
}

func apiError(status int, body []byte) *APIError {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Message == "" {
		return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	}
	return &APIError{StatusCode: status, Message: errResp.Message}
}
