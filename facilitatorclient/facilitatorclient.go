// Package facilitatorclient is a typed HTTP client for a facilitator service.
package facilitatorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/x402-foundation/settlex"
)

const (
	headerContentType   = "Content-Type"
	mimeApplicationJSON = "application/json"

	authHeaderVerify    = "verify"
	authHeaderSettle    = "settle"
	authHeaderSupported = "supported"
)

// Config configures a facilitator client.
type Config struct {
	URL     string
	Timeout time.Duration
	// CreateAuthHeaders returns per-operation headers keyed by operation name
	// ("verify", "settle", "supported"). Nil disables auth.
	CreateAuthHeaders func() (map[string]map[string]string, error)
}

// Client calls a facilitator's verify, settle, supported, and status
// endpoints.
type Client struct {
	url               string
	httpClient        *http.Client
	createAuthHeaders func() (map[string]map[string]string, error)
}

// New creates a facilitator client.
func New(config Config) *Client {
	httpCli := &http.Client{}
	if config.Timeout > 0 {
		httpCli.Timeout = config.Timeout
	}
	return &Client{
		url:               config.URL,
		httpClient:        httpCli,
		createAuthHeaders: config.CreateAuthHeaders,
	}
}

// Verify asks the facilitator to check a payment without settling it.
func (c *Client) Verify(ctx context.Context, payload *settlex.PaymentPayload, requirements *settlex.PaymentRequirements) (*settlex.VerifyResponse, error) {
	body := settlex.VerifyRequest{
		X402Version:         payload.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}

	var resp settlex.VerifyResponse
	if err := c.post(ctx, "/verify", authHeaderVerify, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Settle asks the facilitator to execute a payment. Compliance is optional;
// passing it requests a durable receipt alongside the settlement.
func (c *Client) Settle(ctx context.Context, payload *settlex.PaymentPayload, requirements *settlex.PaymentRequirements, compliance *settlex.ComplianceInput) (*settlex.SettleResponse, error) {
	body := settlex.SettleRequest{
		X402Version:         payload.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
		Compliance:          compliance,
	}

	var resp settlex.SettleResponse
	if err := c.post(ctx, "/settle", authHeaderSettle, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Supported retrieves the payment kinds and extensions the facilitator
// advertises.
func (c *Client) Supported(ctx context.Context) (*settlex.SupportedResponse, error) {
	var resp settlex.SupportedResponse
	if err := c.get(ctx, "/supported", authHeaderSupported, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status looks up the state of one (authorizer, nonce) pair.
func (c *Client) Status(ctx context.Context, network, authorizer, nonce string) (*settlex.NonceStatus, error) {
	path := fmt.Sprintf("/settlements/%s/%s/%s",
		url.PathEscape(network), url.PathEscape(authorizer), url.PathEscape(nonce))

	var resp settlex.NonceStatus
	if err := c.get(ctx, path, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path, authKey string, body, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)

	return c.do(req, authKey, out)
}

func (c *Client) get(ctx context.Context, path, authKey string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)

	return c.do(req, authKey, out)
}

func (c *Client) do(req *http.Request, authKey string, out any) error {
	if err := c.addAuthHeader(req, authKey); err != nil {
		return fmt.Errorf("failed to apply auth headers: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facilitator returned %s for %s", resp.Status, req.URL.Path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) addAuthHeader(req *http.Request, key string) error {
	if c.createAuthHeaders == nil || key == "" {
		return nil
	}

	headers, err := c.createAuthHeaders()
	if err != nil {
		return fmt.Errorf("create auth headers: %w", err)
	}

	actionHeaders, ok := headers[key]
	if !ok {
		return nil
	}
	for headerKey, value := range actionHeaders {
		req.Header.Set(headerKey, value)
	}
	return nil
}
