package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tradeassist/gateway/internal/model"
)

// Client is the REST client for the assistant server, the system of
// record for proposals and decisions.
type Client struct {
	apiURL     string
	token      CredentialProvider
	httpClient *http.Client
}

// APIError is a non-2xx response from the assistant server.
type APIError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("assistant API error (status %d): %s", e.StatusCode, e.Message)
}

// NewClient creates a new assistant REST client. The credential provider
// may be nil for endpoints that accept anonymous calls.
func NewClient(apiURL string, creds CredentialProvider) *Client {
	return &Client{
		apiURL: strings.TrimRight(apiURL, "/"),
		token:  creds,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WebSocketURL derives the streaming endpoint from the API origin:
// scheme upgraded (http→ws, https→wss), path /ws.
func (c *Client) WebSocketURL() (string, error) {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return "", fmt.Errorf("invalid api url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// Already a websocket origin
	default:
		return "", fmt.Errorf("unsupported api url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// HealthStatus is the server's liveness report.
type HealthStatus struct {
	Status string `json:"status"`
	Redis  string `json:"redis,omitempty"`
}

// Health probes the server's REST liveness endpoint. Kept independent of
// the streaming channel so the two signals never mask each other.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var out HealthStatus
	if err := c.doRequest(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// proposalsResponse accepts both response shapes the server has used: a
// wrapped object and a bare array.
type proposalsResponse struct {
	Proposals []model.Proposal `json:"proposals"`
}

// GetProposals retrieves all currently known proposals.
func (c *Client) GetProposals(ctx context.Context) ([]model.Proposal, error) {
	body, err := c.doRaw(ctx, http.MethodGet, "/proposals", nil)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []model.Proposal
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("failed to parse proposals: %w", err)
		}
		return list, nil
	}

	var wrapped proposalsResponse
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to parse proposals: %w", err)
	}
	return wrapped.Proposals, nil
}

// DecisionResponse is the server's answer to a submitted decision.
// Executed reports the downstream order placement; a recorded decision
// with a failed execution comes back as 200 + executed:false + error.
type DecisionResponse struct {
	Executed bool   `json:"executed"`
	Error    string `json:"error,omitempty"`
}

// SubmitDecision records an approve/reject decision with the system of
// record. The caller must not mutate local state unless this returns nil.
func (c *Client) SubmitDecision(ctx context.Context, d model.Decision) (*DecisionResponse, error) {
	var out DecisionResponse
	if err := c.doRequest(ctx, http.MethodPost, "/decisions", d, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClearProposals bulk-resets all pending proposals on the server.
func (c *Client) ClearProposals(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodPost, "/clear-proposals", nil, nil)
}

// doRequest performs a JSON request and decodes the response into out
// when out is non-nil.
func (c *Client) doRequest(ctx context.Context, method, path string, body, out interface{}) error {
	raw, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse response from %s: %w", path, err)
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if tok := c.token.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    apiErrorMessage(raw),
		}
	}
	return raw, nil
}

// apiErrorMessage pulls a human-readable message out of an error body,
// falling back to the raw body.
func apiErrorMessage(raw []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		switch {
		case payload.Error != "":
			return payload.Error
		case payload.Message != "":
			return payload.Message
		case payload.Detail != "":
			return payload.Detail
		}
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = "no response body"
	}
	return msg
}
