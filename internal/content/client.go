package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"joybridge/internal/config"
	"joybridge/pkg/types"
)

// Client talks to the content-generation collaborator over its HTTP API.
// Implements interfaces.ContentClient.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a content service client.
func NewClient(cfg config.ContentConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// InitialExperience requests the first experience for a new session.
func (c *Client) InitialExperience(ctx context.Context, req *types.ExperienceRequest) (*types.Experience, error) {
	var experience types.Experience
	if err := c.post(ctx, "/experiences", req, &experience); err != nil {
		return nil, err
	}
	return &experience, nil
}

// Adapt requests adapted content for a dispatched adaptation event.
func (c *Client) Adapt(ctx context.Context, req *types.AdaptationRequest) (*types.Experience, error) {
	var experience types.Experience
	if err := c.post(ctx, "/adaptations", req, &experience); err != nil {
		return nil, err
	}
	return &experience, nil
}

// Ping probes the collaborator's health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("content service unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("content service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("content request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("content service returned status %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode content response: %w", err)
	}
	return nil
}
