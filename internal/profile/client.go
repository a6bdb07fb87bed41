package profile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"joybridge/internal/config"
	"joybridge/pkg/types"
)

// Client serves unified student profiles from the external data
// collaborator's Redis store. Implements interfaces.ProfileClient.
type Client struct {
	rdb       *redis.Client
	keyPrefix string
}

// NewClient creates a profile client over the configured Redis instance.
func NewClient(cfg config.RedisConfig) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr: cfg.Addr,
			DB:   cfg.DB,
		}),
		keyPrefix: cfg.KeyPrefix,
	}
}

// Profile fetches the unified profile for a student.
func (c *Client) Profile(ctx context.Context, studentID string) (*types.StudentProfile, error) {
	data, err := c.rdb.Get(ctx, c.key(studentID)).Bytes()
	if err == redis.Nil {
		return nil, types.NewNotFoundError("student", studentID)
	}
	if err != nil {
		return nil, &types.ServiceUnavailableError{Missing: []string{"profile_store"}}
	}

	var profile types.StudentProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("malformed profile for %s: %w", studentID, err)
	}
	return &profile, nil
}

// Ping probes the store.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying client.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) key(studentID string) string {
	return c.keyPrefix + "profile:" + studentID
}
