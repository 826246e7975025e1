package subscribers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/rmacdonaldsmith/mercurehub/internal/subscriber"
)

// CensusKey is the Redis hash holding one field per hub instance
const CensusKey = "mercure-subscribers"

// Census is a cluster-wide map of instance id to subscriber summaries.
type Census interface {
	// Publish replaces the summaries of one instance
	Publish(ctx context.Context, instanceID string, summaries []subscriber.Summary) error

	// All returns the summaries of every instance
	All(ctx context.Context) ([]subscriber.Summary, error)

	// Remove deletes the entry of one instance
	Remove(ctx context.Context, instanceID string) error
}

// RedisCensus stores the census in a Redis hash.
type RedisCensus struct {
	client redis.UniversalClient
}

// NewRedisCensus creates a census on an existing client.
func NewRedisCensus(client redis.UniversalClient) *RedisCensus {
	return &RedisCensus{client: client}
}

func field(instanceID string) string {
	return "process-" + instanceID
}

// Publish writes the instance's summaries as a JSON array.
func (c *RedisCensus) Publish(ctx context.Context, instanceID string, summaries []subscriber.Summary) error {
	if summaries == nil {
		summaries = []subscriber.Summary{}
	}

	payload, err := json.Marshal(summaries)
	if err != nil {
		return fmt.Errorf("failed to encode census: %w", err)
	}

	if err := c.client.HSet(ctx, CensusKey, field(instanceID), payload).Err(); err != nil {
		return fmt.Errorf("failed to write census for %s: %w", instanceID, err)
	}
	return nil
}

// All reads every instance's entry and concatenates them.
func (c *RedisCensus) All(ctx context.Context) ([]subscriber.Summary, error) {
	values, err := c.client.HVals(ctx, CensusKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read census: %w", err)
	}

	all := make([]subscriber.Summary, 0)
	for _, value := range values {
		var summaries []subscriber.Summary
		if err := json.Unmarshal([]byte(value), &summaries); err != nil {
			return nil, fmt.Errorf("failed to decode census entry: %w", err)
		}
		all = append(all, summaries...)
	}
	return all, nil
}

// Remove deletes the instance's field.
func (c *RedisCensus) Remove(ctx context.Context, instanceID string) error {
	if err := c.client.HDel(ctx, CensusKey, field(instanceID)).Err(); err != nil {
		return fmt.Errorf("failed to remove census for %s: %w", instanceID, err)
	}
	return nil
}

// Verify that RedisCensus implements the Census interface at compile time
var _ Census = (*RedisCensus)(nil)
