package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/chosenoffset/telesync/pkg/telesync/incident"
)

// Redis mirror defaults.
const (
	DefaultMirrorKey    = "telesync:incidents"
	DefaultMirrorMaxLen = 1000
	mirrorTimeout       = 2 * time.Second
)

// ListStore is the subset of the Redis API the mirror uses.
type ListStore interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

// RedisMirror copies every incident to a capped Redis list, newest
// first, so other processes can follow the incident feed.
type RedisMirror struct {
	store  ListStore
	key    string
	maxLen int64
}

// NewRedisClient connects to addr and checks the connection.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:       addr,
		MaxRetries: 3,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

// NewRedisMirror mirrors into key, keeping at most maxLen entries.
func NewRedisMirror(store ListStore, key string, maxLen int) *RedisMirror {
	if key == "" {
		key = DefaultMirrorKey
	}
	if maxLen <= 0 {
		maxLen = DefaultMirrorMaxLen
	}
	return &RedisMirror{store: store, key: key, maxLen: int64(maxLen)}
}

func (m *RedisMirror) Handle(action Action) error {
	data, err := json.Marshal(action.Incident)
	if err != nil {
		return fmt.Errorf("failed to marshal incident: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	if err := m.store.LPush(ctx, m.key, data).Err(); err != nil {
		return fmt.Errorf("failed to mirror incident: %w", err)
	}
	if err := m.store.LTrim(ctx, m.key, 0, m.maxLen-1).Err(); err != nil {
		return fmt.Errorf("failed to trim incident list: %w", err)
	}
	return nil
}

// Recent reads back up to n mirrored incidents, newest first.
func (m *RedisMirror) Recent(ctx context.Context, n int) ([]incident.Incident, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := m.store.LRange(ctx, m.key, 0, int64(n)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read incident list: %w", err)
	}
	out := make([]incident.Incident, 0, len(rows))
	for _, row := range rows {
		var inc incident.Incident
		if err := json.Unmarshal([]byte(row), &inc); err != nil {
			continue
		}
		out = append(out, inc)
	}
	return out, nil
}
